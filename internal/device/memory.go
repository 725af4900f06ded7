package device

import (
	"context"
	"sync"

	"github.com/gftdcojp/media-director/internal/block"
	"go.uber.org/zap"
)

// MemoryBackend keeps volumes in process memory.
type MemoryBackend struct {
	mu         sync.RWMutex
	volumes    map[string][][]byte
	totalBytes int64
	logger     *zap.Logger
}

func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	return &MemoryBackend{
		volumes: make(map[string][][]byte),
		logger:  logger,
	}
}

func (m *MemoryBackend) ReadFile(_ context.Context, volume string, file uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files, ok := m.volumes[volume]
	if !ok || int(file) >= len(files) {
		return nil, missing(volume, file)
	}
	return files[file], nil
}

func (m *MemoryBackend) ReadIndex(context.Context, string, uint32) (*block.Index, error) {
	return nil, nil
}

func (m *MemoryBackend) WriteFile(_ context.Context, volume string, file uint32, data []byte, _ *block.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := m.volumes[volume]
	for len(files) <= int(file) {
		files = append(files, nil)
	}
	m.totalBytes += int64(len(data) - len(files[file]))
	files[file] = append([]byte(nil), data...)
	m.volumes[volume] = files

	m.logger.Debug("volume file stored in memory",
		zap.String("volume", volume),
		zap.Uint32("file", file),
		zap.Int("size", len(data)),
	)
	return nil
}

func (m *MemoryBackend) DeleteVolume(_ context.Context, volume string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.volumes[volume] {
		m.totalBytes -= int64(len(f))
	}
	delete(m.volumes, volume)
	return nil
}

func (m *MemoryBackend) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Backend:    "memory",
		Volumes:    int64(len(m.volumes)),
		TotalBytes: m.totalBytes,
	}, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes = nil
	m.totalBytes = 0
	return nil
}

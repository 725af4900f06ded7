package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gftdcojp/media-director/internal/block"
	"go.uber.org/zap"
)

// FileBackend stores each volume as a directory of numbered files with
// block index sidecars.
type FileBackend struct {
	mu      sync.RWMutex
	dataDir string
	logger  *zap.Logger
}

func NewFileBackend(dataDir string, logger *zap.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", dataDir, err)
	}
	return &FileBackend{dataDir: dataDir, logger: logger}, nil
}

func (f *FileBackend) filePath(volume string, file uint32) string {
	return filepath.Join(f.dataDir, volume, fmt.Sprintf("%04d.vol", file))
}

func (f *FileBackend) indexPath(volume string, file uint32) string {
	return filepath.Join(f.dataDir, volume, fmt.Sprintf("%04d.idx", file))
}

func (f *FileBackend) ReadFile(_ context.Context, volume string, file uint32) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.filePath(volume, file))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, missing(volume, file)
	}
	if err != nil {
		return nil, fmt.Errorf("reading volume file: %w", err)
	}
	return data, nil
}

func (f *FileBackend) ReadIndex(_ context.Context, volume string, file uint32) (*block.Index, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.indexPath(volume, file))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}
	return block.DecodeIndex(data)
}

func (f *FileBackend) WriteFile(_ context.Context, volume string, file uint32, data []byte, idx *block.Index) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.filePath(volume, file)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing volume file: %w", err)
	}
	if idx != nil {
		if err := os.WriteFile(f.indexPath(volume, file), idx.Encode(), 0644); err != nil {
			os.Remove(path)
			return fmt.Errorf("writing index file: %w", err)
		}
	}

	f.logger.Debug("volume file stored on disk",
		zap.String("volume", volume),
		zap.String("path", path),
		zap.Int("size", len(data)),
	)
	return nil
}

func (f *FileBackend) DeleteVolume(_ context.Context, volume string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return os.RemoveAll(filepath.Join(f.dataDir, volume))
}

func (f *FileBackend) Stats(_ context.Context) (Stats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st := Stats{Backend: "file"}
	entries, err := os.ReadDir(f.dataDir)
	if err != nil {
		return st, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st.Volumes++
		files, err := os.ReadDir(filepath.Join(f.dataDir, e.Name()))
		if err != nil {
			return st, err
		}
		for _, vf := range files {
			if filepath.Ext(vf.Name()) != ".vol" {
				continue
			}
			if info, err := vf.Info(); err == nil {
				st.TotalBytes += info.Size()
			}
		}
	}
	return st, nil
}

func (f *FileBackend) Close() error {
	return nil
}

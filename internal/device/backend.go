// Package device positions and reads volumes stored on a backend.
//
// A volume is a sequence of files, each a sequence of blocks. Backends
// store whole files; the Device keeps the read position.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/gftdcojp/media-director/pkg/s3util"
	"go.uber.org/zap"
)

var (
	// ErrNoVolume means the backend holds no such volume.
	ErrNoVolume = errors.New("device: volume not found")
	// ErrEndOfMedium is returned past the last file of a volume.
	ErrEndOfMedium = errors.New("device: end of medium")
	// ErrEndOfFile is returned once when a file has been read to its end.
	ErrEndOfFile = errors.New("device: end of file")
	// ErrShortBlock means the block exceeded the read buffer; the buffer
	// has been enlarged and the read can be retried.
	ErrShortBlock = errors.New("device: short block")
	// ErrIO is a data or media error at the current position.
	ErrIO = errors.New("device: I/O error")
	// ErrNotMounted is returned when no volume is mounted.
	ErrNotMounted = errors.New("device: no volume mounted")
)

// Backend stores volume files.
type Backend interface {
	// ReadFile returns one file of a volume. It returns ErrNoVolume when
	// the volume has no file 0 and ErrEndOfMedium for a file past the end.
	ReadFile(ctx context.Context, volume string, file uint32) ([]byte, error)
	// ReadIndex returns the stored block index of a file, or nil.
	ReadIndex(ctx context.Context, volume string, file uint32) (*block.Index, error)
	WriteFile(ctx context.Context, volume string, file uint32, data []byte, idx *block.Index) error
	DeleteVolume(ctx context.Context, volume string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats summarizes a backend.
type Stats struct {
	Backend    string `json:"backend"`
	Volumes    int64  `json:"volumes"`
	TotalBytes int64  `json:"total_bytes"`
}

func missing(volume string, file uint32) error {
	if file == 0 {
		return fmt.Errorf("volume %q: %w", volume, ErrNoVolume)
	}
	return fmt.Errorf("volume %q file %d: %w", volume, file, ErrEndOfMedium)
}

// NewBackend builds the backend configured for a device.
func NewBackend(ctx context.Context, cfg config.DeviceConfig, logger *zap.Logger) (Backend, error) {
	logger = logger.Named("backend").With(zap.String("device", cfg.Name))
	switch cfg.Type {
	case "memory":
		return NewMemoryBackend(logger), nil
	case "file":
		return NewFileBackend(cfg.ArchiveDir, logger)
	case "s3":
		client, err := s3util.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
		}
		return NewS3Backend(client.S3, client.Bucket, client.Prefix, logger), nil
	}
	return nil, fmt.Errorf("device %s: unknown type %q", cfg.Name, cfg.Type)
}

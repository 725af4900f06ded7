package device

import (
	"context"
	"fmt"

	"github.com/gftdcojp/media-director/internal/block"
)

// VolumeWriter appends blocks to a volume file by file.
type VolumeWriter struct {
	backend Backend
	volume  string
	file    uint32
	buf     []byte
	idx     *block.Index
}

func NewVolumeWriter(b Backend, volume string) *VolumeWriter {
	return &VolumeWriter{backend: b, volume: volume, idx: &block.Index{}}
}

// WriteBlock buffers a block for the current file.
func (w *VolumeWriter) WriteBlock(b *block.Block) error {
	w.idx.Add(b.BlockNumber, int64(len(w.buf)), b.BlockLen)
	w.buf = append(w.buf, b.Raw...)
	return nil
}

// WriteEOF stores the current file and starts the next one.
func (w *VolumeWriter) WriteEOF(ctx context.Context) error {
	if err := w.backend.WriteFile(ctx, w.volume, w.file, w.buf, w.idx); err != nil {
		return fmt.Errorf("volume %s file %d: %w", w.volume, w.file, err)
	}
	w.file++
	w.buf = nil
	w.idx = &block.Index{}
	return nil
}

// Close stores any buffered blocks.
func (w *VolumeWriter) Close(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	return w.WriteEOF(ctx)
}

// File returns the number of the file being written.
func (w *VolumeWriter) File() uint32 { return w.file }

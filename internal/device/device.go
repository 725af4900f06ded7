package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/metrics"
	"go.uber.org/zap"
)

// BlockedState records why a device is unavailable to new work.
type BlockedState int

const (
	NotBlocked BlockedState = iota
	Unmounted
	WaitingForSysop
	DoingAcquire
	Mounting
	Releasing
)

func (s BlockedState) String() string {
	switch s {
	case NotBlocked:
		return "not blocked"
	case Unmounted:
		return "unmounted"
	case WaitingForSysop:
		return "waiting for sysop"
	case DoingAcquire:
		return "doing acquire"
	case Mounting:
		return "mounting"
	case Releasing:
		return "releasing"
	}
	return "unknown"
}

// waits reports whether work other than the holder's must wait in s.
func (s BlockedState) waits() bool {
	return s == DoingAcquire || s == Mounting || s == WaitingForSysop
}

type Config struct {
	Name      string
	MediaType string
	Backend   Backend
	// MaxBlockSize sizes the initial read buffer.
	MaxBlockSize int
	Logger       *zap.Logger
}

// Device is one reader position over a backend. All methods are safe for
// concurrent use; a single mutex guards the whole device. While the device
// is being acquired, mounted or waits for the operator, callers other than
// the holder block until the state clears.
type Device struct {
	name      string
	mediaType string
	backend   Backend
	logger    *zap.Logger

	mu      sync.Mutex
	ready   *sync.Cond
	blocked BlockedState
	holder  any
	volume  string
	file    uint32
	block   uint32
	data    []byte
	loaded  bool
	idx     *block.Index
	off     int
	bufSize int
	jobs    []*jobs.Job
}

func New(cfg Config) *Device {
	bufSize := cfg.MaxBlockSize
	if bufSize <= 0 {
		bufSize = block.DefaultBlockSize
	}
	d := &Device{
		name:      cfg.Name,
		mediaType: cfg.MediaType,
		backend:   cfg.Backend,
		logger:    cfg.Logger.Named("device").With(zap.String("device", cfg.Name)),
		blocked:   Unmounted,
		bufSize:   bufSize,
	}
	d.ready = sync.NewCond(&d.mu)
	return d
}

func (d *Device) Name() string      { return d.name }
func (d *Device) MediaType() string { return d.mediaType }
func (d *Device) Backend() Backend  { return d.backend }

func (d *Device) Blocked() BlockedState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocked
}

// SetBlocked forces the state, dropping any holder, and wakes waiters.
// An operator clears WaitingForSysop this way.
func (d *Device) SetBlocked(s BlockedState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setBlocked(s, nil)
}

func (d *Device) setBlocked(s BlockedState, holder any) {
	if s != d.blocked {
		d.logger.Debug("device state", zap.Stringer("from", d.blocked), zap.Stringer("to", s))
	}
	d.blocked = s
	d.holder = holder
	d.ready.Broadcast()
}

// waitReady blocks while the device is held in a waiting state by someone
// other than owner. A nil owner never holds the device. d.mu must be held.
func (d *Device) waitReady(ctx context.Context, owner any) error {
	for d.blocked.waits() && (owner == nil || d.holder != owner) {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop := context.AfterFunc(ctx, func() {
			d.mu.Lock()
			d.ready.Broadcast()
			d.mu.Unlock()
		})
		d.ready.Wait()
		stop()
	}
	return nil
}

// Acquire reserves the device for owner ahead of a mount. It waits until
// no other holder is acquiring, mounting or waiting for the operator.
func (d *Device) Acquire(ctx context.Context, owner any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(ctx, owner); err != nil {
		return err
	}
	d.setBlocked(DoingAcquire, owner)
	return nil
}

// Release gives up a reservation still held by owner. The device is left
// unmounted when nothing was mounted.
func (d *Device) Release(owner any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner == nil || d.holder != owner || !d.blocked.waits() {
		return
	}
	if d.volume == "" {
		d.setBlocked(Unmounted, nil)
		return
	}
	d.setBlocked(NotBlocked, nil)
}

// IsBlocked reports whether the device is in any state other than NotBlocked.
func (d *Device) IsBlocked() bool { return d.Blocked() != NotBlocked }

// Attach records a job using the device.
func (d *Device) Attach(j *jobs.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.jobs, j) {
		d.jobs = append(d.jobs, j)
	}
}

func (d *Device) Detach(j *jobs.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = slices.DeleteFunc(d.jobs, func(x *jobs.Job) bool { return x == j })
}

// Jobs returns the jobs attached to the device.
func (d *Device) Jobs() []*jobs.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.jobs)
}

// Mount loads volume and positions at the start of its first file. owner
// is the holder from Acquire, or nil for an unreserved mount. A failed
// mount leaves the device waiting for the operator, still held by owner.
func (d *Device) Mount(ctx context.Context, owner any, volume string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.waitReady(ctx, owner); err != nil {
		return err
	}
	d.setBlocked(Mounting, owner)
	data, err := d.backend.ReadFile(ctx, volume, 0)
	if err != nil {
		d.setBlocked(WaitingForSysop, owner)
		return fmt.Errorf("mounting %q on %s: %w", volume, d.name, err)
	}
	d.volume = volume
	d.setFile(0, data)
	d.setBlocked(NotBlocked, nil)

	metrics.VolumeMounts.WithLabelValues(d.name).Inc()
	d.logger.Info("volume mounted", zap.String("volume", volume))
	return nil
}

// Unmount releases the current volume.
func (d *Device) Unmount() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.volume != "" {
		d.logger.Info("volume unmounted", zap.String("volume", d.volume))
	}
	d.volume = ""
	d.data = nil
	d.loaded = false
	d.idx = nil
	d.file, d.block, d.off = 0, 0, 0
	d.setBlocked(Unmounted, nil)
}

func (d *Device) setFile(file uint32, data []byte) {
	d.file = file
	d.block = 0
	d.data = data
	d.loaded = true
	d.idx = nil
	d.off = 0
}

// VolumeName returns the mounted volume, or "".
func (d *Device) VolumeName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}

// Position returns the current file and the number of the last block read.
func (d *Device) Position() (file, blk uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file, d.block
}

func (d *Device) load(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	data, err := d.backend.ReadFile(ctx, d.volume, d.file)
	if err != nil {
		return err
	}
	d.setFile(d.file, data)
	return nil
}

// ReadBlock reads the block at the current position and advances past
// it. At the end of a file it returns ErrEndOfFile once and moves to the
// next file; past the last file it returns ErrEndOfMedium.
func (d *Device) ReadBlock(ctx context.Context) (*block.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(ctx, nil); err != nil {
		return nil, err
	}

	if d.volume == "" {
		return nil, ErrNotMounted
	}
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	if d.off >= len(d.data) {
		d.file++
		d.loaded = false
		d.data = nil
		d.off = 0
		return nil, ErrEndOfFile
	}

	h, err := block.ParseHeader(d.data[d.off:])
	if err != nil {
		metrics.ReadErrors.WithLabelValues(d.name, "header").Inc()
		return nil, fmt.Errorf("%w: %s file %d offset %d: %w", ErrIO, d.volume, d.file, d.off, err)
	}
	if int(h.BlockLen) > d.bufSize {
		d.logger.Debug("growing read buffer", zap.Int("from", d.bufSize), zap.Uint32("to", h.BlockLen))
		d.bufSize = int(h.BlockLen)
		metrics.ReadErrors.WithLabelValues(d.name, "short_block").Inc()
		return nil, ErrShortBlock
	}
	blk, err := block.Decode(d.data[d.off:])
	if err != nil {
		metrics.ReadErrors.WithLabelValues(d.name, "block").Inc()
		return nil, fmt.Errorf("%w: %s file %d block %d: %w", ErrIO, d.volume, d.file, h.BlockNumber, err)
	}
	d.off += int(h.BlockLen)
	d.block = h.BlockNumber
	metrics.BlocksRead.WithLabelValues(d.name).Inc()
	return blk, nil
}

// ForwardSpaceRecord skips the block at the current position. When its
// header cannot be parsed the rest of the file is skipped.
func (d *Device) ForwardSpaceRecord(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(ctx, nil); err != nil {
		return err
	}

	if d.volume == "" {
		return ErrNotMounted
	}
	if err := d.load(ctx); err != nil {
		return err
	}
	h, err := block.ParseHeader(d.data[d.off:])
	if err != nil || d.off+int(h.BlockLen) > len(d.data) {
		d.off = len(d.data)
		return nil
	}
	d.off += int(h.BlockLen)
	d.block = h.BlockNumber
	return nil
}

// ForwardSpaceFile moves to the start of the next file.
func (d *Device) ForwardSpaceFile(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(ctx, nil); err != nil {
		return err
	}
	if d.volume == "" {
		return ErrNotMounted
	}
	d.file++
	d.loaded = false
	d.data = nil
	d.off = 0
	d.block = 0
	return d.load(ctx)
}

// Reposition moves to the first block numbered blk or higher in file.
func (d *Device) Reposition(ctx context.Context, file, blk uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(ctx, nil); err != nil {
		return err
	}

	if d.volume == "" {
		return ErrNotMounted
	}
	if file != d.file || !d.loaded {
		data, err := d.backend.ReadFile(ctx, d.volume, file)
		if err != nil {
			return err
		}
		d.setFile(file, data)
	}
	if d.idx == nil {
		idx, err := d.backend.ReadIndex(ctx, d.volume, file)
		if err != nil || idx == nil {
			if err != nil {
				d.logger.Warn("stored index unusable, scanning file", zap.Error(err))
			}
			idx = block.BuildIndex(d.data)
		}
		d.idx = idx
	}
	entry, ok := d.idx.Lookup(blk)
	if !ok {
		d.off = len(d.data)
		return nil
	}
	d.off = int(entry.Offset)
	d.logger.Debug("repositioned",
		zap.String("volume", d.volume), zap.Uint32("file", file), zap.Uint32("block", entry.BlockNumber))
	return nil
}

// IsRecoverable reports whether err only needs a retry or a volume change.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrShortBlock) || errors.Is(err, ErrEndOfFile) || errors.Is(err, ErrEndOfMedium)
}

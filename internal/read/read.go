// Package read reassembles records from volume blocks and delivers them
// to a consumer, switching volumes and honouring a bootstrap filter.
package read

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/bsr"
	"github.com/gftdcojp/media-director/internal/device"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrFatalDevice ends a read on an unrecoverable device or label error.
	ErrFatalDevice = errors.New("read: fatal device error")
	// ErrNoVolume is returned when there is no volume to start reading.
	ErrNoVolume = errors.New("read: no volume to read")
	// ErrCanceled is returned when the job was canceled during the read.
	ErrCanceled = errors.New("read: job canceled")
)

// maxShortBlockRetries bounds re-reads after the device grew its buffer.
const maxShortBlockRetries = 3

// RecordFunc receives each record. Returning false stops the read.
type RecordFunc func(*Record) bool

// MountFunc names the next volume to mount; ok is false when none remains.
type MountFunc func(ctx context.Context) (volume string, ok bool, err error)

type Config struct {
	Device *device.Device
	// BSR restricts the records delivered; nil reads everything.
	BSR *bsr.BSR
	// Volumes lists the volumes to read in order when MountNext is nil.
	// It defaults to the volumes named by BSR.
	Volumes   []string
	MountNext MountFunc
	// Translators are applied to data records in reverse order.
	Translators       []Translator
	ForgeOn           bool
	IgnoreLabelErrors bool
	// Job receives operator messages and is checked for cancellation.
	Job    *jobs.Job
	Logger *zap.Logger
}

// ReadContext is the state of one read session over a device.
type ReadContext struct {
	dev         *device.Device
	bsr         *bsr.BSR
	mountNext   MountFunc
	translators []Translator
	forgeOn     bool
	ignoreLabel bool
	job         *jobs.Job
	logger      *zap.Logger

	volumes  []string
	mounted  []string
	volume   string
	volLabel *block.VolumeLabel

	blk  *block.Block
	off  int
	file uint32

	builders          map[sessionKey]*builder
	expectLabel       bool
	repositionPending bool
	lastFileIndex     int32
	done              bool
	records           uint64
}

func New(cfg Config) *ReadContext {
	rc := &ReadContext{
		dev:         cfg.Device,
		bsr:         cfg.BSR,
		mountNext:   cfg.MountNext,
		translators: cfg.Translators,
		forgeOn:     cfg.ForgeOn,
		ignoreLabel: cfg.IgnoreLabelErrors,
		job:         cfg.Job,
		logger:      cfg.Logger.Named("read").With(zap.String("device", cfg.Device.Name())),
		volumes:     cfg.Volumes,
		builders:    make(map[sessionKey]*builder),
	}
	if len(rc.volumes) == 0 {
		rc.volumes = cfg.BSR.Volumes()
	}
	if rc.mountNext == nil {
		rc.mountNext = rc.nextListedVolume
	}
	if v := cfg.Device.VolumeName(); v != "" {
		rc.volume = v
		rc.mounted = append(rc.mounted, v)
		rc.expectLabel = true
	}
	return rc
}

func (rc *ReadContext) nextListedVolume(context.Context) (string, bool, error) {
	for _, v := range rc.volumes {
		if !slices.Contains(rc.mounted, v) {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Done reports whether the read finished because nothing more can match
// or no volume remains.
func (rc *ReadContext) Done() bool { return rc.done }

// VolumeLabel returns the label of the mounted volume, nil before it was read.
func (rc *ReadContext) VolumeLabel() *block.VolumeLabel { return rc.volLabel }

// Records returns the number of records delivered.
func (rc *ReadContext) Records() uint64 { return rc.records }

func (rc *ReadContext) jmsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	rc.logger.Info(msg)
	if rc.job != nil {
		rc.job.Jmsg("%s", msg)
	}
}

func (rc *ReadContext) mount(ctx context.Context, volume string) error {
	if err := rc.dev.Acquire(ctx, rc); err != nil {
		return err
	}
	if err := rc.dev.Mount(ctx, rc, volume); err != nil {
		return fmt.Errorf("%w: %w", ErrFatalDevice, err)
	}
	rc.volume = volume
	rc.mounted = append(rc.mounted, volume)
	rc.volLabel = nil
	rc.expectLabel = true
	rc.blk = nil
	rc.jmsg("Ready to read from volume %q on device %s.", volume, rc.dev.Name())
	return nil
}

// ReadRecords reads until the filter is satisfied, the volumes run out,
// fn returns false or an unrecoverable error occurs.
func (rc *ReadContext) ReadRecords(ctx context.Context, fn RecordFunc) error {
	if rc.job != nil {
		rc.dev.Attach(rc.job)
		defer rc.dev.Detach(rc.job)
	}
	defer rc.dev.Release(rc)

	if rc.volume == "" {
		volume, ok, err := rc.mountNext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoVolume
		}
		if err := rc.mount(ctx, volume); err != nil {
			return err
		}
	}

	for !rc.done {
		if rc.job != nil && rc.job.Canceled() {
			return ErrCanceled
		}
		ok, err := rc.ReadNextBlockFromDevice(ctx, fn)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !rc.expectLabel && !rc.bsr.MatchBlock(rc.volume, rc.file, rc.blk.Header) {
			if b, ok := rc.builders[sessionKey{rc.blk.VolSessionId, rc.blk.VolSessionTime}]; ok {
				b.reset()
			}
			rc.blk = nil
			continue
		}

	records:
		for {
			rec, status := rc.ReadNextRecordFromBlock()
			switch status {
			case Done:
				return nil
			case NeedMoreData, BlockEmpty:
				break records
			}
			if rc.job != nil && rc.job.Canceled() {
				return ErrCanceled
			}
			cont, err := rc.deliver(rec, fn)
			if err != nil {
				return err
			}
			if !cont {
				rc.done = true
				return nil
			}
		}
	}
	return nil
}

func (rc *ReadContext) deliver(rec *Record, fn RecordFunc) (bool, error) {
	if rc.expectLabel && rec.FileIndex != block.VolLabel && rec.FileIndex != block.PreLabel {
		rc.labelRead()
		err := fmt.Errorf("%w: volume %q does not start with a volume label", block.ErrBadLabel, rc.volume)
		if err := rc.labelError(err); err != nil {
			return false, err
		}
	}
	if rec.IsLabel() {
		if err := rc.processLabel(rec); err != nil {
			return false, err
		}
	} else {
		out, err := rc.translate(rec)
		if err != nil {
			if !rc.forgeOn {
				return false, err
			}
			rc.jmsg("Delivering untranslated record FileIndex=%d: %v", rec.FileIndex, err)
			out = rec
		}
		rec = out
	}
	rc.records++
	metrics.RecordsRead.WithLabelValues(rc.dev.Name()).Inc()
	return fn(rec), nil
}

// processLabel decodes volume and session labels into the read state.
func (rc *ReadContext) processLabel(rec *Record) error {
	key := sessionKey{rec.VolSessionId, rec.VolSessionTime}
	var err error
	switch rec.FileIndex {
	case block.VolLabel, block.PreLabel:
		var vl *block.VolumeLabel
		vl, err = block.DecodeVolumeLabel(rec.Data)
		if err == nil && vl.VolumeName != rc.volume {
			err = fmt.Errorf("%w: wanted volume %q, found %q", block.ErrBadLabel, rc.volume, vl.VolumeName)
		}
		if err == nil {
			rc.volLabel = vl
		}
		rc.labelRead()
	case block.SOSLabel:
		var sl *block.SessionLabel
		sl, err = block.DecodeSessionLabel(rec.Data, false)
		if err == nil {
			rc.builder(key).session = sl
			rec.Session = sl
		}
	case block.EOSLabel:
		var sl *block.SessionLabel
		sl, err = block.DecodeSessionLabel(rec.Data, true)
		if err == nil {
			rec.Session = sl
		}
		delete(rc.builders, key)
	}
	return rc.labelError(err)
}

func (rc *ReadContext) labelError(err error) error {
	if err == nil {
		return nil
	}
	if rc.ignoreLabel || rc.forgeOn {
		rc.jmsg("Ignoring label error on volume %q: %v", rc.volume, err)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatalDevice, err)
}

func (rc *ReadContext) labelRead() {
	rc.expectLabel = false
	if rc.bsr != nil {
		rc.repositionPending = true
	}
}

// ReadNextBlockFromDevice reads the next block into the context. Short
// blocks are retried and file marks crossed. At the end of a volume the
// next one is mounted; when none remains an EOT record is delivered to fn
// and false is returned. Other device errors are fatal unless forge-on is
// set, in which case the damaged block is skipped.
func (rc *ReadContext) ReadNextBlockFromDevice(ctx context.Context, fn RecordFunc) (bool, error) {
	shortBlocks := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if rc.repositionPending {
			rc.repositionPending = false
			more, err := rc.reposition(ctx, fn)
			if err != nil || !more {
				return more, err
			}
		}

		blk, err := rc.dev.ReadBlock(ctx)
		switch {
		case err == nil:
			rc.blk = blk
			rc.off = 0
			rc.file, _ = rc.dev.Position()
			return true, nil

		case errors.Is(err, device.ErrShortBlock):
			shortBlocks++
			if shortBlocks > maxShortBlockRetries {
				return false, fmt.Errorf("%w: %w", ErrFatalDevice, err)
			}

		case errors.Is(err, device.ErrEndOfFile):
			rc.logger.Debug("end of file", zap.String("volume", rc.volume), zap.Uint32("file", rc.file))

		case errors.Is(err, device.ErrEndOfMedium):
			more, err := rc.endOfVolume(ctx, fn)
			if err != nil || !more {
				return more, err
			}

		default:
			if !rc.forgeOn && !rc.ignoreLabel {
				return false, fmt.Errorf("%w: %w", ErrFatalDevice, err)
			}
			rc.jmsg("Forcing past read error on volume %q: %v", rc.volume, err)
			if err := rc.dev.ForwardSpaceRecord(ctx); err != nil {
				return false, fmt.Errorf("%w: %w", ErrFatalDevice, err)
			}
			rc.dropPartials()
		}
	}
}

// reposition jumps forward to the next position the filter wants. When the
// filter wants nothing more from this volume the volume is ended.
func (rc *ReadContext) reposition(ctx context.Context, fn RecordFunc) (bool, error) {
	file, blk, ok := rc.bsr.FindNext(rc.volume)
	if !ok {
		if rc.bsr.IsDone() {
			rc.done = true
			return false, nil
		}
		return rc.endOfVolume(ctx, fn)
	}
	curFile, lastBlock := rc.dev.Position()
	if file < curFile || (file == curFile && blk <= lastBlock+1) {
		return true, nil
	}
	rc.logger.Debug("repositioning",
		zap.String("volume", rc.volume),
		zap.Uint32("from_file", curFile), zap.Uint32("from_block", lastBlock),
		zap.Uint32("file", file), zap.Uint32("block", blk),
	)
	err := rc.dev.Reposition(ctx, file, blk)
	if errors.Is(err, device.ErrEndOfMedium) {
		return rc.endOfVolume(ctx, fn)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFatalDevice, err)
	}
	rc.dropPartials()
	return true, nil
}

// endOfVolume releases the current volume and mounts the next one.
func (rc *ReadContext) endOfVolume(ctx context.Context, fn RecordFunc) (bool, error) {
	file, blk := rc.dev.Position()
	last := rc.volume
	rc.jmsg("End of Volume %q at %d:%d on device %s.", last, file, blk, rc.dev.Name())
	rc.dev.Unmount()
	rc.volume = ""
	rc.volLabel = nil
	rc.blk = nil

	next, ok, err := rc.mountNext(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		eot := &Record{
			VolumeName: last,
			File:       file,
			Block:      blk,
			FileIndex:  block.EOTLabel,
		}
		rc.done = true
		rc.records++
		fn(eot)
		return false, nil
	}
	if err := rc.mount(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

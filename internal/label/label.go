// Package label writes volume labels through a storage daemon and records
// the labeled volumes in the catalog.
package label

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/types"
	"github.com/gftdcojp/media-director/internal/volume"
	"go.uber.org/zap"
)

var (
	ErrPolicy   = errors.New("label: refused by policy")
	ErrArchived = errors.New("label: volume is archived")
)

// PolicyError carries the reason a label command was refused.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

func (e *PolicyError) Unwrap() error { return ErrPolicy }

func refuse(format string, args ...any) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// Command is an operator request to label a new volume or relabel an old one.
type Command struct {
	Target Target
	// StorageId is recorded on the volume; zero leaves it unset.
	StorageId  uint64
	VolumeName string
	// OldName selects relabeling.
	OldName   string
	Pool      string
	MediaType string
	Slot      int
	Drive     int
	InChanger bool
}

func (c *Command) relabel() bool { return c.OldName != "" }

type Config struct {
	Store  catalog.Store
	Lock   *catalog.DBLock
	Dialer Dialer
	Keys   *KeyGenerator
	Logger *zap.Logger
	Now    func() time.Time
}

// Labeler validates label commands, sends them and updates the catalog.
type Labeler struct {
	store  catalog.Store
	lock   *catalog.DBLock
	dialer Dialer
	keys   *KeyGenerator
	logger *zap.Logger
	now    func() time.Time
}

func NewLabeler(cfg Config) *Labeler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	lock := cfg.Lock
	if lock == nil {
		lock = &catalog.DBLock{}
	}
	return &Labeler{
		store:  cfg.Store,
		lock:   lock,
		dialer: cfg.Dialer,
		keys:   cfg.Keys,
		logger: cfg.Logger.Named("label"),
		now:    now,
	}
}

// Label runs the command. The catalog is only changed after the storage
// daemon confirmed the label.
func (l *Labeler) Label(ctx context.Context, cmd Command, out Output) (*catalog.MediaRecord, error) {
	pool, old, err := l.validate(ctx, &cmd)
	if err != nil {
		return nil, err
	}

	req := WireRequest{
		Relabel:      cmd.relabel(),
		VolumeName:   cmd.VolumeName,
		OldName:      cmd.OldName,
		PoolName:     pool.Name,
		MediaType:    cmd.MediaType,
		Slot:         cmd.Slot,
		Drive:        cmd.Drive,
		MinBlocksize: pool.MinBlocksize,
		MaxBlocksize: pool.MaxBlocksize,
	}
	volBytes, err := SendLabelRequest(ctx, l.dialer, cmd.Target, req, out)
	if err != nil {
		l.logger.Warn("label request failed", zap.String("volume", cmd.VolumeName), zap.Error(err))
		return nil, err
	}

	defer l.lock.Acquire()()
	if cmd.relabel() {
		return l.recordRelabel(ctx, &cmd, pool, old, volBytes)
	}
	return l.recordLabel(ctx, &cmd, pool, volBytes)
}

func (l *Labeler) validate(ctx context.Context, cmd *Command) (*catalog.PoolRecord, *catalog.MediaRecord, error) {
	defer l.lock.Acquire()()

	if ok, reason := volume.IsVolumeNameLegal(cmd.VolumeName); !ok {
		return nil, nil, refuse("%s", reason)
	}
	if existing, err := l.store.GetMediaByName(ctx, cmd.VolumeName); err == nil {
		if existing.IsArchived() {
			return nil, nil, fmt.Errorf("volume %q: %w", cmd.VolumeName, ErrArchived)
		}
		return nil, nil, refuse("Media record for new Volume %q already exists", cmd.VolumeName)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, nil, err
	}

	var old *catalog.MediaRecord
	if cmd.relabel() {
		var err error
		old, err = l.store.GetMediaByName(ctx, cmd.OldName)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, nil, refuse("Volume %q not found in catalog", cmd.OldName)
		}
		if err != nil {
			return nil, nil, err
		}
		if old.IsArchived() {
			return nil, nil, fmt.Errorf("volume %q: %w", cmd.OldName, ErrArchived)
		}
		if old.VolStatus != types.VolPurged && old.VolStatus != types.VolRecycle {
			return nil, nil, refuse("Volume %q has VolStatus %s. It must be Purged or Recycled before relabeling", old.VolumeName, old.VolStatus)
		}
		if cmd.MediaType == "" {
			cmd.MediaType = old.MediaType
		}
		if cmd.Pool == "" {
			pool, err := l.store.GetPoolRecord(ctx, old.PoolId)
			if err != nil {
				return nil, nil, err
			}
			return pool, old, nil
		}
	}

	pool, err := l.store.GetPoolByName(ctx, cmd.Pool)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil, refuse("Pool %q not found", cmd.Pool)
	}
	if err != nil {
		return nil, nil, err
	}
	if !cmd.relabel() && pool.MaxVols > 0 && pool.NumVols >= pool.MaxVols {
		return nil, nil, refuse("Pool %q already has the maximum of %d volumes", pool.Name, pool.MaxVols)
	}
	return pool, old, nil
}

func (l *Labeler) recordLabel(ctx context.Context, cmd *Command, pool *catalog.PoolRecord, volBytes uint64) (*catalog.MediaRecord, error) {
	// The lock was dropped while the storage daemon labeled the volume, so
	// another label may have filled the pool in the meantime.
	pool, err := l.store.GetPoolRecord(ctx, pool.PoolId)
	if err != nil {
		return nil, err
	}
	if pool.MaxVols > 0 && pool.NumVols >= pool.MaxVols {
		l.logger.Warn("pool filled while labeling", zap.String("volume", cmd.VolumeName), zap.String("pool", pool.Name))
		return nil, refuse("Pool %q already has the maximum of %d volumes", pool.Name, pool.MaxVols)
	}

	mr := &catalog.MediaRecord{
		VolumeName: cmd.VolumeName,
		PoolId:     pool.PoolId,
		StorageId:  cmd.StorageId,
		MediaType:  cmd.MediaType,
		VolStatus:  types.VolAppend,
		Enabled:    types.VolEnabledState,
		VolBytes:   volBytes,
		LabelDate:  l.now(),
		Slot:       cmd.Slot,
		InChanger:  cmd.InChanger,
	}
	volume.ApplyPoolDefaults(mr, pool)
	if pool.EncryptVolumes && l.keys != nil {
		key, err := l.keys.GenerateNewEncryptionKey()
		if err != nil {
			return nil, err
		}
		mr.EncrKey = key
	}
	if err := l.store.CreateMediaRecord(ctx, mr); err != nil {
		return nil, fmt.Errorf("catalog record for volume %q: %w", mr.VolumeName, err)
	}
	l.logger.Info("volume labeled", zap.String("volume", mr.VolumeName),
		zap.String("pool", pool.Name), zap.String("size", humanize.IBytes(volBytes)))
	return mr, nil
}

func (l *Labeler) recordRelabel(ctx context.Context, cmd *Command, pool *catalog.PoolRecord, old *catalog.MediaRecord, volBytes uint64) (*catalog.MediaRecord, error) {
	mr := *old
	mr.VolumeName = cmd.VolumeName
	mr.PoolId = pool.PoolId
	mr.VolStatus = types.VolAppend
	mr.VolBytes = volBytes
	mr.VolJobs = 0
	mr.VolFiles = 0
	mr.VolBlocks = 0
	mr.VolErrors = 0
	mr.FirstWritten = time.Time{}
	mr.LastWritten = time.Time{}
	mr.LabelDate = l.now()
	mr.Slot = cmd.Slot
	mr.InChanger = cmd.InChanger
	if cmd.StorageId != 0 {
		mr.StorageId = cmd.StorageId
	}
	if err := l.store.UpdateMediaRecord(ctx, &mr); err != nil {
		return nil, fmt.Errorf("updating relabeled volume %q: %w", mr.VolumeName, err)
	}
	l.logger.Info("volume relabeled", zap.String("old", old.VolumeName), zap.String("volume", mr.VolumeName))
	return &mr, nil
}

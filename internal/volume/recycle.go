// Package volume decides which volume a job appends to next and drives the
// Append -> Full/Used -> Purged -> Recycle life cycle of volumes.
package volume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/prune"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

// ErrStateTransition marks a failure to persist a volume status change. The
// selector treats it as fatal, unlike a failed lookup.
var ErrStateTransition = errors.New("volume state change not persisted")

// recycleCurrentGrace lets a volume whose retention ends within the next
// minute be pruned and recycled in place.
const recycleCurrentGrace = 60 * time.Second

// Recycler implements the recycling and expiry rules. Its methods assume the
// caller holds the catalog lock.
type Recycler struct {
	store  catalog.Store
	pruner *prune.Engine
	logger *zap.Logger
	now    func() time.Time
}

func NewRecycler(store catalog.Store, pruner *prune.Engine, logger *zap.Logger, now func() time.Time) *Recycler {
	if now == nil {
		now = time.Now
	}
	return &Recycler{
		store:  store,
		pruner: pruner,
		logger: logger.Named("recycle"),
		now:    now,
	}
}

// FindRecycledVolume returns the first volume already in Recycle status.
func (r *Recycler) FindRecycledVolume(ctx context.Context, q catalog.VolumeQuery) (*catalog.MediaRecord, error) {
	q.VolStatus = types.VolRecycle
	q.Oldest = false
	mr, err := r.store.FindNextVolume(ctx, q)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mr, nil
}

// RecycleOldestPurgedVolume recycles the least recently written Purged volume.
func (r *Recycler) RecycleOldestPurgedVolume(ctx context.Context, job *jobs.Job, q catalog.VolumeQuery) (*catalog.MediaRecord, error) {
	q.VolStatus = types.VolPurged
	q.Oldest = false
	q.Index = 1
	mr, err := r.store.FindNextVolume(ctx, q)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if mr.IsArchived() || !mr.Recycle {
		return nil, nil
	}
	if err := r.RecycleVolume(ctx, mr); err != nil {
		return nil, err
	}
	jmsg(job, r.logger, "Recycled volume %q", mr.VolumeName)
	return mr, nil
}

// RecycleVolume resets the volume's usage and marks it Recycle. Callers have
// already checked that the volume may be recycled.
func (r *Recycler) RecycleVolume(ctx context.Context, mr *catalog.MediaRecord) error {
	mr.VolJobs = 0
	mr.VolFiles = 0
	mr.VolBlocks = 0
	mr.VolErrors = 0
	mr.VolWrites = 0
	mr.VolReadTime = 0
	mr.VolWriteTime = 0
	// 1 rather than 0 marks a volume that has existed on media.
	mr.VolBytes = 1
	mr.FirstWritten = time.Time{}
	mr.LastWritten = time.Time{}
	mr.RecycleCount++
	mr.VolStatus = types.VolRecycle
	if err := r.store.UpdateMediaRecord(ctx, mr); err != nil {
		return fmt.Errorf("recycling volume %q: %w: %w", mr.VolumeName, ErrStateTransition, err)
	}
	metrics.VolumesRecycled.WithLabelValues(r.poolName(ctx, mr.PoolId)).Inc()
	r.logger.Info("volume recycled", zap.String("volume", mr.VolumeName),
		zap.Uint32("recycle_count", mr.RecycleCount))
	return nil
}

// CheckIfVolumeValidOrRecyclable decides whether a volume named by a storage
// daemon can be written. It returns an empty reason when the volume is usable,
// recycling or pruning it on the way when the policy allows.
func (r *Recycler) CheckIfVolumeValidOrRecyclable(ctx context.Context, job *jobs.Job, mr *catalog.MediaRecord) (string, error) {
	if mr.IsArchived() {
		return "volume is archived", nil
	}

	if mr.VolStatus == types.VolAppend {
		expired, err := r.HasVolumeExpired(ctx, job, mr)
		if err != nil {
			return "", err
		}
		if expired {
			return "volume has expired", nil
		}
	}

	switch mr.VolStatus {
	case types.VolAppend, types.VolRecycle:
		return "", nil
	case types.VolPurged:
		if !mr.Recycle {
			return "volume has recycling disabled", nil
		}
		if err := r.RecycleVolume(ctx, mr); err != nil {
			return "", err
		}
		jmsg(job, r.logger, "Recycled current volume %q", mr.VolumeName)
		return "", nil
	}

	reason := "but should be Append, Purged or Recycle"
	if !mr.Recycle {
		return reason + " (volume has recycling disabled)", nil
	}
	if mr.VolStatus != types.VolFull && mr.VolStatus != types.VolUsed {
		return reason, nil
	}

	pool, err := r.store.GetPoolRecord(ctx, mr.PoolId)
	if err != nil {
		return "", fmt.Errorf("volume %q: %w", mr.VolumeName, err)
	}
	if !pool.RecycleCurrentVolume {
		return reason, nil
	}
	if !mr.LastWritten.Add(mr.VolRetention).Add(-recycleCurrentGrace).Before(r.now()) {
		return reason + " (retention period of current volume has not expired)", nil
	}

	purged, err := r.pruner.PruneVolume(ctx, mr)
	if err != nil {
		return "", err
	}
	if !purged {
		return reason + " (cannot automatically recycle current volume, it still contains unpruned data)", nil
	}
	if err := r.RecycleVolume(ctx, mr); err != nil {
		return "", err
	}
	jmsg(job, r.logger, "Recycled current volume %q", mr.VolumeName)
	return "", nil
}

func (r *Recycler) poolName(ctx context.Context, poolId uint64) string {
	pr, err := r.store.GetPoolRecord(ctx, poolId)
	if err != nil {
		return "unknown"
	}
	return pr.Name
}

// jmsg logs an operator message and, when the work belongs to a job, keeps it
// in the job's message list.
func jmsg(job *jobs.Job, logger *zap.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if job != nil {
		job.Jmsg("%s", msg)
		logger.Info(msg, zap.String("job", job.Job))
		return
	}
	logger.Info(msg)
}

func bytesString(n uint64) string {
	return humanize.IBytes(n)
}

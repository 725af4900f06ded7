package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/prune"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

// ScratchBorrower moves volumes out of a scratch pool. Borrows are serialized
// so two sessions never take the same scratch volume.
type ScratchBorrower struct {
	mu     sync.Mutex
	store  catalog.Store
	logger *zap.Logger
}

func NewScratchBorrower(store catalog.Store, logger *zap.Logger) *ScratchBorrower {
	return &ScratchBorrower{store: store, logger: logger.Named("scratch")}
}

// GetScratchVolume takes an Append or Recycle volume of the scratch pool
// matching the media type and moves it into pool. It returns nil when the
// scratch pool is empty or pool has reached MaxVols.
func (b *ScratchBorrower) GetScratchVolume(ctx context.Context, job *jobs.Job, pool *catalog.PoolRecord, q catalog.VolumeQuery) (*catalog.MediaRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	scratch, err := b.scratchPool(ctx, pool)
	if err != nil || scratch == nil {
		return nil, err
	}

	q.PoolId = scratch.PoolId
	q.Oldest = false
	q.Index = 1
	var mr *catalog.MediaRecord
	for _, status := range []types.VolStatus{types.VolAppend, types.VolRecycle} {
		q.VolStatus = status
		mr, err = b.store.FindNextVolume(ctx, q)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if mr == nil || mr.IsArchived() {
		return nil, nil
	}

	// Re-read the destination pool: NumVols may have moved since the caller loaded it.
	pr, err := b.store.GetPoolRecord(ctx, pool.PoolId)
	if err != nil {
		return nil, err
	}
	if pr.MaxVols > 0 && pr.NumVols >= pr.MaxVols {
		jmsg(job, b.logger, "Unable to add Scratch Volume, Pool %q full MaxVols=%d", pr.Name, pr.MaxVols)
		return nil, nil
	}

	ApplyPoolDefaults(mr, pr)
	mr.PoolId = pr.PoolId
	if pr.RecyclePoolId != 0 {
		mr.RecyclePoolId = pr.RecyclePoolId
	} else {
		mr.RecyclePoolId = scratch.PoolId
	}
	if err := b.store.UpdateMediaRecord(ctx, mr); err != nil {
		return nil, fmt.Errorf("moving scratch volume %q to pool %q: %w: %w", mr.VolumeName, pr.Name, ErrStateTransition, err)
	}

	metrics.ScratchBorrows.WithLabelValues(pr.Name).Inc()
	from := "Scratch pool"
	if scratch.Name != prune.ScratchPoolName {
		from = fmt.Sprintf("Scratch pool %q", scratch.Name)
	}
	jmsg(job, b.logger, "Using Volume %q from %s", mr.VolumeName, from)
	return mr, nil
}

func (b *ScratchBorrower) scratchPool(ctx context.Context, pool *catalog.PoolRecord) (*catalog.PoolRecord, error) {
	var sp *catalog.PoolRecord
	var err error
	if pool.ScratchPoolId != 0 {
		sp, err = b.store.GetPoolRecord(ctx, pool.ScratchPoolId)
	} else {
		sp, err = b.store.GetPoolByName(ctx, prune.ScratchPoolName)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sp.PoolId == pool.PoolId {
		return nil, nil
	}
	return sp, nil
}

// ApplyPoolDefaults copies the pool's volume policy onto a volume entering it.
func ApplyPoolDefaults(mr *catalog.MediaRecord, pr *catalog.PoolRecord) {
	mr.Recycle = pr.Recycle
	mr.VolRetention = pr.VolRetention
	mr.VolUseDuration = pr.VolUseDuration
	mr.MaxVolJobs = pr.MaxVolJobs
	mr.MaxVolFiles = pr.MaxVolFiles
	mr.MaxVolBytes = pr.MaxVolBytes
	mr.RecyclePoolId = pr.RecyclePoolId
	mr.ScratchPoolId = pr.ScratchPoolId
	mr.MinBlocksize = pr.MinBlocksize
	mr.MaxBlocksize = pr.MaxBlocksize
}

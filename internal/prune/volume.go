package prune

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

// ScratchPoolName is the pool borrowed from when a pool has no explicit scratch pool.
const ScratchPoolName = "Scratch"

// VolumeRequest scopes PruneVolumes to the volumes a job could write.
type VolumeRequest struct {
	PoolId    uint64
	MediaType string
	InChanger bool
	StorageId uint64
}

// GetPruneListForVolume returns the jobs on the volume whose retention has
// expired, plus copies and migrations of those jobs, minus running jobs.
func (e *Engine) GetPruneListForVolume(ctx context.Context, mr *catalog.MediaRecord) ([]uint64, error) {
	if mr.IsArchived() {
		return nil, nil
	}

	ids, err := e.store.GetVolumeJobIDs(ctx, mr.MediaId)
	if err != nil {
		return nil, fmt.Errorf("listing jobs on volume %q: %w", mr.VolumeName, err)
	}

	cutoff := e.now().Add(-mr.VolRetention)
	var list []uint64
	for _, id := range ids {
		jr, err := e.store.GetJobRecord(ctx, id)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if jr.JobTDate.Before(cutoff) {
			list = append(list, id)
		}
	}

	list, err = e.addCopiesAndMigrations(ctx, list)
	if err != nil {
		return nil, err
	}
	return ExcludeRunningJobsFromList(list, e.runningIDs()), nil
}

// addCopiesAndMigrations extends list until no further job refers to a
// listed job as its prior job.
func (e *Engine) addCopiesAndMigrations(ctx context.Context, list []uint64) ([]uint64, error) {
	for i := 0; i < len(list); i++ {
		derived, err := e.store.ListJobs(ctx, catalog.JobFilter{
			PriorJobId: list[i],
			Types:      []types.JobType{types.JobCopy, types.JobJobCopy, types.JobMigrate, types.JobMigratedJob},
		})
		if err != nil {
			return nil, fmt.Errorf("listing copies of job %d: %w", list[i], err)
		}
		for _, jr := range derived {
			if !slices.Contains(list, jr.JobId) {
				list = append(list, jr.JobId)
			}
		}
	}
	return list, nil
}

// PruneVolume removes expired jobs from the volume and reports whether the
// volume ended up purged. Archived volumes are refused.
func (e *Engine) PruneVolume(ctx context.Context, mr *catalog.MediaRecord) (bool, error) {
	if mr.IsArchived() {
		return false, archivedError(mr.VolumeName)
	}

	list, err := e.GetPruneListForVolume(ctx, mr)
	if err != nil {
		return false, err
	}
	if len(list) > 0 {
		if _, err := e.PurgeJobsFromCatalog(ctx, list); err != nil {
			return false, err
		}
		e.logger.Info("pruned jobs from volume",
			zap.String("volume", mr.VolumeName), zap.Int("jobs", len(list)))
	}
	return e.IsVolumePurged(ctx, mr)
}

// IsVolumePurged marks the volume Purged when no JobMedia rows remain.
// Only Append, Full, Used and Error volumes can become purged.
func (e *Engine) IsVolumePurged(ctx context.Context, mr *catalog.MediaRecord) (bool, error) {
	if mr.VolStatus == types.VolPurged {
		return true, nil
	}
	if !mr.VolStatus.Prunable() {
		return false, nil
	}
	n, err := e.store.CountJobMedia(ctx, mr.MediaId)
	if err != nil {
		return false, fmt.Errorf("counting jobs on volume %q: %w", mr.VolumeName, err)
	}
	if n > 0 {
		return false, nil
	}
	if err := e.MarkMediaPurged(ctx, mr); err != nil {
		return false, err
	}
	return true, nil
}

// MarkMediaPurged sets the volume Purged and moves it to its recycle pool when
// that pool differs and still has room.
func (e *Engine) MarkMediaPurged(ctx context.Context, mr *catalog.MediaRecord) error {
	if mr.IsArchived() {
		return archivedError(mr.VolumeName)
	}
	mr.VolStatus = types.VolPurged
	if err := e.store.UpdateMediaRecord(ctx, mr); err != nil {
		return fmt.Errorf("marking volume %q purged: %w", mr.VolumeName, err)
	}

	poolName := e.poolName(ctx, mr.PoolId)
	metrics.VolumesPurged.WithLabelValues(poolName).Inc()
	e.logger.Info("volume purged", zap.String("volume", mr.VolumeName), zap.String("pool", poolName))

	if mr.RecyclePoolId == 0 || mr.RecyclePoolId == mr.PoolId {
		return nil
	}
	rp, err := e.store.GetPoolRecord(ctx, mr.RecyclePoolId)
	if err != nil {
		e.logger.Warn("recycle pool not found, volume stays in its pool",
			zap.String("volume", mr.VolumeName), zap.Uint64("recycle_pool_id", mr.RecyclePoolId), zap.Error(err))
		return nil
	}
	if rp.MaxVols > 0 && rp.NumVols >= rp.MaxVols {
		e.logger.Warn("recycle pool is full, volume stays in its pool",
			zap.String("volume", mr.VolumeName), zap.String("recycle_pool", rp.Name))
		return nil
	}
	if err := e.store.MoveMediaToPool(ctx, mr.MediaId, rp.PoolId); err != nil {
		return fmt.Errorf("moving volume %q to pool %q: %w", mr.VolumeName, rp.Name, err)
	}
	mr.PoolId = rp.PoolId
	e.logger.Info("purged volume moved to recycle pool",
		zap.String("volume", mr.VolumeName), zap.String("pool", rp.Name))
	return nil
}

func (e *Engine) poolName(ctx context.Context, poolId uint64) string {
	pr, err := e.store.GetPoolRecord(ctx, poolId)
	if err != nil {
		return "unknown"
	}
	return pr.Name
}

// PruneVolumes prunes Full and Used volumes of the pool, its scratch pool and
// its recycle pool, least recently written first, and returns the first one
// that becomes purged while still belonging to req.PoolId. It returns nil
// when no volume could be freed.
func (e *Engine) PruneVolumes(ctx context.Context, req VolumeRequest) (*catalog.MediaRecord, error) {
	pool, err := e.store.GetPoolRecord(ctx, req.PoolId)
	if err != nil {
		return nil, err
	}

	poolIds := []uint64{pool.PoolId}
	if pool.RecyclePoolId != 0 && pool.RecyclePoolId != pool.PoolId {
		poolIds = append(poolIds, pool.RecyclePoolId)
	}
	if scratchId := e.scratchPoolId(ctx, pool); scratchId != 0 && !slices.Contains(poolIds, scratchId) {
		poolIds = append(poolIds, scratchId)
	}

	candidates, err := e.store.ListMedia(ctx, catalog.MediaFilter{
		PoolIds:   poolIds,
		MediaType: req.MediaType,
		Statuses:  []types.VolStatus{types.VolFull, types.VolUsed},
		InChanger: req.InChanger,
		StorageId: req.StorageId,
	})
	if err != nil {
		return nil, fmt.Errorf("listing prune candidates: %w", err)
	}

	for i := range candidates {
		mr := &candidates[i]
		if mr.IsArchived() {
			continue
		}
		purged, err := e.PruneVolume(ctx, mr)
		if err != nil {
			e.logger.Warn("pruning volume failed", zap.String("volume", mr.VolumeName), zap.Error(err))
			continue
		}
		if purged && mr.PoolId == req.PoolId {
			return mr, nil
		}
	}
	return nil, nil
}

func (e *Engine) scratchPoolId(ctx context.Context, pool *catalog.PoolRecord) uint64 {
	if pool.ScratchPoolId != 0 {
		return pool.ScratchPoolId
	}
	sp, err := e.store.GetPoolByName(ctx, ScratchPoolName)
	if err != nil {
		return 0
	}
	return sp.PoolId
}

// PurgeJobsFromVolume deletes every job on the volume regardless of
// retention and marks it purged. Running jobs are left alone.
func (e *Engine) PurgeJobsFromVolume(ctx context.Context, mr *catalog.MediaRecord) error {
	if mr.IsArchived() {
		return archivedError(mr.VolumeName)
	}
	if !mr.VolStatus.Prunable() {
		return &PolicyError{Reason: fmt.Sprintf(
			"volume %q has VolStatus %s; it must be Append, Full, Used or Error to be purged",
			mr.VolumeName, mr.VolStatus)}
	}

	ids, err := e.store.GetVolumeJobIDs(ctx, mr.MediaId)
	if err != nil {
		return fmt.Errorf("listing jobs on volume %q: %w", mr.VolumeName, err)
	}
	ids = ExcludeRunningJobsFromList(ids, e.runningIDs())
	if len(ids) > 0 {
		if _, err := e.PurgeJobsFromCatalog(ctx, ids); err != nil {
			return err
		}
	}
	purged, err := e.IsVolumePurged(ctx, mr)
	if err != nil {
		return err
	}
	if !purged {
		return &PolicyError{Reason: fmt.Sprintf("volume %q still holds running jobs and was not purged", mr.VolumeName)}
	}
	return nil
}

package prune

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

// Scope restricts job and file pruning to a client and/or pool.
type Scope struct {
	ClientId  uint64
	PoolId    uint64
	Retention time.Duration
}

// PurgeJobsFromCatalog deletes the jobs and their JobMedia and File rows.
func (e *Engine) PurgeJobsFromCatalog(ctx context.Context, ids []uint64) (int, error) {
	n, err := e.store.DeleteJobs(ctx, ids)
	if err != nil {
		return n, fmt.Errorf("purging %d jobs: %w", len(ids), err)
	}
	metrics.PrunedRecords.WithLabelValues("jobs").Add(float64(n))
	return n, nil
}

// PurgeFilesFromJobs deletes the File rows of the jobs.
func (e *Engine) PurgeFilesFromJobs(ctx context.Context, ids []uint64) error {
	if err := e.store.PurgeFiles(ctx, ids); err != nil {
		return fmt.Errorf("purging files of %d jobs: %w", len(ids), err)
	}
	metrics.PrunedRecords.WithLabelValues("files").Add(float64(len(ids)))
	return nil
}

// PruneJobs deletes jobs older than the scope retention, keeping the
// restore chain of every client/fileset, the latest InitCatalog verify and
// running jobs.
func (e *Engine) PruneJobs(ctx context.Context, scope Scope) (int, error) {
	list, err := e.pruneCandidates(ctx, scope, false)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, nil
	}
	n, err := e.PurgeJobsFromCatalog(ctx, list)
	if err != nil {
		return n, err
	}
	e.logger.Info("pruned jobs", zap.Uint64("client_id", scope.ClientId),
		zap.Uint64("pool_id", scope.PoolId), zap.Int("jobs", n))
	return n, nil
}

// PruneFiles removes the File rows of jobs older than the scope retention,
// with the same exclusions as PruneJobs.
func (e *Engine) PruneFiles(ctx context.Context, scope Scope) (int, error) {
	list, err := e.pruneCandidates(ctx, scope, true)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, nil
	}
	if err := e.PurgeFilesFromJobs(ctx, list); err != nil {
		return 0, err
	}
	e.logger.Info("pruned files", zap.Uint64("client_id", scope.ClientId),
		zap.Uint64("pool_id", scope.PoolId), zap.Int("jobs", len(list)))
	return len(list), nil
}

func (e *Engine) pruneCandidates(ctx context.Context, scope Scope, files bool) ([]uint64, error) {
	if scope.Retention <= 0 {
		return nil, nil
	}
	jobs, err := e.store.ListJobs(ctx, catalog.JobFilter{
		ClientId: scope.ClientId,
		PoolId:   scope.PoolId,
		Before:   e.now().Add(-scope.Retention),
	})
	if err != nil {
		return nil, fmt.Errorf("listing prune candidates: %w", err)
	}

	keep := make(map[uint64]bool)
	chains := make(map[[2]uint64]bool)
	clients := make(map[uint64]bool)
	for _, jr := range jobs {
		if jr.Type == types.JobBackup {
			key := [2]uint64{jr.ClientId, jr.FileSetId}
			if !chains[key] {
				chains[key] = true
				ids, err := e.AccurateJobIDs(ctx, jr.ClientId, jr.FileSetId)
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					keep[id] = true
				}
			}
		}
		if jr.Type == types.JobVerify && !clients[jr.ClientId] {
			clients[jr.ClientId] = true
			id, err := e.lastInitCatalog(ctx, jr.ClientId)
			if err != nil {
				return nil, err
			}
			keep[id] = true
		}
	}

	var list []uint64
	for _, jr := range jobs {
		if keep[jr.JobId] || (files && jr.PurgedFiles) {
			continue
		}
		list = append(list, jr.JobId)
	}
	return ExcludeRunningJobsFromList(list, e.runningIDs()), nil
}

// AccurateJobIDs returns the jobs a restore of the client/fileset would need
// now: the last Full, the last Differential after it and the Incrementals
// after the later of the two.
func (e *Engine) AccurateJobIDs(ctx context.Context, clientId, fileSetId uint64) ([]uint64, error) {
	jobs, err := e.store.ListJobs(ctx, catalog.JobFilter{
		ClientId:   clientId,
		FileSetId:  fileSetId,
		Types:      []types.JobType{types.JobBackup},
		Successful: true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing backups of client %d: %w", clientId, err)
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].StartTime.Before(jobs[k].StartTime) })

	full := -1
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Level == types.LevelFull || jobs[i].Level == types.LevelVirtualFull {
			full = i
			break
		}
	}
	if full < 0 {
		return nil, nil
	}
	ids := []uint64{jobs[full].JobId}

	base := full
	for i := len(jobs) - 1; i > full; i-- {
		if jobs[i].Level == types.LevelDifferential {
			ids = append(ids, jobs[i].JobId)
			base = i
			break
		}
	}
	for i := base + 1; i < len(jobs); i++ {
		if jobs[i].Level == types.LevelIncremental {
			ids = append(ids, jobs[i].JobId)
		}
	}
	return ids, nil
}

func (e *Engine) lastInitCatalog(ctx context.Context, clientId uint64) (uint64, error) {
	jobs, err := e.store.ListJobs(ctx, catalog.JobFilter{
		ClientId: clientId,
		Types:    []types.JobType{types.JobVerify},
		Levels:   []types.JobLevel{types.LevelVerifyInit},
	})
	if err != nil {
		return 0, fmt.Errorf("listing verify jobs of client %d: %w", clientId, err)
	}
	var last *catalog.JobRecord
	for i := range jobs {
		if last == nil || jobs[i].StartTime.After(last.StartTime) {
			last = &jobs[i]
		}
	}
	if last == nil {
		return 0, nil
	}
	return last.JobId, nil
}

package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/prune"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs periodic auto-prune passes over clients and pools.
type Manager struct {
	store  catalog.Store
	pruner *prune.Engine
	lock   *catalog.DBLock
	logger *zap.Logger

	// poolWorkers bounds the pools pruned concurrently.
	poolWorkers int
}

// Result counts what one pass removed.
type Result struct {
	Files   int
	Jobs    int
	Purged  int
	Orphans int
}

// NewManager creates a new lifecycle manager. The lock is the one shared
// with volume selection.
func NewManager(store catalog.Store, pruner *prune.Engine, lock *catalog.DBLock, logger *zap.Logger) *Manager {
	return &Manager{
		store:       store,
		pruner:      pruner,
		lock:        lock,
		logger:      logger.Named("lifecycle"),
		poolWorkers: 4,
	}
}

// Run starts the periodic auto-prune loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Cycle(ctx); err != nil {
				m.logger.Error("prune cycle error", zap.Error(err))
			}
		}
	}
}

// Cycle runs one pass: file and job retention per auto-pruned client, volume
// retention per auto-pruned pool, then orphan JobMedia collection.
func (m *Manager) Cycle(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.PruneCycleDuration.Observe(time.Since(start).Seconds()) }()

	var res Result
	if err := m.pruneClients(ctx, &res); err != nil {
		return res, err
	}
	purged, err := m.prunePools(ctx)
	res.Purged = purged
	if err != nil {
		return res, err
	}
	orphans, err := CollectOrphans(ctx, m.store, m.lock, m.logger)
	res.Orphans = orphans
	if err != nil {
		return res, err
	}

	m.logger.Info("prune cycle complete",
		zap.Int("files", res.Files),
		zap.Int("jobs", res.Jobs),
		zap.Int("purged_volumes", res.Purged),
		zap.Int("orphans", res.Orphans),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (m *Manager) pruneClients(ctx context.Context, res *Result) error {
	clients, err := m.store.ListClients(ctx)
	if err != nil {
		return err
	}
	for _, cr := range clients {
		if !cr.AutoPrune {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		files, jobs, err := m.pruneClient(ctx, &cr)
		if err != nil {
			m.logger.Error("client prune failed", zap.String("client", cr.Name), zap.Error(err))
			continue
		}
		res.Files += files
		res.Jobs += jobs
	}
	return nil
}

func (m *Manager) pruneClient(ctx context.Context, cr *catalog.ClientRecord) (int, int, error) {
	defer m.lock.Acquire()()

	files, err := m.pruner.PruneFiles(ctx, prune.Scope{ClientId: cr.ClientId, Retention: cr.FileRetention})
	if err != nil {
		return 0, 0, err
	}
	jobs, err := m.pruner.PruneJobs(ctx, prune.Scope{ClientId: cr.ClientId, Retention: cr.JobRetention})
	if err != nil {
		return files, 0, err
	}
	return files, jobs, nil
}

func (m *Manager) prunePools(ctx context.Context) (int, error) {
	pools, err := m.store.ListPools(ctx)
	if err != nil {
		return 0, err
	}

	var purged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.poolWorkers)
	for _, pr := range pools {
		if !pr.AutoPrune {
			continue
		}
		g.Go(func() error {
			n, err := m.prunePool(gctx, &pr)
			purged.Add(int64(n))
			return err
		})
	}
	err = g.Wait()
	return int(purged.Load()), err
}

// prunePool prunes the Full and Used volumes of one pool. The lock is taken
// per volume so selection is not held off for a whole pool.
func (m *Manager) prunePool(ctx context.Context, pr *catalog.PoolRecord) (int, error) {
	vols, err := m.store.ListMedia(ctx, catalog.MediaFilter{
		PoolIds:  []uint64{pr.PoolId},
		Statuses: prunableStatuses,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range vols {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		mr := &vols[i]
		if mr.IsArchived() {
			continue
		}
		ok, err := m.pruneVolume(ctx, mr)
		if err != nil {
			m.logger.Warn("volume prune failed",
				zap.String("pool", pr.Name), zap.String("volume", mr.VolumeName), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Manager) pruneVolume(ctx context.Context, mr *catalog.MediaRecord) (bool, error) {
	defer m.lock.Acquire()()

	// Re-read under the lock; selection may have moved or relabeled it.
	cur, err := m.store.GetMediaRecord(ctx, mr.MediaId)
	if err != nil {
		return false, err
	}
	if !isPrunable(cur) {
		return false, nil
	}
	return m.pruner.PruneVolume(ctx, cur)
}

package volume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/prune"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrNoVolume means every strategy came up empty; the job waits for media.
	ErrNoVolume = errors.New("no appendable volume found")
	// ErrRetriesExhausted means volumes kept expiring under the selector.
	ErrRetriesExhausted = errors.New("volume selection retries exhausted")
	// ErrCanceled means the requesting job was canceled during selection.
	ErrCanceled = errors.New("volume selection canceled")
)

// DefaultMaxRetries bounds how often selection restarts after a chosen volume expired.
const DefaultMaxRetries = 200

// Request describes the volume a job needs to append to.
type Request struct {
	Job       *jobs.Job
	PoolId    uint64
	MediaType string
	StorageId uint64
	// Autochanger makes the first pass consider only volumes in the changer.
	Autochanger bool
	// Index is the 1-based session index, so parallel sessions get distinct volumes.
	Index    int
	Unwanted []string
	Create   bool
	Prune    bool
}

type search struct {
	req       *Request
	pool      *catalog.PoolRecord
	inChanger bool
}

func (st *search) query() catalog.VolumeQuery {
	return catalog.VolumeQuery{
		PoolId:    st.pool.PoolId,
		MediaType: st.req.MediaType,
		InChanger: st.inChanger,
		StorageId: st.req.StorageId,
		Unwanted:  st.req.Unwanted,
		Index:     st.req.Index,
	}
}

// Strategy is one step of the fallback chain. Find returns nil when the step
// has nothing to offer.
type Strategy struct {
	Name string
	// Final steps run only once the changer restriction has been dropped.
	Final bool
	Find  func(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error)
}

// DefaultStrategies is the allocation order: an Append volume, a Recycle
// volume, the oldest Purged volume, the same after pruning, a scratch
// volume, a new volume, and finally the oldest volume of the pool.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "append", Find: findAppend},
		{Name: "recycled", Find: findRecycled},
		{Name: "purged", Find: findPurged},
		{Name: "prune", Find: pruneThenPurged},
		{Name: "scratch", Find: borrowScratch},
		{Name: "create", Final: true, Find: createVolume},
		{Name: "oldest", Final: true, Find: reuseOldest},
	}
}

func findAppend(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error) {
	q := st.query()
	q.VolStatus = types.VolAppend
	mr, err := s.store.FindNextVolume(ctx, q)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	return mr, err
}

func findRecycled(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error) {
	q := st.query()
	q.Index = 1
	return s.recycler.FindRecycledVolume(ctx, q)
}

func findPurged(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error) {
	return s.recycler.RecycleOldestPurgedVolume(ctx, st.req.Job, st.query())
}

func pruneThenPurged(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error) {
	if !st.req.Prune || s.pruner == nil {
		return nil, nil
	}
	_, err := s.pruner.PruneVolumes(ctx, prune.VolumeRequest{
		PoolId:    st.pool.PoolId,
		MediaType: st.req.MediaType,
		InChanger: st.inChanger,
		StorageId: st.req.StorageId,
	})
	if err != nil {
		return nil, err
	}
	return s.recycler.RecycleOldestPurgedVolume(ctx, st.req.Job, st.query())
}

func borrowScratch(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error) {
	if !st.req.Create {
		return nil, nil
	}
	return s.scratch.GetScratchVolume(ctx, st.req.Job, st.pool, st.query())
}

func createVolume(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error) {
	if !st.req.Create {
		return nil, nil
	}
	return s.NewVolume(ctx, st.req.Job, st.pool, st.req.MediaType, st.req.StorageId)
}

func reuseOldest(ctx context.Context, s *Selector, st *search) (*catalog.MediaRecord, error) {
	pool := st.pool
	if !pool.PurgeOldestVolume && !pool.RecycleOldestVolume {
		return nil, nil
	}
	q := st.query()
	q.Oldest = true
	q.Index = 1
	mr, err := s.store.FindNextVolume(ctx, q)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if mr.IsArchived() || s.pruner == nil {
		return nil, nil
	}

	job := st.req.Job
	var purged bool
	if pool.PurgeOldestVolume {
		jmsg(job, s.logger, "Purging oldest volume %q", mr.VolumeName)
		err = s.pruner.PurgeJobsFromVolume(ctx, mr)
		purged = err == nil
	} else {
		jmsg(job, s.logger, "Pruning oldest volume %q", mr.VolumeName)
		purged, err = s.pruner.PruneVolume(ctx, mr)
	}
	var perr *prune.PolicyError
	if errors.As(err, &perr) {
		jmsg(job, s.logger, "%s", perr.Reason)
		return nil, nil
	}
	if err != nil || !purged {
		return nil, err
	}
	if err := s.recycler.RecycleVolume(ctx, mr); err != nil {
		return nil, err
	}
	return mr, nil
}

type Config struct {
	Store  catalog.Store
	Pruner *prune.Engine
	// Lock is shared with every other multi-step catalog section.
	Lock   *catalog.DBLock
	Logger *zap.Logger
	// MaxRetries defaults to DefaultMaxRetries.
	MaxRetries int
	Keys       KeyGenerator
	Now        func() time.Time
	// Strategies defaults to DefaultStrategies.
	Strategies []Strategy
}

// Selector implements next-volume selection for appending jobs.
type Selector struct {
	store      catalog.Store
	pruner     *prune.Engine
	recycler   *Recycler
	scratch    *ScratchBorrower
	lock       *catalog.DBLock
	logger     *zap.Logger
	maxRetries int
	keys       KeyGenerator
	now        func() time.Time
	strategies []Strategy
}

func NewSelector(cfg Config) *Selector {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	lock := cfg.Lock
	if lock == nil {
		lock = &catalog.DBLock{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	strategies := cfg.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	logger := cfg.Logger.Named("selector")
	return &Selector{
		store:      cfg.Store,
		pruner:     cfg.Pruner,
		recycler:   NewRecycler(cfg.Store, cfg.Pruner, cfg.Logger, now),
		scratch:    NewScratchBorrower(cfg.Store, cfg.Logger),
		lock:       lock,
		logger:     logger,
		maxRetries: maxRetries,
		keys:       cfg.Keys,
		now:        now,
		strategies: strategies,
	}
}

// Recycler returns the recycle engine sharing the selector's catalog.
func (s *Selector) Recycler() *Recycler { return s.recycler }

// Lock returns the catalog lock the selector serializes on.
func (s *Selector) Lock() *catalog.DBLock { return s.lock }

// FindNextVolumeForAppend returns a volume the job can append to, walking the
// strategy chain under the catalog lock. Steps that recycled, pruned or moved
// volumes stay committed even when the search finally fails.
func (s *Selector) FindNextVolumeForAppend(ctx context.Context, req Request) (*catalog.MediaRecord, error) {
	defer s.lock.Acquire()()

	pool, err := s.store.GetPoolRecord(ctx, req.PoolId)
	if err != nil {
		return nil, fmt.Errorf("loading pool %d: %w", req.PoolId, err)
	}
	start := time.Now()
	defer func() {
		metrics.VolumeSelectionDuration.WithLabelValues(pool.Name).Observe(time.Since(start).Seconds())
	}()

	logger := s.logger.With(zap.String("pool", pool.Name), zap.String("media_type", req.MediaType))
	if req.Index < 1 {
		req.Index = 1
	}

	for retry := 0; retry < s.maxRetries; retry++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if req.Job != nil && req.Job.Canceled() {
			metrics.VolumeSelectionFailures.WithLabelValues(pool.Name, "canceled").Inc()
			return nil, fmt.Errorf("job %s: %w", req.Job.Job, ErrCanceled)
		}
		st := &search{req: &req, pool: pool}
		mr, strategy, err := s.findOnce(ctx, st, logger)
		if err != nil {
			metrics.VolumeSelectionFailures.WithLabelValues(pool.Name, "error").Inc()
			return nil, err
		}
		if mr == nil {
			metrics.VolumeSelectionFailures.WithLabelValues(pool.Name, "no_volume").Inc()
			return nil, fmt.Errorf("pool %q media type %q: %w", pool.Name, req.MediaType, ErrNoVolume)
		}

		if mr.VolStatus == types.VolAppend {
			expired, err := s.recycler.HasVolumeExpired(ctx, req.Job, mr)
			if err != nil {
				return nil, err
			}
			if expired {
				logger.Debug("selected volume expired, searching again",
					zap.String("volume", mr.VolumeName), zap.Int("retry", retry))
				continue
			}
		}

		if req.StorageId != 0 {
			mr.StorageId = req.StorageId
		}
		metrics.VolumeSelections.WithLabelValues(pool.Name, strategy).Inc()
		logger.Debug("volume selected", zap.String("volume", mr.VolumeName),
			zap.String("strategy", strategy), zap.String("status", string(mr.VolStatus)))
		return mr, nil
	}

	metrics.VolumeSelectionFailures.WithLabelValues(pool.Name, "retries_exhausted").Inc()
	logger.Error("allocator logic error: volume selection kept looping", zap.Int("max_retries", s.maxRetries))
	return nil, fmt.Errorf("pool %q after %d attempts: %w", pool.Name, s.maxRetries, ErrRetriesExhausted)
}

// findOnce runs the strategy chain, first restricted to the changer when the
// storage is an autochanger, then unrestricted.
func (s *Selector) findOnce(ctx context.Context, st *search, logger *zap.Logger) (*catalog.MediaRecord, string, error) {
	passes := []bool{false}
	if st.req.Autochanger {
		passes = []bool{true, false}
	}
	for _, inChanger := range passes {
		st.inChanger = inChanger
		for _, strat := range s.strategies {
			if strat.Final && inChanger {
				continue
			}
			mr, err := strat.Find(ctx, s, st)
			if errors.Is(err, ErrStateTransition) {
				return nil, "", fmt.Errorf("%s: %w", strat.Name, err)
			}
			if err != nil {
				logger.Warn("volume strategy failed", zap.String("strategy", strat.Name), zap.Error(err))
				continue
			}
			if mr != nil {
				return mr, strat.Name, nil
			}
		}
	}
	return nil, "", nil
}

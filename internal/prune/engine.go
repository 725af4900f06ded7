// Package prune computes and removes catalog records whose retention has
// expired, and marks volumes purged once no job references them.
//
// Functions on Engine do not take the catalog lock themselves; callers that
// start a multi-step section hold catalog.DBLock around them.
package prune

import (
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/media-director/internal/catalog"
	"go.uber.org/zap"
)

// ErrArchived is returned when a mutating operation targets an archived volume.
var ErrArchived = errors.New("volume is archived")

// PolicyError rejects an operation for a policy reason the operator can read.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// RunningJobs reports the jobs currently running in this process.
type RunningJobs interface {
	RunningJobIDs() []uint64
}

type Config struct {
	Store   catalog.Store
	Running RunningJobs
	Logger  *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine implements retention-driven pruning and unconditional purging.
type Engine struct {
	store   catalog.Store
	running RunningJobs
	logger  *zap.Logger
	now     func() time.Time
}

func NewEngine(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   cfg.Store,
		running: cfg.Running,
		logger:  cfg.Logger.Named("prune"),
		now:     now,
	}
}

func (e *Engine) runningIDs() []uint64 {
	if e.running == nil {
		return nil
	}
	return e.running.RunningJobIDs()
}

// ExcludeRunningJobsFromList removes invalid (zero) ids and ids of running
// jobs from candidates, keeping the order of the survivors.
func ExcludeRunningJobsFromList(candidates []uint64, running []uint64) []uint64 {
	live := make(map[uint64]struct{}, len(running))
	for _, id := range running {
		live[id] = struct{}{}
	}
	out := candidates[:0]
	for _, id := range candidates {
		if id == 0 {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

func archivedError(name string) error {
	return fmt.Errorf("volume %q: %w", name, ErrArchived)
}

package jobs

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrSchedulerClosed = errors.New("jobs: scheduler closed")

// Scheduler owns the queue of jobs waiting to run. Each instance is
// independent so tests can run several side by side.
type Scheduler struct {
	logger *zap.Logger

	mu     sync.Mutex
	queue  []*Job
	wake   chan struct{}
	closed bool
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.Named("scheduler"),
		wake:   make(chan struct{}),
	}
}

// Enqueue inserts the job behind all queued jobs of equal or higher priority
// (lower number runs first).
func (s *Scheduler) Enqueue(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	i := len(s.queue)
	for i > 0 && s.queue[i-1].Priority > j.Priority {
		i--
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = j

	close(s.wake)
	s.wake = make(chan struct{})
	return nil
}

// Next blocks until a job is queued, the scheduler is closed or ctx is done.
func (s *Scheduler) Next(ctx context.Context) (*Job, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return j, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSchedulerClosed
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close wakes all waiters; queued jobs are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.wake)
}

// Run starts every dequeued job with start until ctx is done or the scheduler closes.
func (s *Scheduler) Run(ctx context.Context, start func(context.Context, *Job) error) error {
	for {
		j, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSchedulerClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := start(ctx, j); err != nil {
			s.logger.Error("job start failed", zap.String("job", j.Name), zap.Error(err))
		}
	}
}

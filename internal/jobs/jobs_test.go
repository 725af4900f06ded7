package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, id := range []uint64{3, 1, 2} {
		if err := r.Register(&Job{JobId: id, Job: "job." + string(rune('a'+id))}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Register(&Job{JobId: 1}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(&Job{}); err == nil {
		t.Fatal("expected registration without JobId to fail")
	}

	ids := r.RunningJobIDs()
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("unexpected running ids %v", ids)
	}
	if _, ok := r.LookupByName("job.b"); !ok {
		t.Error("expected lookup by name to succeed")
	}

	r.Unregister(2)
	if r.IsRunning(2) {
		t.Error("job 2 should be gone")
	}
	if _, ok := r.LookupByName("job.c"); ok {
		t.Error("name index should be cleaned up")
	}
}

func TestJobMessagesAndCancel(t *testing.T) {
	j := &Job{JobId: 1}
	j.Jmsg("Recycled volume %q", "Vol-0001")
	msgs := j.Messages()
	if len(msgs) != 1 || msgs[0] != `Recycled volume "Vol-0001"` {
		t.Fatalf("unexpected messages %v", msgs)
	}
	if j.Canceled() {
		t.Fatal("new job must not be canceled")
	}
	j.Cancel()
	if !j.Canceled() {
		t.Fatal("expected job to be canceled")
	}
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	s.Enqueue(&Job{Name: "low", Priority: 20})
	s.Enqueue(&Job{Name: "high", Priority: 5})
	s.Enqueue(&Job{Name: "mid-a", Priority: 10})
	s.Enqueue(&Job{Name: "mid-b", Priority: 10})

	ctx := context.Background()
	var got []string
	for s.Len() > 0 {
		j, err := s.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, j.Name)
	}
	want := []string{"high", "mid-a", "mid-b", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestSchedulerNextBlocksUntilEnqueue(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *Job, 1)
	go func() {
		j, err := s.Next(ctx)
		if err == nil {
			done <- j
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Enqueue(&Job{Name: "late"})

	select {
	case j := <-done:
		if j.Name != "late" {
			t.Fatalf("unexpected job %s", j.Name)
		}
	case <-ctx.Done():
		t.Fatal("Next did not wake up")
	}
}

func TestSchedulerClose(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	s.Close()
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
	if err := s.Enqueue(&Job{}); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed on enqueue, got %v", err)
	}
}

func TestSchedulersAreIndependent(t *testing.T) {
	a := NewScheduler(zap.NewNop())
	b := NewScheduler(zap.NewNop())
	a.Enqueue(&Job{Name: "a"})
	if b.Len() != 0 {
		t.Fatal("schedulers must not share a queue")
	}
}

func TestSchedulerRun(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan string, 2)
	go s.Run(ctx, func(_ context.Context, j *Job) error {
		started <- j.Name
		return nil
	})
	s.Enqueue(&Job{Name: "one"})
	s.Enqueue(&Job{Name: "two"})

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-started:
			if got != want {
				t.Errorf("got %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("job not started")
		}
	}
	cancel()
}

package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/danshapiro/mbt/internal/clock"
)

func waitForStatus(t *testing.T, s *Scheduler, id string, want Status, timeout time.Duration) JobInfo {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, ok := s.Info(id)
		if !ok {
			t.Fatalf("job %s not found", id)
		}
		if info.Status == want {
			return info
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", id, want)
	return JobInfo{}
}

func TestSchedulerSubmitAndComplete(t *testing.T) {
	s := New(2, clock.NewSystem())
	defer s.Stop()

	id := s.Submit(Request{
		TaskName: "echo",
		Run: func(cancelled func() bool) (any, error) {
			return map[string]string{"hello": "world"}, nil
		},
	})

	waitForStatus(t, s, id, Done, time.Second)
	payload, ok := s.TryGetResult(id)
	if !ok || len(payload) == 0 {
		t.Fatalf("expected a result payload")
	}
	if _, ok := s.TryGetResult(id); ok {
		t.Fatalf("expected try_get_result to be consuming")
	}
}

func TestSchedulerFailedTask(t *testing.T) {
	s := New(1, clock.NewSystem())
	defer s.Stop()

	id := s.Submit(Request{
		TaskName: "boom",
		Run: func(cancelled func() bool) (any, error) {
			return nil, fmt.Errorf("boom")
		},
	})

	info := waitForStatus(t, s, id, Failed, time.Second)
	if info.ErrorText == "" {
		t.Fatalf("expected error_text to be set")
	}
}

func TestSchedulerCancelQueued(t *testing.T) {
	// Block the sole worker with a long task so the next submission stays
	// Queued long enough to be cancellable.
	blockCh := make(chan struct{})
	s := New(1, clock.NewSystem())
	defer s.Stop()
	s.Submit(Request{TaskName: "blocker", Run: func(cancelled func() bool) (any, error) {
		<-blockCh
		return nil, nil
	}})

	id := s.Submit(Request{TaskName: "queued", Run: func(cancelled func() bool) (any, error) {
		return "should not run", nil
	}})

	if ok := s.Cancel(id); !ok {
		t.Fatalf("expected cancel of queued job to succeed")
	}
	info, ok := s.Info(id)
	if !ok || info.Status != Cancelled {
		t.Fatalf("expected job to be Cancelled, got %+v", info)
	}
	close(blockCh)
}

func TestSchedulerTimeout(t *testing.T) {
	s := New(1, clock.NewSystem())
	defer s.Stop()

	id := s.Submit(Request{
		TaskName:  "slow",
		TimeoutMs: 10,
		Run: func(cancelled func() bool) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, nil
		},
	})

	info := waitForStatus(t, s, id, Failed, time.Second)
	if info.ErrorText != "timeout" {
		t.Fatalf("expected error_text=timeout, got %q", info.ErrorText)
	}
}

func TestSchedulerStats(t *testing.T) {
	s := New(2, clock.NewSystem())
	defer s.Stop()

	id := s.Submit(Request{TaskName: "ok", Run: func(cancelled func() bool) (any, error) { return 1, nil }})
	waitForStatus(t, s, id, Done, time.Second)

	stats := s.Stats()
	if stats.Done < 1 {
		t.Fatalf("expected at least 1 done job in stats, got %+v", stats)
	}
}

package vla

import (
	"testing"
	"time"

	"github.com/danshapiro/mbt/internal/clock"
	"github.com/danshapiro/mbt/internal/scheduler"
)

type fixedModel struct{ action []float64 }

func (m fixedModel) Infer(req Request) ([]float64, error) {
	return m.action, nil
}

func waitForPollStatus(t *testing.T, svc *Service, jobID string, want PollStatus, timeout time.Duration) PollResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res := svc.Poll(jobID)
		if res.Status == want {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not reach poll status %s in time", jobID, want)
	return PollResult{}
}

func newTestRequest() Request {
	return Request{
		TaskID:      "t1",
		Instruction: "grasp the red block",
		Capability:  "grasp.pick",
		Observation: Observation{State: []float64{0, 0, 0}, TimestampMs: 1},
		ActionSpace: ActionSpace{Kind: Continuous, Dims: 2, Bounds: [][2]float64{{-1, 1}, {-1, 1}}},
		Constraints: Constraints{MaxAbsValue: 1},
		Model:       ModelRef{Name: "grasp-v1", Version: "1"},
	}
}

func TestVLALifecycle(t *testing.T) {
	sched := scheduler.New(2, clock.NewSystem())
	defer sched.Stop()
	svc := NewService(sched, clock.NewSystem(), "run-1")
	svc.RegisterCapability("grasp.*", fixedModel{action: []float64{2, -2}})

	jobID := svc.Submit(newTestRequest())
	res := waitForPollStatus(t, svc, jobID, PollDone, time.Second)
	if res.Final == nil || res.Final.Status != "ok" {
		t.Fatalf("expected a final ok result, got %+v", res)
	}
	if len(res.Final.Action) != 2 || res.Final.Action[0] != 1 || res.Final.Action[1] != -1 {
		t.Fatalf("expected action clamped to [-1,1], got %v", res.Final.Action)
	}
}

func TestVLAUnknownCapabilityIsImmediateError(t *testing.T) {
	sched := scheduler.New(1, clock.NewSystem())
	defer sched.Stop()
	svc := NewService(sched, clock.NewSystem(), "run-1")

	req := newTestRequest()
	req.Capability = "nav.unregistered"
	jobID := svc.Submit(req)
	res := svc.Poll(jobID)
	if res.Status != PollError {
		t.Fatalf("expected immediate error poll, got %s", res.Status)
	}
}

func TestVLACancelFreshJob(t *testing.T) {
	sched := scheduler.New(1, clock.NewSystem())
	defer sched.Stop()
	svc := NewService(sched, clock.NewSystem(), "run-1")
	blockCh := make(chan struct{})
	svc.RegisterCapability("grasp.*", blockingModel{blockCh})
	// Occupy the sole worker so the next job we submit stays queued and is
	// cancellable before it ever starts.
	sched.Submit(scheduler.Request{TaskName: "blocker", Run: func(cancelled func() bool) (any, error) {
		<-blockCh
		return nil, nil
	}})

	jobID := svc.Submit(newTestRequest())
	if !svc.Cancel(jobID) {
		t.Fatalf("expected cancel to succeed on a queued job")
	}
	res := svc.Poll(jobID)
	if res.Status != PollCancelled {
		t.Fatalf("expected cancelled poll status, got %s", res.Status)
	}
	close(blockCh)
}

type blockingModel struct{ ch chan struct{} }

func (m blockingModel) Infer(req Request) ([]float64, error) {
	<-m.ch
	return []float64{0, 0}, nil
}

func TestRequestHashStable(t *testing.T) {
	req := newTestRequest()
	h1, err := requestHash(req)
	if err != nil {
		t.Fatalf("requestHash: %v", err)
	}
	h2, err := requestHash(req)
	if err != nil {
		t.Fatalf("requestHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %s vs %s", h1, h2)
	}
	req.Instruction = "different instruction"
	h3, _ := requestHash(req)
	if h3 == h1 {
		t.Fatalf("expected different hash for different instruction")
	}
}

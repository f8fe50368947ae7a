package bttree

import (
	"testing"
	"time"

	"github.com/danshapiro/mbt/internal/btcompile"
	"github.com/danshapiro/mbt/internal/btnode"
	"github.com/danshapiro/mbt/internal/btval"
	"github.com/danshapiro/mbt/internal/clock"
	"github.com/danshapiro/mbt/internal/logsink"
	"github.com/danshapiro/mbt/internal/prng"
	"github.com/danshapiro/mbt/internal/registry"
	"github.com/danshapiro/mbt/internal/scheduler"
	"github.com/danshapiro/mbt/internal/vla"
)

func TestCondMissingCallbackIsFailure(t *testing.T) {
	cb := registry.NewCallbackRegistry()
	inst := newTestInstance(t, `(cond "nonexistent")`, cb)
	if s := Tick(inst, nil); s != btnode.Failure {
		t.Fatalf("want failure on registry miss, got %s", s)
	}
}

func TestActErrorIsFailureWithLog(t *testing.T) {
	cb := registry.NewCallbackRegistry()
	cb.RegisterAction("boom", func(ctx registry.ActionContext) (btnode.Status, error) {
		return btnode.Success, errFake("boom")
	})
	inst := newTestInstance(t, `(act "boom")`, cb)
	if s := Tick(inst, nil); s != btnode.Failure {
		t.Fatalf("want failure on callback error, got %s", s)
	}
	recs := inst.svc.LogSink.Snapshot()
	if len(recs) == 0 || recs[len(recs)-1].Level != logsink.LevelError {
		t.Fatalf("want an error log record, got %+v", recs)
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }

// toyLinearModel samples actions uniformly in [-0.5, 0.5]: Step(state,
// action) -> state+action, reward -|state+action|, terminal when
// |state+action| < 0.05.
type toyLinearModel struct{}

func (toyLinearModel) SampleAction(state []float64, rng *prng.Source) []float64 {
	return []float64{rng.Uniform(-0.5, 0.5)}
}
func (toyLinearModel) RolloutAction(state []float64, rng *prng.Source) []float64 {
	return []float64{rng.Uniform(-0.5, 0.5)}
}
func (toyLinearModel) Step(state, action []float64, rng *prng.Source) ([]float64, float64, bool) {
	next := state[0] + action[0]
	return []float64{next}, -abs(next), abs(next) < 0.05
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestPlanActionWritesActionOnSuccess(t *testing.T) {
	cb := registry.NewCallbackRegistry()
	tree := mustCompile(t, `(plan-action :model "toy" :state-key "state" :action-key "action" :budget-ms 20 :work-max 200)`)
	models := registry.NewModelRegistry()
	models.Register("toy", toyLinearModel{})
	svc := Services{
		Clock:     clock.NewManual(),
		Callbacks: cb,
		Models:    models,
		LogSink:   logsink.New(64, false),
	}
	inst := New(tree, svc, 64, 42, 0)
	if err := inst.BB.Put("state", btval.FloatVectorOf([]float64{1}), 0, 0, 0, "setup"); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if s := Tick(inst, nil); s != btnode.Success {
		t.Fatalf("want success, got %s", s)
	}
	entry, ok := inst.BB.Get("action")
	if !ok {
		t.Fatalf("expected action to be written to the blackboard")
	}
	vec, ok := entry.Value.AsFloatVector()
	if !ok || len(vec) != 1 {
		t.Fatalf("expected a 1-d float_vector action, got %+v", entry.Value)
	}
}

func TestPlanActionUnknownModelIsFailure(t *testing.T) {
	cb := registry.NewCallbackRegistry()
	tree := mustCompile(t, `(plan-action :model "missing" :state-key "state" :action-key "action" :budget-ms 10)`)
	svc := Services{
		Clock:     clock.NewManual(),
		Callbacks: cb,
		Models:    registry.NewModelRegistry(),
		LogSink:   logsink.New(64, false),
	}
	inst := New(tree, svc, 64, 1, 0)
	inst.BB.Put("state", btval.FloatVectorOf([]float64{1}), 0, 0, 0, "setup")
	if s := Tick(inst, nil); s != btnode.Failure {
		t.Fatalf("want failure for an unregistered model, got %s", s)
	}
}

type fakeVLAModel struct{ action []float64 }

func (m fakeVLAModel) Infer(req vla.Request) ([]float64, error) { return m.action, nil }

func newVLAInstance(t *testing.T, src string, sched *scheduler.Scheduler, svcVLA *vla.Service) *Instance {
	t.Helper()
	tree := mustCompile(t, src)
	svc := Services{
		Clock:     clock.NewSystem(),
		Callbacks: registry.NewCallbackRegistry(),
		Models:    registry.NewModelRegistry(),
		VLA:       svcVLA,
		LogSink:   logsink.New(64, false),
	}
	return New(tree, svc, 64, 7, 0)
}

// TestVLARequestWaitLifecycle exercises VlaRequest submitting a job and
// VlaWait blocking the composite until it completes, clamping the final
// action (spec.md §4.6 points 1-4).
func TestVLARequestWaitLifecycle(t *testing.T) {
	sched := scheduler.New(2, clock.NewSystem())
	defer sched.Stop()
	svcVLA := vla.NewService(sched, clock.NewSystem(), "run-test")
	svcVLA.RegisterCapability("grasp.*", fakeVLAModel{action: []float64{0.25}})

	inst := newVLAInstance(t, `(mem-seq
		(vla-request :instruction "pick" :capability "grasp.pick" :job-key "j")
		(vla-wait :job-key "j" :action-key "a"))`, sched, svcVLA)

	deadline := time.Now().Add(2 * time.Second)
	var last btnode.Status
	for time.Now().Before(deadline) {
		last = Tick(inst, nil)
		if last == btnode.Success {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if last != btnode.Success {
		t.Fatalf("expected eventual success, last status %s", last)
	}
	entry, ok := inst.BB.Get("a")
	if !ok {
		t.Fatalf("expected action key to be written")
	}
	vec, _ := entry.Value.AsFloatVector()
	if len(vec) != 1 || vec[0] != 0.25 {
		t.Fatalf("expected action [0.25], got %v", vec)
	}
}

// TestVLARequestResubmitsAfterJobTerminates guards against a VlaRequest
// leaf getting stuck returning Success off a stale job id forever once its
// job has completed and its memSlot.jobID was never cleared (the request
// node's jobID lives on its own memSlot, but only VlaWait observes the
// terminal poll status, via a different node id).
func TestVLARequestResubmitsAfterJobTerminates(t *testing.T) {
	sched := scheduler.New(2, clock.NewSystem())
	defer sched.Stop()
	svcVLA := vla.NewService(sched, clock.NewSystem(), "run-test")
	svcVLA.RegisterCapability("grasp.*", fakeVLAModel{action: []float64{0.25}})

	inst := newVLAInstance(t, `(mem-seq
		(vla-request :instruction "pick" :capability "grasp.pick" :job-key "j")
		(vla-wait :job-key "j" :action-key "a"))`, sched, svcVLA)

	waitForSuccess := func() string {
		deadline := time.Now().Add(2 * time.Second)
		var last btnode.Status
		for time.Now().Before(deadline) {
			last = Tick(inst, nil)
			if last == btnode.Success {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if last != btnode.Success {
			t.Fatalf("expected eventual success, last status %s", last)
		}
		entry, ok := inst.BB.Get("j")
		if !ok {
			t.Fatalf("expected job id written to blackboard")
		}
		jobID, _ := entry.Value.AsText()
		return jobID
	}

	firstJobID := waitForSuccess()

	// mem-seq resets its cursor to 0 on Success, so the next tick re-enters
	// vla-request from scratch.
	secondJobID := waitForSuccess()

	if firstJobID == secondJobID {
		t.Fatalf("expected a fresh job id on re-entry, got the same id %q twice", firstJobID)
	}
	entry, ok := inst.BB.Get("a")
	if !ok {
		t.Fatalf("expected action key to still be refreshed on the second cycle")
	}
	vec, _ := entry.Value.AsFloatVector()
	if len(vec) != 1 || vec[0] != 0.25 {
		t.Fatalf("expected action [0.25] on the second cycle, got %v", vec)
	}
}

// TestVLACancelClearsRequestAfterJobAlreadyFinished guards against
// Scheduler.Cancel's race: by the time a vla-cancel leaf runs, the job may
// already have completed on a worker goroutine, so Cancel returns false.
// The request node's memSlot must still be cleared so the leaf can
// resubmit on its next entry.
func TestVLACancelClearsRequestAfterJobAlreadyFinished(t *testing.T) {
	sched := scheduler.New(2, clock.NewSystem())
	defer sched.Stop()
	svcVLA := vla.NewService(sched, clock.NewSystem(), "run-test")
	svcVLA.RegisterCapability("grasp.*", fakeVLAModel{action: []float64{0.25}})

	inst := newVLAInstance(t, `(vla-request :instruction "pick" :capability "grasp.pick" :job-key "j")`, sched, svcVLA)
	if s := Tick(inst, nil); s != btnode.Success {
		t.Fatalf("want vla-request to succeed immediately, got %s", s)
	}
	entry, ok := inst.BB.Get("j")
	if !ok {
		t.Fatalf("expected job id written to blackboard")
	}
	jobID, _ := entry.Value.AsText()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svcVLA.Poll(jobID).Status == vla.PollDone {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if svcVLA.Poll(jobID).Status != vla.PollDone {
		t.Fatalf("expected job %s to finish on its own before cancel runs", jobID)
	}

	cancelTree := mustCompile(t, `(vla-cancel :job-key "j")`)
	cancelInst := New(cancelTree, inst.svc, 64, 1, 0)
	cancelInst.BB = inst.BB
	requestNodeID := entry.LastWriterNodeID
	cancelInst.mem[requestNodeID].jobID = jobID

	if s := Tick(cancelInst, nil); s != btnode.Success {
		t.Fatalf("want vla-cancel to always succeed, got %s", s)
	}
	if cancelInst.mem[requestNodeID].jobID != "" {
		t.Fatalf("want the request node's jobID cleared even though Cancel lost the race, got %q", cancelInst.mem[requestNodeID].jobID)
	}
}

// TestReactiveHaltsAbandonedVLAJob exercises the Halt Protocol: a reactive
// composite abandons a running branch mid VLA job, which must cancel the
// in-flight job (SPEC_FULL.md "OPEN QUESTION RESOLUTIONS" #2).
func TestReactiveHaltsAbandonedVLAJob(t *testing.T) {
	sched := scheduler.New(1, clock.NewSystem())
	defer sched.Stop()
	svcVLA := vla.NewService(sched, clock.NewSystem(), "run-test")
	blockCh := make(chan struct{})
	svcVLA.RegisterCapability("grasp.*", blockingVLAModel{blockCh})
	defer close(blockCh)

	gate := true
	cb := registry.NewCallbackRegistry()
	cb.RegisterCondition("gate", func(ctx registry.ActionContext) (bool, error) { return gate, nil })

	tree := mustCompile(t, `(reactive-seq
		(cond "gate")
		(mem-seq
			(vla-request :instruction "pick" :capability "grasp.pick" :job-key "j")
			(vla-wait :job-key "j" :action-key "a")))`)
	svc := Services{
		Clock:     clock.NewSystem(),
		Callbacks: cb,
		Models:    registry.NewModelRegistry(),
		VLA:       svcVLA,
		LogSink:   logsink.New(64, false),
	}
	inst := New(tree, svc, 64, 7, 0)

	if s := Tick(inst, nil); s != btnode.Running {
		t.Fatalf("tick 1: want running (job in flight), got %s", s)
	}
	entry, ok := inst.BB.Get("j")
	if !ok {
		t.Fatalf("expected job id written to blackboard")
	}
	jobID, _ := entry.Value.AsText()

	gate = false
	if s := Tick(inst, nil); s != btnode.Failure {
		t.Fatalf("tick 2: want failure once the gate flips, got %s", s)
	}

	res := svcVLA.Poll(jobID)
	if res.Status != vla.PollCancelled {
		t.Fatalf("expected abandoned job to be cancelled, got poll status %s", res.Status)
	}
}

type blockingVLAModel struct{ ch chan struct{} }

func (m blockingVLAModel) Infer(req vla.Request) ([]float64, error) {
	<-m.ch
	return []float64{0}, nil
}

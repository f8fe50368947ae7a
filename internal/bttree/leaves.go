package bttree

import (
	"github.com/danshapiro/mbt/internal/btnode"
	"github.com/danshapiro/mbt/internal/btval"
	"github.com/danshapiro/mbt/internal/logsink"
	"github.com/danshapiro/mbt/internal/planner"
	"github.com/danshapiro/mbt/internal/registry"
	"github.com/danshapiro/mbt/internal/trace"
	"github.com/danshapiro/mbt/internal/vla"
)

// Planner defaults used when a plan-action leaf's keyed args omit a
// tuning parameter (spec.md §4.5 lists the parameters but leaves per-call
// defaults to the host).
const (
	defaultBudgetMs = int64(50)
	defaultWorkMax  = 200
	defaultMaxDepth = 30
	defaultGamma    = 0.95
	defaultCUCB     = 1.41
	defaultPWK      = 2.0
	defaultPWAlpha  = 0.5
)

func evalLeaf(inst *Instance, n *btnode.Node) btnode.Status {
	switch n.Kind {
	case btnode.KindSucceed:
		return btnode.Success
	case btnode.KindFail:
		return btnode.Failure
	case btnode.KindRunning:
		return btnode.Running
	case btnode.KindCond:
		return evalCond(inst, n)
	case btnode.KindAct:
		return evalAct(inst, n)
	case btnode.KindPlanAction:
		return evalPlanAction(inst, n)
	case btnode.KindVlaRequest:
		return evalVlaRequest(inst, n)
	case btnode.KindVlaWait:
		return evalVlaWait(inst, n)
	case btnode.KindVlaCancel:
		return evalVlaCancel(inst, n)
	default:
		panic("bttree: unknown leaf kind " + n.Kind.String())
	}
}

func (inst *Instance) actionContext(n *btnode.Node) registry.ActionContext {
	mem := &inst.mem[n.ID]
	if mem.scratch == nil {
		mem.scratch = make(map[string]any)
	}
	return registry.ActionContext{
		Args:     n.Args,
		BB:       inst.BB,
		Memory:   mem.scratch,
		Clock:    inst.svc.Clock,
		Rng:      inst.rng,
		Tick:     inst.TickIndex,
		NodeID:   n.ID,
		NodeName: n.Name,
	}
}

// evalCond implements spec.md §4.2/§4.7 Cond leaves: a registry miss or a
// callback error both produce failure plus an error log, never aborting
// the tick.
func evalCond(inst *Instance, n *btnode.Node) btnode.Status {
	fn, ok := inst.svc.Callbacks.Condition(n.Name)
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "cond %q: no condition registered", n.Name)
		return btnode.Failure
	}
	ok2, err := fn(inst.actionContext(n))
	if err != nil {
		inst.logf(logsink.LevelError, "bt", n.ID, "cond %q: %v", n.Name, err)
		return btnode.Failure
	}
	if ok2 {
		return btnode.Success
	}
	return btnode.Failure
}

// evalAct implements spec.md §4.2/§4.7 Act leaves.
func evalAct(inst *Instance, n *btnode.Node) btnode.Status {
	fn, ok := inst.svc.Callbacks.Action(n.Name)
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "act %q: no action registered", n.Name)
		return btnode.Failure
	}
	status, err := fn(inst.actionContext(n))
	if err != nil {
		inst.logf(logsink.LevelError, "bt", n.ID, "act %q: %v", n.Name, err)
		return btnode.Failure
	}
	return status
}

// evalPlanAction implements spec.md §4.5's PlanAction leaf: it calls the
// planner synchronously on the tick thread (unlike VLA leaves, a plan
// call is never routed through the async scheduler — spec.md §4.5 budgets
// it in wall-clock milliseconds precisely because it is meant to return
// within one tick).
func evalPlanAction(inst *Instance, n *btnode.Node) btnode.Status {
	modelName, ok := litString(n.KeyArgs, "model")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "plan-action: missing required key :model")
		return btnode.Failure
	}
	stateKey, ok := litString(n.KeyArgs, "state-key")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "plan-action: missing required key :state-key")
		return btnode.Failure
	}
	actionKey, ok := litString(n.KeyArgs, "action-key")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "plan-action: missing required key :action-key")
		return btnode.Failure
	}

	entry, ok := inst.bbGet(n.ID, stateKey)
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "plan-action: blackboard key %q not set", stateKey)
		return btnode.Failure
	}
	state, ok := entry.Value.AsFloatVector()
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "plan-action: blackboard key %q is not a float_vector", stateKey)
		return btnode.Failure
	}

	seed := inst.Seed
	if s, ok := n.KeyArgs["seed"]; ok && s.Kind == btnode.LitInt {
		seed = s.I
	}

	req := planner.Request{
		ModelService:     modelName,
		ModelServiceHash: planner.HashModelName(modelName),
		State:            state,
		Seed:             seed,
		BudgetMs:         litInt64(n.KeyArgs, "budget-ms", defaultBudgetMs),
		WorkMax:          int(litInt64(n.KeyArgs, "work-max", defaultWorkMax)),
		MaxDepth:         int(litInt64(n.KeyArgs, "max-depth", defaultMaxDepth)),
		Gamma:            litFloat64(n.KeyArgs, "gamma", defaultGamma),
		CUCB:             litFloat64(n.KeyArgs, "c-ucb", defaultCUCB),
		PWK:              litFloat64(n.KeyArgs, "pw-k", defaultPWK),
		PWAlpha:          litFloat64(n.KeyArgs, "pw-alpha", defaultPWAlpha),
	}

	res := planner.Run(req, inst.svc.Models, inst.svc.Clock, n.ID, inst.TickIndex)
	switch res.Status {
	case planner.StatusOk:
		if err := inst.bbPut(n.ID, actionKey, btval.FloatVectorOf(res.Action), n.Kind.String()); err != nil {
			inst.logf(logsink.LevelError, "bt", n.ID, "plan-action: writing %q: %v", actionKey, err)
			return btnode.Failure
		}
		return btnode.Success
	case planner.StatusError:
		inst.logf(logsink.LevelError, "bt", n.ID, "plan-action: model %q run failed", modelName)
		return btnode.Failure
	default: // Timeout, NoAction
		inst.logf(logsink.LevelWarn, "bt", n.ID, "plan-action: model %q returned %s", modelName, res.Status)
		return btnode.Failure
	}
}

// evalVlaRequest implements spec.md §4.6's VlaRequest leaf: it submits a
// job once per job lifecycle (tracked by the node's own memory slot) and
// returns success immediately — waiting for completion is VlaWait's job.
// mem.jobID is cleared by VlaWait once it observes a terminal poll status
// (or by VlaCancel/Halt), so a VlaRequest leaf re-entered after its prior
// job finished resubmits rather than gating on a permanently-sticky flag.
func evalVlaRequest(inst *Instance, n *btnode.Node) btnode.Status {
	mem := &inst.mem[n.ID]
	jobKey, ok := litString(n.KeyArgs, "job-key")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-request: missing required key :job-key")
		return btnode.Failure
	}

	if mem.jobID != "" {
		return btnode.Success
	}

	instruction, _ := litString(n.KeyArgs, "instruction")
	capability, ok := litString(n.KeyArgs, "capability")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-request: missing required key :capability")
		return btnode.Failure
	}

	var state []float64
	if stateKey, ok := litString(n.KeyArgs, "state-key"); ok {
		if entry, ok := inst.bbGet(n.ID, stateKey); ok {
			state, _ = entry.Value.AsFloatVector()
		}
	}

	dims := len(state)
	if dims < 1 {
		dims = 1
	}
	req := vla.Request{
		TaskID:      n.Name,
		Instruction: instruction,
		Capability:  capability,
		Observation: vla.Observation{State: state, TimestampMs: inst.svc.Clock.NowMS()},
		ActionSpace: vla.ActionSpace{Kind: vla.Continuous, Dims: dims, Bounds: boundsOf(dims)},
		DeadlineMs:  litInt64(n.KeyArgs, "deadline-ms", 0),
		Seed:        inst.Seed,
	}
	if modelName, ok := litString(n.KeyArgs, "model"); ok {
		req.Model.Name = modelName
	}
	if modelVersion, ok := litString(n.KeyArgs, "model-version"); ok {
		req.Model.Version = modelVersion
	}

	jobID := inst.svc.VLA.Submit(req)
	mem.jobID = jobID
	mem.jobStarted = false
	inst.traceEvent(trace.KindSchedulerSubmit, n.ID, map[string]any{"job_id": jobID})

	if err := inst.bbPut(n.ID, jobKey, btval.Text(jobID), n.Kind.String()); err != nil {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-request: writing %q: %v", jobKey, err)
	}
	return btnode.Success
}

// boundsOf returns dims unconstrained bounds, used when a vla-request
// leaf's tree doesn't separately declare an action space (the keyed-arg
// grammar has no per-dimension bound syntax).
func boundsOf(dims int) [][2]float64 {
	const unbounded = 1e9
	out := make([][2]float64, dims)
	for i := range out {
		out[i] = [2]float64{-unbounded, unbounded}
	}
	return out
}

// evalVlaWait implements spec.md §4.6's VlaWait leaf: Running while the
// job is in flight, Success with the resulting action written to the
// blackboard on completion, Failure on error/timeout/cancellation.
//
// The job's jobID/jobStarted bookkeeping lives on the VlaRequest node's own
// memory slot, not this node's — a wait leaf can sit under a different
// parent than its request (or be reused across requests), so the
// blackboard entry's LastWriterNodeID, recorded by evalVlaRequest's
// bbPut, is what identifies the originating node.
func evalVlaWait(inst *Instance, n *btnode.Node) btnode.Status {
	jobKey, ok := litString(n.KeyArgs, "job-key")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-wait: missing required key :job-key")
		return btnode.Failure
	}
	actionKey, ok := litString(n.KeyArgs, "action-key")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-wait: missing required key :action-key")
		return btnode.Failure
	}
	entry, ok := inst.bbGet(n.ID, jobKey)
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-wait: blackboard key %q not set", jobKey)
		return btnode.Failure
	}
	jobID, ok := entry.Value.AsText()
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-wait: blackboard key %q is not a job id", jobKey)
		return btnode.Failure
	}
	reqMem := &inst.mem[entry.LastWriterNodeID]

	res := inst.svc.VLA.Poll(jobID)
	switch res.Status {
	case vla.PollQueued:
		return btnode.Running
	case vla.PollRunning, vla.PollStreaming:
		if !reqMem.jobStarted {
			reqMem.jobStarted = true
			inst.traceEvent(trace.KindSchedulerStart, entry.LastWriterNodeID, map[string]any{"job_id": jobID})
		}
		return btnode.Running
	case vla.PollDone:
		reqMem.jobID = ""
		reqMem.jobStarted = false
		inst.traceEvent(trace.KindSchedulerFinish, entry.LastWriterNodeID, map[string]any{"job_id": jobID})
		if res.Final != nil {
			if err := inst.bbPut(n.ID, actionKey, btval.FloatVectorOf(res.Final.Action), n.Kind.String()); err != nil {
				inst.logf(logsink.LevelError, "bt", n.ID, "vla-wait: writing %q: %v", actionKey, err)
				return btnode.Failure
			}
		}
		return btnode.Success
	case vla.PollCancelled:
		// scheduler_cancel was already traced at the cancellation's
		// initiation site (Halt or evalVlaCancel); don't trace a second
		// terminal event for the same job id.
		reqMem.jobID = ""
		reqMem.jobStarted = false
		inst.logf(logsink.LevelWarn, "bt", n.ID, "vla-wait: job %s was cancelled", jobID)
		return btnode.Failure
	default: // error, timeout
		reqMem.jobID = ""
		reqMem.jobStarted = false
		inst.traceEvent(trace.KindSchedulerFinish, entry.LastWriterNodeID, map[string]any{"job_id": jobID})
		inst.logf(logsink.LevelWarn, "bt", n.ID, "vla-wait: job %s ended with poll status %s", jobID, res.Status)
		return btnode.Failure
	}
}

// evalVlaCancel implements spec.md §4.6's VlaCancel leaf: best-effort,
// always succeeds regardless of whether the underlying job accepted the
// cancel request.
func evalVlaCancel(inst *Instance, n *btnode.Node) btnode.Status {
	jobKey, ok := litString(n.KeyArgs, "job-key")
	if !ok {
		inst.logf(logsink.LevelError, "bt", n.ID, "vla-cancel: missing required key :job-key")
		return btnode.Success
	}
	entry, ok := inst.bbGet(n.ID, jobKey)
	if !ok {
		return btnode.Success
	}
	jobID, ok := entry.Value.AsText()
	if !ok {
		return btnode.Success
	}

	// Cancel can lose the race against the worker finishing the job on its
	// own: Scheduler.Cancel returns false once a job has already left
	// Queued/Running, but the originating request's memory must still be
	// cleared here, since nothing else is polling this job (no vla-wait is
	// assumed to be in the same subtree as a cancel leaf).
	reqMem := &inst.mem[entry.LastWriterNodeID]
	wasTracked := reqMem.jobID != ""
	cancelled := inst.svc.VLA.Cancel(jobID)
	reqMem.jobID = ""
	reqMem.jobStarted = false
	if !wasTracked {
		return btnode.Success
	}
	if cancelled {
		inst.traceEvent(trace.KindSchedulerCancel, entry.LastWriterNodeID, map[string]any{"job_id": jobID})
	} else if res := inst.svc.VLA.Poll(jobID); res.Status != vla.PollCancelled {
		inst.traceEvent(trace.KindSchedulerFinish, entry.LastWriterNodeID, map[string]any{"job_id": jobID})
	}
	return btnode.Success
}

package runtimehost

import (
	"github.com/danshapiro/mbt/internal/btnode"
	"github.com/danshapiro/mbt/internal/bttree"
	"github.com/danshapiro/mbt/internal/clock"
	"github.com/danshapiro/mbt/internal/logsink"
	"github.com/danshapiro/mbt/internal/registry"
	"github.com/danshapiro/mbt/internal/scheduler"
	"github.com/danshapiro/mbt/internal/vla"
)

// Runtime is the constructed, running set of host services a process
// needs to tick any number of tree instances (SPEC_FULL.md "MODULE
// LAYOUT" runtimehost): the single owner of the scheduler's worker pool,
// the process-wide log sink, and the two registries, mirroring the way
// engine.Run constructs one Engine holding every pipeline collaborator
// for the lifetime of a run.
type Runtime struct {
	Config RuntimeConfig

	Clock     clock.Clock
	LogSink   *logsink.Sink
	Callbacks *registry.CallbackRegistry
	Models    *registry.ModelRegistry
	Scheduler *scheduler.Scheduler
	VLA       *vla.Service
}

// NewRuntime constructs a Runtime from an already-validated config,
// using the real wall clock. Callback and model registrations happen
// after construction, before any tree is ticked (spec.md §5 "Registries
// are read-only during ticking").
func NewRuntime(cfg RuntimeConfig) *Runtime {
	clk := clock.NewSystem()
	sched := scheduler.New(cfg.Scheduler.WorkerCount, clk)
	return &Runtime{
		Config:    cfg,
		Clock:     clk,
		LogSink:   logsink.New(cfg.Rings.LogCapacity, cfg.Log.MirrorToStderr),
		Callbacks: registry.NewCallbackRegistry(),
		Models:    registry.NewModelRegistry(),
		Scheduler: sched,
		VLA:       vla.NewService(sched, clk, cfg.VLA.RunID),
	}
}

// Services bundles this Runtime's collaborators into the form bttree.New
// expects, so every tree instance built from this Runtime shares the
// same clock, registries, scheduler-backed VLA service, and log sink.
func (r *Runtime) Services() bttree.Services {
	return bttree.Services{
		Clock:     r.Clock,
		Callbacks: r.Callbacks,
		Models:    r.Models,
		VLA:       r.VLA,
		LogSink:   r.LogSink,
	}
}

// NewInstance binds tree to a fresh bttree.Instance using this Runtime's
// services, the configured default tick budget, and the configured trace
// ring capacity.
func (r *Runtime) NewInstance(tree *btnode.CompiledTree, seed int64) *bttree.Instance {
	inst := bttree.New(tree, r.Services(), r.Config.Rings.TraceCapacity, seed, int64(r.Config.Tick.DefaultBudgetMS))
	inst.TraceEnabled = r.Config.Trace.Enabled
	inst.ReadTraceEnabled = r.Config.Trace.ReadEnabled
	return inst
}

// Shutdown stops the scheduler's worker pool, draining in-flight jobs'
// goroutines (spec.md §4.6's "fixed-size worker pool" has no persistence
// across restarts per the Non-goals, so shutdown simply joins workers).
// It does not close submission: a job submitted after Shutdown is
// recorded but stays Queued.
func (r *Runtime) Shutdown() {
	r.Scheduler.Stop()
}

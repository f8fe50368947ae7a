// Package bttree implements the tick driver and a compiled tree's
// per-instance mutable state (spec.md §3 "Tree instance", §4.2 "Tick
// driver & node semantics"). Node dispatch is a tagged-kind switch over
// dense node ids rather than a virtual-method hierarchy, per spec.md §9's
// "Pointer-based polymorphic node hierarchy → tagged variant of node
// kinds with a dispatch function taking (node_id, instance_mut)" — the
// same node/edge tagged-dispatch shape the teacher's
// `internal/attractor/model` package uses for its graph nodes, adapted
// from one-shot graph execution to repeated per-tick evaluation.
package bttree

import (
	"fmt"

	"github.com/danshapiro/mbt/internal/blackboard"
	"github.com/danshapiro/mbt/internal/btnode"
	"github.com/danshapiro/mbt/internal/btval"
	"github.com/danshapiro/mbt/internal/clock"
	"github.com/danshapiro/mbt/internal/logsink"
	"github.com/danshapiro/mbt/internal/prng"
	"github.com/danshapiro/mbt/internal/registry"
	"github.com/danshapiro/mbt/internal/trace"
	"github.com/danshapiro/mbt/internal/vla"
)

// memSlot is one node's opaque per-instance memory (spec.md §3 "Node
// memory"). Not every field is used by every node kind.
type memSlot struct {
	cursor     int            // MemSeq/MemSel/AsyncSeq resume index; reactive composites' last-running child index
	hasCursor  bool           // whether cursor is meaningful (vs. freshly reset)
	iterCount  int64          // Repeat/Retry: successes/failures observed so far
	jobID      string         // VlaRequest: in-flight VLA job id, "" if none in flight
	jobStarted bool           // VlaRequest: whether scheduler_start has already been traced for jobID
	scratch    map[string]any // Act leaf user-defined scratch
	prevValue  *bool          // Cond leaf's previous result slot; cleared by reset, not set or read elsewhere
}

func (m *memSlot) reset() {
	m.cursor = 0
	m.hasCursor = false
	m.iterCount = 0
	m.jobID = ""
	m.jobStarted = false
	m.scratch = nil
	m.prevValue = nil
}

// ProfileCounters is per-node cumulative tick statistics (spec.md §3 Tree
// instance field "profile_counters", detailed in SPEC_FULL.md
// "SUPPLEMENTED FEATURES"), mirroring the teacher's
// `PipelineState.Status()` progress extraction.
type ProfileCounters struct {
	Ticks       uint64
	TotalNanos  int64
	LastStatus  btnode.Status
}

// Services bundles the host-injected collaborators a tick needs beyond
// the compiled tree itself (spec.md §1 "The core assumes the host
// supplies: a monotonic clock, a PRNG seed source, a condition/action
// callback registry, a planner model registry, and a VLA capability
// worker pool").
type Services struct {
	Clock     clock.Clock
	Callbacks *registry.CallbackRegistry
	Models    *registry.ModelRegistry
	VLA       *vla.Service
	LogSink   *logsink.Sink
}

// Instance is one mutable binding of a CompiledTree to per-instance state
// (spec.md §3 "Tree instance"). Exclusively owned by the host loop that
// ticks it; never shared (spec.md §3 Invariants, §5).
type Instance struct {
	Tree *btnode.CompiledTree

	mem []memSlot

	BB    *blackboard.Blackboard
	Trace *trace.Ring

	TickIndex        int64
	TickBudgetMs     int64
	TraceEnabled     bool
	ReadTraceEnabled bool
	OverrunCount     int64

	Profile []ProfileCounters

	Seed int64 // base seed mixed into every PlanAction call from this instance

	svc Services
	rng *prng.Source

	descendants map[uint32][]uint32 // lazily computed, cached: node id -> all descendant ids (inclusive)
}

// New binds tree to a fresh Instance (spec.md §3). tickBudgetMs <= 0 means
// no soft budget warning is ever emitted.
func New(tree *btnode.CompiledTree, svc Services, traceCapacity int, seed int64, tickBudgetMs int64) *Instance {
	inst := &Instance{
		Tree:         tree,
		mem:          make([]memSlot, len(tree.Nodes)),
		BB:           blackboard.New(),
		Trace:        trace.New(traceCapacity),
		TickBudgetMs: tickBudgetMs,
		Profile:      make([]ProfileCounters, len(tree.Nodes)),
		Seed:         seed,
		svc:          svc,
		rng:          prng.New(seed),
	}
	return inst
}

// Reset clears node memory and blackboard but preserves the compiled tree
// and log sink (spec.md §3 Invariants: "bt.reset(inst) clears node memory
// and blackboard but preserves compiled tree and log sink").
func (inst *Instance) Reset() {
	for i := range inst.mem {
		inst.mem[i].reset()
	}
	inst.BB.Reset()
	inst.Trace.Reset()
	inst.TickIndex = 0
	inst.OverrunCount = 0
	inst.Profile = make([]ProfileCounters, len(inst.Tree.Nodes))
	inst.rng = prng.New(inst.Seed)
}

// descendantsOf returns all node ids in the subtree rooted at id,
// including id itself, computing and caching the full map on first use.
// The compiled tree is immutable after construction (spec.md §3), so a
// one-time computation is always valid for this instance's lifetime.
func (inst *Instance) descendantsOf(id uint32) []uint32 {
	if inst.descendants == nil {
		inst.descendants = make(map[uint32][]uint32, len(inst.Tree.Nodes))
		var walk func(uint32) []uint32
		walk = func(n uint32) []uint32 {
			if cached, ok := inst.descendants[n]; ok {
				return cached
			}
			out := []uint32{n}
			for _, c := range inst.Tree.Node(n).Children {
				out = append(out, walk(c)...)
			}
			inst.descendants[n] = out
			return out
		}
		walk(inst.Tree.RootID)
	}
	return inst.descendants[id]
}

func (inst *Instance) logf(level logsink.Level, category string, nodeID uint32, format string, args ...any) {
	if inst.svc.LogSink == nil {
		return
	}
	inst.svc.LogSink.Log(inst.svc.Clock.NowNS(), level, inst.TickIndex, nodeID, category, fmt.Sprintf(format, args...))
}

func (inst *Instance) traceEvent(kind trace.Kind, nodeID uint32, payload map[string]any) {
	if !inst.TraceEnabled {
		return
	}
	inst.Trace.Append(inst.svc.Clock.NowNS(), kind, inst.TickIndex, nodeID, payload)
}

// bbGet reads key from the blackboard, emitting a bb_read trace event
// when read-tracing is enabled (spec.md §4.3: "Get emits bb_read only
// when read-trace is enabled"). Read-tracing is a refinement of general
// tracing: both TraceEnabled and ReadTraceEnabled gate the event, since
// there is no trace ring activity at all with TraceEnabled off.
func (inst *Instance) bbGet(nodeID uint32, key string) (blackboard.Entry, bool) {
	entry, ok := inst.BB.Get(key)
	if inst.ReadTraceEnabled {
		inst.traceEvent(trace.KindBBRead, nodeID, map[string]any{"key": key, "found": ok})
	}
	return entry, ok
}

// bbPut writes key to the blackboard at the current tick, emitting a
// bb_write trace event (spec.md §4.3: "Put emits a bb_write trace event
// if trace enabled").
func (inst *Instance) bbPut(nodeID uint32, key string, value btval.Value, writerName string) error {
	tsNS := inst.svc.Clock.NowNS()
	err := inst.BB.Put(key, value, inst.TickIndex, tsNS, nodeID, writerName)
	payload := map[string]any{"key": key}
	if err != nil {
		payload["error"] = err.Error()
	}
	inst.traceEvent(trace.KindBBWrite, nodeID, payload)
	return err
}

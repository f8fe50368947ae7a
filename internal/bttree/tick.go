package bttree

import (
	"time"

	"github.com/danshapiro/mbt/internal/btnode"
	"github.com/danshapiro/mbt/internal/btval"
	"github.com/danshapiro/mbt/internal/logsink"
	"github.com/danshapiro/mbt/internal/trace"
)

// Tick evaluates the root node against inst's current state under its
// tick budget (spec.md §4.2 "tick(instance, inputs?) → Status"). inputs,
// if non-nil, is atomically seeded into the blackboard first, each entry
// recorded as a synthetic write by node_id 0, name "__input__".
func Tick(inst *Instance, inputs map[string]btval.Value) btnode.Status {
	newTick := inst.TickIndex + 1
	tsNS := inst.svc.Clock.NowNS()

	if inputs != nil {
		for k, v := range inputs {
			err := inst.BB.Put(k, v, newTick, tsNS, 0, "__input__")
			if err != nil {
				inst.logf(logsink.LevelError, "bt", 0, "tick input write %q rejected: %v", k, err)
			}
			if inst.TraceEnabled {
				payload := map[string]any{"key": k}
				if err != nil {
					payload["error"] = err.Error()
				}
				inst.Trace.Append(tsNS, trace.KindBBWrite, newTick, 0, payload)
			}
		}
	}
	inst.TickIndex = newTick

	inst.traceEvent(trace.KindTickBegin, inst.Tree.RootID, map[string]any{"root_id": inst.Tree.RootID})

	start := inst.svc.Clock.NowNS()
	status := evalNode(inst, inst.Tree.RootID)
	durationNanos := inst.svc.Clock.NowNS() - start

	if inst.TickBudgetMs > 0 {
		durationMs := durationNanos / int64(time.Millisecond)
		if durationMs > inst.TickBudgetMs {
			inst.OverrunCount++
			inst.logf(logsink.LevelWarn, "bt", inst.Tree.RootID, "tick %d exceeded budget: %dms > %dms", inst.TickIndex, durationMs, inst.TickBudgetMs)
		}
	}

	inst.traceEvent(trace.KindTickEnd, inst.Tree.RootID, map[string]any{"status": status.String(), "duration_ns": durationNanos})
	return status
}

// evalNode dispatches one node (spec.md §4.2 point 3: emits node_enter
// before descent, node_exit after, carrying status and duration) and
// updates its profile counters (SPEC_FULL.md "SUPPLEMENTED FEATURES").
func evalNode(inst *Instance, id uint32) btnode.Status {
	n := inst.Tree.Node(id)
	inst.traceEvent(trace.KindNodeEnter, id, map[string]any{"kind": n.Kind.String()})
	start := inst.svc.Clock.NowNS()

	var status btnode.Status
	switch {
	case n.Kind.IsComposite():
		status = evalComposite(inst, n)
	case n.Kind.IsDecorator():
		status = evalDecorator(inst, n)
	default:
		status = evalLeaf(inst, n)
	}

	duration := inst.svc.Clock.NowNS() - start
	p := &inst.Profile[id]
	p.Ticks++
	p.TotalNanos += duration
	p.LastStatus = status

	inst.traceEvent(trace.KindNodeExit, id, map[string]any{"status": status.String(), "duration_ns": duration})
	return status
}

func evalComposite(inst *Instance, n *btnode.Node) btnode.Status {
	switch n.Kind {
	case btnode.KindSeq:
		return evalMemorylessSeq(inst, n)
	case btnode.KindSel:
		return evalMemorylessSel(inst, n)
	case btnode.KindMemSeq, btnode.KindAsyncSeq:
		return evalMemSeq(inst, n)
	case btnode.KindMemSel:
		return evalMemSel(inst, n)
	case btnode.KindReactiveSeq:
		return evalReactive(inst, n, true)
	case btnode.KindReactiveSel:
		return evalReactive(inst, n, false)
	default:
		panic("bttree: unknown composite kind " + n.Kind.String())
	}
}

// evalMemorylessSeq implements spec.md §4.2 "Seq (memoryless)": evaluate
// children left-to-right every tick from index 0.
func evalMemorylessSeq(inst *Instance, n *btnode.Node) btnode.Status {
	for _, c := range n.Children {
		switch s := evalNode(inst, c); s {
		case btnode.Failure:
			return btnode.Failure
		case btnode.Running:
			return btnode.Running
		}
	}
	return btnode.Success
}

// evalMemorylessSel implements spec.md §4.2 "Sel (memoryless)".
func evalMemorylessSel(inst *Instance, n *btnode.Node) btnode.Status {
	for _, c := range n.Children {
		switch s := evalNode(inst, c); s {
		case btnode.Success:
			return btnode.Success
		case btnode.Running:
			return btnode.Running
		}
	}
	return btnode.Failure
}

// evalMemSeq implements spec.md §4.2 "MemSeq / AsyncSeq": resume at the
// cursor; a Running child re-saves the cursor; terminal Failure resets
// the cursor to 0; terminal Success (all children passed) also resets it.
// AsyncSeq shares this mechanic — the spec's distinction between the two
// is about the kind of leaves underneath (async workers vs. synchronous
// leaves), not the composite's own bookkeeping.
func evalMemSeq(inst *Instance, n *btnode.Node) btnode.Status {
	mem := &inst.mem[n.ID]
	start := mem.cursor
	for i := start; i < len(n.Children); i++ {
		switch s := evalNode(inst, n.Children[i]); s {
		case btnode.Failure:
			mem.cursor = 0
			mem.hasCursor = false
			return btnode.Failure
		case btnode.Running:
			mem.cursor = i
			mem.hasCursor = true
			return btnode.Running
		}
	}
	mem.cursor = 0
	mem.hasCursor = false
	return btnode.Success
}

// evalMemSel implements spec.md §4.2 "MemSeq / MemSel" for the selector
// variant: a terminal Success resets the cursor.
func evalMemSel(inst *Instance, n *btnode.Node) btnode.Status {
	mem := &inst.mem[n.ID]
	start := mem.cursor
	for i := start; i < len(n.Children); i++ {
		switch s := evalNode(inst, n.Children[i]); s {
		case btnode.Success:
			mem.cursor = 0
			mem.hasCursor = false
			return btnode.Success
		case btnode.Running:
			mem.cursor = i
			mem.hasCursor = true
			return btnode.Running
		}
	}
	mem.cursor = 0
	mem.hasCursor = false
	return btnode.Failure
}

// evalReactive implements spec.md §4.2 "ReactiveSeq / ReactiveSel":
// memoryless conditions are re-checked every tick (every child is
// re-evaluated from index 0), but if the child that was running last
// tick is not reached this tick — an earlier child's result changed —
// the abandoned subtree is halted per the Halt Protocol (resolved in
// SPEC_FULL.md "OPEN QUESTION RESOLUTIONS" #2 to halt all descendants of
// that subtree, not just the newly-failing condition's own node).
func evalReactive(inst *Instance, n *btnode.Node, isSeq bool) btnode.Status {
	mem := &inst.mem[n.ID]
	prevCursor, hadCursor := mem.cursor, mem.hasCursor

	stopIndex := len(n.Children) - 1
	var status btnode.Status
	if isSeq {
		status = btnode.Success
	} else {
		status = btnode.Failure
	}
	for i, c := range n.Children {
		s := evalNode(inst, c)
		stop := false
		if isSeq {
			if s == btnode.Failure {
				status, stop = btnode.Failure, true
			} else if s == btnode.Running {
				status, stop = btnode.Running, true
			}
		} else {
			if s == btnode.Success {
				status, stop = btnode.Success, true
			} else if s == btnode.Running {
				status, stop = btnode.Running, true
			}
		}
		if stop {
			stopIndex = i
			break
		}
	}

	if hadCursor && prevCursor > stopIndex {
		Halt(inst, n.Children[prevCursor])
	}

	if status == btnode.Running {
		mem.cursor, mem.hasCursor = stopIndex, true
	} else {
		mem.cursor, mem.hasCursor = 0, false
	}
	return status
}

func evalDecorator(inst *Instance, n *btnode.Node) btnode.Status {
	switch n.Kind {
	case btnode.KindInvert:
		switch s := evalNode(inst, n.Children[0]); s {
		case btnode.Success:
			return btnode.Failure
		case btnode.Failure:
			return btnode.Success
		default:
			return btnode.Running
		}
	case btnode.KindRepeat:
		return evalRepeat(inst, n)
	case btnode.KindRetry:
		return evalRetry(inst, n)
	default:
		panic("bttree: unknown decorator kind " + n.Kind.String())
	}
}

// evalRepeat implements spec.md §4.2 "Repeat(n, child)". n == 0 means
// immediate success without evaluating the child at all.
func evalRepeat(inst *Instance, n *btnode.Node) btnode.Status {
	if n.IntParam == 0 {
		return btnode.Success
	}
	mem := &inst.mem[n.ID]
	switch s := evalNode(inst, n.Children[0]); s {
	case btnode.Running:
		return btnode.Running
	case btnode.Failure:
		mem.iterCount = 0
		return btnode.Failure
	default: // Success
		mem.iterCount++
		if mem.iterCount < n.IntParam {
			return btnode.Running
		}
		mem.iterCount = 0
		return btnode.Success
	}
}

// evalRetry implements spec.md §4.2 "Retry(n, child)", symmetric to
// Repeat: n == 0 is extrapolated from the spec's "symmetric" wording to
// mean immediate failure without evaluating the child.
func evalRetry(inst *Instance, n *btnode.Node) btnode.Status {
	if n.IntParam == 0 {
		return btnode.Failure
	}
	mem := &inst.mem[n.ID]
	switch s := evalNode(inst, n.Children[0]); s {
	case btnode.Running:
		return btnode.Running
	case btnode.Success:
		mem.iterCount = 0
		return btnode.Success
	default: // Failure
		mem.iterCount++
		if mem.iterCount < n.IntParam {
			return btnode.Running
		}
		mem.iterCount = 0
		return btnode.Failure
	}
}

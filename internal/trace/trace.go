// Package trace implements the per-instance bounded trace ring (spec.md
// §3, §4.4). It is single-producer: only the tick thread that owns the
// instance appends to it, matching spec.md §5's "not thread-safe" note for
// per-instance state.
package trace

import "fmt"

// Kind tags a trace event's type (spec.md §3).
type Kind string

const (
	KindTickBegin       Kind = "tick_begin"
	KindTickEnd         Kind = "tick_end"
	KindNodeEnter       Kind = "node_enter"
	KindNodeExit        Kind = "node_exit"
	KindBBRead          Kind = "bb_read"
	KindBBWrite         Kind = "bb_write"
	KindSchedulerSubmit Kind = "scheduler_submit"
	KindSchedulerStart  Kind = "scheduler_start"
	KindSchedulerFinish Kind = "scheduler_finish"
	KindSchedulerCancel Kind = "scheduler_cancel"
	KindWarning         Kind = "warning"
	KindError           Kind = "error"
)

// Event is one trace record (spec.md §3).
type Event struct {
	Sequence uint64
	TSNanos  int64
	Kind     Kind
	Tick     int64
	NodeID   uint32
	Payload  map[string]any
}

// Ring is a bounded, single-producer event log. Capacity is fixed at
// construction; once full, the oldest event is evicted first (spec.md
// §4.4). Sequence numbers are strictly increasing and never reused, even
// across evictions (spec.md §3 Invariants).
type Ring struct {
	capacity int
	buf      []Event
	start    int // index of the oldest retained event
	count    int
	nextSeq  uint64
}

// New returns a Ring with the given capacity. Capacity must be positive.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		capacity: capacity,
		buf:      make([]Event, capacity),
	}
}

// Append records an event, assigning it the next sequence number. If the
// ring is full, the oldest event is evicted.
func (r *Ring) Append(tsNanos int64, kind Kind, tick int64, nodeID uint32, payload map[string]any) Event {
	ev := Event{
		Sequence: r.nextSeq,
		TSNanos:  tsNanos,
		Kind:     kind,
		Tick:     tick,
		NodeID:   nodeID,
		Payload:  payload,
	}
	r.nextSeq++

	idx := (r.start + r.count) % r.capacity
	r.buf[idx] = ev
	if r.count < r.capacity {
		r.count++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
	return ev
}

// Len returns the number of events currently retained.
func (r *Ring) Len() int { return r.count }

// Snapshot returns an ordered copy from oldest retained to newest.
func (r *Ring) Snapshot() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%r.capacity]
	}
	return out
}

// Reset empties the ring but does not reset the sequence counter — spec.md
// §3 requires sequence numbers are "strictly increasing and never reused",
// which a reset instance must still honor.
func (r *Ring) Reset() {
	r.start = 0
	r.count = 0
}

// Dump renders the ring as stable text for diagnostics (spec.md §6).
func (r *Ring) Dump() string {
	out := ""
	for _, ev := range r.Snapshot() {
		out += fmt.Sprintf("#%d t=%dns tick=%d node=%d kind=%s payload=%v\n", ev.Sequence, ev.TSNanos, ev.Tick, ev.NodeID, ev.Kind, ev.Payload)
	}
	return out
}

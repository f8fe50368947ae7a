// Package blackboard implements the per-instance typed key→value store with
// write metadata (spec.md §3, §4.3). It is not thread-safe: a blackboard is
// touched only by the tick thread that owns its instance (spec.md §5).
package blackboard

import (
	"fmt"
	"sort"

	"github.com/danshapiro/mbt/internal/btval"
)

// Entry is a stored value plus the metadata of its most recent write
// (spec.md §3: "Blackboard entry"). Reads never modify an Entry; writes
// always update the metadata.
type Entry struct {
	Value            btval.Value
	LastWriteTick    int64
	LastWriteTSNanos int64
	LastWriterNodeID uint32
	LastWriterName   string
}

// Blackboard is the per-instance store. The zero value is not usable; use
// New.
type Blackboard struct {
	entries map[string]Entry
	lastKey map[string]struct {
		tick int64
		ns   int64
	}
}

// New returns an empty Blackboard.
func New() *Blackboard {
	return &Blackboard{
		entries: make(map[string]Entry),
		lastKey: make(map[string]struct {
			tick int64
			ns   int64
		}),
	}
}

// Get returns the entry for key, or false if absent. It never mutates
// metadata (spec.md §4.3).
func (b *Blackboard) Get(key string) (Entry, bool) {
	e, ok := b.entries[key]
	return e, ok
}

// Put overwrites key's value and stamps write metadata with tick and
// ts_ns. It enforces spec.md §3's monotonicity invariant: "Blackboard entry
// metadata strictly increases in (tick, ts_ns) lexicographic order per
// key" — a write with an out-of-order (tick, ts_ns) is a caller bug and is
// rejected rather than silently corrupting history.
func (b *Blackboard) Put(key string, value btval.Value, tick int64, tsNanos int64, writerNodeID uint32, writerName string) error {
	if err := value.Validate(); err != nil {
		return fmt.Errorf("blackboard: put %q: %w", key, err)
	}
	if prev, ok := b.lastKey[key]; ok {
		if tick < prev.tick || (tick == prev.tick && tsNanos <= prev.ns) {
			return fmt.Errorf("blackboard: put %q: write metadata (tick=%d,ts=%d) does not strictly increase over previous (tick=%d,ts=%d)", key, tick, tsNanos, prev.tick, prev.ns)
		}
	}
	b.entries[key] = Entry{
		Value:            value,
		LastWriteTick:    tick,
		LastWriteTSNanos: tsNanos,
		LastWriterNodeID: writerNodeID,
		LastWriterName:   writerName,
	}
	b.lastKey[key] = struct {
		tick int64
		ns   int64
	}{tick, tsNanos}
	return nil
}

// Remove deletes key, if present.
func (b *Blackboard) Remove(key string) {
	delete(b.entries, key)
	delete(b.lastKey, key)
}

// Keys returns all keys currently stored, sorted for deterministic dumps.
func (b *Blackboard) Keys() []string {
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reset empties the store (spec.md §3 "bt.reset"). Write-order history is
// cleared too, since a reset instance starts a fresh monotonicity clock.
func (b *Blackboard) Reset() {
	b.entries = make(map[string]Entry)
	b.lastKey = make(map[string]struct {
		tick int64
		ns   int64
	})
}

// Dump returns a stable textual rendering for diagnostics (spec.md §6).
func (b *Blackboard) Dump() string {
	out := ""
	for _, k := range b.Keys() {
		e := b.entries[k]
		out += fmt.Sprintf("%s = %s (tick=%d ts_ns=%d writer=%d:%s)\n", k, e.Value.String(), e.LastWriteTick, e.LastWriteTSNanos, e.LastWriterNodeID, e.LastWriterName)
	}
	return out
}

// Package registry implements the host-injected callback registry and
// planner model registry (spec.md §4.7). Both are string-keyed maps that
// may only be mutated while no tree instance is being ticked (spec.md §5
// "Registries are read-only during ticking; mutation requires external
// synchronization by the host"); this package does not itself enforce that
// rule (it has no notion of "a tick in progress"), it only documents the
// contract the host must honor. Each individual Register/lookup call is
// guarded by a sync.RWMutex, so single calls are safe to make concurrently.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danshapiro/mbt/internal/blackboard"
	"github.com/danshapiro/mbt/internal/btnode"
	"github.com/danshapiro/mbt/internal/clock"
	"github.com/danshapiro/mbt/internal/prng"
)

// ActionContext is what a Cond/Act callback receives: its compiled args,
// the owning instance's blackboard, a private per-node scratch map
// (spec.md §3 node memory "user-defined scratch map for action leaves"),
// and enough ambient context (clock, node id, tick index) to log or
// derive seeds without reaching back into the tree instance.
type ActionContext struct {
	Args     []btnode.Literal
	BB       *blackboard.Blackboard
	Memory   map[string]any
	Clock    clock.Clock
	Rng      *prng.Source
	Tick     int64
	NodeID   uint32
	NodeName string
}

// Condition is a Cond leaf callback (spec.md §4.2: "call as pure predicate
// returning bool").
type Condition func(ctx ActionContext) (bool, error)

// Action is an Act leaf callback (spec.md §4.2: "call with tick context,
// node memory slot, args; must return Status").
type Action func(ctx ActionContext) (btnode.Status, error)

// CallbackRegistry maps names to Condition/Action closures.
type CallbackRegistry struct {
	mu         sync.RWMutex
	conditions map[string]Condition
	actions    map[string]Action
}

// NewCallbackRegistry returns an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{
		conditions: make(map[string]Condition),
		actions:    make(map[string]Action),
	}
}

// RegisterCondition binds name to fn, overwriting any previous binding.
func (r *CallbackRegistry) RegisterCondition(name string, fn Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[name] = fn
}

// RegisterAction binds name to fn, overwriting any previous binding.
func (r *CallbackRegistry) RegisterAction(name string, fn Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Condition looks up a condition callback. A miss is not an error here —
// spec.md §4.7: "Lookups at tick time that miss produce failure and an
// error log; they never abort the tick" — the tick driver is responsible
// for turning a miss into that failure+log outcome.
func (r *CallbackRegistry) Condition(name string) (Condition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.conditions[name]
	return fn, ok
}

// Action looks up an action callback.
func (r *CallbackRegistry) Action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// ConditionNames returns all registered condition names, sorted.
func (r *CallbackRegistry) ConditionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conditions))
	for k := range r.conditions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ActionNames returns all registered action names, sorted.
func (r *CallbackRegistry) ActionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Model is a named planner model (spec.md §4.5): it samples new actions
// for progressive widening, samples rollout actions, and simulates one
// transition step. Implementations are host-supplied (e.g. a learned
// policy, or — as in the toy models shipped for tests — a fixed analytic
// rule).
type Model interface {
	SampleAction(state []float64, rng *prng.Source) []float64
	RolloutAction(state []float64, rng *prng.Source) []float64
	Step(state []float64, action []float64, rng *prng.Source) (nextState []float64, reward float64, terminal bool)
}

// ModelRegistry maps model_service names to Model implementations.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewModelRegistry returns an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]Model)}
}

// Register binds name to m, overwriting any previous binding.
func (r *ModelRegistry) Register(name string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = m
}

// Get looks up a model by name.
func (r *ModelRegistry) Get(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Names returns all registered model names, sorted.
func (r *ModelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for k := range r.models {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ErrNotFound describes a registry miss as an error value. The lookups in
// this package report a miss with a false ok result and do not return it.
type ErrNotFound struct {
	Kind string
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("registry: no %s registered under name %q", e.Kind, e.Name)
}

package registry

import (
	"testing"

	"github.com/danshapiro/mbt/internal/btnode"
	"github.com/danshapiro/mbt/internal/prng"
)

func TestCallbackRegistryRoundTrip(t *testing.T) {
	r := NewCallbackRegistry()
	r.RegisterCondition("always-true", func(ctx ActionContext) (bool, error) { return true, nil })
	r.RegisterAction("noop", func(ctx ActionContext) (btnode.Status, error) { return btnode.Success, nil })

	cond, ok := r.Condition("always-true")
	if !ok {
		t.Fatalf("expected condition to be registered")
	}
	b, err := cond(ActionContext{})
	if err != nil || !b {
		t.Fatalf("unexpected condition result: %v %v", b, err)
	}

	if _, ok := r.Action("missing"); ok {
		t.Fatalf("expected miss for unregistered action")
	}
	if names := r.ConditionNames(); len(names) != 1 || names[0] != "always-true" {
		t.Fatalf("unexpected condition names: %v", names)
	}
}

func TestModelRegistryRoundTrip(t *testing.T) {
	r := NewModelRegistry()
	if _, ok := r.Get("toy-1d"); ok {
		t.Fatalf("expected empty registry to miss")
	}
	r.Register("toy-1d", fakeModel{})
	m, ok := r.Get("toy-1d")
	if !ok || m == nil {
		t.Fatalf("expected toy-1d to be registered")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "toy-1d" {
		t.Fatalf("unexpected model names: %v", names)
	}
}

type fakeModel struct{}

func (fakeModel) SampleAction(state []float64, rng *prng.Source) []float64  { return nil }
func (fakeModel) RolloutAction(state []float64, rng *prng.Source) []float64 { return nil }
func (fakeModel) Step(state, action []float64, rng *prng.Source) ([]float64, float64, bool) {
	return nil, 0, true
}

// Package planner implements the bounded-time MCTS planner service
// (spec.md §4.5): UCB1 selection, progressive widening, gamma-discounted
// rollout, and a budget enforced by wall clock and iteration cap. The
// Select→Expand→Simulate→Backpropagate loop shape is grounded on the
// retrieved MCTS reference engine's Run/runIteration structure (options
// struct with sane defaults, one iteration per loop turn, explicit
// iteration counter checked against a budget), adapted from an LLM
// plan-tree expander to the spec's closed-form transition/reward models.
package planner

import (
	"hash/fnv"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/danshapiro/mbt/internal/clock"
	"github.com/danshapiro/mbt/internal/prng"
	"github.com/danshapiro/mbt/internal/registry"
)

// HashModelName derives a stable model_service_hash from a model name
// (spec.md §4.5 root seed formula), so a host that only names a model as a
// string still gets a mixable 64-bit component.
func HashModelName(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// Status is the outcome of a planner run (spec.md §3 Planner result).
type Status string

const (
	StatusOk       Status = "Ok"
	StatusTimeout  Status = "Timeout"
	StatusNoAction Status = "NoAction"
	StatusError    Status = "Error"
)

// Request is a planner call (spec.md §3 Planner request).
type Request struct {
	ModelService     string
	ModelServiceHash int64 // host-supplied stable hash of ModelService, mixed into the seed
	State            []float64
	Seed             int64
	BudgetMs         int64 // <= 0 means unbounded (WorkMax is the only stop condition)
	WorkMax          int
	MaxDepth         int
	Gamma            float64
	CUCB             float64
	PWK              float64
	PWAlpha          float64
	ActionPrior      []float64 // optional
}

// TopKEntry is one ranked root child (spec.md §3 Planner result stats.top_k).
type TopKEntry struct {
	Action []float64
	Visits int
	Q      float64
}

// Stats reports the actual run (spec.md §4.5 "Stats must reflect the
// actual run").
type Stats struct {
	TimeUsedMs   int64
	Iters        int
	RootVisits   int
	RootChildren int
	WidenAdded   int
	DepthMax     int
	DepthMean    float64
	Confidence   float64
	ValueEst     float64
	TopK         []TopKEntry
}

// Result is a planner call's outcome (spec.md §3 Planner result).
type Result struct {
	Status Status
	Action []float64
	Stats  Stats
}

// node is one MCTS tree node. State is the state this node represents
// (already transitioned into), Action is the action that produced it from
// its parent (nil at the root).
type node struct {
	parent          *node
	children        []*node
	state           []float64
	action          []float64
	visits          int
	totalReturn     float64
	immediateReward float64 // reward of the transition that created this node
	terminal        bool
}

func (n *node) meanReturn() float64 {
	if n.visits == 0 {
		return 0
	}
	return n.totalReturn / float64(n.visits)
}

// TopKLimit bounds how many top_k entries Run reports.
const TopKLimit = 5

// Run executes bounded MCTS for req against the named model in models,
// deriving the root seed as mix64(seed, node_id, tick_index,
// model_service_hash) so repeated calls at the same logical tick are
// bit-identical (spec.md §4.5).
func Run(req Request, models *registry.ModelRegistry, clk clock.Clock, nodeID uint32, tickIndex int64) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: StatusError}
		}
	}()

	model, ok := models.Get(req.ModelService)
	if !ok {
		return Result{Status: StatusError}
	}

	seed := prng.Mix64(req.Seed, int64(nodeID), tickIndex, req.ModelServiceHash)
	rng := prng.New(seed)

	root := &node{state: append([]float64(nil), req.State...), visits: 1}

	startMS := clk.NowMS()
	iters := 0
	widenAdded := 0
	depthSum := 0
	depthCount := 0
	depthMax := 0

	budgeted := req.BudgetMs > 0
	for {
		if budgeted && clk.NowMS()-startMS >= req.BudgetMs {
			break
		}
		if req.WorkMax > 0 && iters >= req.WorkMax {
			break
		}

		leaf, path, added := selectAndExpand(root, model, rng, req)
		if added {
			widenAdded++
		}

		ret, depth := rollout(leaf, model, rng, req)
		depthSum += depth
		depthCount++
		if depth > depthMax {
			depthMax = depth
		}

		backpropagate(path, ret)
		iters++
	}

	elapsed := clk.NowMS() - startMS
	rootChildren := root.children

	var status Status
	var bestAction []float64
	valueEst := 0.0
	confidence := 0.0

	switch {
	case len(rootChildren) == 0 && iters == 0:
		status = StatusTimeout
	case len(rootChildren) == 0:
		status = StatusNoAction
	default:
		best := rootChildren[0]
		for _, c := range rootChildren[1:] {
			if c.visits > best.visits {
				best = c
			}
		}
		if best.visits >= 1 {
			status = StatusOk
			bestAction = best.action
			valueEst = best.meanReturn()
			confidence = confidenceOf(rootChildren, root.visits)
		} else {
			status = StatusTimeout
		}
	}

	depthMean := 0.0
	if depthCount > 0 {
		depthMean = float64(depthSum) / float64(depthCount)
	}

	return Result{
		Status: status,
		Action: bestAction,
		Stats: Stats{
			TimeUsedMs:   elapsed,
			Iters:        iters,
			RootVisits:   root.visits,
			RootChildren: len(rootChildren),
			WidenAdded:   widenAdded,
			DepthMax:     depthMax,
			DepthMean:    depthMean,
			Confidence:   confidence,
			ValueEst:     valueEst,
			TopK:         topK(rootChildren, TopKLimit),
		},
	}
}

// selectAndExpand descends from root using UCB1 + progressive widening
// until it either creates a new child (returning it directly) or reaches
// a terminal/depth-exhausted node, returning the path traversed
// in visit order, with root as its first element.
func selectAndExpand(root *node, model registry.Model, rng *prng.Source, req Request) (*node, []*node, bool) {
	path := []*node{root}
	cur := root
	depth := 0
	for {
		if cur.terminal || (req.MaxDepth > 0 && depth >= req.MaxDepth) {
			return cur, path, false
		}
		limit := widenLimit(req.PWK, req.PWAlpha, cur.visits)
		if len(cur.children) < limit {
			child := expand(cur, model, rng, req)
			path = append(path, child)
			return child, path, true
		}
		if len(cur.children) == 0 {
			return cur, path, false
		}
		cur = selectUCB1(cur, req.CUCB)
		path = append(path, cur)
		depth++
	}
}

// widenLimit implements spec.md §4.5: "allow a new child when children <
// ceil(pw_k * visits^pw_alpha)".
func widenLimit(pwK, pwAlpha float64, visits int) int {
	return int(math.Ceil(pwK * math.Pow(float64(visits), pwAlpha)))
}

func expand(parent *node, model registry.Model, rng *prng.Source, req Request) *node {
	action := model.SampleAction(parent.state, rng)
	if len(req.ActionPrior) > 0 && len(action) == len(req.ActionPrior) {
		blended := make([]float64, len(action))
		floats.AddScaled(blended, 0.5, action)
		floats.AddScaled(blended, 0.5, req.ActionPrior)
		action = blended
	}
	nextState, reward, terminal := model.Step(parent.state, action, rng)
	child := &node{
		parent:          parent,
		state:           nextState,
		action:          action,
		terminal:        terminal,
		immediateReward: reward,
	}
	parent.children = append(parent.children, child)
	return child
}

// selectUCB1 implements spec.md §4.5's UCB1 score with ties broken by
// smaller child index.
func selectUCB1(parent *node, cUCB float64) *node {
	const eps = 1e-9
	var best *node
	bestScore := math.Inf(-1)
	logParent := math.Log(float64(parent.visits) + 1)
	for _, c := range parent.children {
		score := c.meanReturn() + cUCB*math.Sqrt(logParent/(float64(c.visits)+eps))
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

// rollout runs model.RolloutAction from leaf.state until max_depth or a
// terminal state, accumulating gamma-discounted return (spec.md §4.5).
func rollout(leaf *node, model registry.Model, rng *prng.Source, req Request) (float64, int) {
	total := leaf.immediateReward
	state := leaf.state
	discount := 1.0
	depth := 0
	terminal := leaf.terminal
	for !terminal && (req.MaxDepth <= 0 || depth < req.MaxDepth) {
		action := model.RolloutAction(state, rng)
		nextState, reward, term := model.Step(state, action, rng)
		discount *= req.Gamma
		total += discount * reward
		state = nextState
		terminal = term
		depth++
	}
	return total, depth
}

func backpropagate(path []*node, ret float64) {
	for _, n := range path {
		n.visits++
		n.totalReturn += ret
	}
}

func confidenceOf(children []*node, parentVisits int) float64 {
	if len(children) < 2 {
		if len(children) == 1 {
			return 1.0
		}
		return 0
	}
	best, second := -math.MaxFloat64, -math.MaxFloat64
	for _, c := range children {
		v := c.meanReturn()
		if v > best {
			second = best
			best = v
		} else if v > second {
			second = v
		}
	}
	spread := best - second
	return spread / (spread + 1.0)
}

func topK(children []*node, k int) []TopKEntry {
	sorted := append([]*node(nil), children...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].visits < sorted[j].visits; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	out := make([]TopKEntry, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, TopKEntry{Action: c.action, Visits: c.visits, Q: c.meanReturn()})
	}
	return out
}

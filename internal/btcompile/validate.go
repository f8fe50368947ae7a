package btcompile

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/danshapiro/mbt/internal/btnode"
)

// Validate checks the structural invariants spec.md §8 requires of every
// compiled tree: dense node ids, valid child references, and (since a tree
// loaded from the binary format in spec.md §6 can encode arbitrary child
// id arrays, unlike the structurally-acyclic s-expression builder) no
// cycles. Cycle detection builds a directed graph of node ids and runs
// gonum's topo.Sort, the same library internal/batch/batch.go
// (distr1-distri) uses to topologically order its build graph before
// rejecting cyclic dependencies.
func Validate(tree *btnode.CompiledTree) error {
	if tree == nil || len(tree.Nodes) == 0 {
		return compileErrf("compiled tree has no nodes")
	}
	n := len(tree.Nodes)
	if int(tree.RootID) >= n {
		return compileErrf("root id %d out of range [0,%d)", tree.RootID, n)
	}

	for i, node := range tree.Nodes {
		if int(node.ID) != i {
			return compileErrf("node at index %d has id %d: ids must be dense in [0,node_count)", i, node.ID)
		}
		for _, cid := range node.Children {
			if int(cid) >= n {
				return compileErrf("node %d references invalid child id %d", node.ID, cid)
			}
			if cid == node.ID {
				return compileErrf("compiled tree contains a cycle: node %d references itself", node.ID)
			}
		}
		if node.Kind.IsComposite() && len(node.Children) < 1 {
			return compileErrf("composite node %d (%s) has no children", node.ID, node.Kind)
		}
		if node.Kind.IsDecorator() && len(node.Children) != 1 {
			return compileErrf("decorator node %d (%s) must have exactly 1 child, has %d", node.ID, node.Kind, len(node.Children))
		}
		if (node.Kind == btnode.KindRepeat || node.Kind == btnode.KindRetry) && node.IntParam < 0 {
			return compileErrf("node %d (%s) has negative count %d", node.ID, node.Kind, node.IntParam)
		}
	}

	g := simple.NewDirectedGraph()
	for _, node := range tree.Nodes {
		g.AddNode(simple.Node(int64(node.ID)))
	}
	for _, node := range tree.Nodes {
		for _, cid := range node.Children {
			g.SetEdge(g.NewEdge(simple.Node(int64(node.ID)), simple.Node(int64(cid))))
		}
	}
	if _, err := topo.Sort(g); err != nil {
		return compileErrf("compiled tree contains a cycle: %v", err)
	}

	return nil
}

package planner

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// edgeCase is a randomly generated node/edge set fed to checkDAG. edges are
// drawn from the full n*n space (including self-loops and duplicates) so
// both acyclic and cyclic graphs show up with reasonable frequency.
type edgeCase struct {
	numNodes int
	edges    [][2]int
}

func (c edgeCase) plan() *Plan {
	nodes := make([]NodeSpec, c.numNodes)
	for i := range nodes {
		nodes[i] = NodeSpec{NodeID: fmt.Sprintf("n%d", i), Kind: KindTool, Name: "t"}
	}
	edges := make([]Edge, len(c.edges))
	for i, e := range c.edges {
		edges[i] = Edge{From: fmt.Sprintf("n%d", e[0]), To: fmt.Sprintf("n%d", e[1])}
	}
	return &Plan{Nodes: nodes, Edges: edges}
}

// hasCycle is an independent reference cycle check (DFS with a recursion
// stack) used to cross-check checkDAG's Kahn's-algorithm verdict.
func (c edgeCase) hasCycle() bool {
	adj := make(map[int][]int)
	for _, e := range c.edges {
		adj[e[0]] = append(adj[e[0]], e[1])
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, c.numNodes)
	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for n := 0; n < c.numNodes; n++ {
		if color[n] == white && visit(n) {
			return true
		}
	}
	return false
}

func genEdgeCase() gopter.Gen {
	return gen.IntRange(2, 8).FlatMap(func(n any) gopter.Gen {
		numNodes := n.(int)
		edgeGen := gopter.CombineGens(
			gen.IntRange(0, numNodes-1),
			gen.IntRange(0, numNodes-1),
		).Map(func(vals []any) [2]int {
			return [2]int{vals[0].(int), vals[1].(int)}
		})
		return gen.SliceOfN(numNodes*2, edgeGen).Map(func(edges [][2]int) edgeCase {
			return edgeCase{numNodes: numNodes, edges: edges}
		})
	}, reflect.TypeOf(edgeCase{}))
}

func TestCheckDAGAgreesWithReferenceCycleDetection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("checkDAG rejects a plan exactly when its edge set contains a cycle", prop.ForAll(
		func(tc edgeCase) bool {
			err := checkDAG(tc.plan())
			return (err != nil) == tc.hasCycle()
		},
		genEdgeCase(),
	))

	properties.TestingRun(t)
}

// genAcyclicEdgeCase produces only forward edges (From index < To index),
// which can never contain a cycle by construction.
func genAcyclicEdgeCase() gopter.Gen {
	return gen.IntRange(2, 8).FlatMap(func(n any) gopter.Gen {
		numNodes := n.(int)
		edgeGen := gopter.CombineGens(
			gen.IntRange(0, numNodes-1),
			gen.IntRange(0, numNodes-1),
		).Map(func(vals []any) [2]int {
			from, to := vals[0].(int), vals[1].(int)
			if from > to {
				from, to = to, from
			}
			return [2]int{from, to}
		})
		return gen.SliceOfN(numNodes*2, edgeGen).Map(func(edges [][2]int) edgeCase {
			return edgeCase{numNodes: numNodes, edges: edges}
		})
	}, reflect.TypeOf(edgeCase{}))
}

func TestCheckDAGAcceptsEveryForwardOnlyEdgeSet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("an edge set where every edge points from a lower to a higher node index is always a DAG", prop.ForAll(
		func(tc edgeCase) bool {
			return checkDAG(tc.plan()) == nil
		},
		genAcyclicEdgeCase(),
	))

	properties.TestingRun(t)
}

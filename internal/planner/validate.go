package planner

import (
	"fmt"

	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
)

// validate rejects a Plan the Planner would otherwise hand to the Executor
// if (a) the edge set is not a DAG, (b) any placeholder targets a node
// absent from the plan, or (c) a tool node's args are missing an input the
// Capability Index marks required. Any failure returns a CodePlanError.
func (p *Planner) validate(plan *Plan) error {
	nodeIDs := make(map[string]NodeSpec, len(plan.Nodes))
	for _, n := range plan.Nodes {
		if _, dup := nodeIDs[n.NodeID]; dup {
			return orcherrors.Errorf(orcherrors.CodePlanError, "duplicate node id %q", n.NodeID)
		}
		nodeIDs[n.NodeID] = n
	}

	if err := checkDAG(plan); err != nil {
		return err
	}
	if err := checkDanglingPlaceholders(plan, nodeIDs); err != nil {
		return err
	}
	if err := p.checkRequiredArgs(plan); err != nil {
		return err
	}
	return nil
}

// checkDAG runs Kahn's algorithm over the declared edges; any node left
// unvisited when no more zero-indegree nodes remain indicates a cycle.
func checkDAG(plan *Plan) error {
	indegree := make(map[string]int, len(plan.Nodes))
	adj := make(map[string][]string, len(plan.Nodes))
	for _, n := range plan.Nodes {
		indegree[n.NodeID] = 0
	}
	for _, e := range plan.Edges {
		indegree[e.To]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(plan.Nodes) {
		return orcherrors.New(orcherrors.CodePlanError, "plan edge set is not a DAG (cycle detected)")
	}
	return nil
}

// checkDanglingPlaceholders walks every node's args for "${node_id}" /
// "${node_id.field}" strings and rejects the plan if any references a node
// absent from the plan.
func checkDanglingPlaceholders(plan *Plan, nodeIDs map[string]NodeSpec) error {
	for _, n := range plan.Nodes {
		for _, ref := range collectPlaceholderRefs(n.Args) {
			if _, ok := nodeIDs[ref]; !ok {
				return orcherrors.Errorf(orcherrors.CodePlanError, "node %q references undefined upstream node %q", n.NodeID, ref)
			}
		}
	}
	return nil
}

func collectPlaceholderRefs(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if m := placeholderRef.FindStringSubmatch(t); m != nil {
			out = append(out, m[1])
		}
	case map[string]any:
		for _, sub := range t {
			out = append(out, collectPlaceholderRefs(sub)...)
		}
	case []any:
		for _, sub := range t {
			out = append(out, collectPlaceholderRefs(sub)...)
		}
	}
	return out
}

// checkRequiredArgs rejects the plan if a tool node omits an argument the
// Capability Index marks required for that tool. Agent nodes have no
// schema in the index and are skipped; a tool absent from the index is
// also skipped (capindex.Load already fails startup for any tool the
// deployment actually depends on, so an unknown name here means the plan
// references a tool this orchestrator instance simply never registered,
// which the executor will reject at dispatch time instead).
func (p *Planner) checkRequiredArgs(plan *Plan) error {
	if p.idx == nil {
		return nil
	}
	for _, n := range plan.Nodes {
		if n.Kind != KindTool {
			continue
		}
		entry, ok := p.idx.Lookup(n.Name)
		if !ok {
			continue
		}
		for _, field := range requiredFields(entry) {
			if _, present := n.Args[field]; !present {
				return orcherrors.Errorf(orcherrors.CodePlanError, fmt.Sprintf("node %q (tool %q) is missing required argument %q", n.NodeID, n.Name, field))
			}
		}
	}
	return nil
}

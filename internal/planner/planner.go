// Package planner expands a routed flow into a Plan: an immutable DAG of
// typed nodes with argument bindings. Known flows (plot, pdf_tracking) use
// hard-coded template expansion; the dynamic flow synthesizes a plan by
// greedy backward-chaining search over the Capability Index.
package planner

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/antigravity-dev/orchestrator/internal/capindex"
	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
	"github.com/antigravity-dev/orchestrator/internal/router"
)

// Kind distinguishes a tool-call node from an in-process agent node.
type Kind string

const (
	KindTool  Kind = "tool"
	KindAgent Kind = "agent"
)

// NodeSpec is one node in a Plan. Args values are either literals, an
// artifact reference string ("artifact://{node_id}/{filename}"), or an
// upstream placeholder string ("${node_id.field}" or "${node_id}" for the
// whole recorded output).
type NodeSpec struct {
	NodeID     string
	Kind       Kind
	Name       string
	Args       map[string]any
	Upstream   []string
	TimeoutMS  int
	MaxRetries int
}

// Edge is one DAG edge, From must reach a terminal state before To leaves
// pending.
type Edge struct {
	From string
	To   string
}

// Plan is the Planner's immutable output.
type Plan struct {
	PlanID   string
	FlowKind router.FlowKind
	Nodes    []NodeSpec
	Edges    []Edge
}

const (
	defaultTimeoutMS  = 30_000
	defaultMaxRetries = 1
)

// Planner expands flows into Plans, validating its own output before
// returning it.
type Planner struct {
	idx *capindex.Index
}

// New constructs a Planner backed by idx for dynamic-flow synthesis.
func New(idx *capindex.Index) *Planner {
	return &Planner{idx: idx}
}

// Plan expands flow into a validated Plan.
func (p *Planner) Plan(flow router.FlowKind, rctx router.Context, suggested []capindex.ScoredEntry) (*Plan, error) {
	var (
		plan *Plan
		err  error
	)
	switch flow {
	case router.FlowPlot:
		plan, err = planPlot(rctx)
	case router.FlowPDFTracking:
		plan, err = planPDFTracking(rctx)
	case router.FlowDynamic:
		plan, err = p.planDynamic(rctx, suggested)
	default:
		return nil, orcherrors.Errorf(orcherrors.CodePlanError, "unknown flow kind %q", flow)
	}
	if err != nil {
		return nil, err
	}
	if err := p.validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// planPlot builds the fixed 6-node plot template (the 5 nodes spec.md names
// plus the validator that runs gated on pandas_transform, parallel to
// plotly_render):
// sql -> pandas_transform -> viz_spec (agent) -> plotly_render -> reducer (agent),
// with validator (agent) also gated on pandas_transform feeding the reducer.
func planPlot(rctx router.Context) (*Plan, error) {
	where, err := buildWhereClause(rctx)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodePlanError, "building sql where clause", err)
	}

	nodes := []NodeSpec{
		newNode("sql", KindTool, "sql", map[string]any{"where": where}, nil),
		newNode("pandas_transform", KindTool, "pandas_transform", map[string]any{
			"table": placeholder("sql", "table"),
		}, []string{"sql"}),
		newNode("viz_spec", KindAgent, "viz_spec", map[string]any{
			"rows": placeholder("pandas_transform", "table"),
		}, []string{"pandas_transform"}),
		newNode("plotly_render", KindTool, "plotly_render", map[string]any{
			"data": placeholder("pandas_transform", "table"),
			"spec": placeholder("viz_spec", "spec"),
		}, []string{"pandas_transform", "viz_spec"}),
		newNode("validator", KindAgent, "validator", map[string]any{
			"subject":         map[string]any{"table": placeholder("pandas_transform", "table")},
			"required_fields": []any{"table"},
		}, []string{"pandas_transform"}),
		newNode("reducer", KindAgent, "reducer", map[string]any{
			"primary":    placeholder("plotly_render", "render"),
			"validation": wholeOutputPlaceholder("validator"),
		}, []string{"plotly_render", "validator"}),
	}

	return &Plan{
		PlanID:   newPlanID(),
		FlowKind: router.FlowPlot,
		Nodes:    nodes,
		Edges:    edgesFromUpstream(nodes),
	}, nil
}

// planPDFTracking builds the fixed 5-node pdf_tracking template:
// file_read -> extraction_agent -> tracking_upsert -> validator -> reducer.
func planPDFTracking(rctx router.Context) (*Plan, error) {
	if rctx.FilePath == "" {
		return nil, orcherrors.New(orcherrors.CodePlanError, "pdf_tracking flow requires context.file_path")
	}

	nodes := []NodeSpec{
		newNode("file_read", KindTool, "file_read", map[string]any{"path": rctx.FilePath}, nil),
		newNode("extraction_agent", KindAgent, "extraction_agent", map[string]any{
			"bytes": placeholder("file_read", "data"),
		}, []string{"file_read"}),
		newNode("tracking_upsert", KindTool, "tracking_upsert", map[string]any{
			"record": placeholder("extraction_agent", "record"),
		}, []string{"extraction_agent"}),
		newNode("validator", KindAgent, "validator", map[string]any{
			"subject":         wholeOutputPlaceholder("tracking_upsert"),
			"required_fields": []any{"_upsert_key"},
		}, []string{"tracking_upsert"}),
		newNode("reducer", KindAgent, "reducer", map[string]any{
			"primary":    wholeOutputPlaceholder("tracking_upsert"),
			"validation": wholeOutputPlaceholder("validator"),
		}, []string{"tracking_upsert", "validator"}),
	}

	return &Plan{
		PlanID:   newPlanID(),
		FlowKind: router.FlowPDFTracking,
		Nodes:    nodes,
		Edges:    edgesFromUpstream(nodes),
	}, nil
}

// buildWhereClause assembles sql.args.where from context.outlet_id,
// context.product_filter, and the week_range, per spec.md §4.2. Literal
// clause fragments are evaluated through expr-lang so the assembly is a
// single declarative boolean/string expression rather than ad-hoc
// string-builder branching.
func buildWhereClause(rctx router.Context) (string, error) {
	env := map[string]any{
		"hasOutlet":  rctx.HasOutletID,
		"outletID":   rctx.OutletID,
		"hasProduct": rctx.ProductFilter != "",
		"product":    rctx.ProductFilter,
		"hasWeek":    rctx.HasWeekRange,
		"weekLo":     rctx.WeekRange.FromWeek,
		"weekHi":     rctx.WeekRange.ToWeek,
	}
	const program = `
filter([
  hasOutlet ? ("outlet_id = " + string(outletID)) : "",
  hasProduct ? ("product = '" + product + "'") : "",
  hasWeek ? ("week BETWEEN " + string(weekLo) + " AND " + string(weekHi)) : ""
], {# != ""})
`
	out, err := runExpr(program, env)
	if err != nil {
		return "", err
	}
	parts, ok := out.([]any)
	if !ok {
		return "", fmt.Errorf("where-clause expression returned %T, expected a list", out)
	}
	clauses := make([]string, 0, len(parts))
	for _, p := range parts {
		s, _ := p.(string)
		clauses = append(clauses, s)
	}
	if len(clauses) == 0 {
		return "1=1", nil
	}
	return strings.Join(clauses, " AND "), nil
}

func runExpr(program string, env map[string]any) (any, error) {
	compiled, err := expr.Compile(program, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compiling expression: %w", err)
	}
	out, err := expr.Run(compiled, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return out, nil
}

func newNode(nodeID string, kind Kind, name string, args map[string]any, upstream []string) NodeSpec {
	return NodeSpec{
		NodeID:     nodeID,
		Kind:       kind,
		Name:       name,
		Args:       args,
		Upstream:   upstream,
		TimeoutMS:  defaultTimeoutMS,
		MaxRetries: defaultMaxRetries,
	}
}

func placeholder(nodeID, field string) string {
	return fmt.Sprintf("${%s.%s}", nodeID, field)
}

func wholeOutputPlaceholder(nodeID string) string {
	return fmt.Sprintf("${%s}", nodeID)
}

func edgesFromUpstream(nodes []NodeSpec) []Edge {
	var edges []Edge
	for _, n := range nodes {
		for _, u := range n.Upstream {
			edges = append(edges, Edge{From: u, To: n.NodeID})
		}
	}
	return edges
}

func newPlanID() string {
	return "plan-" + uuid.NewString()
}

package planner

import (
	"regexp"
	"sort"

	"github.com/antigravity-dev/orchestrator/internal/capindex"
	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
	"github.com/antigravity-dev/orchestrator/internal/router"
)

const maxDynamicDepth = 8

// planDynamic synthesizes a Plan for flow_kind=dynamic via greedy
// backward-chaining search over the Capability Index: starting from the
// highest-scored suggested tool, it resolves each required input either to
// a context-provided literal or to another index tool producing that
// field, recursing until every branch terminates at a literal or a source
// tool (no required inputs of its own). The plan always ends with
// validator + reducer.
func (p *Planner) planDynamic(rctx router.Context, suggested []capindex.ScoredEntry) (*Plan, error) {
	if len(suggested) == 0 {
		return nil, orcherrors.New(orcherrors.CodePlanError, "dynamic flow: no candidate tools found for this query")
	}
	terminal := suggested[0].Entry

	s := &synth{idx: p.idx, rctx: rctx, built: make(map[string]bool)}
	terminalNodeID, err := s.resolve(terminal, 0)
	if err != nil {
		return nil, err
	}

	validatorNode := newNode("validator", KindAgent, "validator", map[string]any{
		"subject":         wholeOutputPlaceholder(terminalNodeID),
		"required_fields": []any{},
	}, []string{terminalNodeID})
	reducerNode := newNode("reducer", KindAgent, "reducer", map[string]any{
		"primary":    wholeOutputPlaceholder(terminalNodeID),
		"validation": wholeOutputPlaceholder("validator"),
	}, []string{terminalNodeID, "validator"})

	nodes := append(s.nodes, validatorNode, reducerNode)
	return &Plan{
		PlanID:   newPlanID(),
		FlowKind: router.FlowDynamic,
		Nodes:    nodes,
		Edges:    edgesFromUpstream(nodes),
	}, nil
}

// synth holds the mutable state of one backward-chaining synthesis pass.
type synth struct {
	idx   *capindex.Index
	rctx  router.Context
	nodes []NodeSpec
	built map[string]bool // tool name -> already materialized as a node
}

func (s *synth) resolve(entry *capindex.Entry, depth int) (string, error) {
	if depth > maxDynamicDepth {
		return "", orcherrors.Errorf(orcherrors.CodePlanError, "dynamic flow: backward-chaining exceeded max depth resolving %q", entry.Name)
	}
	if s.built[entry.Name] {
		return entry.Name, nil
	}
	// Mark built before recursing so a tool that (incorrectly) requires
	// its own output can't recurse infinitely; resolve would instead
	// return the same not-yet-appended node id and the caller would bind
	// a placeholder back to it. Both nodes are still appended by the end
	// of the pass, so the resulting mutual edges are caught by plan
	// validation's cycle check.
	s.built[entry.Name] = true

	required := requiredFields(entry)
	sort.Strings(required)

	args := map[string]any{}
	var upstream []string
	for _, field := range required {
		if lit, ok := contextLiteral(field, s.rctx); ok {
			args[field] = lit
			continue
		}
		producer := s.findProducer(field, entry.Name)
		if producer == nil {
			return "", orcherrors.Errorf(orcherrors.CodePlanError, "dynamic flow: no context value or producing tool for required field %q of tool %q", field, entry.Name)
		}
		upNodeID, err := s.resolve(producer, depth+1)
		if err != nil {
			return "", err
		}
		args[field] = placeholder(upNodeID, field)
		upstream = append(upstream, upNodeID)
	}

	s.nodes = append(s.nodes, newNode(entry.Name, KindTool, entry.Name, args, upstream))
	return entry.Name, nil
}

// findProducer returns the index entry best suited to produce field,
// excluding excludeName. Ties: fewer required inputs of its own (a proxy
// for "fewer nodes" since it terminates the chain sooner), then earlier
// lexicographic tool name.
func (s *synth) findProducer(field, excludeName string) *capindex.Entry {
	var candidates []*capindex.Entry
	for _, name := range s.idx.Names() {
		if name == excludeName {
			continue
		}
		entry, _ := s.idx.Lookup(name)
		if hasOutputField(entry, field) {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := len(requiredFields(candidates[i])), len(requiredFields(candidates[j]))
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0]
}

func hasOutputField(entry *capindex.Entry, field string) bool {
	for _, m := range entry.Methods {
		if _, ok := schemaProperty(m.OutputSchemaRaw, field); ok {
			return true
		}
	}
	return false
}

// requiredFields returns the union of "required" property names declared
// across entry's methods' input schemas.
func requiredFields(entry *capindex.Entry) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range entry.Methods {
		for _, f := range schemaRequired(m.InputSchemaRaw) {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

func schemaRequired(schema map[string]any) []string {
	raw, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func schemaProperty(schema map[string]any, field string) (any, bool) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := props[field]
	return v, ok
}

var placeholderRef = regexp.MustCompile(`^\$\{([^.}]+)(?:\.[^}]+)?\}$`)

// contextLiteral maps a required field name to a Router-extracted context
// value, if the Context carries one under that name.
func contextLiteral(field string, rctx router.Context) (any, bool) {
	switch field {
	case "outlet_id":
		if rctx.HasOutletID {
			return rctx.OutletID, true
		}
	case "product_filter", "product":
		if rctx.ProductFilter != "" {
			return rctx.ProductFilter, true
		}
	case "file_path", "path":
		if rctx.FilePath != "" {
			return rctx.FilePath, true
		}
	case "tracking_id":
		if rctx.TrackingID != "" {
			return rctx.TrackingID, true
		}
	case "invoice_number":
		if rctx.InvoiceNumber != "" {
			return rctx.InvoiceNumber, true
		}
	case "week_count":
		if rctx.HasWeekCount {
			return rctx.WeekCount, true
		}
	case "month_count":
		if rctx.HasMonthCount {
			return rctx.MonthCount, true
		}
	}
	return nil, false
}

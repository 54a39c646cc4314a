// Package agentregistry holds the orchestrator's Agent Registry: in-process
// pure-function nodes (as opposed to Tool Client nodes, which run out of
// process). Every registered agent is deterministic given its resolved
// arguments — no I/O, no clock, no randomness — since the Executor's
// idempotency cache assumes replaying an agent node with the same args
// reproduces the same output.
package agentregistry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
)

// Func is the pure-data-transform contract every agent implements: resolved
// node arguments in, node output (or a fatal/retryable error) out.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// Spec is one agent's registration record.
type Spec struct {
	Name        string
	Description string
	Run         Func
}

// Registry is the read-only, name-indexed set of available agents.
type Registry struct {
	specs map[string]Spec
}

// New builds the Registry with the four built-in agents named in spec.md's
// flow templates: a viz-spec synthesizer, an extraction normalizer, a
// validator, and a reducer.
func New() *Registry {
	r := &Registry{specs: make(map[string]Spec)}
	r.register(Spec{Name: "viz_spec", Description: "synthesizes a Plotly figure spec from a tabular transform result", Run: vizSpec})
	r.register(Spec{Name: "extraction_agent", Description: "normalizes raw document-extraction fields into a canonical tracking record", Run: extractionAgent})
	r.register(Spec{Name: "validator", Description: "checks an upstream node's output against structural expectations", Run: validator})
	r.register(Spec{Name: "reducer", Description: "folds a run's primary output and validation result into the final result", Run: reducer})
	return r
}

func (r *Registry) register(s Spec) {
	r.specs[s.Name] = s
}

// Lookup returns the agent registered under name, or false if none is.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Names returns all registered agent names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run looks up name and invokes it with args. A missing agent, or an agent
// error that is not already an *orcherrors.Error, is reported as a fatal
// orcherrors.CodeAgentError.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	spec, ok := r.Lookup(name)
	if !ok {
		return nil, orcherrors.Errorf(orcherrors.CodeAgentError, "agent %q is not registered", name)
	}
	out, err := spec.Run(ctx, args)
	if err != nil {
		var oe *orcherrors.Error
		if !isOrchError(err, &oe) {
			return nil, orcherrors.Wrap(orcherrors.CodeAgentError, fmt.Sprintf("agent %q failed", name), err)
		}
		return nil, err
	}
	return out, nil
}

func isOrchError(err error, target **orcherrors.Error) bool {
	oe, ok := err.(*orcherrors.Error)
	if ok {
		*target = oe
	}
	return ok
}

// vizSpec turns a pandas_transform-shaped result (a "rows" list of
// homogeneous records) into a minimal Plotly figure spec: one trace per
// numeric column, keyed against the first string-valued column in sorted
// key order.
//
// Grounded in spec.md's plot template: sql -> pandas_transform -> viz_spec
// (this agent) -> plotly_render.
func vizSpec(_ context.Context, args map[string]any) (map[string]any, error) {
	rows, ok := args["rows"].([]any)
	if !ok {
		return nil, orcherrors.Errorf(orcherrors.CodeAgentError, "viz_spec: args.rows must be a list of records, got %T", args["rows"])
	}
	if len(rows) == 0 {
		return map[string]any{
			"spec": map[string]any{
				"data":   []any{},
				"layout": map[string]any{"title": "no data"},
			},
		}, nil
	}

	first, ok := rows[0].(map[string]any)
	if !ok {
		return nil, orcherrors.Errorf(orcherrors.CodeAgentError, "viz_spec: rows[0] must be a record, got %T", rows[0])
	}

	keys := make([]string, 0, len(first))
	for key := range first {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var xField string
	var yFields []string
	for _, key := range keys {
		switch first[key].(type) {
		case float64, int, int64:
			yFields = append(yFields, key)
		case string:
			if xField == "" {
				xField = key
			}
		}
	}
	sort.Strings(yFields)

	xs := make([]any, 0, len(rows))
	for _, r := range rows {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		xs = append(xs, rec[xField])
	}

	traces := make([]any, 0, len(yFields))
	for _, yField := range yFields {
		ys := make([]any, 0, len(rows))
		for _, r := range rows {
			rec, ok := r.(map[string]any)
			if !ok {
				continue
			}
			ys = append(ys, rec[yField])
		}
		traces = append(traces, map[string]any{
			"type": "bar",
			"name": yField,
			"x":    xs,
			"y":    ys,
		})
	}

	return map[string]any{
		"spec": map[string]any{
			"data":   traces,
			"layout": map[string]any{"title": "", "xaxis": map[string]any{"title": xField}},
		},
	}, nil
}

var extractionFieldPattern = regexp.MustCompile(`(?im)^\s*([A-Za-z][A-Za-z _-]*?)\s*:\s*(.+?)\s*$`)

// extractionAgent normalizes the raw bytes read by file_read into the
// canonical tracking record consumed by the tracking_upsert tool. The
// actual PDF-extraction heuristics that would locate these fields in a
// real invoice are explicitly out of scope (spec.md treats this agent as a
// single opaque interface); this implementation does the one deterministic
// thing it can do against opaque "field: value" text — a line-oriented
// scan — leaving richer extraction to the tool that produced file_read's
// output in the first place.
func extractionAgent(_ context.Context, args map[string]any) (map[string]any, error) {
	raw, ok := args["bytes"].(string)
	if !ok {
		return nil, orcherrors.Errorf(orcherrors.CodeAgentError, "extraction_agent: args.bytes must be a string, got %T", args["bytes"])
	}

	record := make(map[string]any)
	for _, m := range extractionFieldPattern.FindAllStringSubmatch(raw, -1) {
		key := normalizeFieldName(m[1])
		record[key] = strings.TrimSpace(m[2])
	}

	trackingID, _ := record["tracking_id"].(string)
	invoiceNumber, _ := record["invoice_number"].(string)
	if trackingID == "" && invoiceNumber == "" {
		return nil, orcherrors.New(orcherrors.CodeAgentError, "extraction_agent: neither tracking_id nor invoice_number found in extracted text")
	}
	upsertKey := trackingID
	if upsertKey == "" {
		upsertKey = invoiceNumber
	}
	record["_upsert_key"] = upsertKey

	return map[string]any{"record": record}, nil
}

// normalizeFieldName maps a free-text label ("Invoice Number", "tracking id")
// to the canonical snake_case key the rest of the orchestrator expects.
func normalizeFieldName(label string) string {
	lower := strings.ToLower(strings.TrimSpace(label))
	return strings.Join(strings.Fields(lower), "_")
}

// validator checks an upstream node's output against a small set of
// structural expectations supplied in args (required top-level keys, and
// for viz specs, a non-empty "data" list). It never fails the run itself —
// a failed validation is reported as {valid: false, errors: [...]} output,
// letting the reducer decide how to surface it.
func validator(_ context.Context, args map[string]any) (map[string]any, error) {
	subject, ok := args["subject"].(map[string]any)
	if !ok {
		return nil, orcherrors.Errorf(orcherrors.CodeAgentError, "validator: args.subject must be a record, got %T", args["subject"])
	}
	requiredRaw, _ := args["required_fields"].([]any)

	var errs []string
	for _, f := range requiredRaw {
		field, ok := f.(string)
		if !ok {
			continue
		}
		if v, present := subject[field]; !present || isZeroValue(v) {
			errs = append(errs, fmt.Sprintf("missing required field %q", field))
		}
	}
	if data, ok := subject["data"].([]any); ok && len(data) == 0 {
		errs = append(errs, "data is empty")
	}

	return map[string]any{
		"valid":  len(errs) == 0,
		"errors": errs,
	}, nil
}

func isZeroValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

// reducer folds the run's primary output and its validator result into one
// final payload. When validation failed, the reducer still returns the
// primary output (it does not itself fail the node) but surfaces the
// validation errors alongside it so the caller can decide how to react.
func reducer(_ context.Context, args map[string]any) (map[string]any, error) {
	primary, _ := args["primary"].(map[string]any)
	validation, _ := args["validation"].(map[string]any)

	out := map[string]any{
		"result": primary,
	}
	if validation != nil {
		out["valid"] = validation["valid"]
		out["validation_errors"] = validation["errors"]
	}
	return out, nil
}

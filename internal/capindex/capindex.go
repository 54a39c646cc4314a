// Package capindex loads and queries the Capability Index: the immutable,
// startup-loaded registry of tool manifests that the Router uses to
// classify flows and the Planner uses to synthesize dynamic DAGs.
package capindex

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type (
	// Index is the read-only, in-memory Capability Index. Safe for
	// concurrent reads; there is no mutation path after Load.
	Index struct {
		entries map[string]*Entry
		order   []string // insertion order, for deterministic tie-breaking
	}

	// Entry is one tool's manifest record, matching the wire shape read
	// from the capability index YAML file.
	Entry struct {
		Name             string
		BinaryPath       string
		Cwd              string
		Env              map[string]string
		Tags             []string
		Keywords         []*regexp.Regexp
		Methods          []MethodSpec
		DefaultTimeoutMS int
	}

	// MethodSpec describes one JSON-RPC method a tool exposes.
	MethodSpec struct {
		Name         string
		InputSchema  *jsonschema.Schema
		OutputSchema *jsonschema.Schema
		// InputSchemaRaw/OutputSchemaRaw retain the uncompiled schema
		// documents so callers needing to introspect structure (e.g.
		// the planner's required-argument check and dynamic
		// synthesis) can walk plain maps instead of the compiled
		// schema's internal representation.
		InputSchemaRaw  map[string]any
		OutputSchemaRaw map[string]any
		RetryableCodes  map[int]bool
		WantsInline     bool
	}

	// ScoredEntry is a search result: an Entry paired with its relevance
	// score against a query.
	ScoredEntry struct {
		Entry *Entry
		Score float64
	}

	// rawFile is the YAML document shape: top-level keys are tool names.
	rawFile map[string]rawEntry

	rawEntry struct {
		BinaryPath       string            `yaml:"binary_path"`
		Cwd              string            `yaml:"cwd"`
		Env              map[string]string `yaml:"env"`
		Tags             []string          `yaml:"tags"`
		Keywords         []string          `yaml:"keywords"`
		Methods          []rawMethod       `yaml:"methods"`
		DefaultTimeoutMS int               `yaml:"default_timeout_ms"`
	}

	rawMethod struct {
		Name           string         `yaml:"name"`
		InputSchema    map[string]any `yaml:"input_schema"`
		OutputSchema   map[string]any `yaml:"output_schema"`
		RetryableCodes []int          `yaml:"retryable_codes"`
		WantsInline    bool           `yaml:"wants_inline"`
	}
)

// Load reads and compiles a Capability Index from a YAML file at path.
// Keyword patterns and JSON schemas are compiled eagerly so that a
// malformed index fails startup rather than failing mid-run.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capindex: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a Capability Index from raw YAML bytes.
func Parse(data []byte) (*Index, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("capindex: parsing yaml: %w", err)
	}

	idx := &Index{entries: make(map[string]*Entry, len(raw))}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic compile order and tie-breaking

	for _, name := range names {
		re := raw[name]
		entry, err := compileEntry(name, re)
		if err != nil {
			return nil, fmt.Errorf("capindex: tool %q: %w", name, err)
		}
		idx.entries[name] = entry
		idx.order = append(idx.order, name)
	}
	return idx, nil
}

func compileEntry(name string, re rawEntry) (*Entry, error) {
	entry := &Entry{
		Name:             name,
		BinaryPath:       re.BinaryPath,
		Cwd:              re.Cwd,
		Env:              re.Env,
		Tags:             re.Tags,
		DefaultTimeoutMS: re.DefaultTimeoutMS,
	}
	for _, pattern := range re.Keywords {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling keyword %q: %w", pattern, err)
		}
		entry.Keywords = append(entry.Keywords, compiled)
	}
	for _, m := range re.Methods {
		method, err := compileMethod(m)
		if err != nil {
			return nil, fmt.Errorf("method %q: %w", m.Name, err)
		}
		entry.Methods = append(entry.Methods, method)
	}
	return entry, nil
}

func compileMethod(m rawMethod) (MethodSpec, error) {
	method := MethodSpec{Name: m.Name, WantsInline: m.WantsInline, InputSchemaRaw: m.InputSchema, OutputSchemaRaw: m.OutputSchema}
	if len(m.RetryableCodes) > 0 {
		method.RetryableCodes = make(map[int]bool, len(m.RetryableCodes))
		for _, code := range m.RetryableCodes {
			method.RetryableCodes[code] = true
		}
	}
	var err error
	if method.InputSchema, err = compileSchema(m.Name+"#input", m.InputSchema); err != nil {
		return method, err
	}
	if method.OutputSchema, err = compileSchema(m.Name+"#output", m.OutputSchema); err != nil {
		return method, err
	}
	return method, nil
}

func compileSchema(id string, raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, raw); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	return c.Compile(id)
}

// Lookup returns the Entry for a tool name, or false if it is not
// registered in the index.
func (idx *Index) Lookup(name string) (*Entry, bool) {
	e, ok := idx.entries[name]
	return e, ok
}

// Names returns all registered tool names in deterministic (sorted) order.
func (idx *Index) Names() []string {
	out := make([]string, len(idx.order))
	copy(out, idx.order)
	return out
}

// RetryableCode reports whether the given method declares code as a
// transient, retryable error code.
func (m MethodSpec) RetryableCode(code int) bool {
	return m.RetryableCodes[code]
}

// Search scores every entry in the index against query using tag and
// keyword matches, returning results sorted by descending score (ties
// broken by lexicographic tool name). Entries scoring zero are omitted.
func (idx *Index) Search(_ context.Context, query string) []ScoredEntry {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var results []ScoredEntry
	for _, name := range idx.order {
		entry := idx.entries[name]
		score := scoreEntry(terms, query, entry)
		if score > 0 {
			results = append(results, ScoredEntry{Entry: entry, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.Name < results[j].Entry.Name
	})
	return results
}

// scoreEntry computes a relevance score for entry against the tokenized
// query terms. Tags match at full weight, keyword regexes at a higher
// weight since they are hand-curated per tool.
func scoreEntry(terms []string, rawQuery string, entry *Entry) float64 {
	var score float64
	for _, tag := range entry.Tags {
		tagLower := strings.ToLower(tag)
		for _, term := range terms {
			if strings.Contains(tagLower, term) {
				score += 2.0
			}
		}
	}
	for _, kw := range entry.Keywords {
		if kw.MatchString(rawQuery) {
			score += 3.0
		}
	}
	return score
}

// tokenize lowercases and splits a query on non-alphanumeric runes.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}

package executor

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/antigravity-dev/orchestrator/internal/planner"
)

type argPair struct {
	key string
	val any
}

// genLiteralArgs builds a map[string]any from a slice of key/value pairs
// rather than gopter's generic MapOf, since the value generator mixes
// several concrete Go types and reflect.MapOf needs one fixed value type.
func genLiteralArgs() gopter.Gen {
	pairGen := gopter.CombineGens(
		gen.Identifier(),
		gen.OneConstOf("a", "b", "c", 1, 2, 3, true, false),
	).Map(func(vals []any) argPair {
		return argPair{key: vals[0].(string), val: vals[1]}
	})
	return gen.SliceOf(pairGen).Map(func(pairs []argPair) map[string]any {
		out := make(map[string]any, len(pairs))
		for _, p := range pairs {
			out[p.key] = p.val
		}
		return out
	})
}

func specFor(kind planner.Kind, name string, args map[string]any) planner.NodeSpec {
	return planner.NodeSpec{NodeID: "n", Kind: kind, Name: name, Args: args}
}

func keyFor(spec planner.NodeSpec) string {
	r := newRunState(New(Deps{}, Config{}), "run-1", &planner.Plan{Nodes: []planner.NodeSpec{spec}})
	return r.computeIdempotencyKey(spec)
}

// TestIdempotencyKeyIsDeterministicForIdenticalSpecs checks that computing
// the idempotency key for the same (kind, name, args) twice, from two
// independent runState instances, always yields the same key.
func TestIdempotencyKeyIsDeterministicForIdenticalSpecs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("the same kind, name, and args always hash to the same key", prop.ForAll(
		func(name string, args map[string]any) bool {
			spec := specFor(planner.KindTool, name, args)
			return keyFor(spec) == keyFor(spec)
		},
		gen.Identifier(),
		genLiteralArgs(),
	))

	properties.TestingRun(t)
}

// TestIdempotencyKeyChangesWithAnyDistinguishingField checks that varying
// the name, or adding an arg, changes the resulting key — collisions
// between distinct specs would let the executor wrongly reuse a cached
// result across semantically different nodes.
func TestIdempotencyKeyChangesWithAnyDistinguishingField(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("changing the tool name changes the key", prop.ForAll(
		func(name1, name2 string, args map[string]any) bool {
			if name1 == name2 {
				return true
			}
			return keyFor(specFor(planner.KindTool, name1, args)) != keyFor(specFor(planner.KindTool, name2, args))
		},
		gen.Identifier(),
		gen.Identifier(),
		genLiteralArgs(),
	))

	properties.Property("adding an arg changes the key", prop.ForAll(
		func(name string, args map[string]any, extraKey string, extraVal int) bool {
			if _, clash := args[extraKey]; clash {
				return true
			}
			withExtra := make(map[string]any, len(args)+1)
			for k, v := range args {
				withExtra[k] = v
			}
			withExtra[extraKey] = extraVal
			return keyFor(specFor(planner.KindTool, name, args)) != keyFor(specFor(planner.KindTool, name, withExtra))
		},
		gen.Identifier(),
		genLiteralArgs(),
		gen.Identifier(),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestIdempotencyKeyCanonicalizesPlaceholdersToUpstreamKey checks the
// canonicalization rule directly: a placeholder argument hashes using the
// referenced node's own idempotency key, not its resolved output, so two
// runs whose upstream node produced different output bytes but share the
// same upstream idempotency key still compute the same downstream key.
func TestIdempotencyKeyCanonicalizesPlaceholdersToUpstreamKey(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a placeholder's canonical form depends only on the upstream idempotency key", prop.ForAll(
		func(upstreamKeyA, upstreamKeyB string, field string) bool {
			plan := &planner.Plan{
				Nodes: []planner.NodeSpec{
					{NodeID: "up", Kind: planner.KindTool, Name: "producer"},
					{NodeID: "down", Kind: planner.KindTool, Name: "consumer", Args: map[string]any{
						"in": fmt.Sprintf("${up.%s}", field),
					}},
				},
			}
			downSpec := plan.Nodes[1]

			rA := newRunState(New(Deps{}, Config{}), "run-a", plan)
			rA.setIdemKey("up", upstreamKeyA)
			keyA := rA.computeIdempotencyKey(downSpec)

			rB := newRunState(New(Deps{}, Config{}), "run-b", plan)
			rB.setIdemKey("up", upstreamKeyB)
			keyB := rB.computeIdempotencyKey(downSpec)

			if upstreamKeyA == upstreamKeyB {
				return keyA == keyB
			}
			return keyA != keyB
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

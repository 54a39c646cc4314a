package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	tpctivity "go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/orchestrator/internal/artifact"
	"github.com/antigravity-dev/orchestrator/internal/events"
	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
	"github.com/antigravity-dev/orchestrator/internal/planner"
	"github.com/antigravity-dev/orchestrator/internal/store"
)

// Durable workflow/activity names registered with a Temporal worker by
// RegisterTemporal. A worker process and the code that starts workflows
// against it must agree on these.
const (
	DAGWorkflowName          = "orchestrator.DAGWorkflow"
	DispatchNodeActivityName = "orchestrator.DispatchNode"
)

// TemporalEngine runs Plans as Temporal workflows instead of the Executor's
// in-process worker pool: every node becomes one Temporal activity, so a
// worker crash mid-run resumes from Temporal's own replay rather than
// losing in-flight state. It honors the same per-node dispatch algorithm as
// the in-process Executor (resolve -> idempotency check -> dispatch ->
// persist -> retry-or-fail) — only the scheduler and the retry/durability
// mechanics differ.
type TemporalEngine struct {
	Client     client.Client
	TaskQueue  string
	activities *temporalActivities
}

// NewTemporalEngine constructs a durable engine that dispatches nodes
// through deps exactly as the in-process Executor would. cfg supplies the
// same InlineThreshold the in-process Executor applies when spilling
// oversized output fields to the Artifact Store; other Config fields
// (Workers, GlobalSemaphore, RetryBackoff) are in-process-engine-only and
// have no durable-engine equivalent — Temporal's own worker concurrency
// and ActivityOptions.RetryPolicy play those roles instead.
func NewTemporalEngine(c client.Client, taskQueue string, deps Deps, cfg Config) *TemporalEngine {
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = defaultInlineThreshold
	}
	return &TemporalEngine{
		Client:     c,
		TaskQueue:  taskQueue,
		activities: &temporalActivities{deps: deps, inlineThreshold: cfg.InlineThreshold},
	}
}

// RegisterTemporal wires the DAG workflow and node-dispatch activity into w.
// Call once per worker process before w.Run.
func (e *TemporalEngine) RegisterTemporal(w worker.Worker) {
	w.RegisterWorkflowWithOptions(runDAGWorkflow, workflow.RegisterOptions{Name: DAGWorkflowName})
	w.RegisterActivityWithOptions(e.activities.dispatchNode, tpctivity.RegisterOptions{Name: DispatchNodeActivityName})
}

// WorkerOptionsWithTracing returns worker.Options with the OTEL tracing
// interceptor installed, so workflow and activity spans join the same
// trace the Tool Client and Planner already emit through the ambient
// Tracer. Callers pass the result to worker.New alongside TaskQueue.
func WorkerOptionsWithTracing(base worker.Options) (worker.Options, error) {
	interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return base, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
	}
	base.Interceptors = append(base.Interceptors, interceptor)
	return base, nil
}

// ClientOptionsWithTracing mirrors WorkerOptionsWithTracing for the client
// side, so workflow-start spans are also attributed to the caller's trace.
func ClientOptionsWithTracing(base client.Options) (client.Options, error) {
	interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return base, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
	}
	base.Interceptors = append(base.Interceptors, interceptor)
	return base, nil
}

// Execute starts plan as a Temporal workflow and blocks for its result,
// mirroring Executor.Execute's synchronous, Run-record-returning contract.
func (e *TemporalEngine) Execute(ctx context.Context, plan *planner.Plan) (*store.Run, error) {
	runID := "run-" + uuid.NewString()
	opts := client.StartWorkflowOptions{ID: runID, TaskQueue: e.TaskQueue}
	run, err := e.Client.ExecuteWorkflow(ctx, opts, DAGWorkflowName, dagWorkflowInput{RunID: runID, Plan: *plan})
	if err != nil {
		return nil, fmt.Errorf("temporal engine: starting workflow: %w", err)
	}
	var result store.Run
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("temporal engine: awaiting workflow: %w", err)
	}
	return &result, nil
}

type dagWorkflowInput struct {
	RunID string
	Plan  planner.Plan
}

type dispatchNodeInput struct {
	RunID          string
	Node           planner.NodeSpec
	UpstreamOutput map[string]map[string]any
	UpstreamIdem   map[string]string
}

type dispatchNodeResult struct {
	Output         map[string]any
	IdempotencyKey string
}

// runDAGWorkflow is the deterministic workflow entry point: it walks the
// Plan's edges with workflow.Go/workflow.Channel instead of goroutines and
// regular channels, so replay stays deterministic, launching one activity
// per node as soon as every upstream node it depends on has settled. The
// first node failure becomes the workflow's terminal Run.Error. Nodes never
// scheduled because an ancestor failed get no NodeRun record at all; unlike
// the in-process engine's sweep, this engine does not mark them skipped.
func runDAGWorkflow(ctx workflow.Context, in dagWorkflowInput) (store.Run, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})

	nodes := make(map[string]planner.NodeSpec, len(in.Plan.Nodes))
	indegree := make(map[string]int, len(in.Plan.Nodes))
	adj := make(map[string][]string, len(in.Plan.Nodes))
	for _, n := range in.Plan.Nodes {
		nodes[n.NodeID] = n
		indegree[n.NodeID] = 0
	}
	for _, e := range in.Plan.Edges {
		indegree[e.To]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	outputs := make(map[string]map[string]any, len(nodes))
	idemKeys := make(map[string]string, len(nodes))

	type settled struct {
		nodeID string
		res    dispatchNodeResult
		err    error
	}
	settledCh := workflow.NewChannel(ctx)
	inFlight := 0

	launch := func(nodeID string) {
		inFlight++
		spec := nodes[nodeID]
		upOut := make(map[string]map[string]any, len(spec.Upstream))
		upKey := make(map[string]string, len(spec.Upstream))
		for _, u := range spec.Upstream {
			upOut[u] = outputs[u]
			upKey[u] = idemKeys[u]
		}
		workflow.Go(ctx, func(gctx workflow.Context) {
			var res dispatchNodeResult
			err := workflow.ExecuteActivity(gctx, DispatchNodeActivityName, dispatchNodeInput{
				RunID: in.RunID, Node: spec, UpstreamOutput: upOut, UpstreamIdem: upKey,
			}).Get(gctx, &res)
			settledCh.Send(gctx, settled{nodeID: nodeID, res: res, err: err})
		})
	}

	for id, deg := range indegree {
		if deg == 0 {
			launch(id)
		}
	}

	pending := len(nodes)
	var failedNode string
	var failErr error
	for pending > 0 && inFlight > 0 {
		var s settled
		settledCh.Receive(ctx, &s)
		inFlight--
		pending--

		if s.err != nil {
			if failedNode == "" {
				failedNode = s.nodeID
				failErr = s.err
			}
			continue
		}
		outputs[s.nodeID] = s.res.Output
		idemKeys[s.nodeID] = s.res.IdempotencyKey
		if failedNode != "" {
			continue
		}
		for _, next := range adj[s.nodeID] {
			indegree[next]--
			if indegree[next] == 0 {
				launch(next)
			}
		}
	}

	result := store.Run{RunID: in.RunID, PlanID: in.Plan.PlanID, FinishedAt: workflow.Now(ctx)}
	if failedNode != "" {
		result.State = store.RunFailed
		result.Error = fmt.Sprintf("node %q: %v", failedNode, failErr)
		return result, nil
	}
	result.State = store.RunSucceeded
	return result, nil
}

// temporalActivities closes over the Executor's Deps so dispatchNode
// reimplements the same resolve/idempotency/dispatch/persist pipeline
// dispatch.go runs for the in-process engine, just driven by activity
// inputs instead of a runState's shared maps.
type temporalActivities struct {
	deps            Deps
	inlineThreshold int
}

func (a *temporalActivities) dispatchNode(ctx context.Context, in dispatchNodeInput) (dispatchNodeResult, error) {
	spec := in.Node
	idemKey := computeIdempotencyKeyFor(spec, in.UpstreamIdem)

	if cached, ok, err := a.deps.Store.FindCached(ctx, idemKey); err == nil && ok {
		_ = a.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
			RunID: in.RunID, NodeID: spec.NodeID, State: store.NodeCached,
			StartedAt: time.Now(), FinishedAt: time.Now(),
			IdempotencyKey: idemKey, Output: cached.Output,
		})
		a.publish(ctx, events.NewNodeFinished(in.RunID, spec.NodeID, store.NodeCached, idemKey, "", time.Now().UnixMilli()))
		return dispatchNodeResult{Output: cached.Output, IdempotencyKey: idemKey}, nil
	}

	wantsInline := wantsInlineFor(spec, a.deps)
	resolved := make(map[string]any, len(spec.Args))
	for k, v := range spec.Args {
		rv, err := resolveValueFor(ctx, v, in.UpstreamOutput, wantsInline, a.deps, in.RunID)
		if err != nil {
			a.fail(ctx, in.RunID, spec, idemKey, err)
			return dispatchNodeResult{}, err
		}
		resolved[k] = rv
	}

	attempt := int(tpctivity.GetInfo(ctx).Attempt)
	_ = a.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
		RunID: in.RunID, NodeID: spec.NodeID, State: store.NodeRunning,
		Attempts: attempt, StartedAt: time.Now(), IdempotencyKey: idemKey,
	})
	a.publish(ctx, events.NewNodeDispatched(in.RunID, spec.NodeID, attempt, time.Now().UnixMilli()))

	out, err := dispatchTo(ctx, spec, resolved, a.deps)
	if err != nil {
		a.fail(ctx, in.RunID, spec, idemKey, err)
		return dispatchNodeResult{}, err
	}
	persisted, err := persistOutputFor(ctx, in.RunID, spec, out, a.deps, a.inlineThreshold)
	if err != nil {
		a.fail(ctx, in.RunID, spec, idemKey, err)
		return dispatchNodeResult{}, err
	}
	_ = a.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
		RunID: in.RunID, NodeID: spec.NodeID, State: store.NodeSucceeded,
		Attempts: attempt, FinishedAt: time.Now(),
		IdempotencyKey: idemKey, Output: persisted,
	})
	a.publish(ctx, events.NewNodeFinished(in.RunID, spec.NodeID, store.NodeSucceeded, idemKey, "", time.Now().UnixMilli()))
	return dispatchNodeResult{Output: persisted, IdempotencyKey: idemKey}, nil
}

func (a *temporalActivities) fail(ctx context.Context, runID string, spec planner.NodeSpec, idemKey string, err error) {
	attempt := int(tpctivity.GetInfo(ctx).Attempt)
	_ = a.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
		RunID: runID, NodeID: spec.NodeID, State: store.NodeFailed,
		Attempts: attempt, FinishedAt: time.Now(),
		IdempotencyKey: idemKey, Error: err.Error(),
	})
	a.publish(ctx, events.NewNodeFinished(runID, spec.NodeID, store.NodeFailed, idemKey, err.Error(), time.Now().UnixMilli()))
}

// publish is a no-op when no Events bus is configured. Unlike the in-process
// engine, the workflow itself never publishes Run-level events directly — a
// Temporal workflow function must stay deterministic across replay, and an
// in-process Bus delivering to arbitrary subscriber side effects doesn't
// qualify. Only node-level events, published from within the activity (which
// runs for real exactly once per attempt and is never replayed), are wired
// here; the workflow's Run-level lifecycle is instead observable through the
// Store the same way a Temporal client observes any workflow's completion.
func (a *temporalActivities) publish(ctx context.Context, evt events.Event) {
	if a.deps.Events != nil {
		a.deps.Events.Publish(ctx, evt)
	}
}

// dispatchTo hands spec to the Tool Client or the Agent Registry, the same
// dispatch decision dispatch.go's runState.dispatch makes, minus the
// in-process engine's global semaphore — Temporal's worker-level
// MaxConcurrentActivityExecutionSize plays that role for the durable engine.
func dispatchTo(ctx context.Context, spec planner.NodeSpec, args map[string]any, deps Deps) (map[string]any, error) {
	if spec.Kind == planner.KindAgent {
		return deps.Agents.Run(ctx, spec.Name, args)
	}
	raw, err := deps.Tools.Call(ctx, spec.NodeID, spec.Name, runMethod, args)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeProtocolError, "decoding tool result", err)
	}
	return out, nil
}

func persistOutputFor(ctx context.Context, runID string, spec planner.NodeSpec, out map[string]any, deps Deps, inlineThreshold int) (map[string]any, error) {
	if deps.Artifacts == nil || len(out) == 0 {
		return out, nil
	}
	result := make(map[string]any, len(out))
	for k, v := range out {
		enc, err := json.Marshal(v)
		if err != nil {
			result[k] = v
			continue
		}
		if len(enc) <= inlineThreshold {
			result[k] = v
			continue
		}
		ref := artifact.Ref{RunID: runID, NodeID: spec.NodeID, Filename: k + ".json"}
		if err := deps.Artifacts.Put(ctx, ref, "application/json", bytes.NewReader(enc)); err != nil {
			return nil, fmt.Errorf("spilling output field %q to artifact store: %w", k, err)
		}
		result[k] = ref.URI()
	}
	return result, nil
}

func wantsInlineFor(spec planner.NodeSpec, deps Deps) bool {
	if spec.Kind != planner.KindTool || deps.Index == nil {
		return false
	}
	entry, ok := deps.Index.Lookup(spec.Name)
	if !ok {
		return false
	}
	for _, m := range entry.Methods {
		if m.Name == runMethod {
			return m.WantsInline
		}
	}
	return false
}

func resolveValueFor(ctx context.Context, v any, upstream map[string]map[string]any, wantsInline bool, deps Deps, runID string) (any, error) {
	switch t := v.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(t); m != nil {
			nodeID, field := m[1], m[2]
			out, ok := upstream[nodeID]
			if !ok {
				return nil, orcherrors.Errorf(orcherrors.CodeMissingArtifact, "node %q has no recorded output for placeholder %q", nodeID, t)
			}
			var val any = out
			if field != "" {
				fv, present := out[field]
				if !present {
					return nil, orcherrors.Errorf(orcherrors.CodeMissingArtifact, "node %q output has no field %q", nodeID, field)
				}
				val = fv
			}
			return maybeInlineFor(ctx, val, wantsInline, deps, runID)
		}
		return maybeInlineFor(ctx, t, wantsInline, deps, runID)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			rv, err := resolveValueFor(ctx, sub, upstream, wantsInline, deps, runID)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			rv, err := resolveValueFor(ctx, sub, upstream, wantsInline, deps, runID)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func maybeInlineFor(ctx context.Context, val any, wantsInline bool, deps Deps, runID string) (any, error) {
	s, ok := val.(string)
	if !ok || !wantsInline || deps.Artifacts == nil || !strings.HasPrefix(s, "artifact://") {
		return val, nil
	}
	ref, err := artifact.ParseURI(runID, s)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeMissingArtifact, "parsing artifact uri", err)
	}
	rc, _, err := deps.Artifacts.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, orcherrors.Errorf(orcherrors.CodeMissingArtifact, "artifact %q not found", s)
		}
		return nil, fmt.Errorf("reading artifact %q: %w", s, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %q: %w", s, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// computeIdempotencyKeyFor mirrors runState.computeIdempotencyKey, taking
// the upstream idempotency keys as an explicit map instead of reading them
// from a shared runState, since a Temporal activity only ever sees the
// slice of state the workflow chose to pass it.
func computeIdempotencyKeyFor(spec planner.NodeSpec, upstreamIdem map[string]string) string {
	canon := canonicalizeValueFor(spec.Args, upstreamIdem)
	payload := map[string]any{
		"kind":    string(spec.Kind),
		"name":    spec.Name,
		"version": protocolVersion,
		"args":    canon,
	}
	enc, _ := json.Marshal(payload)
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:])
}

func canonicalizeValueFor(v any, upstreamIdem map[string]string) any {
	switch t := v.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(t); m != nil {
			nodeID, field := m[1], m[2]
			key := upstreamIdem[nodeID]
			if field == "" {
				return fmt.Sprintf("${%s}", key)
			}
			return fmt.Sprintf("${%s.%s}", key, field)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = canonicalizeValueFor(sub, upstreamIdem)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = canonicalizeValueFor(sub, upstreamIdem)
		}
		return out
	default:
		return v
	}
}

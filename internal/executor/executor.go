// Package executor implements the Executor: it walks a Plan's DAG with
// bounded parallelism, resolving each node's placeholders against recorded
// upstream output, reusing prior output when the idempotency cache already
// holds a successful result, and dispatching everything else to the Tool
// Client or the Agent Registry. State transitions go through the Run/Node
// store, which is the single source of truth workers never bypass.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/orchestrator/internal/artifact"
	"github.com/antigravity-dev/orchestrator/internal/capindex"
	"github.com/antigravity-dev/orchestrator/internal/events"
	"github.com/antigravity-dev/orchestrator/internal/planner"
	"github.com/antigravity-dev/orchestrator/internal/store"
	"github.com/antigravity-dev/orchestrator/internal/telemetry"
)

// runMethod is the single JSON-RPC method every tool is dispatched through.
// Tools may declare several methods in their manifest for schema
// cross-checking, but the orchestrator's one-shot process-per-call protocol
// only ever drives the "run" entry point.
const runMethod = "run"

// protocolVersion tags the idempotency key so a future change to how nodes
// are dispatched invalidates previously cached results instead of silently
// reusing output computed under different semantics.
const protocolVersion = "v1"

type (
	// ToolCaller is the subset of toolclient.Client the Executor depends
	// on. Declaring it here (rather than importing the concrete type)
	// keeps the Executor testable with a fake that never spawns a
	// process.
	ToolCaller interface {
		Call(ctx context.Context, requestID, toolName, method string, params any) (json.RawMessage, error)
	}

	// AgentRunner is the subset of agentregistry.Registry the Executor
	// depends on.
	AgentRunner interface {
		Run(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	}

	// Deps collects the Executor's external dependencies.
	Deps struct {
		Store     store.Store
		Artifacts artifact.Store
		Tools     ToolCaller
		Agents    AgentRunner
		// Index, if set, lets the Executor consult a tool's
		// wants_inline manifest flag when resolving artifact
		// placeholders. Nil disables inlining; everything resolves
		// to its artifact URI.
		Index  *capindex.Index
		Logger telemetry.Logger
		Tracer telemetry.Tracer
		// Events, if set, receives a published Event for every Run and
		// NodeRun state transition. Nil disables publishing entirely —
		// the Store remains the source of truth either way.
		Events events.Bus
	}

	// Config controls the Executor's concurrency and retry behavior.
	Config struct {
		// Workers is the number of goroutines pulling from one run's
		// ready set concurrently. Default 4.
		Workers int
		// GlobalSemaphore caps the total number of tool processes
		// in flight across every run sharing this Executor. Default 16.
		GlobalSemaphore int
		// RetryBackoff is the fixed delay before re-dispatching a node
		// that failed with a retryable error. Default 250ms.
		RetryBackoff time.Duration
		// InlineThreshold is the encoded-JSON byte size above which an
		// output field is spilled to the Artifact Store and replaced
		// by its URI rather than kept inline in the NodeRun record.
		InlineThreshold int
	}

	// Executor runs Plans to completion against a shared Config and Deps.
	// One Executor instance is safe to reuse across many concurrent runs;
	// its GlobalSemaphore is shared across all of them, matching spec's
	// global cap on in-flight tool processes.
	Executor struct {
		deps Deps
		cfg  Config
		sem  chan struct{}
	}
)

const (
	defaultWorkers         = 4
	defaultGlobalSemaphore = 16
	defaultRetryBackoff    = 250 * time.Millisecond
	defaultInlineThreshold = 32 * 1024
)

// New constructs an Executor. Zero-valued Config fields fall back to
// spec defaults.
func New(deps Deps, cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.GlobalSemaphore <= 0 {
		cfg.GlobalSemaphore = defaultGlobalSemaphore
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = defaultInlineThreshold
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	return &Executor{
		deps: deps,
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.GlobalSemaphore),
	}
}

// Execute runs plan to completion, creating and then driving forward its
// Run record. It blocks until every node is terminal (or the run is
// cancelled); callers wanting asynchronous behavior should run it in its
// own goroutine and observe progress through the Store, per spec's
// "asynchronous; completion observable via Run/NodeRun store" contract.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) (*store.Run, error) {
	run := store.Run{
		RunID:     "run-" + uuid.NewString(),
		PlanID:    plan.PlanID,
		State:     store.RunCreated,
		CreatedAt: time.Now(),
	}
	if err := e.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("executor: creating run: %w", err)
	}

	r := newRunState(e, run.RunID, plan)

	run.State = store.RunRunning
	if err := e.deps.Store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("executor: marking run running: %w", err)
	}
	r.publish(ctx, events.NewRunStarted(run.RunID, run.PlanID, time.Now().UnixMilli()))

	r.run(ctx)

	final, err := e.deps.Store.GetRun(ctx, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("executor: reloading run: %w", err)
	}
	return &final, nil
}

// runState is the mutable scheduling state of one in-flight Execute call.
type runState struct {
	exec  *Executor
	runID string
	plan  *planner.Plan

	// ready is sized to hold every node at once, so sends never block and
	// the channel never needs to be closed; workers instead watch stopped
	// to know when to stop pulling from it.
	ready     chan string
	stopped   chan struct{}
	stopOnce  sync.Once
	runCancel context.CancelFunc

	mu       sync.Mutex
	nodes    map[string]*nodeState
	indegree map[string]int
	adj      map[string][]string
	pending  int // nodes not yet terminal

	failed    bool
	cancelled bool
	firstErr  string
}

type nodeState struct {
	spec    planner.NodeSpec
	done    bool
	output  map[string]any
	idemKey string
}

func newRunState(e *Executor, runID string, plan *planner.Plan) *runState {
	r := &runState{
		exec:     e,
		runID:    runID,
		plan:     plan,
		nodes:    make(map[string]*nodeState, len(plan.Nodes)),
		indegree: make(map[string]int, len(plan.Nodes)),
		adj:      make(map[string][]string, len(plan.Nodes)),
	}
	for _, n := range plan.Nodes {
		r.nodes[n.NodeID] = &nodeState{spec: n}
		r.indegree[n.NodeID] = 0
	}
	for _, e := range plan.Edges {
		r.indegree[e.To]++
		r.adj[e.From] = append(r.adj[e.From], e.To)
	}
	r.pending = len(plan.Nodes)
	r.ready = make(chan string, len(plan.Nodes))
	r.stopped = make(chan struct{})
	return r
}

// run drives the ready-set protocol: a bounded pool of workers pulls from
// r.ready (seeded with zero-indegree nodes) until r.stopped fires.
// Completing a node decrements its successors' indegree under r.mu (the
// spec's "single mutex" serialization point) and feeds any now-ready
// successor back in. r.stopped closes exactly once, either when every node
// is terminal or when a failure/cancellation means no further node will
// ever usefully start.
func (r *runState) run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel
	defer cancel()

	r.mu.Lock()
	for id, deg := range r.indegree {
		if deg == 0 {
			r.ready <- id
		}
	}
	allDone := r.pending == 0
	r.mu.Unlock()
	if allDone {
		r.stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cancelled = true
			r.mu.Unlock()
			cancel()
			r.stop()
		case <-runCtx.Done():
		}
	}()

	workers := r.exec.cfg.Workers
	if workers > len(r.plan.Nodes) && len(r.plan.Nodes) > 0 {
		workers = len(r.plan.Nodes)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case nodeID := <-r.ready:
					r.processNode(runCtx, nodeID)
				case <-r.stopped:
					return
				}
			}
		}()
	}
	wg.Wait()

	r.sweepUnstarted(ctx)
	r.finalizeRun(ctx)
}

// stop closes r.stopped exactly once. Safe to call from multiple
// goroutines and multiple times.
func (r *runState) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (r *runState) markFailed(msg string) {
	r.mu.Lock()
	first := !r.failed
	if first {
		r.failed = true
		r.firstErr = msg
	}
	r.mu.Unlock()
	if first {
		r.stop()
	}
}

// onNodeTerminal records nodeID as done, decrements its successors'
// indegree, and feeds newly-ready successors back into r.ready — unless
// the run has already failed or been cancelled, in which case no further
// node is dispatched and sweepUnstarted will mark the rest skipped once
// every worker has drained.
func (r *runState) onNodeTerminal(nodeID string) {
	r.mu.Lock()
	r.nodes[nodeID].done = true
	r.pending--
	stopNow := false
	var newlyReady []string
	if !r.failed && !r.cancelled {
		for _, next := range r.adj[nodeID] {
			r.indegree[next]--
			if r.indegree[next] == 0 {
				newlyReady = append(newlyReady, next)
			}
		}
		if r.pending == 0 {
			stopNow = true
		}
	}
	r.mu.Unlock()

	for _, id := range newlyReady {
		r.ready <- id
	}
	if stopNow {
		r.stop()
	}
}

// sweepUnstarted runs once every worker has exited (r.stopped fired and
// all workers returned) and marks any node that never got a terminal
// state — because it was downstream of a failure or cancellation and so
// never became ready — skipped.
func (r *runState) sweepUnstarted(ctx context.Context) {
	r.mu.Lock()
	var toSkip []string
	for id, ns := range r.nodes {
		if !ns.done {
			ns.done = true
			toSkip = append(toSkip, id)
		}
	}
	r.mu.Unlock()

	for _, id := range toSkip {
		_ = r.exec.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
			RunID:      r.runID,
			NodeID:     id,
			State:      store.NodeSkipped,
			FinishedAt: time.Now(),
		})
		r.publish(ctx, events.NewNodeFinished(r.runID, id, store.NodeSkipped, "", "", time.Now().UnixMilli()))
	}
}

func (r *runState) finalizeRun(ctx context.Context) {
	run, err := r.exec.deps.Store.GetRun(ctx, r.runID)
	if err != nil {
		return
	}
	run.FinishedAt = time.Now()

	r.mu.Lock()
	failed, cancelled, firstErr := r.failed, r.cancelled, r.firstErr
	r.mu.Unlock()

	switch {
	case cancelled:
		run.State = store.RunCancelled
	case failed:
		run.State = store.RunFailed
		run.Error = firstErr
	default:
		run.State = store.RunSucceeded
	}
	_ = r.exec.deps.Store.UpdateRun(ctx, run)
	r.publish(ctx, events.NewRunFinished(run.RunID, run.State, run.Error, time.Now().UnixMilli()))
}

// publish is a no-op when no Events bus is configured.
func (r *runState) publish(ctx context.Context, evt events.Event) {
	if r.exec.deps.Events != nil {
		r.exec.deps.Events.Publish(ctx, evt)
	}
}

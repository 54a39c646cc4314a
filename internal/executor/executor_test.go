package executor_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/orchestrator/internal/artifact"
	"github.com/antigravity-dev/orchestrator/internal/events"
	"github.com/antigravity-dev/orchestrator/internal/executor"
	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
	"github.com/antigravity-dev/orchestrator/internal/planner"
	"github.com/antigravity-dev/orchestrator/internal/store"
	"github.com/antigravity-dev/orchestrator/internal/store/inmem"
)

type fakeTool struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(toolName string, attempt int, params any) (map[string]any, error)
}

func newFakeTool(fn func(toolName string, attempt int, params any) (map[string]any, error)) *fakeTool {
	return &fakeTool{calls: make(map[string]int), fn: fn}
}

func (f *fakeTool) Call(_ context.Context, _, toolName, _ string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[toolName]++
	attempt := f.calls[toolName]
	f.mu.Unlock()

	out, err := f.fn(toolName, attempt, params)
	if err != nil {
		return nil, err
	}
	raw, merr := json.Marshal(out)
	require2(merr)
	return raw, nil
}

func (f *fakeTool) callCount(toolName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[toolName]
}

func require2(err error) {
	if err != nil {
		panic(err)
	}
}

type fakeAgent struct {
	fn func(name string, args map[string]any) (map[string]any, error)
}

func (f *fakeAgent) Run(_ context.Context, name string, args map[string]any) (map[string]any, error) {
	return f.fn(name, args)
}

func newDeps(tools executor.ToolCaller, agents executor.AgentRunner) (executor.Deps, *inmem.Store) {
	st := inmem.New()
	return executor.Deps{
		Store:     st,
		Artifacts: artifact.NewFSStore(""),
		Tools:     tools,
		Agents:    agents,
	}, st
}

func chainPlan() *planner.Plan {
	return &planner.Plan{
		PlanID: "plan-1",
		Nodes: []planner.NodeSpec{
			{NodeID: "a", Kind: planner.KindTool, Name: "tool_a", Args: map[string]any{"x": 1}, MaxRetries: 1},
			{NodeID: "b", Kind: planner.KindTool, Name: "tool_b", Args: map[string]any{"y": "${a.out}"}, Upstream: []string{"a"}, MaxRetries: 1},
		},
		Edges: []planner.Edge{{From: "a", To: "b"}},
	}
}

func TestExecuteChainThreadsOutputThroughPlaceholder(t *testing.T) {
	var seenY any
	tools := newFakeTool(func(toolName string, _ int, params any) (map[string]any, error) {
		m := params.(map[string]any)
		if toolName == "tool_a" {
			return map[string]any{"out": "hello"}, nil
		}
		seenY = m["y"]
		return map[string]any{"done": true}, nil
	})
	deps, st := newDeps(tools, &fakeAgent{})
	ex := executor.New(deps, executor.Config{})

	run, err := ex.Execute(context.Background(), chainPlan())
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.State)
	assert.Equal(t, "hello", seenY)

	nodeB, err := st.GetNodeRun(context.Background(), run.RunID, "b")
	require.NoError(t, err)
	assert.Equal(t, store.NodeSucceeded, nodeB.State)
	assert.Equal(t, true, nodeB.Output["done"])
}

func TestExecuteRetriesRetryableErrorThenSucceeds(t *testing.T) {
	tools := newFakeTool(func(toolName string, attempt int, _ any) (map[string]any, error) {
		if toolName == "tool_a" && attempt == 1 {
			return nil, orcherrors.New(orcherrors.CodeTimeout, "did not respond")
		}
		return map[string]any{"out": "ok"}, nil
	})
	deps, st := newDeps(tools, &fakeAgent{})
	ex := executor.New(deps, executor.Config{RetryBackoff: time.Millisecond})

	run, err := ex.Execute(context.Background(), chainPlan())
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.State)
	assert.Equal(t, 2, tools.callCount("tool_a"))

	nodeA, err := st.GetNodeRun(context.Background(), run.RunID, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, nodeA.Attempts)
}

func TestExecuteFailsRunAndSkipsDownstreamOnFatalError(t *testing.T) {
	tools := newFakeTool(func(toolName string, _ int, _ any) (map[string]any, error) {
		if toolName == "tool_a" {
			return nil, orcherrors.New(orcherrors.CodeProtocolError, "malformed response")
		}
		t.Fatalf("tool_b should never be dispatched")
		return nil, nil
	})
	deps, st := newDeps(tools, &fakeAgent{})
	ex := executor.New(deps, executor.Config{RetryBackoff: time.Millisecond})

	run, err := ex.Execute(context.Background(), chainPlan())
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.State)
	assert.NotEmpty(t, run.Error)
	assert.Equal(t, 1, tools.callCount("tool_a"))

	nodeB, err := st.GetNodeRun(context.Background(), run.RunID, "b")
	require.NoError(t, err)
	assert.Equal(t, store.NodeSkipped, nodeB.State)
}

func TestExecutePublishesRunAndNodeLifecycleEvents(t *testing.T) {
	tools := newFakeTool(func(toolName string, _ int, params any) (map[string]any, error) {
		return map[string]any{"out": "x"}, nil
	})
	deps, _ := newDeps(tools, &fakeAgent{})
	bus := events.NewBus()
	deps.Events = bus

	var mu sync.Mutex
	var seen []events.Event
	_, err := bus.Register(events.SubscriberFunc(func(_ context.Context, evt events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt)
	}))
	require.NoError(t, err)

	ex := executor.New(deps, executor.Config{})
	run, err := ex.Execute(context.Background(), chainPlan())
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, run.State)

	mu.Lock()
	defer mu.Unlock()
	var types []events.EventType
	for _, evt := range seen {
		types = append(types, evt.Type())
	}
	assert.Contains(t, types, events.TypeRunStarted)
	assert.Contains(t, types, events.TypeRunSucceeded)
	assert.Contains(t, types, events.TypeNodeDispatched)
	assert.Contains(t, types, events.TypeNodeSucceeded)

	for _, evt := range seen {
		assert.Equal(t, run.RunID, evt.RunID())
	}
}

func TestExecuteReusesIdempotencyCacheAcrossRuns(t *testing.T) {
	tools := newFakeTool(func(toolName string, _ int, _ any) (map[string]any, error) {
		return map[string]any{"out": "stable"}, nil
	})
	deps, _ := newDeps(tools, &fakeAgent{})
	ex := executor.New(deps, executor.Config{})

	plan1 := chainPlan()
	plan1.PlanID = "plan-1"
	run1, err := ex.Execute(context.Background(), plan1)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, run1.State)
	require.Equal(t, 1, tools.callCount("tool_a"))

	plan2 := chainPlan()
	plan2.PlanID = "plan-2"
	run2, err := ex.Execute(context.Background(), plan2)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, run2.State)

	// tool_a's args never reference an upstream node, so its idempotency
	// key is identical across both runs: the second run must reuse the
	// cached NodeRun instead of dispatching the tool again.
	assert.Equal(t, 1, tools.callCount("tool_a"))
}

func TestExecuteAgentNodeDispatchesThroughAgentRegistry(t *testing.T) {
	var gotArgs map[string]any
	agents := &fakeAgent{fn: func(name string, args map[string]any) (map[string]any, error) {
		gotArgs = args
		return map[string]any{"valid": true}, nil
	}}
	tools := newFakeTool(func(string, int, any) (map[string]any, error) {
		return map[string]any{"out": "x"}, nil
	})
	deps, _ := newDeps(tools, agents)
	ex := executor.New(deps, executor.Config{})

	plan := &planner.Plan{
		PlanID: "plan-agent",
		Nodes: []planner.NodeSpec{
			{NodeID: "a", Kind: planner.KindTool, Name: "tool_a", Args: map[string]any{}},
			{NodeID: "v", Kind: planner.KindAgent, Name: "validator", Args: map[string]any{
				"subject": "${a}",
			}, Upstream: []string{"a"}},
		},
		Edges: []planner.Edge{{From: "a", To: "v"}},
	}
	run, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.State)
	assert.Equal(t, map[string]any{"out": "x"}, gotArgs["subject"])
}

func TestExecuteSpillsLargeOutputToArtifactStore(t *testing.T) {
	big := make(map[string]any)
	big["blob"] = string(make([]byte, 1024))
	tools := newFakeTool(func(string, int, any) (map[string]any, error) {
		return big, nil
	})
	fsRoot := t.TempDir()
	deps := executor.Deps{
		Store:     inmem.New(),
		Artifacts: artifact.NewFSStore(fsRoot),
		Tools:     tools,
		Agents:    &fakeAgent{},
	}
	ex := executor.New(deps, executor.Config{InlineThreshold: 16})

	plan := &planner.Plan{
		PlanID: "plan-spill",
		Nodes: []planner.NodeSpec{
			{NodeID: "a", Kind: planner.KindTool, Name: "tool_a", Args: map[string]any{}},
		},
	}
	run, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.State)

	nodeA, err := deps.Store.GetNodeRun(context.Background(), run.RunID, "a")
	require.NoError(t, err)
	uri, ok := nodeA.Output["blob"].(string)
	require.True(t, ok)
	assert.Contains(t, uri, "artifact://a/blob.json")
}

func TestExecuteRunCancellationStopsSchedulingAndMarksCancelled(t *testing.T) {
	var started int32
	block := make(chan struct{})
	tools := newFakeTool(func(toolName string, _ int, _ any) (map[string]any, error) {
		if toolName == "tool_a" {
			atomic.AddInt32(&started, 1)
			<-block
			return nil, orcherrors.New(orcherrors.CodeTimeout, "cancelled mid-flight")
		}
		return map[string]any{"out": "x"}, nil
	})
	deps, st := newDeps(tools, &fakeAgent{})
	ex := executor.New(deps, executor.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *store.Run, 1)
	go func() {
		run, err := ex.Execute(ctx, chainPlan())
		require2(err)
		done <- run
	}()

	for atomic.LoadInt32(&started) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(block)

	run := <-done
	assert.Equal(t, store.RunCancelled, run.State)

	nodeB, err := st.GetNodeRun(context.Background(), run.RunID, "b")
	require.NoError(t, err)
	assert.Equal(t, store.NodeSkipped, nodeB.State)
}

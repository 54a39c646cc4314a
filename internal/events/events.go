// Package events publishes Run/NodeRun state transitions to registered
// subscribers. The Executor is the only publisher; anything that wants to
// observe a run's progress without polling the Store (a status-streaming
// HTTP endpoint, a CLI progress bar) subscribes to the Bus instead.
package events

import "github.com/antigravity-dev/orchestrator/internal/store"

type (
	// EventType identifies the kind of state transition an Event carries.
	EventType string

	// Event is the interface every published event implements. Subscribers
	// use a type switch on the concrete type to reach event-specific
	// fields; Type/RunID/Timestamp are always available without one.
	Event interface {
		// Type returns the event's kind, letting subscribers filter
		// without a type assertion.
		Type() EventType
		// RunID returns the Run this event belongs to.
		RunID() string
		// Timestamp returns when the event was published, in Unix
		// milliseconds.
		Timestamp() int64
	}

	baseEvent struct {
		EvtType EventType
		Run     string
		Ts      int64
	}
)

func (e baseEvent) Type() EventType { return e.EvtType }
func (e baseEvent) RunID() string   { return e.Run }
func (e baseEvent) Timestamp() int64 { return e.Ts }

const (
	TypeRunStarted   EventType = "run_started"
	TypeRunSucceeded EventType = "run_succeeded"
	TypeRunFailed    EventType = "run_failed"
	TypeRunCancelled EventType = "run_cancelled"

	TypeNodeDispatched EventType = "node_dispatched"
	TypeNodeRetrying   EventType = "node_retrying"
	TypeNodeCached     EventType = "node_cached"
	TypeNodeSucceeded  EventType = "node_succeeded"
	TypeNodeFailed     EventType = "node_failed"
	TypeNodeSkipped    EventType = "node_skipped"
)

type (
	// RunStarted fires when the Executor marks a Run running.
	RunStarted struct {
		baseEvent
		PlanID string
	}

	// RunFinished fires once when a Run reaches any terminal state
	// (succeeded, failed, cancelled). State distinguishes the outcome;
	// Error is populated only for RunFailed.
	RunFinished struct {
		baseEvent
		State store.RunState
		Error string
	}

	// NodeDispatched fires each time the Executor hands a node to the
	// Tool Client or Agent Registry, including retries (Attempt > 1).
	NodeDispatched struct {
		baseEvent
		NodeID  string
		Attempt int
	}

	// NodeFinished fires once a node reaches any terminal state
	// (succeeded, cached, failed, skipped).
	NodeFinished struct {
		baseEvent
		NodeID         string
		State          store.NodeState
		IdempotencyKey string
		Error          string
	}
)

func newBase(t EventType, runID string, ts int64) baseEvent {
	return baseEvent{EvtType: t, Run: runID, Ts: ts}
}

// NewRunStarted constructs a RunStarted event. ts is the caller-supplied
// Unix millisecond timestamp; the package never reads the system clock so
// callers stay in control of how time enters published events.
func NewRunStarted(runID, planID string, ts int64) RunStarted {
	return RunStarted{baseEvent: newBase(TypeRunStarted, runID, ts), PlanID: planID}
}

// NewRunFinished constructs the RunFinished event matching state.
func NewRunFinished(runID string, state store.RunState, errMsg string, ts int64) RunFinished {
	typ := TypeRunSucceeded
	switch state {
	case store.RunFailed:
		typ = TypeRunFailed
	case store.RunCancelled:
		typ = TypeRunCancelled
	}
	return RunFinished{baseEvent: newBase(typ, runID, ts), State: state, Error: errMsg}
}

// NewNodeDispatched constructs a NodeDispatched event.
func NewNodeDispatched(runID, nodeID string, attempt int, ts int64) NodeDispatched {
	return NodeDispatched{baseEvent: newBase(TypeNodeDispatched, runID, ts), NodeID: nodeID, Attempt: attempt}
}

// NewNodeFinished constructs the NodeFinished event matching state.
func NewNodeFinished(runID, nodeID string, state store.NodeState, idemKey, errMsg string, ts int64) NodeFinished {
	var typ EventType
	switch state {
	case store.NodeCached:
		typ = TypeNodeCached
	case store.NodeFailed:
		typ = TypeNodeFailed
	case store.NodeSkipped:
		typ = TypeNodeSkipped
	default:
		typ = TypeNodeSucceeded
	}
	return NodeFinished{
		baseEvent:      newBase(typ, runID, ts),
		NodeID:         nodeID,
		State:          state,
		IdempotencyKey: idemKey,
		Error:          errMsg,
	}
}

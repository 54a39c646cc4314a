// Package store defines the Run/NodeRun state contract and the durable
// key-value state it requires. The Executor is the only writer; the Router,
// Planner, and any status-reporting surface are readers.
package store

import (
	"context"
	"errors"
	"time"
)

type (
	// RunState is the coarse-grained lifecycle state of a Run.
	RunState string

	// NodeState is the lifecycle state of a single NodeRun.
	NodeState string

	// Run is the durable record of one plan execution.
	Run struct {
		RunID      string
		PlanID     string
		State      RunState
		CreatedAt  time.Time
		FinishedAt time.Time
		Error      string
	}

	// NodeRun is the durable record of one node's execution within a run.
	// Output carries inline JSON-decoded data; a field whose encoded size
	// exceeded the Executor's inline threshold is stored in its place as an
	// artifact reference (`artifact://{node_id}/{filename}`).
	NodeRun struct {
		RunID          string
		NodeID         string
		State          NodeState
		Attempts       int
		StartedAt      time.Time
		FinishedAt     time.Time
		IdempotencyKey string
		Output         map[string]any
		Error          string
	}

	// Store persists Run and NodeRun records and supports the idempotency
	// lookup the Executor performs before dispatching a node.
	Store interface {
		CreateRun(ctx context.Context, run Run) error
		GetRun(ctx context.Context, runID string) (Run, error)
		UpdateRun(ctx context.Context, run Run) error

		UpsertNodeRun(ctx context.Context, node NodeRun) error
		GetNodeRun(ctx context.Context, runID, nodeID string) (NodeRun, error)
		ListNodeRuns(ctx context.Context, runID string) ([]NodeRun, error)

		// FindCached returns the most recent succeeded NodeRun anywhere in
		// the store whose IdempotencyKey matches key, for idempotency-cache
		// reuse across runs and retries.
		FindCached(ctx context.Context, key string) (NodeRun, bool, error)
	}
)

// ErrNotFound indicates no Run or NodeRun exists for the given identifiers.
var ErrNotFound = errors.New("store: not found")

const (
	RunCreated   RunState = "created"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"

	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeCached    NodeState = "cached"
	NodeSkipped   NodeState = "skipped"
)

// Terminal reports whether s is a state a Run does not leave.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a state a NodeRun does not leave.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeCached, NodeSkipped:
		return true
	default:
		return false
	}
}

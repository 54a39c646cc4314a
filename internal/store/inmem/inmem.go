// Package inmem provides an in-memory store.Store for tests and local
// development. Records do not survive process restart; use a durable
// backend (internal/store/redisstore or internal/store/mongostore) in
// production.
package inmem

import (
	"context"
	"sync"

	"github.com/antigravity-dev/orchestrator/internal/store"
)

// Store implements store.Store in memory. All operations are thread-safe.
// Records are defensively copied on read and write.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]store.Run
	nodes map[string]map[string]store.NodeRun // runID -> nodeID -> NodeRun

	// idempotency is an index over every NodeRun ever recorded as
	// succeeded, keyed by IdempotencyKey, for cross-run cache reuse.
	idempotency map[string]store.NodeRun
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:        make(map[string]store.Run),
		nodes:       make(map[string]map[string]store.NodeRun),
		idempotency: make(map[string]store.NodeRun),
	}
}

// CreateRun inserts a new Run record. If a Run with the same RunID already
// exists, the stored record is kept unchanged and nil is returned.
func (s *Store) CreateRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return nil // CreateRun is called idempotently by the executor on resume
	}
	s.runs[run.RunID] = run
	return nil
}

// GetRun retrieves the Run record for runID.
func (s *Store) GetRun(_ context.Context, runID string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return r, nil
}

// UpdateRun overwrites the Run record for run.RunID.
func (s *Store) UpdateRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; !ok {
		return store.ErrNotFound
	}
	s.runs[run.RunID] = run
	return nil
}

// UpsertNodeRun inserts or overwrites a NodeRun record, and refreshes the
// idempotency index when the node reaches NodeSucceeded.
func (s *Store) UpsertNodeRun(_ context.Context, node store.NodeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.nodes[node.RunID]
	if !ok {
		byNode = make(map[string]store.NodeRun)
		s.nodes[node.RunID] = byNode
	}
	byNode[node.NodeID] = cloneNodeRun(node)

	if node.State == store.NodeSucceeded && node.IdempotencyKey != "" {
		s.idempotency[node.IdempotencyKey] = cloneNodeRun(node)
	}
	return nil
}

// GetNodeRun retrieves a single NodeRun.
func (s *Store) GetNodeRun(_ context.Context, runID, nodeID string) (store.NodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNode, ok := s.nodes[runID]
	if !ok {
		return store.NodeRun{}, store.ErrNotFound
	}
	n, ok := byNode[nodeID]
	if !ok {
		return store.NodeRun{}, store.ErrNotFound
	}
	return cloneNodeRun(n), nil
}

// ListNodeRuns returns every NodeRun recorded for runID, in no particular
// order.
func (s *Store) ListNodeRuns(_ context.Context, runID string) ([]store.NodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNode := s.nodes[runID]
	out := make([]store.NodeRun, 0, len(byNode))
	for _, n := range byNode {
		out = append(out, cloneNodeRun(n))
	}
	return out, nil
}

// FindCached returns the most recently recorded succeeded NodeRun anywhere
// in the store with the given idempotency key.
func (s *Store) FindCached(_ context.Context, key string) (store.NodeRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.idempotency[key]
	if !ok {
		return store.NodeRun{}, false, nil
	}
	return cloneNodeRun(n), true, nil
}

func cloneNodeRun(n store.NodeRun) store.NodeRun {
	if len(n.Output) > 0 {
		out := make(map[string]any, len(n.Output))
		for k, v := range n.Output {
			out[k] = v
		}
		n.Output = out
	}
	return n
}

// Package redisstore implements store.Store on top of Redis, for
// single-process and clustered deployments that do not need Mongo's
// richer query surface. Run and NodeRun records are stored as JSON
// strings; the idempotency index is a separate key namespace so cache
// lookups never scan run-scoped keys.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/antigravity-dev/orchestrator/internal/store"
)

// Store implements store.Store backed by a Redis client.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Options configures a Store.
type Options struct {
	Client *redis.Client
	// Prefix namespaces all keys this Store writes, e.g. "orc:". Defaults
	// to "orc:" when empty.
	Prefix string
}

// New constructs a Store from the given Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "orc:"
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

func (s *Store) runKey(runID string) string {
	return s.prefix + "run:" + runID
}

func (s *Store) nodeKey(runID, nodeID string) string {
	return s.prefix + "node:" + runID + ":" + nodeID
}

func (s *Store) nodeSetKey(runID string) string {
	return s.prefix + "nodes:" + runID
}

func (s *Store) idempotencyKey(key string) string {
	return s.prefix + "idem:" + key
}

// CreateRun writes run if no record with the same RunID already exists.
func (s *Store) CreateRun(ctx context.Context, run store.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("redisstore: marshal run: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.runKey(run.RunID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redisstore: create run: %w", err)
	}
	if !ok {
		return nil // already exists; CreateRun is idempotent on resume
	}
	return nil
}

// GetRun reads the Run record for runID.
func (s *Store) GetRun(ctx context.Context, runID string) (store.Run, error) {
	data, err := s.rdb.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("redisstore: get run: %w", err)
	}
	var run store.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return store.Run{}, fmt.Errorf("redisstore: unmarshal run: %w", err)
	}
	return run, nil
}

// UpdateRun overwrites the Run record for run.RunID, failing if it does
// not already exist.
func (s *Store) UpdateRun(ctx context.Context, run store.Run) error {
	key := s.runKey(run.RunID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redisstore: check run exists: %w", err)
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("redisstore: marshal run: %w", err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: update run: %w", err)
	}
	return nil
}

// UpsertNodeRun writes node, tracks its NodeID in the run's node set, and
// refreshes the idempotency index when the node reaches NodeSucceeded.
func (s *Store) UpsertNodeRun(ctx context.Context, node store.NodeRun) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("redisstore: marshal node run: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.nodeKey(node.RunID, node.NodeID), data, 0)
	pipe.SAdd(ctx, s.nodeSetKey(node.RunID), node.NodeID)
	if node.State == store.NodeSucceeded && node.IdempotencyKey != "" {
		pipe.Set(ctx, s.idempotencyKey(node.IdempotencyKey), data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: upsert node run: %w", err)
	}
	return nil
}

// GetNodeRun reads a single NodeRun.
func (s *Store) GetNodeRun(ctx context.Context, runID, nodeID string) (store.NodeRun, error) {
	data, err := s.rdb.Get(ctx, s.nodeKey(runID, nodeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.NodeRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.NodeRun{}, fmt.Errorf("redisstore: get node run: %w", err)
	}
	var node store.NodeRun
	if err := json.Unmarshal(data, &node); err != nil {
		return store.NodeRun{}, fmt.Errorf("redisstore: unmarshal node run: %w", err)
	}
	return node, nil
}

// ListNodeRuns returns every NodeRun recorded for runID.
func (s *Store) ListNodeRuns(ctx context.Context, runID string) ([]store.NodeRun, error) {
	nodeIDs, err := s.rdb.SMembers(ctx, s.nodeSetKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list node ids: %w", err)
	}
	out := make([]store.NodeRun, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		node, err := s.GetNodeRun(ctx, runID, nodeID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

// FindCached returns the succeeded NodeRun indexed under key, if any.
func (s *Store) FindCached(ctx context.Context, key string) (store.NodeRun, bool, error) {
	data, err := s.rdb.Get(ctx, s.idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.NodeRun{}, false, nil
	}
	if err != nil {
		return store.NodeRun{}, false, fmt.Errorf("redisstore: find cached: %w", err)
	}
	var node store.NodeRun
	if err := json.Unmarshal(data, &node); err != nil {
		return store.NodeRun{}, false, fmt.Errorf("redisstore: unmarshal cached node run: %w", err)
	}
	return node, true, nil
}

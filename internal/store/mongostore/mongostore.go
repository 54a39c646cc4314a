// Package mongostore implements store.Store on top of MongoDB, for
// deployments that want the Run/NodeRun history queryable alongside other
// application data.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/antigravity-dev/orchestrator/internal/store"
)

const (
	defaultRunsCollection  = "orchestrator_runs"
	defaultNodesCollection = "orchestrator_node_runs"
	defaultOpTimeout       = 5 * time.Second
)

// Store implements store.Store backed by two MongoDB collections: one for
// Run documents, one for NodeRun documents. The idempotency lookup is a
// query against the NodeRun collection's (idempotency_key, finished_at) index
// rather than a separate collection.
type Store struct {
	runs    *mongo.Collection
	nodes   *mongo.Collection
	timeout time.Duration
}

// Options configures a Store.
type Options struct {
	Client          *mongo.Client
	Database        string
	RunsCollection  string
	NodesCollection string
	Timeout         time.Duration
}

// New constructs a Store, ensuring the indexes it depends on exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	nodesColl := opts.NodesCollection
	if nodesColl == "" {
		nodesColl = defaultNodesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		runs:    db.Collection(runsColl),
		nodes:   db.Collection(nodesColl),
		timeout: timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongostore: run_id index: %w", err)
	}
	if _, err := s.nodes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "node_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongostore: run_id/node_id index: %w", err)
	}
	if _, err := s.nodes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "idempotency_key", Value: 1}, {Key: "finished_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("mongostore: idempotency_key index: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type runDocument struct {
	RunID      string    `bson:"run_id"`
	PlanID     string    `bson:"plan_id"`
	State      string    `bson:"state"`
	CreatedAt  time.Time `bson:"created_at"`
	FinishedAt time.Time `bson:"finished_at,omitempty"`
	Error      string    `bson:"error,omitempty"`
}

func fromRun(r store.Run) runDocument {
	return runDocument{
		RunID:      r.RunID,
		PlanID:     r.PlanID,
		State:      string(r.State),
		CreatedAt:  r.CreatedAt.UTC(),
		FinishedAt: r.FinishedAt.UTC(),
		Error:      r.Error,
	}
}

func (d runDocument) toRun() store.Run {
	return store.Run{
		RunID:      d.RunID,
		PlanID:     d.PlanID,
		State:      store.RunState(d.State),
		CreatedAt:  d.CreatedAt,
		FinishedAt: d.FinishedAt,
		Error:      d.Error,
	}
}

// CreateRun inserts run, upserting so repeated calls (e.g. on executor
// resume) do not fail.
func (s *Store) CreateRun(ctx context.Context, run store.Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromRun(run)
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": run.RunID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: create run: %w", err)
	}
	return nil
}

// GetRun loads the Run document for runID.
func (s *Store) GetRun(ctx context.Context, runID string) (store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("mongostore: get run: %w", err)
	}
	return doc.toRun(), nil
}

// UpdateRun replaces the Run document for run.RunID.
func (s *Store) UpdateRun(ctx context.Context, run store.Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": run.RunID},
		bson.M{"$set": fromRun(run)})
	if err != nil {
		return fmt.Errorf("mongostore: update run: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

type nodeRunDocument struct {
	RunID          string         `bson:"run_id"`
	NodeID         string         `bson:"node_id"`
	State          string         `bson:"state"`
	Attempts       int            `bson:"attempts"`
	StartedAt      time.Time      `bson:"started_at,omitempty"`
	FinishedAt     time.Time      `bson:"finished_at,omitempty"`
	IdempotencyKey string         `bson:"idempotency_key,omitempty"`
	Output         map[string]any `bson:"output,omitempty"`
	Error          string         `bson:"error,omitempty"`
}

func fromNodeRun(n store.NodeRun) nodeRunDocument {
	return nodeRunDocument{
		RunID:          n.RunID,
		NodeID:         n.NodeID,
		State:          string(n.State),
		Attempts:       n.Attempts,
		StartedAt:      n.StartedAt.UTC(),
		FinishedAt:     n.FinishedAt.UTC(),
		IdempotencyKey: n.IdempotencyKey,
		Output:         n.Output,
		Error:          n.Error,
	}
}

func (d nodeRunDocument) toNodeRun() store.NodeRun {
	return store.NodeRun{
		RunID:          d.RunID,
		NodeID:         d.NodeID,
		State:          store.NodeState(d.State),
		Attempts:       d.Attempts,
		StartedAt:      d.StartedAt,
		FinishedAt:     d.FinishedAt,
		IdempotencyKey: d.IdempotencyKey,
		Output:         d.Output,
		Error:          d.Error,
	}
}

// UpsertNodeRun inserts or replaces the NodeRun document for
// (node.RunID, node.NodeID).
func (s *Store) UpsertNodeRun(ctx context.Context, node store.NodeRun) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.nodes.UpdateOne(ctx,
		bson.M{"run_id": node.RunID, "node_id": node.NodeID},
		bson.M{"$set": fromNodeRun(node)},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: upsert node run: %w", err)
	}
	return nil
}

// GetNodeRun loads a single NodeRun document.
func (s *Store) GetNodeRun(ctx context.Context, runID, nodeID string) (store.NodeRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc nodeRunDocument
	err := s.nodes.FindOne(ctx, bson.M{"run_id": runID, "node_id": nodeID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.NodeRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.NodeRun{}, fmt.Errorf("mongostore: get node run: %w", err)
	}
	return doc.toNodeRun(), nil
}

// ListNodeRuns returns every NodeRun document for runID.
func (s *Store) ListNodeRuns(ctx context.Context, runID string) ([]store.NodeRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.nodes.Find(ctx, bson.M{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list node runs: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.NodeRun
	for cur.Next(ctx) {
		var doc nodeRunDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode node run: %w", err)
		}
		out = append(out, doc.toNodeRun())
	}
	return out, cur.Err()
}

// FindCached returns the most recently finished succeeded NodeRun document
// with the given idempotency key, across all runs.
func (s *Store) FindCached(ctx context.Context, key string) (store.NodeRun, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "finished_at", Value: -1}})
	var doc nodeRunDocument
	err := s.nodes.FindOne(ctx, bson.M{
		"idempotency_key": key,
		"state":           string(store.NodeSucceeded),
	}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.NodeRun{}, false, nil
	}
	if err != nil {
		return store.NodeRun{}, false, fmt.Errorf("mongostore: find cached: %w", err)
	}
	return doc.toNodeRun(), true, nil
}

// Package mongocatalog wraps an artifact.Store with a MongoDB-backed
// metadata catalog, so artifact listings can be queried without walking the
// flat-directory blob tree. Bytes still live wherever the wrapped Store
// puts them; this package only indexes (run_id, node_id, filename) ->
// content type, size, created_at.
package mongocatalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/antigravity-dev/orchestrator/internal/artifact"
)

const (
	defaultCollection = "orchestrator_artifacts"
	defaultOpTimeout   = 5 * time.Second
)

// Store wraps an underlying artifact.Store, indexing every Put in Mongo and
// serving List from the index instead of the underlying Store's own
// (possibly directory-walking) implementation.
type Store struct {
	inner   artifact.Store
	coll    *mongo.Collection
	timeout time.Duration
}

// Options configures a Store.
type Options struct {
	Inner      artifact.Store
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New wraps inner with a Mongo-backed metadata catalog.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Inner == nil {
		return nil, errors.New("mongocatalog: inner store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("mongocatalog: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongocatalog: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "node_id", Value: 1}, {Key: "filename", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("mongocatalog: creating index: %w", err)
	}
	return &Store{inner: opts.Inner, coll: coll, timeout: timeout}, nil
}

type catalogDocument struct {
	RunID       string    `bson:"run_id"`
	NodeID      string    `bson:"node_id"`
	Filename    string    `bson:"filename"`
	ContentType string    `bson:"content_type"`
	Size        int64     `bson:"size"`
	CreatedAt   time.Time `bson:"created_at"`
}

// Put writes the artifact bytes to the wrapped Store, then records its
// metadata in the catalog. If the catalog write fails after a successful
// byte write, the bytes remain reachable by direct Get (the catalog is an
// index, not the source of truth).
func (s *Store) Put(ctx context.Context, ref artifact.Ref, contentType string, data io.Reader) error {
	var buf countingReader
	buf.r = data
	if err := s.inner.Put(ctx, ref, contentType, &buf); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	doc := catalogDocument{
		RunID:       ref.RunID,
		NodeID:      ref.NodeID,
		Filename:    ref.Filename,
		ContentType: contentType,
		Size:        buf.n,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"run_id": ref.RunID, "node_id": ref.NodeID, "filename": ref.Filename},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongocatalog: indexing %s: %w", ref.URI(), err)
	}
	return nil
}

// Get delegates to the wrapped Store, filling in ContentType from the
// catalog when the wrapped Store itself does not track it.
func (s *Store) Get(ctx context.Context, ref artifact.Ref) (io.ReadCloser, artifact.Metadata, error) {
	rc, meta, err := s.inner.Get(ctx, ref)
	if err != nil {
		return nil, artifact.Metadata{}, err
	}
	if meta.ContentType != "" {
		return rc, meta, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc catalogDocument
	err = s.coll.FindOne(lookupCtx, bson.M{
		"run_id": ref.RunID, "node_id": ref.NodeID, "filename": ref.Filename,
	}).Decode(&doc)
	if err == nil {
		meta.ContentType = doc.ContentType
	}
	return rc, meta, nil
}

// List returns the catalog's record of every artifact for runID, which is
// always a full inventory regardless of whether the wrapped Store itself
// supports listing.
func (s *Store) List(ctx context.Context, runID string) ([]artifact.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("mongocatalog: listing run %s: %w", runID, err)
	}
	defer cur.Close(ctx)

	var out []artifact.Metadata
	for cur.Next(ctx) {
		var doc catalogDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongocatalog: decoding entry: %w", err)
		}
		out = append(out, artifact.Metadata{
			Ref:         artifact.Ref{RunID: doc.RunID, NodeID: doc.NodeID, Filename: doc.Filename},
			ContentType: doc.ContentType,
			Size:        doc.Size,
		})
	}
	return out, cur.Err()
}

// countingReader wraps an io.Reader to track total bytes read, so Put can
// record Size without buffering the whole artifact in memory.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

package mongostore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/antigravity-dev/orchestrator/internal/store"
	"github.com/antigravity-dev/orchestrator/internal/store/mongostore"
)

var (
	testClient      *mongo.Client
	testContainer   testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("docker not available, skipping mongostore integration tests: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else if port, err := testContainer.MappedPort(ctx, "27017"); err != nil {
			skipIntegration = true
		} else {
			uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
			client, err := mongo.Connect(options.Client().ApplyURI(uri))
			if err != nil {
				skipIntegration = true
			} else {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := client.Ping(pingCtx, nil); err != nil {
					skipIntegration = true
				} else {
					testClient = client
				}
			}
		}
	}

	code := m.Run()

	if testClient != nil {
		_ = testClient.Disconnect(context.Background())
	}
	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func newStore(t *testing.T) *mongostore.Store {
	t.Helper()
	if skipIntegration {
		t.Skip("docker not available, skipping integration test")
	}
	ctx := context.Background()
	s, err := mongostore.New(ctx, mongostore.Options{
		Client:          testClient,
		Database:        fmt.Sprintf("orc_test_%d", time.Now().UnixNano()),
		RunsCollection:  "runs",
		NodesCollection: "node_runs",
	})
	require.NoError(t, err)
	return s
}

func TestMongoStoreRunLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := store.Run{RunID: "run-1", PlanID: "plan-1", State: store.RunCreated, CreatedAt: time.Now()}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCreated, got.State)

	got.State = store.RunSucceeded
	got.FinishedAt = time.Now()
	require.NoError(t, s.UpdateRun(ctx, got))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, got.State)
}

func TestMongoStoreUpdateRunNotFound(t *testing.T) {
	s := newStore(t)
	err := s.UpdateRun(context.Background(), store.Run{RunID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMongoStoreNodeRunsAndIdempotency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, store.Run{RunID: "run-1", CreatedAt: time.Now()}))

	node := store.NodeRun{
		RunID:          "run-1",
		NodeID:         "sql_query",
		State:          store.NodeSucceeded,
		IdempotencyKey: "key-abc",
		FinishedAt:     time.Now(),
		Output:         map[string]any{"rows": int32(3)},
	}
	require.NoError(t, s.UpsertNodeRun(ctx, node))

	got, err := s.GetNodeRun(ctx, "run-1", "sql_query")
	require.NoError(t, err)
	assert.Equal(t, store.NodeSucceeded, got.State)

	list, err := s.ListNodeRuns(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	cached, ok, err := s.FindCached(ctx, "key-abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sql_query", cached.NodeID)
}

func TestMongoStoreGetRunNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Command orchestrator wires the core packages together and exposes a
// minimal local command: route, plan, and execute a single query from the
// command line. The (out-of-scope) HTTP surface is a separate, unbuilt
// concern; this binary exists for local development and smoke testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	tpclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/antigravity-dev/orchestrator/internal/agentregistry"
	"github.com/antigravity-dev/orchestrator/internal/artifact"
	"github.com/antigravity-dev/orchestrator/internal/artifact/mongocatalog"
	"github.com/antigravity-dev/orchestrator/internal/capindex"
	"github.com/antigravity-dev/orchestrator/internal/config"
	"github.com/antigravity-dev/orchestrator/internal/events"
	"github.com/antigravity-dev/orchestrator/internal/events/pulseclient"
	"github.com/antigravity-dev/orchestrator/internal/events/pulsesink"
	"github.com/antigravity-dev/orchestrator/internal/executor"
	"github.com/antigravity-dev/orchestrator/internal/planner"
	"github.com/antigravity-dev/orchestrator/internal/router"
	"github.com/antigravity-dev/orchestrator/internal/store"
	"github.com/antigravity-dev/orchestrator/internal/store/inmem"
	"github.com/antigravity-dev/orchestrator/internal/store/mongostore"
	"github.com/antigravity-dev/orchestrator/internal/store/redisstore"
	"github.com/antigravity-dev/orchestrator/internal/telemetry"
	"github.com/antigravity-dev/orchestrator/internal/toolclient"
)

func main() {
	var (
		queryF = flag.String("query", "", "Natural-language query to route, plan, and execute")
		fileF  = flag.String("file", "", "Path of a file attached to the query (e.g. a PDF to track)")
		dbgF   = flag.Bool("debug", false, "Enable debug-level logging")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dbgF {
		cfg.Debug = true
	}

	format := log.FormatJSON
	switch cfg.LogFormat {
	case config.LogFormatTerminal:
		format = log.FormatTerminal
	case config.LogFormatAuto:
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if *queryF == "" {
		log.Fatal(ctx, fmt.Errorf("-query is required"))
	}

	if err := run(ctx, cfg, *queryF, *fileF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg config.Config, queryText, filePath string) error {
	idx, err := capindex.Load(cfg.CapabilityIndexPath)
	if err != nil {
		return fmt.Errorf("loading capability index: %w", err)
	}

	runStore, err := newRunStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building run store: %w", err)
	}

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building artifact store: %w", err)
	}

	bus := events.NewBus()
	if cfg.PulseEnabled {
		sink, err := newPulseSink(cfg)
		if err != nil {
			return fmt.Errorf("building pulse sink: %w", err)
		}
		if _, err := bus.Register(sink); err != nil {
			return fmt.Errorf("registering pulse sink: %w", err)
		}
	}
	if _, err := bus.Register(events.SubscriberFunc(logEvent(ctx))); err != nil {
		return fmt.Errorf("registering log subscriber: %w", err)
	}

	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()
	tools := toolclient.New(idx, toolclient.WithLogger(logger), toolclient.WithTracer(tracer), toolclient.WithKillGrace(cfg.ToolKillGrace))
	agents := agentregistry.New()

	deps := executor.Deps{
		Store:     runStore,
		Artifacts: artifacts,
		Tools:     tools,
		Agents:    agents,
		Index:     idx,
		Logger:    logger,
		Tracer:    tracer,
		Events:    bus,
	}
	execCfg := executor.Config{
		Workers:         cfg.Workers,
		GlobalSemaphore: cfg.GlobalSemaphore,
		RetryBackoff:    cfg.RetryBackoff,
		InlineThreshold: cfg.InlineThreshold,
	}

	flowKind, rctx, suggested, err := router.Route(ctx, idx, router.Query{Text: queryText, FilePath: filePath})
	if err != nil {
		return fmt.Errorf("routing query: %w", err)
	}
	log.Print(ctx, log.KV{K: "flow", V: string(flowKind)})

	plan, err := planner.New(idx).Plan(flowKind, rctx, suggested)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	run, err := executeRun(ctx, cfg, deps, execCfg, plan)
	if err != nil {
		return fmt.Errorf("executing: %w", err)
	}

	nodeRuns, err := runStore.ListNodeRuns(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("listing node runs: %w", err)
	}
	return printResult(run, nodeRuns)
}

// executeRun dispatches through the in-process Executor or, when
// ORC_ENGINE=temporal, a durable TemporalEngine — both satisfy the same
// Execute(ctx, *planner.Plan) (*store.Run, error) contract.
func executeRun(ctx context.Context, cfg config.Config, deps executor.Deps, execCfg executor.Config, plan *planner.Plan) (*store.Run, error) {
	if cfg.Engine != config.EngineTemporal {
		return executor.New(deps, execCfg).Execute(ctx, plan)
	}

	clientOpts, err := executor.ClientOptionsWithTracing(tpclient.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		return nil, err
	}
	tc, err := tpclient.NewLazyClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to temporal: %w", err)
	}
	defer tc.Close()

	engine := executor.NewTemporalEngine(tc, cfg.TemporalTaskQueue, deps, execCfg)
	return engine.Execute(ctx, plan)
}

func newRunStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return redisstore.New(redisstore.Options{Client: rdb})
	case config.StoreMongo:
		client, err := mongoClient(cfg)
		if err != nil {
			return nil, err
		}
		return mongostore.New(ctx, mongostore.Options{Client: client, Database: cfg.MongoDatabase})
	default:
		return inmem.New(), nil
	}
}

func newArtifactStore(ctx context.Context, cfg config.Config) (artifact.Store, error) {
	fsStore := artifact.NewFSStore(cfg.ArtifactRoot)
	if cfg.ArtifactBackend != config.ArtifactMongo {
		return fsStore, nil
	}
	client, err := mongoClient(cfg)
	if err != nil {
		return nil, err
	}
	return mongocatalog.New(ctx, mongocatalog.Options{Inner: fsStore, Client: client, Database: cfg.MongoDatabase})
}

func mongoClient(cfg config.Config) (*mongo.Client, error) {
	return mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
}

func newPulseSink(cfg config.Config) (*pulsesink.Sink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.PulseRedisURL})
	pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		return nil, err
	}
	return pulsesink.NewSink(pulsesink.Options{Client: pc})
}

func logEvent(ctx context.Context) func(context.Context, events.Event) {
	return func(_ context.Context, evt events.Event) {
		log.Print(ctx, log.KV{K: "event", V: string(evt.Type())}, log.KV{K: "run_id", V: evt.RunID()})
	}
}

func printResult(run *store.Run, nodeRuns []store.NodeRun) error {
	out := struct {
		Run      *store.Run      `json:"run"`
		NodeRuns []store.NodeRun `json:"node_runs"`
	}{Run: run, NodeRuns: nodeRuns}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

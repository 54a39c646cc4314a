package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/antigravity-dev/orchestrator/internal/telemetry"
)

func TestNoopLogger(_ *testing.T) {
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()

	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Warn(ctx, "warn message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestNoopMetrics(_ *testing.T) {
	metrics := telemetry.NewNoopMetrics()

	metrics.IncCounter("node.dispatch", 1.0, "flow", "plot")
	metrics.RecordTimer("node.duration", 100*time.Millisecond, "flow", "plot")
	metrics.RecordGauge("run.active", 3.0, "flow", "plot")
}

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	tracer := telemetry.NewNoopTracer()

	newCtx, span := tracer.Start(ctx, "node.dispatch")
	require.Equal(t, ctx, newCtx)
	require.NotNil(t, span)

	span.AddEvent("dispatched", "node_id", "sql_query")
	span.SetStatus(codes.Ok, "completed")
	span.RecordError(errors.New("boom"))
	span.End()

	require.NotNil(t, tracer.Span(ctx))
}

func TestNoopImplementsInterfaces(_ *testing.T) {
	var _ telemetry.Logger = telemetry.NewNoopLogger()
	var _ telemetry.Metrics = telemetry.NewNoopMetrics()
	var _ telemetry.Tracer = telemetry.NewNoopTracer()
}

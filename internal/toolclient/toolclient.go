// Package toolclient implements the Tool Client: it launches a tool as a
// child process, exchanges a single newline-delimited JSON-RPC 2.0
// request/response over its stdin/stdout, and enforces per-tool timeout,
// circuit breaking, and rate limiting around that exchange.
//
// This is the one place this orchestrator's transport genuinely differs
// from a registry-gateway dispatch: tools here are not remote services
// reached over a network client, they are local binaries spawned per call.
package toolclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/antigravity-dev/orchestrator/internal/capindex"
	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
	"github.com/antigravity-dev/orchestrator/internal/telemetry"
	"github.com/antigravity-dev/orchestrator/internal/toolproto"
)

const (
	defaultKillGrace    = 500 * time.Millisecond
	defaultTimeout      = 30 * time.Second
	defaultRateLimit    = 10.0 // requests/sec per tool when unconfigured
	defaultRateBurst    = 10
	breakerMaxRequests  = 1
	breakerOpenInterval = 30 * time.Second
	breakerOpenTimeout  = 10 * time.Second
	breakerTripFailures = 5
)

// Client dispatches tool calls to subprocesses described by a
// Capability Index, one spawn per call.
type Client struct {
	index *capindex.Index

	logger telemetry.Logger
	tracer telemetry.Tracer

	killGrace time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[json.RawMessage]
	limiters map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the Client's logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(c *Client) { c.logger = l } }

// WithTracer sets the Client's tracer. Defaults to a no-op tracer.
func WithTracer(t telemetry.Tracer) Option { return func(c *Client) { c.tracer = t } }

// WithKillGrace overrides the grace period between SIGTERM and SIGKILL on
// timeout. Defaults to 500ms per spec.
func WithKillGrace(d time.Duration) Option { return func(c *Client) { c.killGrace = d } }

// New constructs a Client dispatching against the tools registered in idx.
func New(idx *capindex.Index, opts ...Option) *Client {
	c := &Client{
		index:     idx,
		logger:    telemetry.NewNoopLogger(),
		tracer:    telemetry.NewNoopTracer(),
		killGrace: defaultKillGrace,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[json.RawMessage]),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Call invokes method on toolName with params, blocking until the tool
// responds, the process fails to start, the call times out, or the
// request's context is cancelled. requestID is used as the JSON-RPC
// request id and for log/span correlation (typically the node id).
func (c *Client) Call(ctx context.Context, requestID, toolName, method string, params any) (json.RawMessage, error) {
	entry, ok := c.index.Lookup(toolName)
	if !ok {
		return nil, orcherrors.Errorf(orcherrors.CodeSpawnError, "tool %q not registered in capability index", toolName)
	}

	tracer := c.tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	ctx, span := tracer.Start(ctx, "toolclient.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolclient.tool", toolName),
			attribute.String("toolclient.method", method),
			attribute.String("toolclient.request_id", requestID),
		),
	)
	defer span.End()

	if err := c.limiterFor(toolName).Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limit wait cancelled")
		return nil, orcherrors.Wrap(orcherrors.CodeCancelled, "", err)
	}

	breaker := c.breakerFor(toolName)
	result, err := breaker.Execute(func() (json.RawMessage, error) {
		return c.dispatch(ctx, entry, requestID, method, params)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		c.logger.Error(ctx, "tool call failed",
			"component", "toolclient",
			"tool", toolName,
			"method", method,
			"request_id", requestID,
			"err", err,
		)
		return nil, classifyDispatchError(err)
	}
	span.SetStatus(codes.Ok, "ok")
	return result, nil
}

// dispatch runs the actual spawn/write/read cycle for one call, with no
// breaker or limiter involvement; Call wraps it with both.
func (c *Client) dispatch(ctx context.Context, entry *capindex.Entry, requestID, method string, params any) (json.RawMessage, error) {
	timeout := time.Duration(entry.DefaultTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, entry.BinaryPath)
	// On timeout, send SIGTERM rather than exec's default SIGKILL;
	// killGracefully escalates to SIGKILL after the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.Dir = entry.Cwd
	cmd.Env = envSlice(entry.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeSpawnError, "opening stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeSpawnError, "opening stdout", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeSpawnError, fmt.Sprintf("starting %s", entry.BinaryPath), err)
	}

	req := toolproto.NewRequest(requestID, method, params)
	line, err := json.Marshal(req)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, orcherrors.Wrap(orcherrors.CodeProtocolError, "encoding request", err)
	}
	line = append(line, '\n')

	writeErrCh := make(chan error, 1)
	go func() {
		_, werr := stdin.Write(line)
		_ = stdin.Close()
		writeErrCh <- werr
	}()

	type readResult struct {
		line []byte
		err  error
	}
	readCh := make(chan readResult, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		if scanner.Scan() {
			readCh <- readResult{line: scanner.Bytes()}
			return
		}
		readCh <- readResult{err: scanner.Err()}
	}()

	var respLine []byte
	select {
	case <-callCtx.Done():
		c.killGracefully(cmd)
		<-readCh
		return nil, orcherrors.Errorf(orcherrors.CodeTimeout, "tool %s did not respond within %s", entry.Name, timeout)
	case res := <-readCh:
		if res.err != nil {
			c.killGracefully(cmd)
			return nil, orcherrors.Wrap(orcherrors.CodeProtocolError, "reading tool response", res.err)
		}
		respLine = append([]byte(nil), res.line...)
	}

	waitErr := cmd.Wait()
	if werr := <-writeErrCh; werr != nil && waitErr == nil {
		// A write failure with a clean exit usually means the tool closed
		// stdin early after reading enough; not fatal on its own.
		c.logger.Warn(ctx, "tool stdin write error", "component", "toolclient", "tool", entry.Name, "err", werr)
	}
	if waitErr != nil && callCtx.Err() == nil {
		return nil, orcherrors.Errorf(orcherrors.CodeSpawnError, "tool %s exited: %v (stderr: %s)", entry.Name, waitErr, truncate(stderr.String(), 2048))
	}

	var resp toolproto.Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeProtocolError, fmt.Sprintf("invalid JSON-RPC response from %s", entry.Name), err)
	}
	if resp.ID != requestID {
		return nil, orcherrors.Errorf(orcherrors.CodeProtocolError, "tool %s returned mismatched response id %q for request %q", entry.Name, resp.ID, requestID)
	}
	if resp.Error != nil {
		method := lookupMethod(entry, method)
		retryable := method.RetryableCode(resp.Error.Code)
		return nil, orcherrors.Wrap(orcherrors.CodeToolError, resp.Error.Error(), resp.Error).WithRetryable(retryable)
	}
	return resp.Result, nil
}

// killGracefully sends SIGTERM, waits up to the configured grace period,
// then escalates to SIGKILL if the process has not exited.
func (c *Client) killGracefully(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.killGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (c *Client) breakerFor(toolName string) *gobreaker.CircuitBreaker[json.RawMessage] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[toolName]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        toolName,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerOpenInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info(context.Background(), "tool circuit breaker state change",
				"component", "toolclient", "tool", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[toolName] = b
	return b
}

func (c *Client) limiterFor(toolName string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[toolName]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateBurst)
	c.limiters[toolName] = l
	return l
}

// DiscoverManifest spawns toolName with --manifest and parses its
// self-reported method descriptors, for cross-checking against the
// Capability Index entry at startup.
func (c *Client) DiscoverManifest(ctx context.Context, toolName string) (*toolproto.Manifest, error) {
	entry, ok := c.index.Lookup(toolName)
	if !ok {
		return nil, orcherrors.Errorf(orcherrors.CodeSpawnError, "tool %q not registered in capability index", toolName)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, entry.BinaryPath, "--manifest")
	cmd.Dir = entry.Cwd
	cmd.Env = envSlice(entry.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeSpawnError, fmt.Sprintf("discovering manifest for %s: %s", toolName, truncate(stderr.String(), 2048)), err)
	}
	var manifest toolproto.Manifest
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &manifest); err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeProtocolError, fmt.Sprintf("invalid manifest from %s", toolName), err)
	}
	return &manifest, nil
}

func classifyDispatchError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*orcherrors.Error); ok {
		return err
	}
	// gobreaker.ErrOpenState / ErrTooManyRequests surface here when the
	// breaker rejects the call outright without invoking dispatch.
	return orcherrors.Wrap(orcherrors.CodeToolError, "circuit breaker rejected call", err).WithRetryable(true)
}

func lookupMethod(entry *capindex.Entry, method string) capindex.MethodSpec {
	for _, m := range entry.Methods {
		if m.Name == method {
			return m
		}
	}
	return capindex.MethodSpec{}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

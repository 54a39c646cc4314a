package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/antigravity-dev/orchestrator/internal/artifact"
	"github.com/antigravity-dev/orchestrator/internal/events"
	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
	"github.com/antigravity-dev/orchestrator/internal/planner"
	"github.com/antigravity-dev/orchestrator/internal/store"
)

var placeholderPattern = regexp.MustCompile(`^\$\{([^.}]+)(?:\.([^}]+))?\}$`)

// processNode runs the full per-node dispatch pipeline from spec.md §4.3:
// resolve placeholders, compute the idempotency key, check the cache,
// dispatch (with a single retry on a retryable error), and persist the
// terminal NodeRun. It always calls onNodeTerminal exactly once on return.
func (r *runState) processNode(ctx context.Context, nodeID string) {
	defer r.onNodeTerminal(nodeID)

	spec := r.nodes[nodeID].spec

	if ctx.Err() != nil {
		r.persistSkipped(ctx, nodeID)
		return
	}

	idemKey := r.computeIdempotencyKey(spec)
	r.setIdemKey(nodeID, idemKey)

	if cached, ok, err := r.exec.deps.Store.FindCached(ctx, idemKey); err == nil && ok {
		r.setOutput(nodeID, cached.Output)
		_ = r.exec.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
			RunID: r.runID, NodeID: nodeID, State: store.NodeCached,
			StartedAt: time.Now(), FinishedAt: time.Now(),
			IdempotencyKey: idemKey, Output: cached.Output,
		})
		r.publish(ctx, events.NewNodeFinished(r.runID, nodeID, store.NodeCached, idemKey, "", time.Now().UnixMilli()))
		return
	}

	resolvedArgs, err := r.resolveArgs(ctx, spec)
	if err != nil {
		r.failNode(ctx, spec, idemKey, 0, err)
		return
	}

	maxAttempts := spec.MaxRetries + 1
	attempts := 0
	var lastErr error
	for attempts < maxAttempts {
		if ctx.Err() != nil {
			r.persistSkipped(ctx, nodeID)
			return
		}
		attempts++
		_ = r.exec.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
			RunID: r.runID, NodeID: nodeID, State: store.NodeRunning,
			Attempts: attempts, StartedAt: time.Now(), IdempotencyKey: idemKey,
		})
		r.publish(ctx, events.NewNodeDispatched(r.runID, nodeID, attempts, time.Now().UnixMilli()))

		out, dispatchErr := r.dispatch(ctx, spec, resolvedArgs)
		if dispatchErr == nil {
			persisted, perr := r.persistOutput(ctx, spec, out)
			if perr != nil {
				lastErr = perr
				break
			}
			r.setOutput(nodeID, persisted)
			_ = r.exec.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
				RunID: r.runID, NodeID: nodeID, State: store.NodeSucceeded,
				Attempts: attempts, FinishedAt: time.Now(),
				IdempotencyKey: idemKey, Output: persisted,
			})
			r.publish(ctx, events.NewNodeFinished(r.runID, nodeID, store.NodeSucceeded, idemKey, "", time.Now().UnixMilli()))
			return
		}

		lastErr = dispatchErr
		if attempts < maxAttempts && orcherrors.IsRetryable(dispatchErr) {
			select {
			case <-time.After(r.exec.cfg.RetryBackoff):
			case <-ctx.Done():
			}
			continue
		}
		break
	}

	r.failNode(ctx, spec, idemKey, attempts, lastErr)
}

func (r *runState) failNode(ctx context.Context, spec planner.NodeSpec, idemKey string, attempts int, err error) {
	_ = r.exec.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
		RunID: r.runID, NodeID: spec.NodeID, State: store.NodeFailed,
		Attempts: attempts, FinishedAt: time.Now(),
		IdempotencyKey: idemKey, Error: err.Error(),
	})
	r.publish(ctx, events.NewNodeFinished(r.runID, spec.NodeID, store.NodeFailed, idemKey, err.Error(), time.Now().UnixMilli()))
	r.markFailed(fmt.Sprintf("node %q: %v", spec.NodeID, err))
}

func (r *runState) persistSkipped(ctx context.Context, nodeID string) {
	_ = r.exec.deps.Store.UpsertNodeRun(ctx, store.NodeRun{
		RunID: r.runID, NodeID: nodeID, State: store.NodeSkipped, FinishedAt: time.Now(),
	})
	r.publish(ctx, events.NewNodeFinished(r.runID, nodeID, store.NodeSkipped, "", "", time.Now().UnixMilli()))
}

// dispatch hands spec to the Tool Client or the Agent Registry. Tool
// dispatch is gated by the Executor's global semaphore, capping the total
// number of tool processes in flight across every run this Executor drives.
func (r *runState) dispatch(ctx context.Context, spec planner.NodeSpec, args map[string]any) (map[string]any, error) {
	if spec.Kind == planner.KindAgent {
		return r.exec.deps.Agents.Run(ctx, spec.Name, args)
	}

	select {
	case r.exec.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, orcherrors.Wrap(orcherrors.CodeCancelled, "waiting for dispatch slot", ctx.Err())
	}
	defer func() { <-r.exec.sem }()

	raw, err := r.exec.deps.Tools.Call(ctx, spec.NodeID, spec.Name, runMethod, args)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeProtocolError, "decoding tool result", err)
	}
	return out, nil
}

// persistOutput spills any output field whose encoded size exceeds the
// Executor's InlineThreshold to the Artifact Store, replacing it with its
// "artifact://{node_id}/{filename}" URI; everything else stays inline.
func (r *runState) persistOutput(ctx context.Context, spec planner.NodeSpec, out map[string]any) (map[string]any, error) {
	if r.exec.deps.Artifacts == nil || len(out) == 0 {
		return out, nil
	}
	result := make(map[string]any, len(out))
	for k, v := range out {
		enc, err := json.Marshal(v)
		if err != nil {
			result[k] = v
			continue
		}
		if len(enc) <= r.exec.cfg.InlineThreshold {
			result[k] = v
			continue
		}
		ref := artifact.Ref{RunID: r.runID, NodeID: spec.NodeID, Filename: k + ".json"}
		if err := r.exec.deps.Artifacts.Put(ctx, ref, "application/json", bytes.NewReader(enc)); err != nil {
			return nil, fmt.Errorf("spilling output field %q to artifact store: %w", k, err)
		}
		result[k] = ref.URI()
	}
	return result, nil
}

// resolveArgs resolves every placeholder and artifact reference in spec's
// declared Args against already-recorded upstream output. wants_inline on
// the tool's "run" method controls whether an artifact URI is replaced by
// its base64-encoded bytes or passed through unchanged for the tool to
// fetch itself.
func (r *runState) resolveArgs(ctx context.Context, spec planner.NodeSpec) (map[string]any, error) {
	wantsInline := r.wantsInline(spec)
	resolved := make(map[string]any, len(spec.Args))
	for k, v := range spec.Args {
		rv, err := r.resolveValue(ctx, v, wantsInline)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func (r *runState) wantsInline(spec planner.NodeSpec) bool {
	if spec.Kind != planner.KindTool || r.exec.deps.Index == nil {
		return false
	}
	entry, ok := r.exec.deps.Index.Lookup(spec.Name)
	if !ok {
		return false
	}
	for _, m := range entry.Methods {
		if m.Name == runMethod {
			return m.WantsInline
		}
	}
	return false
}

func (r *runState) resolveValue(ctx context.Context, v any, wantsInline bool) (any, error) {
	switch t := v.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(t); m != nil {
			nodeID, field := m[1], m[2]
			out, ok := r.getOutput(nodeID)
			if !ok {
				return nil, orcherrors.Errorf(orcherrors.CodeMissingArtifact, "node %q has no recorded output for placeholder %q", nodeID, t)
			}
			var val any = out
			if field != "" {
				fv, present := out[field]
				if !present {
					return nil, orcherrors.Errorf(orcherrors.CodeMissingArtifact, "node %q output has no field %q", nodeID, field)
				}
				val = fv
			}
			return r.maybeInline(ctx, val, wantsInline)
		}
		return r.maybeInline(ctx, t, wantsInline)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			rv, err := r.resolveValue(ctx, sub, wantsInline)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			rv, err := r.resolveValue(ctx, sub, wantsInline)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *runState) maybeInline(ctx context.Context, val any, wantsInline bool) (any, error) {
	s, ok := val.(string)
	if !ok || !wantsInline || r.exec.deps.Artifacts == nil || !strings.HasPrefix(s, "artifact://") {
		return val, nil
	}
	ref, err := artifact.ParseURI(r.runID, s)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.CodeMissingArtifact, "parsing artifact uri", err)
	}
	rc, _, err := r.exec.deps.Artifacts.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, orcherrors.Errorf(orcherrors.CodeMissingArtifact, "artifact %q not found", s)
		}
		return nil, fmt.Errorf("reading artifact %q: %w", s, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %q: %w", s, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// computeIdempotencyKey hashes (kind, name, protocolVersion, canonicalized
// args) per spec.md §3's idempotency invariant. Canonicalization replaces
// each upstream placeholder with the *upstream node's own idempotency key*
// rather than its resolved value, so the key stays stable across runs that
// reuse the same upstream logic even when the resolved bytes differ in
// ways that don't matter (a fresh artifact filename, a re-ordered map) and
// so a cache hit on an upstream node doesn't change its downstream's key.
func (r *runState) computeIdempotencyKey(spec planner.NodeSpec) string {
	canon := r.canonicalizeValue(spec.Args)
	payload := map[string]any{
		"kind":    string(spec.Kind),
		"name":    spec.Name,
		"version": protocolVersion,
		"args":    canon,
	}
	enc, _ := json.Marshal(payload) // map[string]any keys sort deterministically
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:])
}

func (r *runState) canonicalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(t); m != nil {
			nodeID, field := m[1], m[2]
			key, _ := r.getIdemKey(nodeID)
			if field == "" {
				return fmt.Sprintf("${%s}", key)
			}
			return fmt.Sprintf("${%s.%s}", key, field)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = r.canonicalizeValue(sub)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = r.canonicalizeValue(sub)
		}
		return out
	default:
		return v
	}
}

func (r *runState) getOutput(nodeID string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.nodes[nodeID]
	if !ok || !ns.done {
		return nil, false
	}
	return ns.output, ns.output != nil
}

func (r *runState) setOutput(nodeID string, out map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID].output = out
}

func (r *runState) getIdemKey(nodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.nodes[nodeID]
	if !ok {
		return "", false
	}
	return ns.idemKey, ns.idemKey != ""
}

func (r *runState) setIdemKey(nodeID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID].idemKey = key
}

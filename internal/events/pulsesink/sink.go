// Package pulsesink is an events.Subscriber that fans Run/NodeRun state
// transitions out over a Redis-backed Pulse stream, one stream per run, for
// a separately owned status-streaming endpoint to consume. The Executor
// publishes through the synchronous in-process events.Bus; this sink is an
// opt-in durable subscriber registered on that Bus.
package pulsesink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antigravity-dev/orchestrator/internal/events"
	"github.com/antigravity-dev/orchestrator/internal/events/pulseclient"
)

type (
	// Options configures the Sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulseclient.Client
		// StreamID derives the target Pulse stream name from an event.
		// Defaults to "run/<RunID>".
		StreamID func(events.Event) string
		// MarshalEnvelope overrides envelope serialization, primarily for
		// tests.
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Sink publishes events.Event values into Pulse streams.
	// Thread-safe for concurrent HandleEvent calls.
	Sink struct {
		client          pulseclient.Client
		streamID        func(events.Event) string
		marshalEnvelope func(Envelope) ([]byte, error)
	}

	// Envelope wraps an event for transmission over a Pulse stream.
	Envelope struct {
		Type      string `json:"type"`
		RunID     string `json:"run_id"`
		Timestamp int64  `json:"timestamp_ms"`
		Payload   any    `json:"payload"`
	}
)

// NewSink constructs a Pulse-backed event sink. opts.Client is required;
// StreamID and MarshalEnvelope default to the built-in implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulsesink: client is required")
	}
	s := &Sink{
		client:          opts.Client,
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		s.marshalEnvelope = opts.MarshalEnvelope
	}
	return s, nil
}

// HandleEvent implements events.Subscriber. A publish failure is dropped
// and never propagated back to the Executor — a broken status feed must
// never fail a run.
func (s *Sink) HandleEvent(ctx context.Context, event events.Event) {
	_ = s.send(ctx, event)
}

func (s *Sink) send(ctx context.Context, event events.Event) error {
	streamID := s.streamID(event)
	stream, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(event.Type()),
		RunID:     event.RunID(),
		Timestamp: event.Timestamp(),
		Payload:   event,
	}
	payload, err := s.marshalEnvelope(env)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, env.Type, payload)
	return err
}

func defaultStreamID(event events.Event) string {
	return fmt.Sprintf("run/%s", event.RunID())
}

func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

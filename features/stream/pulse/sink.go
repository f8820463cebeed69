// Package pulse publishes turn events to goa.design/pulse streams so
// processes other than the one serving the chat request can follow a turn:
// ops dashboards tail a session's command activity, and sibling service
// instances observe sessions they do not host. One Pulse stream per session;
// the SSE response remains the client-facing transport.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/docscout/features/stream/pulse/clients/pulse"
	"goa.design/docscout/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// session/<SessionID>.
		StreamID func(stream.Event) (string, error)
		// Marshal overrides the envelope serialization, primarily for tests.
		Marshal func(envelope) ([]byte, error)
	}

	// Sink publishes stream events into per-session Pulse streams. Safe for
	// concurrent Send calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
		marshal  func(envelope) ([]byte, error)
	}

	// envelope is the wire form of a fanned-out event. Unlike the SSE payload
	// it carries the sequence number and a publish timestamp: consumers that
	// aggregate several sessions need both to order and age entries.
	envelope struct {
		Type      string    `json:"type"`
		Content   string    `json:"content"`
		SessionID string    `json:"session_id"`
		Sequence  int       `json:"sequence"`
		Timestamp time.Time `json:"timestamp"`
	}
)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  defaultMarshal,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		s.marshal = opts.Marshal
	}
	return s, nil
}

// Send publishes the event to the session's Pulse stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type),
		Content:   event.Content,
		SessionID: event.SessionID,
		Sequence:  event.Sequence,
		Timestamp: time.Now().UTC(),
	}
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event stream.Event) (string, error) {
	if event.SessionID == "" {
		return "", errors.New("stream event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID), nil
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

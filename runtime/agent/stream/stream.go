// Package stream provides abstractions for delivering real-time turn updates
// to clients. Stream events are client-facing and transient: they narrate the
// agent's progress through a turn (status notes, reasoning, commands, results,
// the final answer) and are never persisted. The audit trail, not the stream,
// is the durable record of what ran.
//
// Events flow from the turn orchestrator through an optional profile filter
// into one or more sinks (SSE, Pulse fan-out). Sinks are responsible for
// marshaling events into their wire format.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed indicates a Send after the sink was closed.
var ErrSinkClosed = errors.New("sink closed")

type (
	// EventType enumerates stream payload flavors.
	EventType string

	// Event is a single client-facing update produced while processing a
	// turn. Events are immutable after construction and safe to send
	// concurrently.
	Event struct {
		// Type identifies the payload category.
		Type EventType `json:"type"`
		// Content is the human-readable event text.
		Content string `json:"content"`
		// SessionID identifies the session the event belongs to.
		SessionID string `json:"session_id"`
		// Sequence orders events within a turn. It is assigned before
		// profile filtering, so clients observe monotonically increasing
		// but not necessarily dense values. Not part of the wire payload.
		Sequence int `json:"-"`
	}

	// Sink delivers streaming updates to clients over a transport (SSE,
	// Pulse). Implementations must be thread-safe: the runtime may call Send
	// concurrently when several sessions share a sink.
	Sink interface {
		// Send publishes an event to the sink's underlying transport. Send
		// returns an error when delivery fails (connection closed,
		// serialization error, transport unavailable); the orchestrator
		// treats a failed Send as a lost client and aborts the turn.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent;
		// after it returns, subsequent Send calls must return errors. The
		// context bounds graceful shutdown.
		Close(ctx context.Context) error
	}

	// Profile describes which event types are delivered to a particular
	// audience. The orchestrator produces every event regardless; profiles
	// are applied at the stream boundary.
	Profile struct {
		// Progress controls status update emission.
		Progress bool
		// Thinking controls reasoning note emission.
		Thinking bool
		// Command controls emission of the commands the agent runs.
		Command bool
		// Result controls emission of command output.
		Result bool
		// Final controls answer emission.
		Final bool
		// Error controls turn failure emission.
		Error bool
		// Done controls terminal marker emission.
		Done bool
	}
)

const (
	// EventProgress streams a high-level status note while the agent works
	// ("Searching the document tree..."). Clients display these as activity
	// indicators and replace them as newer ones arrive.
	EventProgress EventType = "progress"

	// EventThinking streams the agent's intermediate reasoning. Like
	// progress, newer thinking supersedes older thinking within a turn.
	EventThinking EventType = "thinking"

	// EventCommand streams a command the agent is about to run. Emitted for
	// every attempt and withheld from non-debug audiences by the profile.
	EventCommand EventType = "command"

	// EventResult streams the outcome of a command attempt: captured output
	// for allowed commands, the rejection reason otherwise. Withheld from
	// non-debug audiences by the profile.
	EventResult EventType = "result"

	// EventFinal streams the agent's answer. Exactly one per successful
	// turn; it supersedes any buffered progress or thinking.
	EventFinal EventType = "final"

	// EventError streams a turn-ending failure in client-readable form.
	EventError EventType = "error"

	// EventDone marks the end of the turn's stream. Exactly one per turn,
	// always last.
	EventDone EventType = "done"
)

// UserProfile returns the profile for end-user chat views: progress,
// thinking, the final answer, and terminal markers. Command traffic stays
// server-side.
func UserProfile() Profile {
	return Profile{
		Progress: true,
		Thinking: true,
		Final:    true,
		Error:    true,
		Done:     true,
	}
}

// DebugProfile returns the verbose profile for operational views: every
// event type, including commands and their results.
func DebugProfile() Profile {
	return Profile{
		Progress: true,
		Thinking: true,
		Command:  true,
		Result:   true,
		Final:    true,
		Error:    true,
		Done:     true,
	}
}

// Allows reports whether the profile delivers events of the given type.
func (p Profile) Allows(t EventType) bool {
	switch t {
	case EventProgress:
		return p.Progress
	case EventThinking:
		return p.Thinking
	case EventCommand:
		return p.Command
	case EventResult:
		return p.Result
	case EventFinal:
		return p.Final
	case EventError:
		return p.Error
	case EventDone:
		return p.Done
	}
	return false
}

type (
	// filterSink drops events the profile disallows before forwarding to the
	// wrapped sink. Dropped events keep their sequence numbers, so clients
	// may observe gaps.
	filterSink struct {
		sink    Sink
		profile Profile
	}

	// multiSink tees events to several sinks in order, failing fast on the
	// first Send error.
	multiSink struct {
		sinks []Sink
	}
)

// NewFilterSink wraps sink so only event types allowed by the profile are
// delivered.
func NewFilterSink(sink Sink, profile Profile) Sink {
	return &filterSink{sink: sink, profile: profile}
}

// Send implements Sink.
func (f *filterSink) Send(ctx context.Context, event Event) error {
	if !f.profile.Allows(event.Type) {
		return nil
	}
	return f.sink.Send(ctx, event)
}

// Close implements Sink.
func (f *filterSink) Close(ctx context.Context) error {
	return f.sink.Close(ctx)
}

// NewMultiSink tees events to every given sink in order. Send stops at the
// first error so streaming failures surface immediately; Close closes every
// sink and returns the first error encountered.
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

// Send implements Sink.
func (m *multiSink) Send(ctx context.Context, event Event) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink.
func (m *multiSink) Close(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BufferSink collects events in memory. It backs tests and the synchronous
// fallback path when no streaming transport is attached.
type BufferSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewBufferSink returns an empty BufferSink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// Send implements Sink.
func (b *BufferSink) Send(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrSinkClosed
	}
	b.events = append(b.events, event)
	return nil
}

// Close implements Sink.
func (b *BufferSink) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Events returns a snapshot of the collected events.
func (b *BufferSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

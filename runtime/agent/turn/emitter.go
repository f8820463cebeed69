package turn

import (
	"context"

	"goa.design/docscout/runtime/agent/stream"
)

type (
	bufferedEvent struct {
		typ     stream.EventType
		content string
		order   int
	}

	// emitter shapes one turn's outgoing events. Progress and thinking are
	// transient narration: at most one of each is held back, with a newer
	// same-type event replacing the older, and both are flushed ahead of any
	// event that must reach the client in production order. Consecutive
	// duplicates are suppressed. Sequence numbers are assigned here, before
	// the profile filter, so withheld command traffic keeps its gap.
	emitter struct {
		sink      stream.Sink
		sessionID string

		order    int
		seq      int
		progress *bufferedEvent
		thinking *bufferedEvent

		lastType    stream.EventType
		lastContent string
		forwarded   bool
	}
)

func newEmitter(sink stream.Sink, sessionID string) *emitter {
	return &emitter{sink: sink, sessionID: sessionID}
}

// produce accepts one logical event in production order. Final and error
// discard buffered narration outright: the turn is resolving and a stale
// status line must not render after the answer.
func (e *emitter) produce(ctx context.Context, typ stream.EventType, content string) error {
	switch typ {
	case stream.EventProgress:
		e.order++
		e.progress = &bufferedEvent{typ: typ, content: content, order: e.order}
		return nil
	case stream.EventThinking:
		e.order++
		e.thinking = &bufferedEvent{typ: typ, content: content, order: e.order}
		return nil
	case stream.EventFinal, stream.EventError:
		e.progress, e.thinking = nil, nil
		return e.forward(ctx, typ, content)
	default:
		if err := e.flush(ctx); err != nil {
			return err
		}
		return e.forward(ctx, typ, content)
	}
}

// done terminates the stream, dropping any narration that never resolved
// into a final answer.
func (e *emitter) done(ctx context.Context) error {
	e.progress, e.thinking = nil, nil
	return e.forward(ctx, stream.EventDone, "")
}

// flush forwards buffered narration in the order its surviving content was
// produced.
func (e *emitter) flush(ctx context.Context) error {
	first, second := e.progress, e.thinking
	if first != nil && second != nil && first.order > second.order {
		first, second = second, first
	}
	e.progress, e.thinking = nil, nil
	for _, ev := range []*bufferedEvent{first, second} {
		if ev == nil {
			continue
		}
		if err := e.forward(ctx, ev.typ, ev.content); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) forward(ctx context.Context, typ stream.EventType, content string) error {
	if e.forwarded && typ == e.lastType && content == e.lastContent {
		return nil
	}
	e.seq++
	e.forwarded = true
	e.lastType, e.lastContent = typ, content
	return e.sink.Send(ctx, stream.Event{
		Type:      typ,
		Content:   content,
		SessionID: e.sessionID,
		Sequence:  e.seq,
	})
}

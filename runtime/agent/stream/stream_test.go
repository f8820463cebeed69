package stream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/docscout/runtime/agent/stream"
)

// failSink rejects every send so tests can observe fail-fast behavior.
type failSink struct {
	err   error
	calls int
}

func (f *failSink) Send(context.Context, stream.Event) error {
	f.calls++
	return f.err
}

func (f *failSink) Close(context.Context) error { return nil }

func allEvents() []stream.Event {
	types := []stream.EventType{
		stream.EventProgress,
		stream.EventThinking,
		stream.EventCommand,
		stream.EventResult,
		stream.EventFinal,
		stream.EventError,
		stream.EventDone,
	}
	events := make([]stream.Event, len(types))
	for i, t := range types {
		events[i] = stream.Event{
			Type:      t,
			Content:   string(t),
			SessionID: "sess-1",
			Sequence:  i + 1,
		}
	}
	return events
}

func TestUserProfileWithholdsCommandTraffic(t *testing.T) {
	t.Parallel()

	buf := stream.NewBufferSink()
	sink := stream.NewFilterSink(buf, stream.UserProfile())
	ctx := context.Background()

	for _, e := range allEvents() {
		require.NoError(t, sink.Send(ctx, e))
	}

	got := buf.Events()
	require.Len(t, got, 5)
	for _, e := range got {
		require.NotEqual(t, stream.EventCommand, e.Type)
		require.NotEqual(t, stream.EventResult, e.Type)
	}
}

func TestDebugProfileDeliversEverything(t *testing.T) {
	t.Parallel()

	buf := stream.NewBufferSink()
	sink := stream.NewFilterSink(buf, stream.DebugProfile())
	ctx := context.Background()

	for _, e := range allEvents() {
		require.NoError(t, sink.Send(ctx, e))
	}
	require.Len(t, buf.Events(), 7)
}

func TestFilterSinkPreservesSequenceGaps(t *testing.T) {
	t.Parallel()

	buf := stream.NewBufferSink()
	sink := stream.NewFilterSink(buf, stream.UserProfile())
	ctx := context.Background()

	for _, e := range allEvents() {
		require.NoError(t, sink.Send(ctx, e))
	}

	// command (3) and result (4) were dropped; survivors keep their
	// original sequence numbers.
	var seqs []int
	for _, e := range buf.Events() {
		seqs = append(seqs, e.Sequence)
	}
	require.Equal(t, []int{1, 2, 5, 6, 7}, seqs)
}

func TestProfileAllowsUnknownTypeIsFalse(t *testing.T) {
	t.Parallel()

	require.False(t, stream.DebugProfile().Allows(stream.EventType("bogus")))
}

func TestMultiSinkFansOut(t *testing.T) {
	t.Parallel()

	a := stream.NewBufferSink()
	b := stream.NewBufferSink()
	sink := stream.NewMultiSink(a, b)
	ctx := context.Background()

	e := stream.Event{Type: stream.EventProgress, Content: "working", SessionID: "sess-1"}
	require.NoError(t, sink.Send(ctx, e))

	require.Equal(t, []stream.Event{e}, a.Events())
	require.Equal(t, []stream.Event{e}, b.Events())
}

func TestMultiSinkStopsAtFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	first := &failSink{err: boom}
	second := stream.NewBufferSink()
	sink := stream.NewMultiSink(first, second)

	err := sink.Send(context.Background(), stream.Event{Type: stream.EventProgress})
	require.ErrorIs(t, err, boom)
	require.Empty(t, second.Events())
}

func TestMultiSinkClosesEverySink(t *testing.T) {
	t.Parallel()

	a := stream.NewBufferSink()
	b := stream.NewBufferSink()
	sink := stream.NewMultiSink(a, b)
	ctx := context.Background()

	require.NoError(t, sink.Close(ctx))
	require.ErrorIs(t, a.Send(ctx, stream.Event{}), stream.ErrSinkClosed)
	require.ErrorIs(t, b.Send(ctx, stream.Event{}), stream.ErrSinkClosed)
}

func TestBufferSinkRejectsSendAfterClose(t *testing.T) {
	t.Parallel()

	buf := stream.NewBufferSink()
	ctx := context.Background()
	require.NoError(t, buf.Send(ctx, stream.Event{Type: stream.EventProgress}))
	require.NoError(t, buf.Close(ctx))
	require.ErrorIs(t, buf.Send(ctx, stream.Event{Type: stream.EventDone}), stream.ErrSinkClosed)
	require.Len(t, buf.Events(), 1)
}

package audit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/docscout/runtime/agent/audit"
	"goa.design/docscout/runtime/agent/audit/inmem"
)

// captureLog implements telemetry.Logger and records error messages so tests
// can assert on fallback writes.
type captureLog struct {
	mu   sync.Mutex
	errs []string
}

func (c *captureLog) Debug(context.Context, string, ...any) {}
func (c *captureLog) Info(context.Context, string, ...any)  {}
func (c *captureLog) Warn(context.Context, string, ...any)  {}

func (c *captureLog) Error(_ context.Context, msg string, _ ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, msg)
}

func (c *captureLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

// failStore rejects every append.
type failStore struct{ err error }

func (f *failStore) Append(context.Context, *audit.Record) error { return f.err }

func (f *failStore) List(context.Context, string, string, int) (audit.Page, error) {
	return audit.Page{}, nil
}

// blockStore holds each append until released so tests can fill the queue
// deterministically.
type blockStore struct {
	inner   *inmem.Store
	started chan struct{}
	release chan struct{}
}

func (b *blockStore) Append(ctx context.Context, r *audit.Record) error {
	b.started <- struct{}{}
	<-b.release
	return b.inner.Append(ctx, r)
}

func (b *blockStore) List(ctx context.Context, sessionID, cursor string, limit int) (audit.Page, error) {
	return b.inner.List(ctx, sessionID, cursor, limit)
}

func attempt(command string) audit.Record {
	return audit.Record{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Command:   command,
		Allowed:   true,
	}
}

func TestLoggerPersistsRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := inmem.New()
	logger, err := audit.New(audit.Options{Store: store, Fallback: &captureLog{}})
	require.NoError(t, err)

	exit := 0
	logger.Log(ctx, audit.Record{
		SessionID:  "sess-1",
		TurnID:     "turn-1",
		Command:    "cat readme.md",
		Allowed:    true,
		ExitCode:   &exit,
		Duration:   12 * time.Millisecond,
		OutputSize: 64,
	})
	logger.Log(ctx, audit.Record{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Command:   "rm -rf docs",
		Allowed:   false,
		Reason:    "verb_not_allowed",
	})
	require.NoError(t, logger.Close(ctx))

	page, err := store.List(ctx, "sess-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	ran := page.Records[0]
	require.True(t, ran.Allowed)
	require.NotNil(t, ran.ExitCode)
	require.Equal(t, 0, *ran.ExitCode)
	require.Equal(t, 64, ran.OutputSize)
	require.False(t, ran.Timestamp.IsZero())

	rejected := page.Records[1]
	require.False(t, rejected.Allowed)
	require.Equal(t, "verb_not_allowed", rejected.Reason)
	require.Nil(t, rejected.ExitCode)
}

func TestLoggerTruncatesStoredCommand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := inmem.New()
	logger, err := audit.New(audit.Options{Store: store, Fallback: &captureLog{}})
	require.NoError(t, err)

	long := "grep pattern " + strings.Repeat("a", 400)
	logger.Log(ctx, audit.Record{SessionID: "sess-1", Command: long, Allowed: false, Reason: "too_long"})
	require.NoError(t, logger.Close(ctx))

	page, err := store.List(ctx, "sess-1", "", 1)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Len(t, page.Records[0].Command, audit.MaxStoredCommand)
	require.True(t, strings.HasPrefix(long, page.Records[0].Command))
}

func TestLoggerFallsBackOnStoreError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fallback := &captureLog{}
	logger, err := audit.New(audit.Options{
		Store:    &failStore{err: errors.New("backend down")},
		Fallback: fallback,
	})
	require.NoError(t, err)

	logger.Log(ctx, attempt("pwd"))
	require.NoError(t, logger.Close(ctx))
	require.Equal(t, 1, fallback.count())
}

func TestLoggerSpillsWhenQueueFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &blockStore{
		inner:   inmem.New(),
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	fallback := &captureLog{}
	logger, err := audit.New(audit.Options{Store: store, Fallback: fallback, QueueSize: 1})
	require.NoError(t, err)

	logger.Log(ctx, attempt("ls docs"))
	<-store.started // worker now holds the first record
	logger.Log(ctx, attempt("cat readme.md")) // fills the queue
	logger.Log(ctx, attempt("wc -l notes.md"))

	// The third record cannot queue and must spill synchronously.
	require.Equal(t, 1, fallback.count())

	close(store.release)
	require.NoError(t, logger.Close(ctx))

	// Every record landed exactly once: two persisted, one spilled.
	page, err := store.inner.List(ctx, "sess-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
}

func TestLoggerSpillsAfterClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := inmem.New()
	fallback := &captureLog{}
	logger, err := audit.New(audit.Options{Store: store, Fallback: fallback})
	require.NoError(t, err)
	require.NoError(t, logger.Close(ctx))

	logger.Log(ctx, attempt("pwd"))
	require.Equal(t, 1, fallback.count())

	page, err := store.List(ctx, "sess-1", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Records)
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := audit.New(audit.Options{})
	require.Error(t, err)
}

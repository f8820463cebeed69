// Package audit records every command attempt an agent session makes.
//
// The audit trail is the canonical security record for a session: exactly one
// record per proposed command, whether or not the command was allowed to run.
// Stores surface write failures so durable backends can be monitored; the
// Logger layers fire-and-forget submission on top so a slow or failing audit
// backend never blocks or fails a turn.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/docscout/runtime/agent/telemetry"
)

type (
	// Record is a single immutable audit entry describing one command attempt.
	//
	// Store implementations assign the ID when persisting the record. IDs are
	// opaque, monotonically ordered within a session, and suitable for
	// cursor-based pagination.
	Record struct {
		// ID is the store-assigned opaque identifier for this record.
		ID string
		// SessionID identifies the session that attempted the command.
		SessionID string
		// TurnID identifies the conversational turn within the session.
		TurnID string
		// Command is the attempted command text, truncated to MaxStoredCommand
		// for storage.
		Command string
		// Allowed reports whether validation passed and the command ran.
		Allowed bool
		// Reason is the rejection reason code. Empty when Allowed.
		Reason string
		// ExitCode is the process exit status. Nil when the command never ran.
		ExitCode *int
		// Duration is the wall-clock execution time. Zero when the command
		// never ran.
		Duration time.Duration
		// OutputSize is the total captured output in bytes across stdout and
		// stderr, after truncation.
		OutputSize int
		// Timestamp is the attempt time.
		Timestamp time.Time
	}

	// Page is a forward page of audit records.
	Page struct {
		// Records are ordered oldest-first.
		Records []*Record
		// NextCursor is the cursor to use to fetch the next page.
		// It is empty when there are no further records.
		NextCursor string
	}

	// Store is an append-only record store for session audit trails.
	//
	// Implementations must provide stable ordering within a session. Cursor
	// values are store-owned and opaque to callers. Append surfaces failures
	// so callers that need durability can fail fast; the Logger absorbs them.
	Store interface {
		// Append stores the record in the audit trail. Store implementations
		// assign the record ID.
		Append(ctx context.Context, r *Record) error

		// List returns the next forward page of records for the given session
		// ID. Cursor is an opaque value returned by a previous call to List
		// (or empty to start from the beginning). Limit must be greater than
		// zero.
		List(ctx context.Context, sessionID string, cursor string, limit int) (Page, error)
	}

	// Options configures a Logger.
	Options struct {
		// Store receives the audit records. Required.
		Store Store
		// Fallback is the local structured log used when a record cannot be
		// persisted. Defaults to the Clue-backed logger.
		Fallback telemetry.Logger
		// QueueSize bounds the number of records awaiting persistence.
		// Defaults to 256.
		QueueSize int
		// WriteTimeout bounds each store write. Defaults to 5s.
		WriteTimeout time.Duration
	}

	// Logger submits audit records for asynchronous persistence. Submission
	// never blocks and never returns an error: records the store cannot take,
	// because the queue is full, the write fails, or the logger is closed,
	// are written to the fallback log instead so no attempt goes unrecorded.
	Logger struct {
		store    Store
		fallback telemetry.Logger
		timeout  time.Duration

		mu     sync.RWMutex
		closed bool
		queue  chan Record

		closeOnce sync.Once
		done      chan struct{}
	}
)

// MaxStoredCommand bounds the command text persisted per record. Longer
// commands are truncated before storage.
const MaxStoredCommand = 200

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// New constructs a Logger and starts its persistence worker. Callers should
// Close the logger on shutdown to drain queued records.
func New(opts Options) (*Logger, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fallback == nil {
		opts.Fallback = telemetry.NewClueLogger()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	l := &Logger{
		store:    opts.Store,
		fallback: opts.Fallback,
		timeout:  opts.WriteTimeout,
		queue:    make(chan Record, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go l.drain()
	return l, nil
}

// Log submits the record for persistence and returns immediately. The
// command text is truncated to MaxStoredCommand and a zero timestamp is
// filled with the current time. When the queue is full or the logger is
// closed the record goes to the fallback log.
func (l *Logger) Log(ctx context.Context, r Record) {
	if len(r.Command) > MaxStoredCommand {
		r.Command = r.Command[:MaxStoredCommand]
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.spill(ctx, &r, errors.New("audit logger is closed"))
		return
	}
	select {
	case l.queue <- r:
	default:
		l.spill(ctx, &r, errors.New("audit queue is full"))
	}
}

// Close stops the persistence worker after draining queued records. Records
// submitted after Close go to the fallback log. Close returns early with the
// context error if ctx expires before the drain completes.
func (l *Logger) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain persists queued records until the queue closes.
func (l *Logger) drain() {
	defer close(l.done)
	for r := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		err := l.store.Append(ctx, &r)
		cancel()
		if err != nil {
			l.spill(context.Background(), &r, err)
		}
	}
}

// spill writes the record to the fallback log so the attempt stays recorded
// even when the store cannot take it.
func (l *Logger) spill(ctx context.Context, r *Record, err error) {
	l.fallback.Error(ctx, "audit write failed",
		"session_id", r.SessionID,
		"turn_id", r.TurnID,
		"command", r.Command,
		"allowed", r.Allowed,
		"reason", r.Reason,
		"error", err.Error(),
	)
}

// Package session owns conversational session lifecycle and history.
//
// A Session is the first-class container for a conversation with the
// document agent: an append-only list of turns plus lifecycle state.
// Sessions start active, turn idle after IdleTimeout without activity, and
// expire when reclaimed; expired sessions are terminal and reject further
// turns. The Manager layers the single-turn admission guard on top of a
// Store so at most one turn is in flight per session.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Status represents the lifecycle state of a session.
	Status string

	// Role identifies the author of a turn.
	Role string

	// Session captures session lifecycle state and conversation history.
	//
	// Contract:
	// - Session IDs are stable: caller-provided or generated at first turn.
	// - History is append-only and ordered; turns never mutate once appended.
	// - Expired sessions are terminal: new turns must not start under one.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// Status is the current session lifecycle state.
		Status Status
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// LastActiveAt records the most recent turn activity.
		LastActiveAt time.Time
		// Turns is the ordered conversation history.
		Turns []Turn
	}

	// Turn is one conversational exchange entry: a user message or an agent
	// reply together with the command attempts the reply required.
	Turn struct {
		// ID identifies the turn within the session.
		ID string
		// Role identifies the author.
		Role Role
		// Content is the message text.
		Content string
		// Attempts lists the commands proposed while producing this turn.
		// Empty for user turns.
		Attempts []CommandAttempt
		// StartedAt records when turn processing began.
		StartedAt time.Time
		// EndedAt records when turn processing finished.
		EndedAt time.Time
	}

	// CommandAttempt records one proposed command and its outcome.
	CommandAttempt struct {
		// Raw is the command text as proposed.
		Raw string
		// Tokens is the validated argument vector. Empty when rejected.
		Tokens []string
		// Allowed reports whether validation passed.
		Allowed bool
		// Reason is the rejection reason code. Empty when Allowed.
		Reason string
		// Result is the execution outcome. Nil unless Allowed.
		Result *ExecutionResult
		// At records when the attempt was made.
		At time.Time
		// Duration covers validation plus execution.
		Duration time.Duration
	}

	// ExecutionResult is the captured outcome of a sandboxed command. Output
	// is stored display-truncated; the full capture is transient to the turn.
	ExecutionResult struct {
		// Stdout is the captured standard output.
		Stdout string
		// Stderr is the captured standard error.
		Stderr string
		// ExitCode is the process exit status.
		ExitCode int
		// Duration is the wall-clock execution time.
		Duration time.Duration
		// Truncated reports whether either stream hit its byte cap.
		Truncated bool
	}

	// Store persists session state and history.
	//
	// Store implementations must be durable: failures are surfaced to callers
	// so turns can fail fast when session state is unavailable.
	Store interface {
		// GetOrCreate returns the session, creating an active one when absent.
		//
		// Contract:
		// - Idempotent: concurrent first use converges on a single session.
		// - Returns ErrSessionExpired when the session exists but is expired.
		GetOrCreate(ctx context.Context, sessionID string, now time.Time) (Session, error)

		// Load loads an existing session.
		// Returns ErrSessionNotFound when the session does not exist.
		Load(ctx context.Context, sessionID string) (Session, error)

		// AppendTurn appends the turn to the session history and advances
		// LastActiveAt to the turn's end time (start time when unset).
		// Returns ErrSessionExpired when the session is expired.
		AppendTurn(ctx context.Context, sessionID string, turn Turn) error

		// Touch marks activity at the given time, reviving an idle session to
		// active. Returns ErrSessionExpired when the session is expired.
		Touch(ctx context.Context, sessionID string, now time.Time) error

		// ExpireIdle transitions sessions whose last activity predates
		// idleBefore to idle and those predating expireBefore to expired,
		// returning how many sessions changed state in each direction.
		ExpireIdle(ctx context.Context, idleBefore, expireBefore time.Time) (idled, expired int, err error)
	}
)

const (
	// StatusActive indicates the session is open for new turns.
	StatusActive Status = "active"
	// StatusIdle indicates the session passed IdleTimeout without activity.
	// Activity revives it to active.
	StatusIdle Status = "idle"
	// StatusExpired indicates the session is terminal and must not accept
	// new turns.
	StatusExpired Status = "expired"

	// RoleUser marks a turn authored by the end user.
	RoleUser Role = "user"
	// RoleAgent marks a turn authored by the agent.
	RoleAgent Role = "agent"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired indicates a session exists but is expired.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionBusy indicates a turn is already in flight for the session.
	ErrSessionBusy = errors.New("session busy")
)

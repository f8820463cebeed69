// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/docscout/runtime/agent/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// GetOrCreate implements session.Store.
func (s *Store) GetOrCreate(_ context.Context, sessionID string, now time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if now.IsZero() {
		return session.Session{}, errors.New("now is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if ok {
		if existing.Status == session.StatusExpired {
			return session.Session{}, session.ErrSessionExpired
		}
		return cloneSession(existing), nil
	}

	out := session.Session{
		ID:           sessionID,
		Status:       session.StatusActive,
		CreatedAt:    now.UTC(),
		LastActiveAt: now.UTC(),
	}
	s.sessions[sessionID] = out
	return cloneSession(out), nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(existing), nil
}

// AppendTurn implements session.Store.
func (s *Store) AppendTurn(_ context.Context, sessionID string, turn session.Turn) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if turn.ID == "" {
		return errors.New("turn id is required")
	}
	if turn.Role == "" {
		return errors.New("turn role is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if existing.Status == session.StatusExpired {
		return session.ErrSessionExpired
	}

	at := turn.EndedAt
	if at.IsZero() {
		at = turn.StartedAt
	}
	if !at.IsZero() && at.After(existing.LastActiveAt) {
		existing.LastActiveAt = at.UTC()
	}
	existing.Status = session.StatusActive
	existing.Turns = append(existing.Turns, cloneTurn(turn))
	s.sessions[sessionID] = existing
	return nil
}

// Touch implements session.Store.
func (s *Store) Touch(_ context.Context, sessionID string, now time.Time) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if now.IsZero() {
		return errors.New("now is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if existing.Status == session.StatusExpired {
		return session.ErrSessionExpired
	}
	if now.UTC().After(existing.LastActiveAt) {
		existing.LastActiveAt = now.UTC()
	}
	existing.Status = session.StatusActive
	s.sessions[sessionID] = existing
	return nil
}

// ExpireIdle implements session.Store.
func (s *Store) ExpireIdle(_ context.Context, idleBefore, expireBefore time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idled, expired int
	for id, sess := range s.sessions {
		switch {
		case sess.Status == session.StatusExpired:
			continue
		case sess.LastActiveAt.Before(expireBefore):
			sess.Status = session.StatusExpired
			expired++
		case sess.Status == session.StatusActive && sess.LastActiveAt.Before(idleBefore):
			sess.Status = session.StatusIdle
			idled++
		default:
			continue
		}
		s.sessions[id] = sess
	}
	return idled, expired, nil
}

func cloneSession(in session.Session) session.Session {
	out := in
	if len(in.Turns) > 0 {
		out.Turns = make([]session.Turn, len(in.Turns))
		for i, t := range in.Turns {
			out.Turns[i] = cloneTurn(t)
		}
	}
	return out
}

func cloneTurn(in session.Turn) session.Turn {
	out := in
	if len(in.Attempts) > 0 {
		out.Attempts = make([]session.CommandAttempt, len(in.Attempts))
		for i, a := range in.Attempts {
			out.Attempts[i] = cloneAttempt(a)
		}
	}
	return out
}

func cloneAttempt(in session.CommandAttempt) session.CommandAttempt {
	out := in
	if len(in.Tokens) > 0 {
		out.Tokens = append([]string(nil), in.Tokens...)
	}
	if in.Result != nil {
		r := *in.Result
		out.Result = &r
	}
	return out
}

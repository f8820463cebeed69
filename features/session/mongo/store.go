package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/docscout/features/session/mongo/clients/mongo"
	"goa.design/docscout/runtime/agent/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// GetOrCreate returns the session, creating an active one when absent.
func (s *Store) GetOrCreate(ctx context.Context, sessionID string, now time.Time) (session.Session, error) {
	return s.client.GetOrCreateSession(ctx, sessionID, now)
}

// Load retrieves session state and history from storage.
func (s *Store) Load(ctx context.Context, sessionID string) (session.Session, error) {
	return s.client.LoadSession(ctx, sessionID)
}

// AppendTurn appends a completed turn to the session history.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	return s.client.AppendTurn(ctx, sessionID, turn)
}

// Touch records activity on the session at the given time.
func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) error {
	return s.client.TouchSession(ctx, sessionID, now)
}

// ExpireIdle sweeps sessions whose last activity predates the cutoffs.
func (s *Store) ExpireIdle(ctx context.Context, idleBefore, expireBefore time.Time) (idled, expired int, err error) {
	return s.client.ExpireIdleSessions(ctx, idleBefore, expireBefore)
}

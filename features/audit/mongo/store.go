package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/docscout/features/audit/mongo/clients/mongo"
	"goa.design/docscout/runtime/agent/audit"
)

// Store implements audit.Store by delegating to the Mongo client.
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

// Append stores the record in the audit trail.
func (s *Store) Append(ctx context.Context, r *audit.Record) error {
	return s.client.AppendRecord(ctx, r)
}

// List returns the next forward page of records for the session.
func (s *Store) List(ctx context.Context, sessionID string, cursor string, limit int) (audit.Page, error) {
	return s.client.ListRecords(ctx, sessionID, cursor, limit)
}

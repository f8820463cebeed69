// Package inmem provides an in-memory implementation of audit.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/docscout/runtime/agent/audit"
)

type (
	// Store implements audit.Store in memory.
	Store struct {
		mu sync.Mutex
		// per-session monotonically increasing sequence.
		nextSeq map[string]int64
		// per-session ordered records.
		records map[string][]*audit.Record
	}
)

// New returns a new in-memory audit store.
func New() *Store {
	return &Store{
		nextSeq: make(map[string]int64),
		records: make(map[string][]*audit.Record),
	}
}

// Append implements audit.Store.
func (s *Store) Append(_ context.Context, r *audit.Record) error {
	if r == nil {
		return fmt.Errorf("record is required")
	}
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[r.SessionID] + 1
	s.nextSeq[r.SessionID] = seq

	r.ID = strconv.FormatInt(seq, 10)
	rec := *r
	s.records[r.SessionID] = append(s.records[r.SessionID], &rec)
	return nil
}

// List implements audit.Store.
func (s *Store) List(_ context.Context, sessionID string, cursor string, limit int) (audit.Page, error) {
	if sessionID == "" {
		return audit.Page{}, fmt.Errorf("session_id is required")
	}
	if limit <= 0 {
		return audit.Page{}, fmt.Errorf("limit must be > 0")
	}

	var after int64
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return audit.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[sessionID]
	if len(all) == 0 {
		return audit.Page{}, nil
	}

	start := 0
	if after > 0 {
		// IDs are 1-based sequence numbers, so start at index == after.
		start = int(after)
		if start >= len(all) {
			return audit.Page{}, nil
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	records := append([]*audit.Record(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = records[len(records)-1].ID
	}

	return audit.Page{
		Records:    records,
		NextCursor: next,
	}, nil
}

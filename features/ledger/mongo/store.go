// Package mongo provides a MongoDB-backed ledger.Store.
//
// Use clients/mongo to build the low-level client and pass it to NewStore.
// Events live in a single collection with a unique (job_id, seq) index, so
// several jobstream processes may append to the same job safely.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/jobstream/features/ledger/mongo/clients/mongo"
	"goa.design/jobstream/runtime/ledger"
)

// Store implements ledger.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed ledger store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements ledger.Store.
func (s *Store) Append(ctx context.Context, e *ledger.Event) error {
	return s.client.Append(ctx, e)
}

// ListSince implements ledger.Store.
func (s *Store) ListSince(ctx context.Context, jobID string, afterSeq int64) ([]*ledger.Event, error) {
	return s.client.ListSince(ctx, jobID, afterSeq)
}

// Package mongo provides a MongoDB-backed job.Store.
package mongo

import (
	"context"
	"errors"

	mongoc "goa.design/jobstream/features/job/mongo/clients/mongo"
	"goa.design/jobstream/runtime/job"
)

// Store implements job.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, j job.Job) error {
	return s.client.CreateJob(ctx, j)
}

// Load retrieves a job record.
func (s *Store) Load(ctx context.Context, id string) (job.Job, error) {
	return s.client.LoadJob(ctx, id)
}

// Update applies a partial update to a job record.
func (s *Store) Update(ctx context.Context, id string, u job.Update) (job.Job, error) {
	return s.client.UpdateJob(ctx, id, u)
}

// Package inmem provides an in-memory job.Store for tests, the demo command
// and single-process deployments. Records do not survive restarts.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/jobstream/runtime/job"
)

// Store implements job.Store in memory. All operations are safe for
// concurrent use.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
	now  func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]job.Job), now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts j. Zero timestamps default to now and an empty status
// defaults to queued.
func (s *Store) Create(_ context.Context, j job.Job) error {
	if j.ID == "" {
		return fmt.Errorf("create job: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("create job %q: %w", j.ID, job.ErrExists)
	}
	now := s.now()
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	if !j.Status.Valid() {
		return fmt.Errorf("create job %q: %w: %q", j.ID, job.ErrInvalidStatus, j.Status)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	s.jobs[j.ID] = j
	return nil
}

// Load returns the job or job.ErrNotFound.
func (s *Store) Load(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("load job %q: %w", id, job.ErrNotFound)
	}
	return j, nil
}

// Update applies u atomically with respect to other updates of the same store.
func (s *Store) Update(_ context.Context, id string, u job.Update) (job.Job, error) {
	if err := u.Validate(); err != nil {
		return job.Job{}, fmt.Errorf("update job %q: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("update job %q: %w", id, job.ErrNotFound)
	}
	j = u.Apply(j, s.now())
	s.jobs[id] = j
	return j, nil
}

// Reset removes all jobs.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]job.Job)
}

// Package job defines the job record boundary consumed by the control-signal
// injector and the ledger. The job store is owned by the system that schedules
// agent work; this package only describes the reads and status transitions the
// streaming core needs.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Status is the lifecycle state of a job.
	Status string

	// Job is the externally tracked unit of agent work.
	Job struct {
		// ID uniquely identifies the job.
		ID string `json:"id"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// RepoPath is the working tree the agent operates on. Optional.
		RepoPath string `json:"repo_path,omitempty"`
		// CreatedAt records when the job was created.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last status transition.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Update carries the partial fields applied by Store.Update. Nil fields are
	// left untouched.
	Update struct {
		Status   *Status
		RepoPath *string
	}

	// Store persists job records. Implementations must be safe for concurrent
	// use.
	Store interface {
		// Create inserts a new job. Creating an existing ID returns ErrExists.
		Create(ctx context.Context, j Job) error
		// Load returns the job with the given ID or ErrNotFound.
		Load(ctx context.Context, id string) (Job, error)
		// Update applies u to the job and returns the updated record, or
		// ErrNotFound when the job does not exist.
		Update(ctx context.Context, id string, u Update) (Job, error)
	}
)

const (
	// StatusQueued indicates the job is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusRunning indicates a worker is executing the job.
	StatusRunning Status = "running"
	// StatusCancelling indicates cancellation was requested but not confirmed.
	StatusCancelling Status = "cancelling"
	// StatusSucceeded indicates the job completed or was approved.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the job terminated with an error.
	StatusFailed Status = "failed"
)

var (
	// ErrNotFound indicates the job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrExists indicates a job with the same ID was already created.
	ErrExists = errors.New("job already exists")
	// ErrInvalidStatus indicates a create or update with an unknown status.
	ErrInvalidStatus = errors.New("invalid job status")
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCancelling, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Validate returns ErrInvalidStatus when u sets an unknown status.
func (u Update) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
	}
	return nil
}

// SetStatus returns an Update that only changes the status.
func SetStatus(s Status) Update {
	return Update{Status: &s}
}

// Apply returns j with the non-nil fields of u applied and UpdatedAt set to now.
func (u Update) Apply(j Job, now time.Time) Job {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.RepoPath != nil {
		j.RepoPath = *u.RepoPath
	}
	j.UpdatedAt = now
	return j
}

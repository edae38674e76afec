// Package sqlite provides SQLite-backed ledger and job stores for single-node
// deployments. Both share one database file opened in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"goa.design/jobstream/runtime/job"
	"goa.design/jobstream/runtime/ledger"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - jobs and events tables
const currentSchemaVersion = 1

type (
	// Store implements ledger.Store on SQLite.
	Store struct {
		db *sql.DB
	}

	// JobStore implements job.Store on the same database.
	JobStore struct {
		db  *sql.DB
		now func() time.Time
	}
)

// Open creates or opens the database at path and applies pragmas and schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "ledger-sqlite" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Jobs returns a job store sharing the ledger database.
func (s *Store) Jobs() *JobStore {
	return &JobStore{db: s.db, now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }}
}

// Append implements ledger.Store. The sequence number is computed and the row
// inserted in one transaction.
func (s *Store) Append(ctx context.Context, e *ledger.Event) (err error) {
	if e == nil {
		return errors.New("event is required")
	}
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE job_id = ?`, e.JobID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("append event: next seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(id, job_id, seq, kind, stage, tool_name, summary, params, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.JobID, seq, string(e.Kind), e.Stage, e.ToolName, e.Summary,
		nullBytes(e.Params), nullBytes(e.Result), e.CreatedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("append event: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event: commit: %w", err)
	}
	e.Seq = seq
	return nil
}

// ListSince implements ledger.Store.
func (s *Store) ListSince(ctx context.Context, jobID string, afterSeq int64) (events []*ledger.Event, err error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, seq, kind, stage, tool_name, summary, params, result, created_at
		FROM events
		WHERE job_id = ? AND seq > ?
		ORDER BY seq ASC
	`, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for rows.Next() {
		var (
			e       ledger.Event
			kind    string
			params  []byte
			result  []byte
			created int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &kind, &e.Stage, &e.ToolName, &e.Summary, &params, &result, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = ledger.Kind(kind)
		if len(params) > 0 {
			e.Params = params
		}
		if len(result) > 0 {
			e.Result = result
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Create implements job.Store.
func (s *JobStore) Create(ctx context.Context, j job.Job) error {
	if j.ID == "" {
		return errors.New("job id is required")
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, repo_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, j.ID, string(j.Status), j.RepoPath, j.CreatedAt.UTC().UnixMilli(), j.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("create job %q: %w", j.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("create job %q: %w", j.ID, job.ErrExists)
	}
	return nil
}

// Load implements job.Store.
func (s *JobStore) Load(ctx context.Context, id string) (job.Job, error) {
	return s.load(ctx, s.db, id)
}

// Update implements job.Store.
func (s *JobStore) Update(ctx context.Context, id string, u job.Update) (j job.Job, err error) {
	if err := u.Validate(); err != nil {
		return job.Job{}, fmt.Errorf("update job %q: %w", id, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Job{}, fmt.Errorf("update job %q: begin: %w", id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	j, err = s.load(ctx, tx, id)
	if err != nil {
		return job.Job{}, err
	}
	j = u.Apply(j, s.now())
	if _, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, repo_path = ?, updated_at = ? WHERE id = ?`,
		string(j.Status), j.RepoPath, j.UpdatedAt.UnixMilli(), id,
	); err != nil {
		return job.Job{}, fmt.Errorf("update job %q: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return job.Job{}, fmt.Errorf("update job %q: commit: %w", id, err)
	}
	return j, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *JobStore) load(ctx context.Context, q queryer, id string) (job.Job, error) {
	var (
		j                job.Job
		status           string
		created, updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, status, repo_path, created_at, updated_at FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &status, &j.RepoPath, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, fmt.Errorf("load job %q: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("load job %q: %w", id, err)
	}
	j.Status = job.Status(status)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return j, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

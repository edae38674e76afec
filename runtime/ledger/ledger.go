// Package ledger provides the durable, append-only, per-job ordered event log
// that is the single source of truth for what happened during a job.
//
// The Ledger facade assigns event identity, serializes appends per job so
// sequence numbers stay gapless, and hands every stored event to a Publisher
// (the live bus) before releasing the job's lock. Observers therefore see live
// events in exactly ledger order. Backends implement Store.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/jobstream/runtime/job"
	"goa.design/jobstream/runtime/telemetry"
)

type (
	// Kind classifies an event.
	Kind string

	// Event is an immutable record appended to a job's ledger.
	Event struct {
		// ID is the globally unique event identifier.
		ID string `json:"id"`
		// JobID identifies the job the event belongs to.
		JobID string `json:"job_id"`
		// Seq is the 1-based, gapless position of the event within its job.
		Seq int64 `json:"seq"`
		// Kind classifies the event.
		Kind Kind `json:"kind"`
		// Stage is the optional pipeline stage tag (coordinator, planner, ...).
		Stage string `json:"agent_type,omitempty"`
		// ToolName names the tool that produced the event, if any.
		ToolName string `json:"tool_name,omitempty"`
		// Summary is a human readable description.
		Summary string `json:"summary,omitempty"`
		// Params is the opaque tool input payload.
		Params json.RawMessage `json:"params,omitempty"`
		// Result is the opaque tool output payload.
		Result json.RawMessage `json:"result,omitempty"`
		// CreatedAt is the UTC append time.
		CreatedAt time.Time `json:"created_at"`
	}

	// Draft is the worker-supplied part of an event. The ledger fills in the
	// identity, sequence and timestamp.
	Draft struct {
		Kind     Kind            `json:"kind,omitempty"`
		Stage    string          `json:"agent_type,omitempty"`
		ToolName string          `json:"tool_name,omitempty"`
		Summary  string          `json:"summary,omitempty"`
		Params   json.RawMessage `json:"params,omitempty"`
		Result   json.RawMessage `json:"result,omitempty"`
	}

	// Reader lists stored events.
	Reader interface {
		// ListSince returns the events of jobID with Seq > afterSeq in
		// increasing Seq order. afterSeq <= 0 returns the full history.
		ListSince(ctx context.Context, jobID string, afterSeq int64) ([]*Event, error)
	}

	// Store is implemented by ledger backends.
	//
	// Append must assign e.Seq as the next sequence number for e.JobID and
	// persist e durably before returning. The Ledger serializes calls to Append
	// for a given job within one process; backends shared across processes
	// must additionally make sequence assignment atomic.
	Store interface {
		Reader
		Append(ctx context.Context, e *Event) error
	}

	// Publisher receives every event after it is stored. Publish must not
	// block on slow consumers.
	Publisher interface {
		Publish(jobID string, e *Event)
	}

	// Jobs is the subset of job.Store the ledger needs to validate appends.
	Jobs interface {
		Load(ctx context.Context, id string) (job.Job, error)
	}

	// Ledger is the append/list facade over a Store.
	Ledger struct {
		store   Store
		jobs    Jobs
		pub     Publisher
		now     func() time.Time
		newID   func() string
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		mu      sync.Mutex
		locks   map[string]*jobLock
	}

	// jobLock serializes appends for one job. refs counts the appenders
	// holding or waiting on it; the entry is removed when it drops to zero.
	jobLock struct {
		mu   sync.Mutex
		refs int
	}

	// Option configures a Ledger.
	Option func(*Ledger)
)

const (
	// KindToolCall records a tool invocation.
	KindToolCall Kind = "tool_call"
	// KindLog records free-form worker output.
	KindLog Kind = "log"
	// KindError records a failure.
	KindError Kind = "error"
	// KindSuccess records a successful outcome.
	KindSuccess Kind = "success"
	// KindInfo records an informational notice.
	KindInfo Kind = "info"
)

var (
	// ErrInvalidJob indicates an append against a job that does not exist.
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidKind indicates a draft with an unrecognized kind.
	ErrInvalidKind = errors.New("invalid event kind")
)

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	switch k {
	case KindToolCall, KindLog, KindError, KindSuccess, KindInfo:
		return true
	}
	return false
}

// WithPublisher sets the publisher notified after each append.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.pub = p }
}

// WithClock overrides the clock used to stamp CreatedAt. The default clock
// truncates to milliseconds, the resolution of every durable backend.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(l *Ledger) { l.tracer = t }
}

// New returns a Ledger persisting to store and validating job existence
// through jobs.
func New(store Store, jobs Jobs, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		jobs:    jobs,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		newID:   func() string { return uuid.NewString() },
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		locks:   make(map[string]*jobLock),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores a new event for jobID and publishes it. The returned event
// carries the assigned ID, Seq and CreatedAt.
func (l *Ledger) Append(ctx context.Context, jobID string, d Draft) (*Event, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.append",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	if d.Kind == "" {
		d.Kind = KindInfo
	}
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("append to job %q: %w: %q", jobID, ErrInvalidKind, d.Kind)
	}
	if _, err := l.jobs.Load(ctx, jobID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			l.logger.Warn(ctx, "append to unknown job", "job_id", jobID)
			return nil, fmt.Errorf("append to job %q: %w", jobID, ErrInvalidJob)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "job lookup failed")
		return nil, fmt.Errorf("append to job %q: load job: %w", jobID, err)
	}

	e := &Event{
		ID:       l.newID(),
		JobID:    jobID,
		Kind:     d.Kind,
		Stage:    d.Stage,
		ToolName: d.ToolName,
		Summary:  d.Summary,
		Params:   d.Params,
		Result:   d.Result,
	}

	unlock := l.lock(jobID)
	defer unlock()

	start := time.Now()
	e.CreatedAt = l.now()
	err := l.store.Append(ctx, e)
	l.metrics.RecordTimer(telemetry.MetricLedgerAppendDuration, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store append failed")
		return nil, fmt.Errorf("append to job %q: %w", jobID, err)
	}
	l.metrics.IncCounter(telemetry.MetricLedgerAppended, 1, "kind", string(e.Kind))
	span.AddEvent("appended", "seq", e.Seq)
	if l.pub != nil {
		l.pub.Publish(jobID, e)
	}
	return e, nil
}

// ListSince returns the events of jobID with Seq > afterSeq.
func (l *Ledger) ListSince(ctx context.Context, jobID string, afterSeq int64) ([]*Event, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	events, err := l.store.ListSince(ctx, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list job %q since %d: %w", jobID, afterSeq, err)
	}
	return events, nil
}

// lock acquires the append lock of jobID and returns its release function.
func (l *Ledger) lock(jobID string) func() {
	l.mu.Lock()
	jl, ok := l.locks[jobID]
	if !ok {
		jl = &jobLock{}
		l.locks[jobID] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.mu.Lock()
	return func() {
		jl.mu.Unlock()
		l.mu.Lock()
		jl.refs--
		if jl.refs == 0 {
			delete(l.locks, jobID)
		}
		l.mu.Unlock()
	}
}

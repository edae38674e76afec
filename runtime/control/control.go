// Package control turns out-of-band user actions (approve, cancel) into job
// status transitions plus ledger events, so observers see them in-band through
// the same stream as worker-emitted events.
//
// Every action writes the job status before appending its event: an observer
// that sees the control event and then reads the job store always observes the
// new status.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/jobstream/runtime/job"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/telemetry"
)

// ToolName is the tool name recorded on control events.
const ToolName = "control"

const (
	summaryApproved  = "approved by user"
	summaryCancelled = "cancelled by user"

	defaultCancelTimeout = 10 * time.Second
)

var (
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrUpstreamUnavailable indicates the worker could not be signalled.
	// Cancellation is best-effort, so this error is logged and never returned
	// from Cancel.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

type (
	// Appender appends events to the ledger. *ledger.Ledger implements it.
	Appender interface {
		Append(ctx context.Context, jobID string, d ledger.Draft) (*ledger.Event, error)
	}

	// Canceler signals the external worker to stop a job.
	Canceler interface {
		RequestCancel(ctx context.Context, jobID string) error
	}

	// CancelerFunc adapts a function to Canceler.
	CancelerFunc func(ctx context.Context, jobID string) error

	// NopCanceler discards cancellation requests.
	NopCanceler struct{}

	// Injector applies control actions.
	Injector struct {
		jobs          job.Store
		ledger        Appender
		canceler      Canceler
		cancelTimeout time.Duration
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
		// inflight tracks background cancellation requests.
		inflight sync.WaitGroup
	}

	// Option configures an Injector.
	Option func(*Injector)
)

// RequestCancel calls f.
func (f CancelerFunc) RequestCancel(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// RequestCancel does nothing.
func (NopCanceler) RequestCancel(context.Context, string) error { return nil }

// WithCanceler sets the worker cancellation signal.
func WithCanceler(c Canceler) Option {
	return func(i *Injector) { i.canceler = c }
}

// WithCancelTimeout bounds each cancellation request.
func WithCancelTimeout(d time.Duration) Option {
	return func(i *Injector) {
		if d > 0 {
			i.cancelTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(i *Injector) { i.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(i *Injector) { i.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(i *Injector) { i.tracer = t }
}

// New returns an Injector updating jobs and appending to l.
func New(jobs job.Store, l Appender, opts ...Option) *Injector {
	i := &Injector{
		jobs:          jobs,
		ledger:        l,
		canceler:      NopCanceler{},
		cancelTimeout: defaultCancelTimeout,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		tracer:        telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Approve marks the job succeeded and records a success event.
func (i *Injector) Approve(ctx context.Context, jobID string) (job.Status, error) {
	ctx, span := i.start(ctx, "control.approve", jobID)
	defer span.End()

	if err := i.apply(ctx, jobID, job.StatusSucceeded, ledger.Draft{
		Kind:     ledger.KindSuccess,
		ToolName: ToolName,
		Summary:  summaryApproved,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "approve failed")
		return "", err
	}
	i.metrics.IncCounter(telemetry.MetricControl, 1, "action", "approve")
	i.logger.Info(ctx, "job approved", "job_id", jobID)
	return job.StatusSucceeded, nil
}

// Cancel asks the worker to stop, marks the job cancelling and records an
// info event. The worker signal is sent in the background and its failure
// does not affect the result.
func (i *Injector) Cancel(ctx context.Context, jobID string) (job.Status, error) {
	ctx, span := i.start(ctx, "control.cancel", jobID)
	defer span.End()

	if _, err := i.jobs.Load(ctx, jobID); err != nil {
		return "", i.lookupErr(jobID, err)
	}
	i.requestCancel(ctx, jobID)

	if err := i.apply(ctx, jobID, job.StatusCancelling, ledger.Draft{
		Kind:     ledger.KindInfo,
		ToolName: ToolName,
		Summary:  summaryCancelled,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
		return "", err
	}
	i.metrics.IncCounter(telemetry.MetricControl, 1, "action", "cancel")
	i.logger.Info(ctx, "job cancellation requested", "job_id", jobID)
	return job.StatusCancelling, nil
}

// Wait blocks until background cancellation requests have finished or ctx is
// done.
func (i *Injector) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply writes status then appends d. A missing job appends nothing.
func (i *Injector) apply(ctx context.Context, jobID string, status job.Status, d ledger.Draft) error {
	if _, err := i.jobs.Update(ctx, jobID, job.SetStatus(status)); err != nil {
		return i.lookupErr(jobID, err)
	}
	if _, err := i.ledger.Append(ctx, jobID, d); err != nil {
		if errors.Is(err, ledger.ErrInvalidJob) {
			return fmt.Errorf("record control event for job %q: %w", jobID, ErrJobNotFound)
		}
		return fmt.Errorf("record control event for job %q: %w", jobID, err)
	}
	return nil
}

// requestCancel signals the worker with a context detached from the caller so
// the request outlives the HTTP request that triggered it.
func (i *Injector) requestCancel(ctx context.Context, jobID string) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cancelTimeout)
	i.inflight.Add(1)
	go func() {
		defer i.inflight.Done()
		defer cancel()
		i.signal(bg, jobID)
	}()
}

func (i *Injector) signal(ctx context.Context, jobID string) {
	if err := i.canceler.RequestCancel(ctx, jobID); err != nil {
		err = fmt.Errorf("request cancel for job %q: %w: %w", jobID, ErrUpstreamUnavailable, err)
		i.logger.Error(ctx, "cancel signal failed", "job_id", jobID, "err", err)
	}
}

func (i *Injector) lookupErr(jobID string, err error) error {
	if errors.Is(err, job.ErrNotFound) {
		return fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
	}
	return fmt.Errorf("job %q: %w", jobID, err)
}

func (i *Injector) start(ctx context.Context, name, jobID string) (context.Context, telemetry.Span) {
	return i.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("job.id", jobID)))
}

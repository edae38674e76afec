// Package pulse mirrors ledger events onto a Redis-backed Pulse stream and
// relays events appended by other processes into the local bus, so observers
// attached to any replica see live events regardless of which replica
// appended them.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	clientspulse "goa.design/jobstream/features/stream/pulse/clients/pulse"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/telemetry"
)

const (
	// DefaultStream is the Pulse stream carrying mirrored ledger events.
	DefaultStream = "jobstream/events"
	// DefaultQueue bounds the number of events waiting to be mirrored.
	DefaultQueue = 1024
)

type (
	// MirrorOptions configures a Mirror.
	MirrorOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// Local receives every event first. Required.
		Local ledger.Publisher
		// Origin identifies this process. Relays skip events with their own
		// origin. Required.
		Origin string
		// Stream names the Pulse stream. Defaults to DefaultStream.
		Stream string
		// Queue bounds pending writes. Defaults to DefaultQueue.
		Queue int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Mirror is a ledger.Publisher that delivers events to the local bus and
	// forwards them to Pulse in the background. Publish never blocks: when the
	// queue is full the event is still delivered locally but not mirrored.
	Mirror struct {
		local  ledger.Publisher
		stream clientspulse.Stream
		origin string
		logger telemetry.Logger
		queue  chan *ledger.Event
		done   chan struct{}

		mu     sync.RWMutex
		closed bool
	}

	// envelope is the JSON payload written to the Pulse stream.
	envelope struct {
		Origin string        `json:"origin"`
		Event  *ledger.Event `json:"event"`
	}
)

// NewMirror opens the Pulse stream and starts the forwarding goroutine.
func NewMirror(opts MirrorOptions) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Local == nil {
		return nil, errors.New("local publisher is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	size := opts.Queue
	if size <= 0 {
		size = DefaultQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	str, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	m := &Mirror{
		local:  opts.Local,
		stream: str,
		origin: opts.Origin,
		logger: logger,
		queue:  make(chan *ledger.Event, size),
		done:   make(chan struct{}),
	}
	go m.forward()
	return m, nil
}

// Publish implements ledger.Publisher.
func (m *Mirror) Publish(jobID string, e *ledger.Event) {
	m.local.Publish(jobID, e)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- e:
	default:
		m.logger.Warn(context.Background(), "pulse mirror queue full, event not mirrored", "job_id", jobID, "seq", e.Seq)
	}
}

// Close stops accepting events and waits until queued events are written or
// ctx is done.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mirror) forward() {
	defer close(m.done)
	ctx := context.Background()
	for e := range m.queue {
		payload, err := json.Marshal(envelope{Origin: m.origin, Event: e})
		if err != nil {
			m.logger.Error(ctx, "pulse mirror encode", "job_id", e.JobID, "err", err)
			continue
		}
		if _, err := m.stream.Add(ctx, string(e.Kind), payload); err != nil {
			m.logger.Warn(ctx, "pulse mirror add failed", "job_id", e.JobID, "seq", e.Seq, "err", err)
		}
	}
}

// Package bus implements the in-process live fan-out of ledger events to
// observers.
//
// The bus holds no history: it delivers every event published for a job to the
// subscriptions registered for that job at the time of publishing. Each
// subscription owns a bounded buffer. Publish never blocks; a subscriber whose
// buffer is full is force-disconnected (its channel is closed and Err reports
// ErrSlowConsumer) while delivery to every other subscriber continues.
//
// Subscriber sets are sharded per job: each job has its own topic guarded by
// its own mutex, so publishing for one job never waits on another job's
// subscribers.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/telemetry"
)

// DefaultBuffer is the default per-subscription buffer size.
const DefaultBuffer = 256

var (
	// ErrSlowConsumer reports that a subscription was disconnected because its
	// buffer was full when an event was published.
	ErrSlowConsumer = errors.New("subscriber too slow: buffer full")
	// ErrClosed reports that the bus was closed.
	ErrClosed = errors.New("bus closed")
)

type (
	// Bus routes published events to per-job subscriptions. The zero value is
	// not usable; create instances with New.
	Bus struct {
		topics  sync.Map // job ID -> *topic
		buffer  int
		closed  atomic.Bool
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Subscription is a live registration for one job. Events are delivered on
	// C in publish order until the subscription is closed.
	Subscription struct {
		bus   *Bus
		jobID string
		ch    chan *ledger.Event
		once  sync.Once

		mu  sync.Mutex
		err error
	}

	// Option configures a Bus.
	Option func(*Bus)

	topic struct {
		mu   sync.Mutex
		subs map[*Subscription]struct{}
		// dead is set once the topic has been removed from the bus.
		dead bool
	}
)

// WithBuffer sets the per-subscription buffer size. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New returns an open Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		buffer:  DefaultBuffer,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscription receiving every event published for
// jobID from now on. History is not replayed.
func (b *Bus) Subscribe(jobID string) (*Subscription, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	sub := &Subscription{bus: b, jobID: jobID, ch: make(chan *ledger.Event, b.buffer)}
	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		t := b.topic(jobID)
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		if b.closed.Load() {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		t.subs[sub] = struct{}{}
		t.mu.Unlock()
		return sub, nil
	}
}

// Publish delivers e to every subscription of jobID without blocking.
// Subscriptions whose buffer is full are disconnected with ErrSlowConsumer.
func (b *Bus) Publish(jobID string, e *ledger.Event) {
	v, ok := b.topics.Load(jobID)
	if !ok {
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	var delivered int
	for sub := range t.subs {
		select {
		case sub.ch <- e:
			delivered++
		default:
			b.detach(t, sub, ErrSlowConsumer)
			b.metrics.IncCounter(telemetry.MetricBusEvicted, 1)
			b.logger.Warn(context.Background(), "evicted slow subscriber", "job_id", jobID, "seq", e.Seq)
		}
	}
	if delivered > 0 {
		b.metrics.IncCounter(telemetry.MetricBusPublished, float64(delivered))
	}
	b.prune(jobID, t)
}

// Unsubscribe closes sub. It is equivalent to sub.Close.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// Count returns the number of live subscriptions for jobID.
func (b *Bus) Count(jobID string) int {
	v, ok := b.topics.Load(jobID)
	if !ok {
		return 0
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close disconnects every subscription with ErrClosed. Subsequent calls to
// Subscribe fail with ErrClosed and Publish becomes a no-op. Close is
// idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.topics.Range(func(key, v any) bool {
		t := v.(*topic)
		t.mu.Lock()
		for sub := range t.subs {
			b.detach(t, sub, ErrClosed)
		}
		b.prune(key.(string), t)
		t.mu.Unlock()
		return true
	})
}

// JobID returns the job the subscription is bound to.
func (s *Subscription) JobID() string { return s.jobID }

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan *ledger.Event { return s.ch }

// Err returns why the subscription ended: ErrSlowConsumer, ErrClosed, or nil
// when it is still live or was closed by its owner.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unregisters the subscription and closes its channel. It is safe to
// call multiple times and after the bus has been closed.
func (s *Subscription) Close() {
	v, ok := s.bus.topics.Load(s.jobID)
	if !ok {
		s.finish(nil)
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s]; ok {
		s.bus.detach(t, s, nil)
		s.bus.prune(s.jobID, t)
		return
	}
	s.finish(nil)
}

// finish records err and closes the channel exactly once. Callers must hold
// the topic lock or know the subscription is no longer reachable by Publish.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// detach removes sub from t and closes it. Callers hold t.mu.
func (b *Bus) detach(t *topic, sub *Subscription, err error) {
	delete(t.subs, sub)
	sub.finish(err)
}

// prune removes t from the bus once it has no subscribers. Callers hold t.mu.
func (b *Bus) prune(jobID string, t *topic) {
	if len(t.subs) > 0 || t.dead {
		return
	}
	t.dead = true
	b.topics.CompareAndDelete(jobID, t)
}

func (b *Bus) topic(jobID string) *topic {
	if v, ok := b.topics.Load(jobID); ok {
		return v.(*topic)
	}
	v, _ := b.topics.LoadOrStore(jobID, &topic{subs: make(map[*Subscription]struct{})})
	return v.(*topic)
}

// Package stream implements per-observer streaming sessions.
//
// A Session attaches to the live bus, replays ledger history from the
// observer's last seen sequence number, then forwards live events in sequence
// order while emitting periodic keep-alives. The subscription is established
// before history is read so no event can fall between the two sources; events
// already delivered from history are dropped when they show up live.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/jobstream/runtime/bus"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/telemetry"
)

// DefaultKeepAlive is the default interval between keep-alive signals.
const DefaultKeepAlive = 20 * time.Second

type (
	// Transport serializes events to one observer.
	Transport interface {
		// Send writes e to the observer.
		Send(ctx context.Context, e *ledger.Event) error
		// KeepAlive writes a signal carrying no event.
		KeepAlive(ctx context.Context) error
	}

	// Subscriber registers live subscriptions. *bus.Bus implements it.
	Subscriber interface {
		Subscribe(jobID string) (*bus.Subscription, error)
	}

	// State is the lifecycle state of a Session.
	State int

	// Session is one observer's attach, replay, live and close lifecycle for a
	// single job. A Session is run at most once.
	Session struct {
		ledger    ledger.Reader
		bus       Subscriber
		jobID     string
		after     int64
		keepAlive time.Duration
		logger    telemetry.Logger
		onState   func(State)
		last      int64
	}

	// Option configures a Session.
	Option func(*Session)
)

const (
	// StateAttaching is the initial state: subscribing to the bus.
	StateAttaching State = iota
	// StateReplaying indicates history is being sent.
	StateReplaying
	// StateLive indicates live events are being forwarded.
	StateLive
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// WithAfter resumes the stream after the given sequence number, typically the
// last one the observer saw before reconnecting.
func WithAfter(seq int64) Option {
	return func(s *Session) {
		if seq > 0 {
			s.after = seq
		}
	}
}

// WithKeepAlive sets the keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// NewSession returns a session streaming jobID.
func NewSession(l ledger.Reader, b Subscriber, jobID string, opts ...Option) *Session {
	s := &Session{
		ledger:    l,
		bus:       b,
		jobID:     jobID,
		keepAlive: DefaultKeepAlive,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Last returns the highest sequence number delivered so far.
func (s *Session) Last() int64 { return s.last }

// Run streams events to t until ctx is cancelled, the transport fails or the
// subscription ends. Cancellation of ctx is a normal close and returns nil.
// A subscription disconnected by the bus returns its cause (for example
// bus.ErrSlowConsumer).
func (s *Session) Run(ctx context.Context, t Transport) error {
	s.transition(StateAttaching)
	defer s.transition(StateClosed)

	sub, err := s.bus.Subscribe(s.jobID)
	if err != nil {
		return fmt.Errorf("subscribe to job %q: %w", s.jobID, err)
	}
	defer sub.Close()

	s.transition(StateReplaying)
	s.last = s.after
	if err := s.catchUp(ctx, t); err != nil {
		return s.closeErr(ctx, err)
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	s.transition(StateLive)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.KeepAlive(ctx); err != nil {
				return s.closeErr(ctx, fmt.Errorf("keep-alive: %w", err))
			}
		case e, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					s.logger.Warn(ctx, "stream subscription ended", "job_id", s.jobID, "last_seq", s.last, "err", err)
					return err
				}
				return nil
			}
			if e.Seq <= s.last {
				continue
			}
			if e.Seq > s.last+1 {
				s.logger.Debug(ctx, "filling stream gap", "job_id", s.jobID, "from", s.last, "to", e.Seq)
				if err := s.catchUp(ctx, t); err != nil {
					return s.closeErr(ctx, err)
				}
				if e.Seq <= s.last {
					continue
				}
				if e.Seq > s.last+1 {
					s.logger.Warn(ctx, "dropping event missing from ledger", "job_id", s.jobID, "last_seq", s.last, "seq", e.Seq)
					continue
				}
			}
			if err := s.send(ctx, t, e); err != nil {
				return s.closeErr(ctx, err)
			}
		}
	}
}

// catchUp sends every stored event after s.last.
func (s *Session) catchUp(ctx context.Context, t Transport) error {
	events, err := s.ledger.ListSince(ctx, s.jobID, s.last)
	if err != nil {
		return fmt.Errorf("list job %q since %d: %w", s.jobID, s.last, err)
	}
	for _, e := range events {
		if e.Seq <= s.last {
			continue
		}
		if err := s.send(ctx, t, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) send(ctx context.Context, t Transport, e *ledger.Event) error {
	if err := t.Send(ctx, e); err != nil {
		return fmt.Errorf("send seq %d: %w", e.Seq, err)
	}
	s.last = e.Seq
	return nil
}

// closeErr maps failures caused by the observer going away to a normal close.
func (s *Session) closeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) transition(st State) {
	if s.onState != nil {
		s.onState(st)
	}
}

package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/jobstream/features/stream/pulse/clients/pulse"
	"goa.design/jobstream/runtime/ledger"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		mu     sync.Mutex
		adds   []added
		addErr error
		added  chan added
		sink   *fakeSink
		sinkID string
	}

	added struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		closed bool
	}

	recordingPublisher struct {
		mu     sync.Mutex
		events []*ledger.Event
		got    chan *ledger.Event
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return c.stream(name), nil
}

func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{
			added: make(chan added, 64),
			sink:  &fakeSink{ch: make(chan *streaming.Event, 64)},
		}
		c.streams[name] = s
	}
	return s
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	a := added{event: event, payload: payload}
	s.adds = append(s.adds, a)
	s.added <- a
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkID = name
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return errors.New("not supported") }

func (s *fakeStream) sinkName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinkID
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, e *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, e.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{got: make(chan *ledger.Event, 64)}
}

func (p *recordingPublisher) Publish(_ string, e *ledger.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	p.got <- e
}

func entryFromPayload(id string, a added) *streaming.Event {
	return &streaming.Event{ID: id, EventName: a.event, Payload: a.payload}
}

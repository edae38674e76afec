package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/jobstream/features/stream/pulse/clients/pulse"
	"goa.design/jobstream/runtime/control"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		mu     sync.Mutex
		events []string
		bodies [][]byte
		err    error
		sink   *fakeSink
	}

	fakeSink struct {
		ch    chan *streaming.Event
		mu    sync.Mutex
		acked int
	}
)

var _ control.Canceler = (*Canceler)(nil)

func newFakeClient() *fakeClient { return &fakeClient{streams: make(map[string]*fakeStream)} }

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return c.stream(name), nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{sink: &fakeSink{ch: make(chan *streaming.Event, 8)}}
		c.streams[name] = s
	}
	return s
}

func (c *fakeClient) Ping(context.Context) error { return nil }
func (c *fakeClient) Name() string               { return "fake" }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	s.bodies = append(s.bodies, payload)
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(context.Context, *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked++
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func TestRequestCancelPublishesSignal(t *testing.T) {
	cli := newFakeClient()
	c, err := NewCanceler(cli)
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	require.NoError(t, c.RequestCancel(context.Background(), "job-7"))

	str := cli.stream("job/job-7/control")
	require.Equal(t, []string{EventCancel}, str.events)
	var sig Signal
	require.NoError(t, json.Unmarshal(str.bodies[0], &sig))
	assert.Equal(t, Signal{JobID: "job-7", Action: "cancel", RequestedAt: fixed}, sig)
}

func TestRequestCancelWrapsPublishError(t *testing.T) {
	cli := newFakeClient()
	boom := errors.New("redis down")
	cli.stream(StreamName("job-1")).err = boom
	c, err := NewCanceler(cli)
	require.NoError(t, err)
	err = c.RequestCancel(context.Background(), "job-1")
	assert.ErrorIs(t, err, boom)
}

func TestWatchDeliversSignals(t *testing.T) {
	cli := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals, err := Watch(ctx, cli, "job-1", "worker-1")
	require.NoError(t, err)

	sink := cli.stream(StreamName("job-1")).sink
	sink.ch <- &streaming.Event{ID: "1-0", EventName: "cancel", Payload: []byte(`{"job_id":"job-1"}`)}

	select {
	case s := <-signals:
		assert.Equal(t, "job-1", s.JobID)
		assert.Equal(t, "cancel", s.Action)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-signals
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestWatchRequiresWorker(t *testing.T) {
	_, err := Watch(context.Background(), newFakeClient(), "job-1", "")
	assert.Error(t, err)
}

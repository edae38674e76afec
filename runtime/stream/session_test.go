package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/jobstream/runtime/bus"
	"goa.design/jobstream/runtime/job"
	jobinmem "goa.design/jobstream/runtime/job/inmem"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/ledger/inmem"
)

type (
	recorder struct {
		mu         sync.Mutex
		seqs       []int64
		keepAlives int
		sent       chan int64
		gate       chan struct{}
		blocked    chan struct{}
		err        error
	}

	// hookedReader runs before on every ListSince call.
	hookedReader struct {
		ledger.Reader
		before func(after int64)
	}
)

func newRecorder() *recorder {
	return &recorder{sent: make(chan int64, 1024)}
}

func (r *recorder) Send(ctx context.Context, e *ledger.Event) error {
	if r.gate != nil {
		select {
		case r.blocked <- struct{}{}:
		default:
		}
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seqs = append(r.seqs, e.Seq)
	r.sent <- e.Seq
	return nil
}

func (r *recorder) KeepAlive(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keepAlives++
	return nil
}

func (r *recorder) delivered() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seqs...)
}

func (r *recorder) await(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
}

func (h hookedReader) ListSince(ctx context.Context, jobID string, after int64) ([]*ledger.Event, error) {
	if h.before != nil {
		h.before(after)
	}
	return h.Reader.ListSince(ctx, jobID, after)
}

type fixture struct {
	bus    *bus.Bus
	store  *inmem.Store
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, opts ...bus.Option) *fixture {
	t.Helper()
	jobs := jobinmem.New()
	require.NoError(t, jobs.Create(context.Background(), job.Job{ID: "job-1", Status: job.StatusRunning}))
	b := bus.New(opts...)
	store := inmem.New()
	return &fixture{bus: b, store: store, ledger: ledger.New(store, jobs, ledger.WithPublisher(b))}
}

func (f *fixture) append(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.ledger.Append(context.Background(), "job-1", ledger.Draft{Kind: ledger.KindLog})
		require.NoError(t, err)
	}
}

func (f *fixture) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.bus.Count("job-1") == 1 }, 2*time.Second, time.Millisecond)
}

func run(ctx context.Context, s *Session, tr Transport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, tr) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not return")
		return nil
	}
}

func TestSessionReplaysThenStreamsLive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.append(t, 3)

	var states []State
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	tr := newRecorder()
	s := NewSession(f.ledger, f.bus, "job-1", WithStateHook(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	}))
	done := run(ctx, s, tr)

	tr.await(t, 3)
	f.waitSubscribed(t)
	f.append(t, 2)
	tr.await(t, 2)

	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, tr.delivered())
	assert.Equal(t, int64(5), s.Last())
	assert.Equal(t, 0, f.bus.Count("job-1"), "subscription released on cancel")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateAttaching, StateReplaying, StateLive, StateClosed}, states)
}

func TestSessionReconnectSkipsSeenEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.append(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	first := newRecorder()
	done := run(ctx, NewSession(f.ledger, f.bus, "job-1"), first)
	first.await(t, 3)
	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []int64{1, 2, 3}, first.delivered())

	f.append(t, 2)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	second := newRecorder()
	done = run(ctx, NewSession(f.ledger, f.bus, "job-1", WithAfter(3)), second)
	second.await(t, 2)
	f.waitSubscribed(t)
	f.append(t, 1)
	second.await(t, 1)
	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []int64{4, 5, 6}, second.delivered())
}

func TestSessionDedupesAtReplaySeam(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.append(t, 2)

	// An append lands after the subscription but before history is read, so
	// event 3 arrives from both sources.
	var once sync.Once
	reader := hookedReader{Reader: f.ledger, before: func(int64) {
		once.Do(func() {
			_, _ = f.ledger.Append(context.Background(), "job-1", ledger.Draft{Kind: ledger.KindLog})
		})
	}}

	ctx, cancel := context.WithCancel(context.Background())
	tr := newRecorder()
	done := run(ctx, NewSession(reader, f.bus, "job-1"), tr)
	tr.await(t, 3)
	f.append(t, 1)
	tr.await(t, 1)
	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []int64{1, 2, 3, 4}, tr.delivered())
}

func TestSessionFillsGapsFromLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	tr := newRecorder()
	done := run(ctx, NewSession(f.ledger, f.bus, "job-1"), tr)
	f.waitSubscribed(t)

	// Events 1 and 2 are stored without being published (as when they were
	// appended by another process); event 3 arrives live.
	for i := 0; i < 2; i++ {
		require.NoError(t, f.store.Append(ctx, &ledger.Event{JobID: "job-1", Kind: ledger.KindLog}))
	}
	f.append(t, 1)
	tr.await(t, 3)
	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []int64{1, 2, 3}, tr.delivered())
}

func TestSessionDropsEventsMissingFromLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.append(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	tr := newRecorder()
	done := run(ctx, NewSession(f.ledger, f.bus, "job-1"), tr)
	tr.await(t, 1)
	f.waitSubscribed(t)

	// Seq 5 comes from a ledger this process cannot read.
	f.bus.Publish("job-1", &ledger.Event{JobID: "job-1", Seq: 5, Kind: ledger.KindLog})
	f.append(t, 1)
	tr.await(t, 1)
	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, []int64{1, 2}, tr.delivered())
}

func TestSessionKeepAlive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	tr := newRecorder()
	done := run(ctx, NewSession(f.ledger, f.bus, "job-1", WithKeepAlive(5*time.Millisecond)), tr)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.keepAlives >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))
	assert.Empty(t, tr.delivered())
}

func TestSessionSlowConsumerIsDisconnected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, bus.WithBuffer(1))
	tr := newRecorder()
	tr.gate = make(chan struct{})
	tr.blocked = make(chan struct{}, 1)
	live := make(chan struct{})
	done := run(context.Background(), NewSession(f.ledger, f.bus, "job-1", WithStateHook(func(st State) {
		if st == StateLive {
			close(live)
		}
	})), tr)
	<-live

	// The session blocks sending event 1; event 2 fills the buffer and event 3
	// overflows it.
	f.append(t, 1)
	select {
	case <-tr.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("session never started sending")
	}
	f.append(t, 2)
	require.Eventually(t, func() bool { return f.bus.Count("job-1") == 0 }, 2*time.Second, time.Millisecond)
	close(tr.gate)

	err := wait(t, done)
	require.ErrorIs(t, err, bus.ErrSlowConsumer)
	assert.Equal(t, []int64{1, 2}, tr.delivered())
}

func TestSessionTransportError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.append(t, 1)
	tr := newRecorder()
	boom := errors.New("broken pipe")
	tr.err = boom

	err := NewSession(f.ledger, f.bus, "job-1").Run(context.Background(), tr)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.bus.Count("job-1"), "subscription released on error")
}

func TestSessionBusClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.bus.Close()
	err := NewSession(f.ledger, f.bus, "job-1").Run(context.Background(), newRecorder())
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "attaching", StateAttaching.String())
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

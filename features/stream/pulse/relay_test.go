package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/jobstream/runtime/ledger"
)

func entry(t *testing.T, id, origin string, e *ledger.Event) *streaming.Event {
	t.Helper()
	payload, err := json.Marshal(envelope{Origin: origin, Event: e})
	require.NoError(t, err)
	return &streaming.Event{ID: id, EventName: string(e.Kind), Payload: payload}
}

func TestRelayRepublishesRemoteEvents(t *testing.T) {
	cli := newFakeClient()
	local := newRecordingPublisher()
	r, err := NewRelay(RelayOptions{Client: cli, Local: local, Origin: "node-a"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	sink := cli.stream(DefaultStream).sink
	sink.ch <- entry(t, "1-0", "node-a", &ledger.Event{JobID: "job-1", Seq: 1, Kind: ledger.KindLog})
	sink.ch <- &streaming.Event{ID: "2-0", EventName: "log", Payload: []byte("{not json")}
	sink.ch <- entry(t, "3-0", "node-b", &ledger.Event{JobID: "job-1", Seq: 2, Kind: ledger.KindToolCall})

	select {
	case got := <-local.got:
		assert.Equal(t, int64(2), got.Seq)
		assert.Equal(t, ledger.KindToolCall, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("remote event not relayed")
	}
	require.Eventually(t, func() bool { return len(sink.ackedIDs()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1-0", "2-0", "3-0"}, sink.ackedIDs())
	assert.Empty(t, local.got)
	assert.Equal(t, "relay-node-a", cli.stream(DefaultStream).sinkName())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.True(t, sink.isClosed())
}

func TestRelayStopsWhenSinkCloses(t *testing.T) {
	cli := newFakeClient()
	r, err := NewRelay(RelayOptions{Client: cli, Local: newRecordingPublisher(), Origin: "a"})
	require.NoError(t, err)
	close(cli.stream(DefaultStream).sink.ch)
	assert.NoError(t, r.Run(context.Background()))
}

func TestDecodeEnvelopeRejectsEmptyEvent(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"origin":"a"}`))
	assert.Error(t, err)
	_, err = decodeEnvelope([]byte(`{"origin":"a","event":{"seq":1}}`))
	assert.Error(t, err)
}

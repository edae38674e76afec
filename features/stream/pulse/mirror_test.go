package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/jobstream/runtime/ledger"
)

func TestMirrorPublishesLocallyAndToPulse(t *testing.T) {
	cli := newFakeClient()
	local := newRecordingPublisher()
	m, err := NewMirror(MirrorOptions{Client: cli, Local: local, Origin: "node-a"})
	require.NoError(t, err)

	e := &ledger.Event{ID: "e1", JobID: "job-1", Seq: 1, Kind: ledger.KindLog, Summary: "hello"}
	m.Publish("job-1", e)

	select {
	case got := <-local.got:
		assert.Same(t, e, got)
	case <-time.After(time.Second):
		t.Fatal("local publisher not called")
	}

	str := cli.stream(DefaultStream)
	select {
	case a := <-str.added:
		assert.Equal(t, "log", a.event)
		var env envelope
		require.NoError(t, json.Unmarshal(a.payload, &env))
		assert.Equal(t, "node-a", env.Origin)
		require.NotNil(t, env.Event)
		assert.Equal(t, "job-1", env.Event.JobID)
		assert.Equal(t, int64(1), env.Event.Seq)
		assert.Equal(t, "hello", env.Event.Summary)
	case <-time.After(time.Second):
		t.Fatal("event not mirrored")
	}
	require.NoError(t, m.Close(context.Background()))
}

func TestMirrorCloseFlushesQueue(t *testing.T) {
	cli := newFakeClient()
	m, err := NewMirror(MirrorOptions{Client: cli, Local: newRecordingPublisher(), Origin: "a", Stream: "custom"})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		m.Publish("job-1", &ledger.Event{JobID: "job-1", Seq: int64(i), Kind: ledger.KindInfo})
	}
	require.NoError(t, m.Close(context.Background()))
	str := cli.stream("custom")
	str.mu.Lock()
	defer str.mu.Unlock()
	assert.Len(t, str.adds, 3)
}

func TestMirrorAfterCloseStillPublishesLocally(t *testing.T) {
	cli := newFakeClient()
	local := newRecordingPublisher()
	m, err := NewMirror(MirrorOptions{Client: cli, Local: local, Origin: "a"})
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	m.Publish("job-1", &ledger.Event{JobID: "job-1", Seq: 1, Kind: ledger.KindInfo})
	assert.Len(t, local.got, 1)
	str := cli.stream(DefaultStream)
	str.mu.Lock()
	defer str.mu.Unlock()
	assert.Empty(t, str.adds)
}

func TestMirrorAddFailureDoesNotStopForwarding(t *testing.T) {
	cli := newFakeClient()
	str := cli.stream(DefaultStream)
	str.addErr = errors.New("redis down")
	m, err := NewMirror(MirrorOptions{Client: cli, Local: newRecordingPublisher(), Origin: "a"})
	require.NoError(t, err)
	m.Publish("job-1", &ledger.Event{JobID: "job-1", Seq: 1, Kind: ledger.KindInfo})
	require.NoError(t, m.Close(context.Background()))
}

func TestNewMirrorValidates(t *testing.T) {
	_, err := NewMirror(MirrorOptions{Local: newRecordingPublisher(), Origin: "a"})
	assert.Error(t, err)
	_, err = NewMirror(MirrorOptions{Client: newFakeClient(), Origin: "a"})
	assert.Error(t, err)
	_, err = NewMirror(MirrorOptions{Client: newFakeClient(), Local: newRecordingPublisher()})
	assert.Error(t, err)
}

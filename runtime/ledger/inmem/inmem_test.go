package inmem

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/jobstream/runtime/ledger"
)

func TestStoreAppendAssignsGaplessSeq(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	for i := 0; i < 3; i++ {
		e := &ledger.Event{JobID: "job-1", Kind: ledger.KindLog}
		require.NoError(t, s.Append(ctx, e))
		assert.Equal(t, int64(i+1), e.Seq)
	}
	other := &ledger.Event{JobID: "job-2", Kind: ledger.KindLog}
	require.NoError(t, s.Append(ctx, other))
	assert.Equal(t, int64(1), other.Seq)

	all, err := s.ListSince(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	tail, err := s.ListSince(ctx, "job-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Seq)

	none, err := s.ListSince(ctx, "job-1", 3)
	require.NoError(t, err)
	assert.Empty(t, none)

	unknown, err := s.ListSince(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	e := &ledger.Event{JobID: "job-1", Summary: "original"}
	require.NoError(t, s.Append(ctx, e))
	e.Summary = "mutated after append"

	got, err := s.ListSince(ctx, "job-1", 0)
	require.NoError(t, err)
	got[0].Summary = "mutated by reader"

	reread, err := s.ListSince(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "original", reread[0].Summary)
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.Error(t, s.Append(ctx, nil))
	require.Error(t, s.Append(ctx, &ledger.Event{}))
	_, err := s.ListSince(ctx, "", 0)
	require.Error(t, err)
}

func TestStoreConcurrentAppendsAcrossJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	const jobs, perJob = 4, 50
	var wg sync.WaitGroup
	for j := 0; j < jobs; j++ {
		for i := 0; i < perJob; i++ {
			wg.Add(1)
			go func(jobID string) {
				defer wg.Done()
				assert.NoError(t, s.Append(ctx, &ledger.Event{JobID: jobID}))
			}(fmt.Sprintf("job-%d", j))
		}
	}
	wg.Wait()

	for j := 0; j < jobs; j++ {
		events, err := s.ListSince(ctx, fmt.Sprintf("job-%d", j), 0)
		require.NoError(t, err)
		require.Len(t, events, perJob)
		for i, e := range events {
			require.Equal(t, int64(i+1), e.Seq)
		}
	}
}

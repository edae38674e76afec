// Package inmem provides an in-memory ledger.Store. It is not durable and is
// intended for tests, the demo command and single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/jobstream/runtime/ledger"
)

type (
	// Store implements ledger.Store in memory. Each job has its own shard so
	// appends to different jobs never contend.
	Store struct {
		shards sync.Map // job ID -> *shard
	}

	shard struct {
		mu sync.RWMutex
		// events[i].Seq == i+1.
		events []*ledger.Event
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Append implements ledger.Store.
func (s *Store) Append(_ context.Context, e *ledger.Event) error {
	if e == nil {
		return fmt.Errorf("event is required")
	}
	if e.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	sh := s.shard(e.JobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e.Seq = int64(len(sh.events)) + 1
	stored := *e
	sh.events = append(sh.events, &stored)
	return nil
}

// ListSince implements ledger.Store. The returned events are copies.
func (s *Store) ListSince(_ context.Context, jobID string, afterSeq int64) ([]*ledger.Event, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	v, ok := s.shards.Load(jobID)
	if !ok {
		return nil, nil
	}
	sh := v.(*shard)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(sh.events)) {
		return nil, nil
	}
	tail := sh.events[afterSeq:]
	out := make([]*ledger.Event, len(tail))
	for i, e := range tail {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) shard(jobID string) *shard {
	if v, ok := s.shards.Load(jobID); ok {
		return v.(*shard)
	}
	v, _ := s.shards.LoadOrStore(jobID, &shard{})
	return v.(*shard)
}

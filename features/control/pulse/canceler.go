// Package pulse carries job control signals over Redis-backed Pulse streams.
// The server side publishes cancel requests with Canceler; workers consume
// them with Watch.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/jobstream/features/stream/pulse/clients/pulse"
)

// EventCancel is the Pulse event name of cancel requests.
const EventCancel = "cancel"

type (
	// Signal is a control message addressed to a job's worker.
	Signal struct {
		JobID       string    `json:"job_id"`
		Action      string    `json:"action"`
		RequestedAt time.Time `json:"requested_at"`
	}

	// Canceler publishes cancel requests on the job's control stream. It
	// implements control.Canceler.
	Canceler struct {
		client clientspulse.Client
		now    func() time.Time
	}
)

// StreamName returns the control stream of jobID.
func StreamName(jobID string) string {
	return "job/" + jobID + "/control"
}

// NewCanceler returns a Canceler publishing through client.
func NewCanceler(client clientspulse.Client) (*Canceler, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Canceler{client: client, now: func() time.Time { return time.Now().UTC() }}, nil
}

// RequestCancel publishes a cancel signal for jobID.
func (c *Canceler) RequestCancel(ctx context.Context, jobID string) error {
	str, err := c.client.Stream(StreamName(jobID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Signal{JobID: jobID, Action: EventCancel, RequestedAt: c.now()})
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, EventCancel, payload); err != nil {
		return fmt.Errorf("publish cancel for job %s: %w", jobID, err)
	}
	return nil
}

// Watch consumes the control stream of jobID with the consumer group worker
// and delivers decoded signals until ctx is done. The returned channel is
// closed when consumption stops.
func Watch(ctx context.Context, client clientspulse.Client, jobID, worker string) (<-chan Signal, error) {
	if worker == "" {
		return nil, errors.New("worker name is required")
	}
	str, err := client.Stream(StreamName(jobID))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, worker)
	if err != nil {
		return nil, err
	}
	out := make(chan Signal, 1)
	go func() {
		defer close(out)
		defer sink.Close(context.Background())
		ch := sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				var s Signal
				if err := json.Unmarshal(evt.Payload, &s); err == nil {
					if s.Action == "" {
						s.Action = evt.EventName
					}
					select {
					case out <- s:
					case <-ctx.Done():
						return
					}
				}
				if err := sink.Ack(ctx, evt); err != nil {
					return
				}
			}
		}
	}()
	return out, nil
}

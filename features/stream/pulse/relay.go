package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/jobstream/features/stream/pulse/clients/pulse"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/telemetry"
)

type (
	// RelayOptions configures a Relay.
	RelayOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// Local receives events appended by other processes. Required.
		Local ledger.Publisher
		// Origin identifies this process; entries it mirrored itself are
		// skipped. Required.
		Origin string
		// Stream names the Pulse stream. Defaults to DefaultStream.
		Stream string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Relay consumes the Pulse stream and republishes events from other
	// processes into the local bus. Each process reads through its own
	// consumer group so every replica sees every entry.
	Relay struct {
		stream clientspulse.Stream
		local  ledger.Publisher
		origin string
		logger telemetry.Logger
	}
)

// NewRelay opens the Pulse stream.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Local == nil {
		return nil, errors.New("local publisher is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	str, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	return &Relay{stream: str, local: opts.Local, origin: opts.Origin, logger: logger}, nil
}

// Run consumes entries until ctx is done or the sink closes. Malformed
// entries are logged, acknowledged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	sink, err := r.stream.NewSink(ctx, "relay-"+r.origin)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope(evt.Payload)
			if err != nil {
				r.logger.Warn(ctx, "pulse relay skipped malformed entry", "id", evt.ID, "err", err)
			} else if env.Origin != r.origin {
				r.local.Publish(env.Event.JobID, env.Event)
			}
			if err := sink.Ack(ctx, evt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pulse ack: %w", err)
			}
		}
	}
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, err
	}
	if env.Event == nil || env.Event.JobID == "" {
		return env, errors.New("envelope has no event")
	}
	return env, nil
}

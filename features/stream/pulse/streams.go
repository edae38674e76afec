package pulse

import (
	"context"
	"errors"
	"sync"

	clientspulse "goa.design/jobstream/features/stream/pulse/clients/pulse"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/telemetry"
)

type (
	// StreamsOptions configures Streams.
	StreamsOptions struct {
		// Client is shared by the mirror and the relay. Required.
		Client clientspulse.Client
		// Local is the in-process bus. Required.
		Local ledger.Publisher
		// Origin identifies this process. Required.
		Origin string
		// Stream names the Pulse stream. Defaults to DefaultStream.
		Stream string
		// Queue bounds pending mirror writes.
		Queue int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Streams bundles a Mirror and a Relay sharing one Pulse client. Pass
	// Publisher to the ledger and call Start once.
	Streams struct {
		mirror *Mirror
		relay  *Relay
		logger telemetry.Logger
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// NewStreams builds the mirror and the relay.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	mirror, err := NewMirror(MirrorOptions{
		Client: opts.Client,
		Local:  opts.Local,
		Origin: opts.Origin,
		Stream: opts.Stream,
		Queue:  opts.Queue,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	relay, err := NewRelay(RelayOptions{
		Client: opts.Client,
		Local:  opts.Local,
		Origin: opts.Origin,
		Stream: opts.Stream,
		Logger: logger,
	})
	if err != nil {
		_ = mirror.Close(context.Background())
		return nil, err
	}
	return &Streams{mirror: mirror, relay: relay, logger: logger}, nil
}

// Publisher returns the publisher the ledger should use.
func (s *Streams) Publisher() ledger.Publisher { return s.mirror }

// Start runs the relay in the background until Close.
func (s *Streams) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.relay.Run(ctx); err != nil {
			s.logger.Error(ctx, "pulse relay stopped", "err", err)
		}
	}()
}

// Close stops the relay and flushes the mirror.
func (s *Streams) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.mirror.Close(ctx)
}

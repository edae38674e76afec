package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	controlpulse "goa.design/jobstream/features/control/pulse"
	jobmongo "goa.design/jobstream/features/job/mongo"
	jobmongoc "goa.design/jobstream/features/job/mongo/clients/mongo"
	ledgermongo "goa.design/jobstream/features/ledger/mongo"
	ledgermongoc "goa.design/jobstream/features/ledger/mongo/clients/mongo"
	"goa.design/jobstream/features/ledger/sqlite"
	streampulse "goa.design/jobstream/features/stream/pulse"
	clientspulse "goa.design/jobstream/features/stream/pulse/clients/pulse"
	"goa.design/jobstream/runtime/api"
	"goa.design/jobstream/runtime/bus"
	"goa.design/jobstream/runtime/config"
	"goa.design/jobstream/runtime/control"
	"goa.design/jobstream/runtime/job"
	jobinmem "goa.design/jobstream/runtime/job/inmem"
	"goa.design/jobstream/runtime/ledger"
	ledgerinmem "goa.design/jobstream/runtime/ledger/inmem"
	"goa.design/jobstream/runtime/telemetry"
)

type (
	serveOptions struct {
		*rootOptions
		ConfigPath string
	}

	// backends holds the storage selected by the configuration.
	backends struct {
		events  ledger.Store
		jobs    job.Store
		pingers []health.Pinger
		closers []func(context.Context) error
	}
)

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the jobstream HTTP server",
		Long: `Run the jobstream HTTP server.

Configuration is read from the optional YAML file given with --config and
overridden by JOBSTREAM_* environment variables.

Examples:
  jobstream serve
  jobstream serve --config jobstream.yaml
  JOBSTREAM_LEDGER_BACKEND=sqlite jobstream serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Debug {
				cfg.Debug = true
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML configuration file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	format := log.FormatTerminal
	if cfg.LogFormat == config.FormatJSON {
		format = log.FormatJSON
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Address()}, log.KV{K: "backend", V: cfg.Ledger.Backend})

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
	)

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close(context.Background())

	b := bus.New(bus.WithBuffer(cfg.Stream.Buffer), bus.WithLogger(logger), bus.WithMetrics(metrics))
	var (
		publisher ledger.Publisher = b
		canceler  control.Canceler = control.NopCanceler{}
		streams   *streampulse.Streams
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pc, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Redis.StreamMaxLen,
			OperationTimeout: cfg.Redis.Timeout,
		})
		if err != nil {
			return err
		}
		streams, err = streampulse.NewStreams(streampulse.StreamsOptions{
			Client: pc,
			Local:  b,
			Origin: uuid.NewString(),
			Stream: cfg.Redis.Stream,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		streams.Start(ctx)
		publisher = streams.Publisher()
		if canceler, err = controlpulse.NewCanceler(pc); err != nil {
			return err
		}
		be.pingers = append(be.pingers, pc)
	}

	l := ledger.New(be.events, be.jobs,
		ledger.WithPublisher(publisher),
		ledger.WithLogger(logger),
		ledger.WithMetrics(metrics),
		ledger.WithTracer(tracer))
	injector := control.New(be.jobs, l,
		control.WithCanceler(canceler),
		control.WithCancelTimeout(cfg.Control.CancelTimeout),
		control.WithLogger(logger),
		control.WithMetrics(metrics),
		control.WithTracer(tracer))

	server, err := api.New(api.Options{
		Jobs:          be.jobs,
		Ledger:        l,
		Bus:           b,
		Control:       injector,
		KeepAlive:     cfg.Stream.KeepAlive,
		AttachLimiter: rate.NewLimiter(rate.Limit(cfg.HTTP.AttachRate), cfg.HTTP.AttachBurst),
		FilesMaxBytes: cfg.HTTP.FilesMaxBytes,
		Pingers:       be.pingers,
		Debug:         cfg.Debug,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	// Streaming responses are long-lived so the server sets no write timeout.
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.Handler(ctx),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errc := make(chan error, 1)
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.Address())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.Address())

		// Ends every open stream so Shutdown does not wait on them.
		b.Close()
		sctx, scancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf(ctx, err, "failed to shutdown")
		}
		if err := injector.Wait(sctx); err != nil {
			log.Errorf(ctx, err, "pending cancel signals")
		}
		if streams != nil {
			if err := streams.Close(sctx); err != nil {
				log.Errorf(ctx, err, "failed to flush pulse mirror")
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf(ctx, "exiting (%v)", context.Cause(ctx))
	case runErr = <-errc:
		log.Printf(ctx, "exiting (%v)", runErr)
	}
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return runErr
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return &backends{events: ledgerinmem.New(), jobs: jobinmem.New()}, nil

	case config.BackendSQLite:
		st, err := sqlite.Open(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backends{
			events:  st,
			jobs:    st.Jobs(),
			pingers: []health.Pinger{st},
			closers: []func(context.Context) error{func(context.Context) error { return st.Close() }},
		}, nil

	case config.BackendMongo:
		mc, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		be := &backends{closers: []func(context.Context) error{mc.Disconnect}}
		lc, err := ledgermongoc.New(ledgermongoc.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.EventsCollection,
			Timeout:    cfg.Mongo.Timeout,
		})
		if err != nil {
			be.close(ctx)
			return nil, err
		}
		jc, err := jobmongoc.New(jobmongoc.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.JobsCollection,
			Timeout:    cfg.Mongo.Timeout,
		})
		if err != nil {
			be.close(ctx)
			return nil, err
		}
		if be.events, err = ledgermongo.NewStore(lc); err != nil {
			be.close(ctx)
			return nil, err
		}
		if be.jobs, err = jobmongo.NewStore(jc); err != nil {
			be.close(ctx)
			return nil, err
		}
		be.pingers = []health.Pinger{lc, jc}
		return be, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
}

func (b *backends) close(ctx context.Context) {
	for _, c := range b.closers {
		if err := c(ctx); err != nil {
			log.Errorf(ctx, err, "failed to close backend")
		}
	}
}

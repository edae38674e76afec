// Package api exposes the job event stream, the ledger and the control
// signals over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/jobstream/runtime/job"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/stream"
	"goa.design/jobstream/runtime/telemetry"
)

type (
	// Ledger is the subset of *ledger.Ledger used by the API.
	Ledger interface {
		ledger.Reader
		Append(ctx context.Context, jobID string, d ledger.Draft) (*ledger.Event, error)
	}

	// Controller applies user control actions. *control.Injector implements it.
	Controller interface {
		Approve(ctx context.Context, jobID string) (job.Status, error)
		Cancel(ctx context.Context, jobID string) (job.Status, error)
	}

	// Options configures a Server.
	Options struct {
		// Jobs is the job store. Required.
		Jobs job.Store
		// Ledger is the event ledger. Required.
		Ledger Ledger
		// Bus is the live bus sessions subscribe to. Required.
		Bus stream.Subscriber
		// Control applies approve and cancel. Required.
		Control Controller
		// KeepAlive is the session keep-alive interval.
		KeepAlive time.Duration
		// AttachLimiter bounds the rate of new streaming sessions. Nil
		// disables the limit.
		AttachLimiter *rate.Limiter
		// FilesMaxBytes caps files served by the files endpoint.
		FilesMaxBytes int64
		// Pingers are checked by /healthz.
		Pingers []health.Pinger
		// Debug mounts the debug log enabler and logs request bodies.
		Debug bool
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Server implements the HTTP handlers.
	Server struct {
		jobs      job.Store
		ledger    Ledger
		bus       stream.Subscriber
		control   Controller
		keepAlive time.Duration
		limiter   *rate.Limiter
		maxFile   int64
		pingers   []health.Pinger
		debug     bool
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		sessions  atomic.Int64
		vars      func(*http.Request) map[string]string
	}

	// Mount describes a mounted route.
	Mount struct {
		Method  string
		Pattern string
	}
)

const defaultFilesMaxBytes = 1 << 20

// New validates opts and returns a Server.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("job store is required")
	case opts.Ledger == nil:
		return nil, errors.New("ledger is required")
	case opts.Bus == nil:
		return nil, errors.New("bus is required")
	case opts.Control == nil:
		return nil, errors.New("controller is required")
	}
	s := &Server{
		jobs:      opts.Jobs,
		ledger:    opts.Ledger,
		bus:       opts.Bus,
		control:   opts.Control,
		keepAlive: opts.KeepAlive,
		limiter:   opts.AttachLimiter,
		maxFile:   opts.FilesMaxBytes,
		pingers:   opts.Pingers,
		debug:     opts.Debug,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if s.keepAlive <= 0 {
		s.keepAlive = stream.DefaultKeepAlive
	}
	if s.maxFile <= 0 {
		s.maxFile = defaultFilesMaxBytes
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	return s, nil
}

// Mount registers the routes on mux and returns them.
func (s *Server) Mount(mux goahttp.Muxer) []Mount {
	routes := []struct {
		method, pattern string
		h               http.HandlerFunc
	}{
		{"POST", "/jobs", s.createJob},
		{"GET", "/jobs/{id}", s.showJob},
		{"GET", "/jobs/{id}/events/stream", s.streamEvents},
		{"GET", "/jobs/{id}/events", s.listEvents},
		{"POST", "/jobs/{id}/events", s.appendEvent},
		{"POST", "/jobs/{id}/approve", s.approve},
		{"POST", "/jobs/{id}/cancel", s.cancel},
		{"POST", "/jobs/{id}/stop", s.cancel},
		{"GET", "/jobs/{id}/pipeline", s.showPipeline},
		{"GET", "/jobs/{id}/files", s.readFile},
		{"GET", "/livez", health.Handler(health.NewChecker())},
		{"GET", "/healthz", health.Handler(health.NewChecker(s.pingers...))},
	}
	s.vars = mux.Vars
	mounts := make([]Mount, 0, len(routes))
	for _, r := range routes {
		mux.Handle(r.method, r.pattern, r.h)
		mounts = append(mounts, Mount{Method: r.method, Pattern: r.pattern})
	}
	return mounts
}

// Handler builds the muxer, mounts the routes and wraps them with the clue
// logging middleware. Streaming responses bypass the middleware so frames
// are flushed as they are written; they still log through logCtx.
func (s *Server) Handler(logCtx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	if s.debug {
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	for _, m := range s.Mount(mux) {
		log.Print(logCtx, log.KV{K: "method", V: m.Method}, log.KV{K: "route", V: m.Pattern})
	}
	var handler http.Handler = mux
	if s.debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(logCtx)(handler)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events/stream") {
			mux.ServeHTTP(w, r.WithContext(log.WithContext(r.Context(), logCtx)))
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// Sessions returns the number of open streaming sessions.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

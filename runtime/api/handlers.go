package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"

	"goa.design/jobstream/runtime/bus"
	"goa.design/jobstream/runtime/control"
	"goa.design/jobstream/runtime/job"
	"goa.design/jobstream/runtime/ledger"
	"goa.design/jobstream/runtime/pipeline"
	"goa.design/jobstream/runtime/stream"
	"goa.design/jobstream/runtime/stream/sse"
	"goa.design/jobstream/runtime/telemetry"
)

type (
	createJobBody struct {
		ID       string `json:"id"`
		RepoPath string `json:"repo_path,omitempty"`
	}

	eventsBody struct {
		Events []*ledger.Event `json:"events"`
	}

	controlBody struct {
		OK     bool       `json:"ok"`
		JobID  string     `json:"jobId"`
		Status job.Status `json:"status"`
	}

	pipelineBody struct {
		JobID  string        `json:"jobId"`
		Stages pipeline.View `json:"stages"`
		Active string        `json:"active,omitempty"`
	}
)

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body createJobBody
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
		s.fail(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	body.ID = strings.TrimSpace(body.ID)
	if body.ID == "" {
		s.fail(w, r, http.StatusBadRequest, "id is required", nil)
		return
	}
	now := time.Now().UTC()
	j := job.Job{ID: body.ID, Status: job.StatusQueued, RepoPath: body.RepoPath, CreatedAt: now, UpdatedAt: now}
	if err := s.jobs.Create(ctx, j); err != nil {
		if errors.Is(err, job.ErrExists) {
			s.fail(w, r, http.StatusConflict, "job already exists", nil)
			return
		}
		s.fail(w, r, http.StatusInternalServerError, "create job failed", err)
		return
	}
	s.respond(w, r, http.StatusCreated, j)
}

func (s *Server) showJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.respond(w, r, http.StatusOK, j)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.vars(r)["id"]
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.fail(w, r, http.StatusTooManyRequests, "too many stream attach requests", nil)
		return
	}
	after, err := sse.LastEventID(r)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if _, ok := s.loadJob(w, r); !ok {
		return
	}
	tr, err := sse.Start(w)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "streaming unsupported", err)
		return
	}

	s.metrics.RecordGauge(telemetry.MetricSessions, float64(s.sessions.Add(1)))
	defer func() {
		s.metrics.RecordGauge(telemetry.MetricSessions, float64(s.sessions.Add(-1)))
	}()

	sess := stream.NewSession(s.ledger, s.bus, id,
		stream.WithAfter(after),
		stream.WithKeepAlive(s.keepAlive),
		stream.WithLogger(s.logger))
	err = sess.Run(ctx, tr)
	switch {
	case err == nil:
		s.logger.Debug(ctx, "stream closed", "job_id", id, "last_seq", sess.Last())
	case errors.Is(err, bus.ErrSlowConsumer), errors.Is(err, bus.ErrClosed):
		s.logger.Warn(ctx, "stream disconnected", "job_id", id, "last_seq", sess.Last(), "err", err)
	default:
		s.logger.Error(ctx, "stream failed", "job_id", id, "last_seq", sess.Last(), "err", err)
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.vars(r)["id"]
	after, err := sse.LastEventID(r)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if _, ok := s.loadJob(w, r); !ok {
		return
	}
	events, err := s.ledger.ListSince(ctx, id, after)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "list events failed", err)
		return
	}
	if events == nil {
		events = []*ledger.Event{}
	}
	s.respond(w, r, http.StatusOK, eventsBody{Events: events})
}

func (s *Server) appendEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.vars(r)["id"]
	var d ledger.Draft
	if err := goahttp.RequestDecoder(r).Decode(&d); err != nil {
		s.fail(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	e, err := s.ledger.Append(ctx, id, d)
	switch {
	case err == nil:
		s.respond(w, r, http.StatusCreated, e)
	case errors.Is(err, ledger.ErrInvalidJob):
		s.fail(w, r, http.StatusNotFound, "job not found", nil)
	case errors.Is(err, ledger.ErrInvalidKind):
		s.fail(w, r, http.StatusBadRequest, "invalid event kind", nil)
	default:
		s.fail(w, r, http.StatusInternalServerError, "append failed", err)
	}
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.applyControl(w, r, s.control.Approve)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.applyControl(w, r, s.control.Cancel)
}

func (s *Server) applyControl(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) (job.Status, error)) {
	id := s.vars(r)["id"]
	st, err := action(r.Context(), id)
	switch {
	case err == nil:
		s.respond(w, r, http.StatusOK, controlBody{OK: true, JobID: id, Status: st})
	case errors.Is(err, control.ErrJobNotFound):
		s.fail(w, r, http.StatusNotFound, "job not found", nil)
	default:
		s.fail(w, r, http.StatusInternalServerError, "control action failed", err)
	}
}

func (s *Server) showPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.vars(r)["id"]
	if _, ok := s.loadJob(w, r); !ok {
		return
	}
	events, err := s.ledger.ListSince(ctx, id, 0)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "list events failed", err)
		return
	}
	view := pipeline.Infer(events)
	body := pipelineBody{JobID: id, Stages: view}
	if st, ok := view.Active(); ok {
		body.Active = string(st)
	}
	s.respond(w, r, http.StatusOK, body)
}

// loadJob loads the job named by the id route variable, writing a 404 or 500
// response when it cannot.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (job.Job, bool) {
	j, err := s.jobs.Load(r.Context(), s.vars(r)["id"])
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			s.fail(w, r, http.StatusNotFound, "job not found", nil)
		} else {
			s.fail(w, r, http.StatusInternalServerError, "load job failed", err)
		}
		return job.Job{}, false
	}
	return j, true
}

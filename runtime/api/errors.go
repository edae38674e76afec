package api

import (
	"net/http"

	goahttp "goa.design/goa/v3/http"
)

type errorBody struct {
	Error string `json:"error"`
}

// respond encodes v with the goa response encoder negotiated from the
// request Accept header.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	ctx := r.Context()
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Warn(ctx, "encode response", "path", r.URL.Path, "err", err)
	}
}

// fail writes an error body. Server errors are logged with err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), msg, "path", r.URL.Path, "err", err)
	} else if err != nil {
		s.logger.Debug(r.Context(), msg, "path", r.URL.Path, "err", err)
	}
	s.respond(w, r, status, errorBody{Error: msg})
}

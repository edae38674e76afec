// Package sse implements the server-sent events framing used to stream job
// events to observers.
//
// Each event is written as
//
//	id: <seq>
//	event: <kind>
//	data: <json>
//
// followed by a blank line. Keep-alives are comment lines (": ping"). The id
// field lets browsers resume with the standard Last-Event-ID header.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"goa.design/jobstream/runtime/ledger"
)

// ErrStreamingUnsupported indicates the response writer cannot be flushed.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

type (
	// Writer writes SSE frames. It implements stream.Transport and is safe for
	// concurrent use.
	Writer struct {
		mu sync.Mutex
		w  io.Writer
		f  http.Flusher
	}

	// Message is one decoded SSE frame.
	Message struct {
		ID    string
		Event string
		Data  []byte
	}

	// Reader decodes SSE frames.
	Reader struct {
		r *bufio.Reader
	}
)

// streamHeaders are set on every event-stream response.
var streamHeaders = [][2]string{
	{"Content-Type", "text/event-stream"},
	{"Cache-Control", "no-cache"},
	{"Connection", "keep-alive"},
	{"X-Accel-Buffering", "no"},
}

// Start prepares w for streaming: it sets the event-stream headers, commits
// the 200 status line and returns a Writer over w. When w cannot be flushed
// nothing is written and the headers are removed, so the caller can still
// send an error response.
func Start(w http.ResponseWriter) (*Writer, error) {
	h := w.Header()
	for _, kv := range streamHeaders {
		h.Set(kv[0], kv[1])
	}
	if f, ok := w.(http.Flusher); ok {
		w.WriteHeader(http.StatusOK)
		f.Flush()
		return &Writer{w: w, f: f}, nil
	}
	// Middleware wrappers may expose the underlying writer through Unwrap.
	// The first flush commits the status line.
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		for _, kv := range streamHeaders {
			h.Del(kv[0])
		}
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, f: flushFunc(func() { _ = rc.Flush() })}, nil
}

type flushFunc func()

func (fn flushFunc) Flush() { fn() }

// NewWriter returns a Writer over w. Frames are flushed after each write when
// w implements http.Flusher.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, f: f}
}

// Send writes e as one frame.
func (w *Writer) Send(ctx context.Context, e *ledger.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", e.Seq, err)
	}
	return w.write(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data))
}

// KeepAlive writes a comment frame.
func (w *Writer) KeepAlive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.write(": ping\n\n")
}

func (w *Writer) write(frame string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, frame); err != nil {
		return err
	}
	if w.f != nil {
		w.f.Flush()
	}
	return nil
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next frame carrying an event or data. Comment-only frames
// are skipped. It returns io.EOF at the end of the stream.
func (r *Reader) Next() (Message, error) {
	var m Message
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			if errors.Is(err, io.EOF) && m.hasContent() {
				return m, nil
			}
			return Message{}, err
		}
		eof := err != nil
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if m.hasContent() {
				return m, nil
			}
			m.ID = ""
		case strings.HasPrefix(line, ":"):
		default:
			m.parseField(line)
		}
		if eof {
			if m.hasContent() {
				return m, nil
			}
			return Message{}, io.EOF
		}
	}
}

func (m *Message) parseField(line string) {
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "id":
		m.ID = value
	case "event":
		m.Event = value
	case "data":
		if len(m.Data) > 0 {
			m.Data = append(m.Data, '\n')
		}
		m.Data = append(m.Data, value...)
	}
}

func (m *Message) hasContent() bool {
	return m.Event != "" || len(m.Data) > 0
}

// Event decodes the next frame into a ledger event.
func (r *Reader) Event() (*ledger.Event, error) {
	m, err := r.Next()
	if err != nil {
		return nil, err
	}
	return m.Decode()
}

// Decode unmarshals the frame data into a ledger event. When the frame carries
// an id but the payload has no seq, the id is used.
func (m Message) Decode() (*ledger.Event, error) {
	var e ledger.Event
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return nil, fmt.Errorf("decode %q frame: %w", m.Event, err)
	}
	if e.Seq == 0 && m.ID != "" {
		if seq, err := strconv.ParseInt(m.ID, 10, 64); err == nil {
			e.Seq = seq
		}
	}
	return &e, nil
}

// LastEventID parses the Last-Event-ID header or, when absent, the "after"
// query parameter of r. It returns 0 when neither is set.
func LastEventID(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid last event id %q", raw)
	}
	return seq, nil
}

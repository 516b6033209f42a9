package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/JimStenstrom/claude-code-router/internal/stream"
)

// reader adapts a response body to a stream of events.
type reader struct {
	body    io.ReadCloser
	parser  *Parser
	buf     []byte
	pending []Event
	eof     bool

	closeOnce sync.Once
	closeErr  error
}

// NewReader returns a stream of the events in body. Close releases body.
func NewReader(body io.ReadCloser) stream.Reader[Event] {
	return &reader{
		body:   body,
		parser: NewParser(),
		buf:    make([]byte, defaultBufferSize),
	}
}

func (r *reader) Recv() (Event, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return Event{}, io.EOF
		}
		n, err := r.body.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.parser.Feed(r.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
				r.pending = append(r.pending, r.parser.Flush()...)
				continue
			}
			return Event{}, err
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

func (r *reader) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.body.Close() })
	return r.closeErr
}

// =============================================================================
// WRITING
// =============================================================================

// SetHeaders sets the response headers for an event stream.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteAll drains src into w, flushing after every event. src is always closed.
// A clean end of src, or a client that went away, returns nil.
func WriteAll(ctx context.Context, w io.Writer, src stream.Reader[Event]) (int, error) {
	defer func() { _ = src.Close() }()

	flusher, _ := w.(http.Flusher)
	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, nil
		}
		ev, err := src.Recv()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			if stream.IsCancellation(err) {
				return written, nil
			}
			return written, fmt.Errorf("read event stream: %w", err)
		}
		if _, err := w.Write(Encode(ev)); err != nil {
			// Client disconnected.
			return written, nil
		}
		if flusher != nil {
			flusher.Flush()
		}
		written++
	}
}

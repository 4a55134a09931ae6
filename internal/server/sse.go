package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SSEWriter writes Server-Sent Events. Headers are sent with the first event, so
// a handler can still answer with a plain JSON error before anything streams.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

// Started reports whether any event has been written.
func (s *SSEWriter) Started() bool {
	return s.started
}

func (s *SSEWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	// Streams outlive the server's write timeout.
	_ = s.rc.SetWriteDeadline(time.Time{})
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Send writes one event. It satisfies runs.EventSink.
func (s *SSEWriter) Send(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if !s.started {
		s.start()
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	return s.rc.Flush()
}

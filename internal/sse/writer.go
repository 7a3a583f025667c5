// Package sse implements the server-sent-event transport used by every
// streaming endpoint: each event is one line of JSON in a "data:" field, and
// a literal [DONE] marks logical end of stream.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"sandboxd/internal/logging"
)

// DoneSentinel is the payload of the final event on natural completion.
const DoneSentinel = "[DONE]"

// Writer serializes events onto an HTTP response, flushing per event so the
// client sees chunks as they happen.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter prepares w for event streaming and returns the writer. The
// returned bool is false when the underlying writer cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, f: f}, true
}

// Send marshals v to single-line JSON and writes it as one event.
func (s *Writer) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Done writes the end-of-stream sentinel.
func (s *Writer) Done() {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", DoneSentinel); err != nil {
		logging.Named("sse").Sugar().Debugf("done sentinel write failed: %v", err)
		return
	}
	s.f.Flush()
}

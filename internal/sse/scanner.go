package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"sandboxd/internal/logging"
)

// Scanner incrementally parses an SSE byte stream. It tolerates chunked
// boundaries by buffering until a blank line, skips comment lines, and drops
// events whose payload is not valid JSON.
type Scanner struct {
	r      *bufio.Reader
	closer io.Closer
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScanner wraps body. Cancelling ctx aborts the in-progress read by
// closing the body on every exit path.
func NewScanner(ctx context.Context, body io.ReadCloser) *Scanner {
	sctx, cancel := context.WithCancel(ctx)
	s := &Scanner{
		r:      bufio.NewReader(body),
		closer: body,
		ctx:    sctx,
		cancel: cancel,
	}
	go func() {
		<-sctx.Done()
		body.Close()
	}()
	return s
}

// Close releases the underlying reader. Idempotent.
func (s *Scanner) Close() {
	s.cancel()
}

// Next returns the raw JSON payload of the next event. It returns io.EOF on
// the [DONE] sentinel and on stream end.
func (s *Scanner) Next() (json.RawMessage, error) {
	var data strings.Builder
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, s.ctx.Err()
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// Event boundary.
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			if payload == DoneSentinel {
				return nil, io.EOF
			}
			if !json.Valid([]byte(payload)) {
				logging.Named("sse").Sugar().Debugf("dropping malformed event: %.80s", payload)
				continue
			}
			return json.RawMessage(payload), nil
		case strings.HasPrefix(line, ":"):
			// Comment line.
			continue
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Field we do not use (event:, id:, retry:).
			continue
		}
	}
}

// Decode reads the next event into v.
func (s *Scanner) Decode(v any) error {
	raw, err := s.Next()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

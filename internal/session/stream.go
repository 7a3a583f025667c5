package session

import (
	"context"
	"os"
	"time"

	"sandboxd/internal/sberrors"
	"sandboxd/internal/shell"
)

// StreamEvent is one element of a streaming exec. The first event is always
// "start"; exactly one "complete" or "error" ends the stream.
type StreamEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command,omitempty"`
	Data      string      `json:"data,omitempty"`
	ExitCode  *int        `json:"exitCode,omitempty"`
	Result    *ExecResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

const streamPollInterval = 100 * time.Millisecond

// ExecStream runs command and returns a finite, non-restartable event
// sequence. Output is picked up by polling the growing out/err files; every
// byte written before completion is delivered before the terminal event.
func (s *Session) ExecStream(ctx context.Context, command string, timeout time.Duration) (<-chan StreamEvent, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	pc, cleanup, err := s.dispatch(command, "", shell.MarkerStreamDone)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	events <- StreamEvent{Type: "start", Timestamp: time.Now(), Command: command}

	go func() {
		defer close(events)
		defer cleanup()

		var outOff, errOff int64
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		emitTail := func() {
			outOff = emitNew(events, "stdout", pc.files.Out, outOff)
			errOff = emitNew(events, "stderr", pc.files.Err, errOff)
		}

		for {
			select {
			case <-ticker.C:
				emitTail()

			case derr := <-pc.done:
				if derr != nil {
					events <- StreamEvent{Type: "error", Timestamp: time.Now(), Error: derr.Error()}
					shell.Cleanup(pc.files)
					return
				}
				// Drain whatever the poller has not seen yet, then finish.
				emitTail()
				res, rerr := readResult(pc.files)
				shell.Cleanup(pc.files)
				if rerr != nil {
					events <- StreamEvent{Type: "error", Timestamp: time.Now(), Error: rerr.Error()}
					return
				}
				code := res.ExitCode
				events <- StreamEvent{Type: "complete", Timestamp: time.Now(), ExitCode: &code, Result: res}
				return

			case <-timer.C:
				if pc.completed.CompareAndSwap(false, true) {
					shell.Cleanup(pc.files)
					err := sberrors.E(sberrors.CommandTimeout, "command timed out after %s", timeout)
					events <- StreamEvent{Type: "error", Timestamp: time.Now(), Error: err.Error()}
					return
				}
				// Completion won; the done case will run next iteration.

			case <-ctx.Done():
				if pc.completed.CompareAndSwap(false, true) {
					shell.Cleanup(pc.files)
					events <- StreamEvent{Type: "error", Timestamp: time.Now(), Error: "stream aborted: " + ctx.Err().Error()}
					return
				}
			}
		}
	}()

	return events, nil
}

// emitNew reads bytes past offset from path and emits them as one event.
// Returns the new offset. Read errors are left for the terminal readResult.
func emitNew(events chan<- StreamEvent, typ, path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return offset
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.ReadAt(buf, offset)
	if n > 0 {
		events <- StreamEvent{Type: typ, Timestamp: time.Now(), Data: string(buf[:n])}
		offset += int64(n)
	}
	_ = err
	return offset
}

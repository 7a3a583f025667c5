// Package interp provides per-language code interpreter contexts with
// persistent bindings. Each context owns one long-lived kernel child process
// speaking line-JSON over stdio.
package interp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
)

// Event is one typed element of an execution's output stream, as emitted by
// the kernel bootstrap.
type Event struct {
	Type           string            `json:"type"`
	ID             string            `json:"id,omitempty"`
	Text           string            `json:"text,omitempty"`
	Ename          string            `json:"ename,omitempty"`
	Evalue         string            `json:"evalue,omitempty"`
	Traceback      []string          `json:"traceback,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	ExecutionCount int               `json:"execution_count,omitempty"`
	Timestamp      time.Time         `json:"timestamp,omitempty"`
}

type codeRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// kernel supervises one language runtime child. Executions serialize on mu;
// the reader goroutine routes decoded events to the in-flight execution.
type kernel struct {
	mu    sync.Mutex
	stdin io.WriteCloser
	kill  func()
	ready atomic.Bool
	dead  atomic.Bool
	log   *zap.Logger

	curMu sync.Mutex
	cur   chan Event
}

// startKernel spawns the language child and begins decoding its stdout.
func startKernel(language, cwd string, env map[string]string) (*kernel, error) {
	cmd, err := kernelCommand(language)
	if err != nil {
		return nil, err
	}
	if cwd != "" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		e := cmd.Environ()
		for k, v := range env {
			e = append(e, k+"="+v)
		}
		cmd.Env = e
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, sberrors.Wrap(sberrors.ProcessSpawnFailed, err, "kernel stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, sberrors.Wrap(sberrors.ProcessSpawnFailed, err, "kernel stdout: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, sberrors.Wrap(sberrors.ProcessSpawnFailed, err, "kernel stderr: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, sberrors.Wrap(sberrors.ProcessSpawnFailed, err, "spawn %s kernel: %v", language, err)
	}

	k := &kernel{
		stdin: stdin,
		log:   logging.Named("interp").With(zap.String("language", language)),
		kill: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
	}

	go k.read(stdout)
	go io.Copy(io.Discard, stderr)
	go func() {
		_ = cmd.Wait()
		k.dead.Store(true)
		k.ready.Store(false)
		k.deliver(Event{Type: "kernel_exit"})
	}()

	return k, nil
}

func (k *kernel) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			k.log.Debug("dropping malformed kernel line", zap.ByteString("line", line))
			continue
		}
		if ev.Type == "ready" {
			k.ready.Store(true)
			continue
		}
		ev.Timestamp = time.Now()
		k.deliver(ev)
	}
}

func (k *kernel) deliver(ev Event) {
	k.curMu.Lock()
	cur := k.cur
	k.curMu.Unlock()
	if cur == nil {
		return
	}
	select {
	case cur <- ev:
	default:
		// A stalled consumer must not wedge the kernel reader.
		k.log.Warn("dropping kernel event, consumer too slow", zap.String("type", ev.Type))
	}
}

// execute submits code and forwards its events to emit until the kernel
// signals execution_complete, the timeout fires, or ctx is cancelled.
func (k *kernel) execute(ctx context.Context, id, code string, timeout time.Duration, emit func(Event)) error {
	if k.dead.Load() {
		return sberrors.E(sberrors.InterpreterNotReady, "interpreter process has exited")
	}
	if !k.ready.Load() {
		return sberrors.E(sberrors.InterpreterNotReady, "interpreter is initializing")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	cur := make(chan Event, 256)
	k.curMu.Lock()
	k.cur = cur
	k.curMu.Unlock()
	defer func() {
		k.curMu.Lock()
		k.cur = nil
		k.curMu.Unlock()
	}()

	req, err := json.Marshal(codeRequest{ID: id, Code: code})
	if err != nil {
		return sberrors.Wrap(sberrors.InternalError, err, "encode request: %v", err)
	}
	if _, err := k.stdin.Write(append(req, '\n')); err != nil {
		return sberrors.Wrap(sberrors.InterpreterNotReady, err, "write to interpreter: %v", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-cur:
			switch ev.Type {
			case "execution_complete":
				emit(ev)
				return nil
			case "kernel_exit":
				return sberrors.E(sberrors.InterpreterNotReady, "interpreter process has exited")
			default:
				emit(ev)
			}
		case <-timer.C:
			return sberrors.E(sberrors.CommandTimeout, "code execution timed out after %s", timeout)
		case <-ctx.Done():
			return sberrors.Wrap(sberrors.CommandExecutionError, ctx.Err(), "execution aborted: %v", ctx.Err())
		}
	}
}

func (k *kernel) close() {
	k.kill()
}

// Package session exposes exec, streaming exec and env/cwd operations scoped
// to one persistent shell per session.
package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/sberrors"
	"sandboxd/internal/shell"
)

// State of a session. Transitions are total: Initializing -> Ready -> Terminated.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateTerminated
)

// ExecResult is the aggregate outcome of a blocking exec.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Success  bool   `json:"success"`
}

// pendingCommand tracks one dispatched command until its completion marker or
// timeout wins the race. The completed flag is the single-writer guard: the
// first CompareAndSwap winner owns cleanup.
type pendingCommand struct {
	id        string
	files     shell.CommandFiles
	completed atomic.Bool
	done      chan error
}

// Session is a named bundle of shell state: env, cwd, one shell child and the
// pending command set.
type Session struct {
	ID        string
	CreatedAt time.Time

	host    *shell.Host
	sweeper *shell.Sweeper
	state   atomic.Int32
	log     *zap.Logger

	mu  sync.Mutex
	env map[string]string
	cwd string

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	defaultTimeout time.Duration
}

func (s *Session) State() State { return State(s.state.Load()) }

// handleShellExit terminates the session and drains every pending command.
func (s *Session) handleShellExit(exitCode *int) {
	prev := s.state.Swap(int32(StateTerminated))

	msg := "shell terminated unexpectedly"
	if exitCode != nil {
		msg = fmt.Sprintf("shell terminated unexpectedly (exit code %d)", *exitCode)
	}
	err := sberrors.E(sberrors.ShellTerminatedUnexpectedly, "%s", msg)

	s.pendingMu.Lock()
	pending := make([]*pendingCommand, 0, len(s.pending))
	for _, pc := range s.pending {
		pending = append(pending, pc)
	}
	s.pendingMu.Unlock()

	for _, pc := range pending {
		if pc.completed.CompareAndSwap(false, true) {
			shell.Cleanup(pc.files)
			pc.done <- err
		}
	}
	if State(prev) != StateTerminated {
		s.log.Warn("session terminated by shell death", zap.String("session", s.ID))
	}
}

func (s *Session) addPending(pc *pendingCommand) {
	s.pendingMu.Lock()
	s.pending[pc.id] = pc
	s.pendingMu.Unlock()
}

func (s *Session) removePending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// ownsFile reports whether a temp-dir entry backs a still-pending command.
// Entry names are "<kind>-<commandId>"; anything else is sweepable.
func (s *Session) ownsFile(name string) bool {
	i := strings.IndexByte(name, '-')
	if i < 0 {
		return false
	}
	id := name[i+1:]
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pending[id]
	return ok
}

func (s *Session) checkReady() error {
	switch s.State() {
	case StateTerminated:
		return sberrors.E(sberrors.SessionTerminated, "session %s is terminated", s.ID)
	default:
		return nil
	}
}

// markerObserver returns a stdout chunk callback that fires once when
// "<marker>:<id>" appears, tolerating chunk boundaries mid-marker. A stale
// marker for an already-completed command is silently ignored.
func markerObserver(marker string, fire func()) func([]byte) {
	var tail []byte
	var fired bool
	needle := []byte(marker)
	return func(chunk []byte) {
		if fired {
			return
		}
		buf := append(tail, chunk...)
		if bytes.Contains(buf, needle) {
			fired = true
			fire()
			return
		}
		if len(buf) > len(needle) {
			buf = buf[len(buf)-len(needle):]
		}
		tail = append([]byte(nil), buf...)
	}
}

// dispatch creates command files, registers the marker observer and writes
// the script. The returned cleanup unregisters the observer and drops the
// pending entry; it does not remove temp files.
func (s *Session) dispatch(command, overrideCwd, marker string) (*pendingCommand, func(), error) {
	id := shell.NewCommandID()
	files, err := s.host.CreateCommandFiles(id, command)
	if err != nil {
		return nil, nil, err
	}

	pc := &pendingCommand{id: id, files: files, done: make(chan error, 1)}
	s.addPending(pc)

	full := marker + ":" + id
	unobserve := s.host.Observe(markerObserver(full, func() {
		if pc.completed.CompareAndSwap(false, true) {
			pc.done <- nil
		}
	}))

	if err := s.host.Dispatch(id, files, overrideCwd, marker); err != nil {
		unobserve()
		s.removePending(id)
		shell.Cleanup(files)
		return nil, nil, err
	}

	cleanup := func() {
		unobserve()
		s.removePending(id)
	}
	return pc, cleanup, nil
}

// Exec runs command in the session's shell and blocks until completion or
// timeout. A zero timeout selects the session default.
func (s *Session) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	pc, cleanup, err := s.dispatch(command, "", shell.MarkerDone)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-pc.done:
		if err != nil {
			return nil, err
		}
		res, rerr := readResult(pc.files)
		shell.Cleanup(pc.files)
		return res, rerr

	case <-timer.C:
		if pc.completed.CompareAndSwap(false, true) {
			shell.Cleanup(pc.files)
			return nil, sberrors.E(sberrors.CommandTimeout, "command timed out after %s", timeout).
				WithDetail("timeoutMs", timeout.Milliseconds())
		}
		// Lost the race: the marker fired between timer and CAS.
		if err := <-pc.done; err != nil {
			return nil, err
		}
		res, rerr := readResult(pc.files)
		shell.Cleanup(pc.files)
		return res, rerr

	case <-ctx.Done():
		if pc.completed.CompareAndSwap(false, true) {
			shell.Cleanup(pc.files)
			return nil, sberrors.Wrap(sberrors.CommandExecutionError, ctx.Err(), "execution aborted: %v", ctx.Err())
		}
		if err := <-pc.done; err != nil {
			return nil, err
		}
		res, rerr := readResult(pc.files)
		shell.Cleanup(pc.files)
		return res, rerr
	}
}

func readResult(files shell.CommandFiles) (*ExecResult, error) {
	stdout, err := os.ReadFile(files.Out)
	if err != nil {
		return nil, sberrors.Wrap(sberrors.IPCReadError, err, "read stdout file: %v", err)
	}
	stderr, err := os.ReadFile(files.Err)
	if err != nil {
		return nil, sberrors.Wrap(sberrors.IPCReadError, err, "read stderr file: %v", err)
	}
	exitRaw, err := os.ReadFile(files.Exit)
	if err != nil {
		return nil, sberrors.Wrap(sberrors.IPCReadError, err, "read exit file: %v", err)
	}
	exitCode, err := strconv.Atoi(strings.TrimSpace(string(exitRaw)))
	if err != nil {
		exitCode = -1
	}
	return &ExecResult{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		ExitCode: exitCode,
		Success:  exitCode == 0,
	}, nil
}

// SetEnv applies an environment patch to the running shell, so later commands
// in this session observe the new values.
func (s *Session) SetEnv(ctx context.Context, patch map[string]string) error {
	if len(patch) == 0 {
		return nil
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shell.Quote(patch[k]))
	}
	res, err := s.Exec(ctx, b.String(), 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return sberrors.E(sberrors.CommandExecutionError, "setting environment failed: %s", strings.TrimSpace(res.Stderr))
	}

	s.mu.Lock()
	for k, v := range patch {
		s.env[k] = v
	}
	s.mu.Unlock()
	return nil
}

// Env returns a snapshot of the env vars set through this session.
func (s *Session) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// Cwd asks the shell for its current working directory. The shell is the
// source of truth: user commands may have cd'd since the last SetCwd.
func (s *Session) Cwd(ctx context.Context) (string, error) {
	res, err := s.Exec(ctx, "pwd", 0)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", sberrors.E(sberrors.CommandExecutionError, "pwd failed: %s", strings.TrimSpace(res.Stderr))
	}
	cwd := strings.TrimSpace(res.Stdout)
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
	return cwd, nil
}

// SetCwd changes the session's working directory.
func (s *Session) SetCwd(ctx context.Context, path string) error {
	if !strings.HasPrefix(path, "/") {
		return sberrors.E(sberrors.InvalidRequest, "cwd must be an absolute path: %q", path)
	}
	res, err := s.Exec(ctx, "cd "+shell.Quote(path), 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return sberrors.E(sberrors.FileNotFound, "cannot cd to %s: %s", path, strings.TrimSpace(res.Stderr)).
			WithDetail("path", path)
	}
	s.mu.Lock()
	s.cwd = path
	s.mu.Unlock()
	return nil
}

// Close terminates the session's shell.
func (s *Session) Close() {
	s.state.Store(int32(StateTerminated))
	s.host.Close()
}

// shutdown closes the session and stops its temp-file sweeper.
func (s *Session) shutdown() {
	s.Close()
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
}

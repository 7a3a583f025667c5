// Package process tracks detached background processes: lifecycle, log
// capture and real-time log streaming. Processes belong to the sandbox, not
// to the creating session, so a list sees processes from every session.
package process

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
)

// Status of a background process. running is the only non-terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusKilled    Status = "killed"
	StatusFailed    Status = "failed"
)

// Info is the stable JSON shape returned for a process.
type Info struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	PID       int        `json:"pid"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// LogEvent is one element of a log stream.
type LogEvent struct {
	Type string `json:"type"` // stdout, stderr, exit
	Data string `json:"data,omitempty"`
	Code *int   `json:"code,omitempty"`
}

// Process is one tracked background process.
type Process struct {
	mu        sync.Mutex
	id        string
	command   string
	pid       int
	status    Status
	startTime time.Time
	endTime   *time.Time
	exitCode  *int
	sessionID string

	cmd           *exec.Cmd
	stdout        *logBuffer
	stderr        *logBuffer
	killRequested bool
	done          chan struct{}
}

// Info snapshots the process state.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ID:        p.id,
		Command:   p.command,
		PID:       p.pid,
		Status:    p.status,
		StartTime: p.startTime,
		EndTime:   p.endTime,
		ExitCode:  p.exitCode,
		SessionID: p.sessionID,
	}
}

// Manager owns the processId -> Process map for one sandbox.
type Manager struct {
	mu        sync.RWMutex
	processes map[string]*Process
	cwd       string
	log       *zap.Logger
}

// NewManager builds a process manager. cwd is the working directory for
// spawned processes.
func NewManager(cwd string) *Manager {
	return &Manager{
		processes: make(map[string]*Process),
		cwd:       cwd,
		log:       logging.Named("process"),
	}
}

// StartOptions for Start.
type StartOptions struct {
	Command   string
	ProcessID string
	SessionID string
	Env       map[string]string
	Cwd       string
}

// Start spawns a detached process running opts.Command under bash -c.
func (m *Manager) Start(opts StartOptions) (*Process, error) {
	id := opts.ProcessID
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	if _, exists := m.processes[id]; exists {
		m.mu.Unlock()
		return nil, sberrors.E(sberrors.ProcessIDInUse, "process id %s is already in use", id).
			WithDetail("processId", id)
	}
	m.mu.Unlock()

	cmd := exec.Command("bash", "-c", opts.Command)
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.cwd
	}
	cmd.Dir = cwd
	if len(opts.Env) > 0 {
		env := cmd.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	// Own process group so a kill reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{
		id:        id,
		command:   opts.Command,
		status:    StatusRunning,
		startTime: time.Now(),
		sessionID: opts.SessionID,
		cmd:       cmd,
		stdout:    newLogBuffer(),
		stderr:    newLogBuffer(),
		done:      make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, sberrors.Wrap(sberrors.ProcessSpawnFailed, err, "failed to start process: %v", err)
	}
	p.pid = cmd.Process.Pid

	m.mu.Lock()
	if _, exists := m.processes[id]; exists {
		m.mu.Unlock()
		_ = syscall.Kill(-p.pid, syscall.SIGKILL)
		return nil, sberrors.E(sberrors.ProcessIDInUse, "process id %s is already in use", id)
	}
	m.processes[id] = p
	m.mu.Unlock()

	go m.reap(p)

	m.log.Info("process started",
		zap.String("id", id), zap.Int("pid", p.pid), zap.String("command", opts.Command))
	return p, nil
}

// reap waits for the process and applies the terminal transition exactly once.
func (m *Manager) reap(p *Process) {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	now := time.Now()
	p.endTime = &now
	p.exitCode = &code
	switch {
	case p.killRequested:
		p.status = StatusKilled
	case code == 0:
		p.status = StatusCompleted
	default:
		p.status = StatusFailed
	}
	p.mu.Unlock()

	p.stdout.close()
	p.stderr.close()
	close(p.done)
}

// Get returns a process by id.
func (m *Manager) Get(id string) (*Process, error) {
	m.mu.RLock()
	p := m.processes[id]
	m.mu.RUnlock()
	if p == nil {
		return nil, sberrors.E(sberrors.ProcessNotFound, "process %s not found", id).
			WithDetail("processId", id)
	}
	return p, nil
}

// List snapshots every process in the sandbox.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.processes))
	for _, p := range m.processes {
		out = append(out, p.Info())
	}
	return out
}

// Kill sends SIGTERM to the process group. Killing an already-terminal
// process succeeds; killing an unknown id does not.
func (m *Manager) Kill(id string) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.status != StatusRunning {
		p.mu.Unlock()
		return nil
	}
	p.killRequested = true
	pid := p.pid
	p.mu.Unlock()

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return sberrors.Wrap(sberrors.ProcessError, err, "failed to signal process %s: %v", id, err)
	}
	return nil
}

// KillAll terminates every running process, returning how many were signaled.
// Individual kill failures are not surfaced.
func (m *Manager) KillAll() int {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	cleaned := 0
	for _, p := range procs {
		if p.Info().Status != StatusRunning {
			continue
		}
		if err := m.Kill(p.id); err == nil {
			cleaned++
		}
	}
	return cleaned
}

// Logs returns a snapshot of the captured output.
func (m *Manager) Logs(id string) (stdout, stderr string, err error) {
	p, err := m.Get(id)
	if err != nil {
		return "", "", err
	}
	return string(p.stdout.Snapshot()), string(p.stderr.Snapshot()), nil
}

// StreamLogs streams stdout/stderr bytes as they appear, ending with an exit
// event once the process terminates. Byte order within each stream is
// preserved; no cross-stream ordering is guaranteed.
func (m *Manager) StreamLogs(ctx context.Context, id string) (<-chan LogEvent, error) {
	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	events := make(chan LogEvent, 16)
	var wg sync.WaitGroup

	stop := func() bool { return ctx.Err() != nil }
	go func() {
		// Wake blocked readers when the subscriber goes away.
		select {
		case <-ctx.Done():
			p.stdout.wake()
			p.stderr.wake()
		case <-p.done:
		}
	}()

	pump := func(buf *logBuffer, typ string) {
		defer wg.Done()
		cursor := 0
		for {
			chunk, next, ok := buf.next(cursor, stop)
			if !ok || stop() {
				return
			}
			cursor = next
			select {
			case events <- LogEvent{Type: typ, Data: string(chunk)}:
			case <-ctx.Done():
				return
			}
		}
	}

	wg.Add(2)
	go pump(p.stdout, "stdout")
	go pump(p.stderr, "stderr")

	go func() {
		wg.Wait()
		select {
		case <-p.done:
			info := p.Info()
			select {
			case events <- LogEvent{Type: "exit", Code: info.ExitCode}:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
		close(events)
	}()

	return events, nil
}

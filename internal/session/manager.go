package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
	"sandboxd/internal/shell"
)

// Options for creating a session.
type Options struct {
	ID  string
	Env map[string]string
	Cwd string
}

// Manager owns the sessionId -> Session map for one sandbox.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	defaultMu sync.Mutex // single-flight guard for the default session

	sandboxName    string
	defaultCwd     string
	tempDir        string
	defaultTimeout time.Duration

	sweepInterval time.Duration
	tempMaxAge    time.Duration
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	SandboxName    string
	DefaultCwd     string
	TempDir        string
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
	TempMaxAge     time.Duration
}

// NewManager builds a session manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.DefaultCwd == "" {
		opts.DefaultCwd = "/workspace"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		sandboxName:    opts.SandboxName,
		defaultCwd:     opts.DefaultCwd,
		tempDir:        opts.TempDir,
		defaultTimeout: opts.DefaultTimeout,
		sweepInterval:  opts.SweepInterval,
		tempMaxAge:     opts.TempMaxAge,
	}
}

// Create spawns a new session with its own shell. A caller-supplied id must
// be unused.
func (m *Manager) Create(opts Options) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.defaultCwd
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, sberrors.FromFSError(err, cwd)
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, sberrors.E(sberrors.InvalidRequest, "session %s already exists", id)
	}
	m.mu.Unlock()

	s := &Session{
		ID:             id,
		CreatedAt:      time.Now(),
		env:            map[string]string{},
		cwd:            cwd,
		pending:        map[string]*pendingCommand{},
		defaultTimeout: m.defaultTimeout,
		log:            logging.Named("session"),
	}
	for k, v := range opts.Env {
		s.env[k] = v
	}

	host, err := shell.Start(shell.Options{
		Env:     opts.Env,
		Cwd:     cwd,
		TempDir: m.tempDir,
		OnExit:  s.handleShellExit,
	})
	if err != nil {
		return nil, err
	}
	s.host = host
	s.state.Store(int32(StateReady))

	sweeper := shell.NewSweeper(host.TempDir(), m.sweepInterval, m.tempMaxAge, s.ownsFile)
	sweeper.Start()
	s.sweeper = sweeper

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		s.Close()
		sweeper.Stop()
		return nil, sberrors.E(sberrors.InvalidRequest, "session %s already exists", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// Get returns the session or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List snapshots all sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Delete terminates and removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return sberrors.E(sberrors.InvalidRequest, "session %s not found", id)
	}
	s.shutdown()
	return nil
}

// DefaultName is the id of the sandbox-scoped default session.
func (m *Manager) DefaultName() string {
	if m.sandboxName != "" {
		return fmt.Sprintf("sandbox-%s", m.sandboxName)
	}
	return "sandbox-default"
}

// Default returns the per-sandbox default session, creating it on first use
// under a single-flight guard.
func (m *Manager) Default() (*Session, error) {
	name := m.DefaultName()
	if s := m.Get(name); s != nil {
		return s, nil
	}

	m.defaultMu.Lock()
	defer m.defaultMu.Unlock()
	if s := m.Get(name); s != nil {
		return s, nil
	}
	return m.Create(Options{ID: name})
}

// Resolve returns the session for id, or the default session when id is
// empty. An unknown explicit id is an error.
func (m *Manager) Resolve(id string) (*Session, error) {
	if id == "" {
		return m.Default()
	}
	if s := m.Get(id); s != nil {
		return s, nil
	}
	return nil, sberrors.E(sberrors.InvalidRequest, "session %s not found", id)
}

// CloseAll terminates every session. Used at sandbox teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
}

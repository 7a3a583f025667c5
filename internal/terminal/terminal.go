// Package terminal provides interactive PTY sessions bridged over WebSocket.
// Unlike shell sessions, terminal I/O is raw: keystrokes in, terminal bytes
// out, with resize and signal control messages on the side.
package terminal

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
)

// Message is the WebSocket frame exchanged with the client.
type Message struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
	Cols   uint16 `json:"cols,omitempty"`
	Signal string `json:"signal,omitempty"`
}

const (
	MsgInput  = "input"
	MsgOutput = "output"
	MsgResize = "resize"
	MsgSignal = "signal"
	MsgPing   = "ping"
	MsgPong   = "pong"
	MsgError  = "error"
	MsgExit   = "exit"
)

// Session is one PTY-backed terminal.
type Session struct {
	ID         string    `json:"id"`
	Shell      string    `json:"shell"`
	Cwd        string    `json:"cwd"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
	Rows       uint16    `json:"rows"`
	Cols       uint16    `json:"cols"`

	cmd  *exec.Cmd
	pty  *os.File
	mu   sync.Mutex
	done chan struct{}
	env  map[string]string
}

// CreateOptions configure a new terminal session.
type CreateOptions struct {
	Shell string
	Cwd   string
	Rows  uint16
	Cols  uint16
	Env   map[string]string
}

// Manager owns terminal sessions and their TTL cleanup.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	ttl         time.Duration
	defaultCwd  string
	upgrader    websocket.Upgrader
	log         *zap.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewManager builds a terminal manager rooted at defaultCwd.
func NewManager(defaultCwd string) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: 100,
		ttl:         30 * time.Minute,
		defaultCwd:  defaultCwd,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:  logging.Named("terminal"),
		stop: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Create registers a new session without starting its PTY. The PTY starts
// lazily on the first WebSocket attach.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, sberrors.E(sberrors.InternalError, "terminal session limit reached (%d)", m.maxSessions)
	}

	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	if _, err := os.Stat(shell); err != nil {
		shell = "/bin/sh"
		if _, err := os.Stat(shell); err != nil {
			return nil, sberrors.E(sberrors.ShellSpawnFailed, "no shell available")
		}
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.defaultCwd
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, sberrors.FromFSError(err, cwd)
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	s := &Session{
		ID:         uuid.New().String(),
		Shell:      shell,
		Cwd:        cwd,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
		Rows:       rows,
		Cols:       cols,
		done:       make(chan struct{}),
		env:        opts.Env,
	}
	m.sessions[s.ID] = s
	return s, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, sberrors.E(sberrors.ProcessNotFound, "terminal session %s not found", id).
			WithDetail("terminalId", id)
	}
	return s, nil
}

// List returns the sessions sorted by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete tears down a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return sberrors.E(sberrors.ProcessNotFound, "terminal session %s not found", id).
			WithDetail("terminalId", id)
	}
	s.stopPTY()
	return nil
}

// Close tears down every session and stops the cleanup loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.stopPTY()
	}
}

func (m *Manager) cleanupLoop() {
	tick := time.NewTicker(5 * time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			m.mu.Lock()
			now := time.Now()
			for id, s := range m.sessions {
				if now.Sub(s.LastActive) > m.ttl {
					delete(m.sessions, id)
					s.stopPTY()
					m.log.Info("reaped idle terminal session", zap.String("id", id))
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// startPTY spawns the shell under a PTY with the session's size.
func (s *Session) startPTY() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty != nil {
		return nil
	}

	cmd := exec.Command(s.Shell)
	cmd.Dir = s.Cwd
	env := os.Environ()
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.Rows, Cols: s.Cols})
	if err != nil {
		return sberrors.Wrap(sberrors.ShellSpawnFailed, err, "start pty: %v", err)
	}
	s.cmd = cmd
	s.pty = ptmx
	return nil
}

func (s *Session) stopPTY() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.pty != nil {
		s.pty.Close()
		s.pty = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
}

// Resize changes the PTY window size.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil {
		return sberrors.E(sberrors.ShellNotAlive, "terminal not started")
	}
	s.Rows, s.Cols = rows, cols
	if err := pty.Setsize(s.pty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return sberrors.Wrap(sberrors.InternalError, err, "resize pty: %v", err)
	}
	return nil
}

// Attach upgrades the request to a WebSocket and bridges it to the PTY. It
// returns when the client disconnects or the PTY exits.
func (m *Manager) Attach(w http.ResponseWriter, r *http.Request, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := s.startPTY(); err != nil {
		return err
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return sberrors.Wrap(sberrors.InternalError, err, "websocket upgrade: %v", err)
	}
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(msg Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		writeMu.Lock()
		ws.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
	}

	go m.pumpOutput(s, send)
	m.readClient(s, ws, send)
	return nil
}

// pumpOutput copies PTY output to the client until the PTY closes.
func (m *Manager) pumpOutput(s *Session, send func(Message)) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		s.mu.Lock()
		ptmx := s.pty
		s.mu.Unlock()
		if ptmx == nil {
			return
		}
		n, err := ptmx.Read(buf)
		if n > 0 {
			send(Message{Type: MsgOutput, Data: string(buf[:n])})
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debug("pty read ended", zap.Error(err))
			}
			send(Message{Type: MsgExit, Data: "terminal session ended"})
			return
		}
	}
}

// readClient processes input, resize, signal and ping frames.
func (m *Manager) readClient(s *Session, ws *websocket.Conn, send func(Message)) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Debug("terminal websocket closed", zap.Error(err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Debug("dropping malformed terminal frame", zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.LastActive = time.Now()
		ptmx := s.pty
		cmd := s.cmd
		s.mu.Unlock()

		switch msg.Type {
		case MsgInput:
			if ptmx != nil {
				ptmx.Write([]byte(msg.Data))
			}
		case MsgResize:
			if msg.Rows > 0 && msg.Cols > 0 {
				if err := s.Resize(msg.Rows, msg.Cols); err != nil {
					send(Message{Type: MsgError, Data: err.Error()})
				}
			}
		case MsgSignal:
			if cmd != nil && cmd.Process != nil {
				switch msg.Signal {
				case "SIGINT":
					cmd.Process.Signal(os.Interrupt)
				case "SIGTERM", "SIGKILL":
					cmd.Process.Kill()
				}
			}
		case MsgPing:
			send(Message{Type: MsgPong})
		}
	}
}

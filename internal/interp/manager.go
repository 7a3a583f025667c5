package interp

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
)

// Context is a language kernel with persistent bindings across executions.
type Context struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`

	kernel *kernel
	mu     sync.Mutex
}

// RichResult is a display payload; callers inspect whichever fields are
// non-empty.
type RichResult struct {
	Text           string         `json:"text,omitempty"`
	HTML           string         `json:"html,omitempty"`
	PNG            string         `json:"png,omitempty"`
	JPEG           string         `json:"jpeg,omitempty"`
	SVG            string         `json:"svg,omitempty"`
	Latex          string         `json:"latex,omitempty"`
	Markdown       string         `json:"markdown,omitempty"`
	JavaScript     string         `json:"javascript,omitempty"`
	JSON           string         `json:"json,omitempty"`
	Chart          map[string]any `json:"chart,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount int            `json:"execution_count,omitempty"`
}

// Rich maps a kernel mime bundle onto the tagged payload.
func Rich(data map[string]string, execCount int) RichResult {
	r := RichResult{ExecutionCount: execCount}
	for mime, v := range data {
		switch mime {
		case "text/plain":
			r.Text = v
		case "text/html":
			r.HTML = v
		case "image/png":
			r.PNG = v
		case "image/jpeg":
			r.JPEG = v
		case "image/svg+xml":
			r.SVG = v
		case "text/latex":
			r.Latex = v
		case "text/markdown":
			r.Markdown = v
		case "application/javascript":
			r.JavaScript = v
		case "application/json":
			r.JSON = v
		}
	}
	return r
}

// ExecError is a structured in-language failure. It rides inside a 200
// response so callers can tell "your code threw" from "the platform failed".
type ExecError struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback"`
}

// Logs groups captured output lines by stream.
type Logs struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// Execution is the non-streaming aggregate of one code run.
type Execution struct {
	Logs    Logs         `json:"logs"`
	Error   *ExecError   `json:"error,omitempty"`
	Results []RichResult `json:"results"`
}

// Not-ready retry policy.
const (
	retryAttempts    = 3
	retryBaseDelay   = time.Second
	retryMaxJitter   = time.Second
	defaultRunWindow = 60 * time.Second
)

// Manager owns the contextId -> Context map for one sandbox.
type Manager struct {
	mu         sync.RWMutex
	contexts   map[string]*Context
	defaultCwd string
	log        *zap.Logger
}

// NewManager builds an interpreter manager.
func NewManager(defaultCwd string) *Manager {
	return &Manager{
		contexts:   make(map[string]*Context),
		defaultCwd: defaultCwd,
		log:        logging.Named("interp"),
	}
}

// CreateOptions for CreateContext.
type CreateOptions struct {
	Language string
	Cwd      string
	EnvVars  map[string]string
}

// CreateContext starts a kernel for the language and registers the context.
func (m *Manager) CreateContext(opts CreateOptions) (*Context, error) {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.defaultCwd
	}
	k, err := startKernel(opts.Language, cwd, opts.EnvVars)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		ID:        uuid.New().String(),
		Language:  opts.Language,
		Cwd:       cwd,
		CreatedAt: time.Now(),
		LastUsed:  time.Now(),
		kernel:    k,
	}

	m.mu.Lock()
	m.contexts[ctx.ID] = ctx
	m.mu.Unlock()

	m.log.Info("interpreter context created",
		zap.String("id", ctx.ID), zap.String("language", opts.Language))
	return ctx, nil
}

// Get returns a context by id.
func (m *Manager) Get(id string) (*Context, error) {
	m.mu.RLock()
	c := m.contexts[id]
	m.mu.RUnlock()
	if c == nil {
		return nil, sberrors.E(sberrors.ContextNotFound, "context %s not found", id).
			WithDetail("contextId", id)
	}
	return c, nil
}

// List snapshots all contexts.
func (m *Manager) List() []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		out = append(out, c)
	}
	return out
}

// Delete kills a context's kernel and removes it.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	c, ok := m.contexts[id]
	if ok {
		delete(m.contexts, id)
	}
	m.mu.Unlock()
	if !ok {
		return sberrors.E(sberrors.ContextNotFound, "context %s not found", id)
	}
	c.kernel.close()
	return nil
}

// CloseAll kills every kernel. Used at sandbox teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	contexts := m.contexts
	m.contexts = make(map[string]*Context)
	m.mu.Unlock()
	for _, c := range contexts {
		c.kernel.close()
	}
}

// RunCodeStream executes code in the context, forwarding kernel events to
// emit. A not-ready kernel is retried with exponential backoff plus jitter;
// an unknown context is not retried.
func (m *Manager) RunCodeStream(ctx context.Context, contextID, code string, timeout time.Duration, emit func(Event)) error {
	c, err := m.Get(contextID)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultRunWindow
	}

	c.mu.Lock()
	c.LastUsed = time.Now()
	c.mu.Unlock()

	id := uuid.New().String()
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err = c.kernel.execute(ctx, id, code, timeout, emit)
		if err == nil {
			return nil
		}
		if sberrors.CodeOf(err) != sberrors.InterpreterNotReady || attempt >= retryAttempts-1 {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(retryMaxJitter)))
		m.log.Debug("interpreter not ready, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay+jitter))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return sberrors.Wrap(sberrors.CommandExecutionError, ctx.Err(), "execution aborted: %v", ctx.Err())
		}
		delay *= 2
	}
}

// RunCode executes code and aggregates the event stream.
func (m *Manager) RunCode(ctx context.Context, contextID, code string, timeout time.Duration) (*Execution, error) {
	exec := &Execution{Results: []RichResult{}}
	err := m.RunCodeStream(ctx, contextID, code, timeout, func(ev Event) {
		switch ev.Type {
		case "stdout":
			exec.Logs.Stdout = append(exec.Logs.Stdout, ev.Text)
		case "stderr":
			exec.Logs.Stderr = append(exec.Logs.Stderr, ev.Text)
		case "result":
			exec.Results = append(exec.Results, Rich(ev.Data, ev.ExecutionCount))
		case "error":
			exec.Error = &ExecError{Name: ev.Ename, Value: ev.Evalue, Traceback: ev.Traceback}
		}
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Package server assembles the control-plane HTTP surface on Gin.
package server

import (
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sandboxd/internal/config"
	"sandboxd/internal/files"
	"sandboxd/internal/gitops"
	"sandboxd/internal/interp"
	"sandboxd/internal/lifecycle"
	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
	"sandboxd/internal/ports"
	"sandboxd/internal/process"
	"sandboxd/internal/session"
	"sandboxd/internal/terminal"
)

// Version is reported by /api/version.
const Version = "1.0.0"

// Server wires the component singletons behind the HTTP API. Handlers run
// concurrently; each component guards its own state.
type Server struct {
	cfg       *config.Config
	sandboxID string

	sessions  *session.Manager
	processes *process.Manager
	interps   *interp.Manager
	registry  *ports.Registry
	proxy     *ports.Proxy
	files     *files.Service
	git       *gitops.Service
	terminals *terminal.Manager
	tracker   *lifecycle.Tracker
	store     *lifecycle.Store

	// Default interpreter context per language, created on first use.
	defaultCtxMu sync.Mutex
	defaultCtx   map[string]string

	history   *commandHistory
	startedAt time.Time
	expired   chan struct{}
	log       *zap.Logger
}

// New builds the full component graph from config.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return nil, err
	}

	sandboxID := cfg.SandboxName
	if sandboxID == "" {
		sandboxID = "sandbox-default"
	}

	store, err := lifecycle.OpenStore(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	// Persisted metadata overrides env defaults when present.
	sleepAfter, keepAlive := cfg.SleepAfter, cfg.KeepAlive
	if meta, err := store.Load(sandboxID); err == nil && meta != nil {
		if meta.SleepAfter > 0 {
			sleepAfter = time.Duration(meta.SleepAfter) * time.Millisecond
		}
		keepAlive = meta.KeepAlive
	}

	s := &Server{
		cfg:        cfg,
		sandboxID:  sandboxID,
		processes:  process.NewManager(cfg.WorkspaceDir),
		interps:    interp.NewManager(cfg.WorkspaceDir),
		files:      files.NewService(cfg.WorkspaceDir),
		git:        gitops.NewService(cfg.WorkspaceDir),
		terminals:  terminal.NewManager(cfg.WorkspaceDir),
		store:      store,
		defaultCtx: make(map[string]string),
		history:    newCommandHistory(1000),
		startedAt:  time.Now(),
		expired:    make(chan struct{}),
		log:        logging.Named("server"),
	}

	s.sessions = session.NewManager(session.ManagerOptions{
		SandboxName:    cfg.SandboxName,
		DefaultCwd:     cfg.SessionCwd,
		TempDir:        cfg.TempDir,
		DefaultTimeout: cfg.CommandTimeout,
		SweepInterval:  cfg.CleanupInterval,
		TempMaxAge:     cfg.TempFileMaxAge,
	})

	s.registry = ports.NewRegistry(ports.RegistryOptions{
		ControlPort: config.ControlPort,
		SandboxID:   sandboxID,
		BaseURL:     cfg.BaseURL,
		DevBaseURL:  cfg.DevPreviewBase(),
		DevMode:     cfg.DevMode,
	})
	s.proxy = ports.NewProxy(s.registry)

	var expireOnce sync.Once
	s.tracker = lifecycle.NewTracker(lifecycle.Options{
		SleepAfter: sleepAfter,
		KeepAlive:  keepAlive,
		OnExpire: func() {
			expireOnce.Do(func() { close(s.expired) })
		},
	})

	if cfg.SessionID != "" {
		if _, err := s.sessions.Create(session.Options{ID: cfg.SessionID, Cwd: cfg.SessionCwd}); err != nil {
			s.log.Warn("preconfigured session not created", zap.String("id", cfg.SessionID), zap.Error(err))
		}
	}

	return s, nil
}

// Expired fires when the activity deadline passes without renewal.
func (s *Server) Expired() <-chan struct{} { return s.expired }

// Engine builds the Gin engine with all middleware and routes.
func (s *Server) Engine() *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(s.recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Sandbox-Id", "X-Session-Id", "X-Sandbox-KeepAlive"},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(s.activity())
	r.Use(s.proxyDispatch())

	api := r.Group("/api")
	{
		api.POST("/session/create", s.handleSessionCreate)
		api.GET("/session/list", s.handleSessionList)
		api.DELETE("/session/:id", s.handleSessionDelete)

		api.POST("/execute", s.handleExecute)
		api.POST("/execStream", s.handleExecStream)
		api.POST("/env/set", s.handleEnvSet)

		api.POST("/file/mkdir", s.handleFileMkdir)
		api.POST("/file/write", s.handleFileWrite)
		api.POST("/file/read", s.handleFileRead)
		api.POST("/file/read/stream", s.handleFileReadStream)
		api.POST("/file/delete", s.handleFileDelete)
		api.POST("/file/rename", s.handleFileRename)
		api.POST("/file/move", s.handleFileMove)
		api.POST("/file/list", s.handleFileList)
		api.POST("/file/exists", s.handleFileExists)

		api.POST("/process/start", s.handleProcessStart)
		api.GET("/process/list", s.handleProcessList)
		api.GET("/process/:id", s.handleProcessGet)
		api.GET("/process/:id/logs", s.handleProcessLogs)
		api.GET("/process/:id/stream", s.handleProcessStream)
		api.DELETE("/process/:id", s.handleProcessKill)
		api.POST("/process/kill-all", s.handleProcessKillAll)

		api.POST("/port/expose", s.handlePortExpose)
		api.GET("/exposed-ports", s.handlePortList)
		api.DELETE("/exposed-ports/:port", s.handlePortUnexpose)

		api.POST("/git/clone", s.handleGitClone)
		api.POST("/git/checkout", s.handleGitCheckout)

		api.POST("/code/context/create", s.handleContextCreate)
		api.GET("/code/context/list", s.handleContextList)
		api.DELETE("/code/context/:id", s.handleContextDelete)
		api.POST("/code/execute", s.handleCodeExecute)
		api.POST("/code/execute/stream", s.handleCodeExecuteStream)

		api.POST("/terminal/create", s.handleTerminalCreate)
		api.GET("/terminal/list", s.handleTerminalList)
		api.GET("/terminal/:id/ws", s.handleTerminalWS)
		api.DELETE("/terminal/:id", s.handleTerminalDelete)

		api.GET("/ping", s.handlePing)
		api.GET("/commands", s.handleCommands)
		api.GET("/version", s.handleVersion)
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Close tears down every component. Safe to call once at shutdown.
func (s *Server) Close() {
	s.tracker.Close()
	s.terminals.Close()
	s.interps.CloseAll()
	s.processes.KillAll()
	s.sessions.CloseAll()
}

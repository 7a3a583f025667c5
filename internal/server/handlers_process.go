package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sandboxd/internal/metrics"
	"sandboxd/internal/process"
	"sandboxd/internal/sberrors"
	"sandboxd/internal/sse"
)

func (s *Server) handleProcessStart(c *gin.Context) {
	var req struct {
		Command   string            `json:"command"`
		ProcessID string            `json:"processId"`
		SessionID string            `json:"sessionId"`
		Env       map[string]string `json:"env"`
		Cwd       string            `json:"cwd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Command == "" {
		s.fail(c, sberrors.E(sberrors.InvalidRequest, "command is required"))
		return
	}
	p, err := s.processes.Start(process.StartOptions{
		Command:   req.Command,
		ProcessID: req.ProcessID,
		SessionID: req.SessionID,
		Env:       req.Env,
		Cwd:       req.Cwd,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics.ProcessesStarted.Inc()
	s.ok(c, http.StatusOK, gin.H{"process": p.Info()})
}

func (s *Server) handleProcessList(c *gin.Context) {
	list := s.processes.List()
	s.ok(c, http.StatusOK, gin.H{"processes": list, "count": len(list)})
}

func (s *Server) handleProcessGet(c *gin.Context) {
	p, err := s.processes.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"process": p.Info()})
}

func (s *Server) handleProcessLogs(c *gin.Context) {
	stdout, stderr, err := s.processes.Logs(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"stdout": stdout, "stderr": stderr})
}

func (s *Server) handleProcessStream(c *gin.Context) {
	events, err := s.processes.StreamLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	w, ok := sse.NewWriter(c.Writer)
	if !ok {
		s.fail(c, sberrors.E(sberrors.InternalError, "streaming unsupported"))
		return
	}
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	for ev := range events {
		if err := w.Send(ev); err != nil {
			return
		}
	}
	w.Done()
}

func (s *Server) handleProcessKill(c *gin.Context) {
	if err := s.processes.Kill(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"message": "process terminated"})
}

func (s *Server) handleProcessKillAll(c *gin.Context) {
	count := s.processes.KillAll()
	s.ok(c, http.StatusOK, gin.H{"cleanedCount": count})
}

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sandboxd/internal/metrics"
	"sandboxd/internal/sberrors"
	"sandboxd/internal/session"
	"sandboxd/internal/shell"
	"sandboxd/internal/sse"
)

func (s *Server) handleSessionCreate(c *gin.Context) {
	var req struct {
		ID  string            `json:"id"`
		Env map[string]string `json:"env"`
		Cwd string            `json:"cwd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	sess, err := s.sessions.Create(session.Options{ID: req.ID, Env: req.Env, Cwd: req.Cwd})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"sessionId": sess.ID})
}

func (s *Server) handleSessionList(c *gin.Context) {
	sessions := s.sessions.List()
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	s.ok(c, http.StatusOK, gin.H{"sessions": ids, "count": len(ids)})
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if err := s.sessions.Delete(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"message": "session deleted"})
}

type executeRequest struct {
	Command   string `json:"command"`
	SessionID string `json:"sessionId"`
	TimeoutMs int    `json:"timeoutMs"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Command == "" {
		s.fail(c, sberrors.E(sberrors.InvalidRequest, "command is required"))
		return
	}
	sess, err := s.sessionFrom(c, req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}

	res, err := sess.Exec(c.Request.Context(), req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
	rec := commandRecord{
		ID:        shell.NewCommandID(),
		Command:   req.Command,
		SessionID: sess.ID,
		Timestamp: time.Now(),
	}
	if err != nil {
		outcome := "error"
		if sberrors.CodeOf(err) == sberrors.CommandTimeout {
			outcome = "timeout"
		}
		metrics.CommandsExecuted.WithLabelValues(outcome).Inc()
		s.history.add(rec)
		s.fail(c, err)
		return
	}
	metrics.CommandsExecuted.WithLabelValues("ok").Inc()
	rec.ExitCode = &res.ExitCode
	rec.Success = res.Success
	s.history.add(rec)

	s.ok(c, http.StatusOK, gin.H{
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"exitCode": res.ExitCode,
		"success":  res.Success,
		"command":  req.Command,
	})
}

func (s *Server) handleExecStream(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Command == "" {
		s.fail(c, sberrors.E(sberrors.InvalidRequest, "command is required"))
		return
	}
	sess, err := s.sessionFrom(c, req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}

	events, err := sess.ExecStream(c.Request.Context(), req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
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

func (s *Server) handleEnvSet(c *gin.Context) {
	var req struct {
		EnvVars   map[string]string `json:"envVars"`
		SessionID string            `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if len(req.EnvVars) == 0 {
		s.fail(c, sberrors.E(sberrors.InvalidRequest, "envVars is required"))
		return
	}
	sess, err := s.sessionFrom(c, req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := sess.SetEnv(c.Request.Context(), req.EnvVars); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"count": len(req.EnvVars)})
}

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sandboxd/internal/interp"
	"sandboxd/internal/terminal"
)

func (s *Server) handlePing(c *gin.Context) {
	s.ok(c, http.StatusOK, gin.H{
		"message":   "pong",
		"sandboxId": s.sandboxID,
		"uptimeMs":  time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Server) handleCommands(c *gin.Context) {
	commands := s.history.snapshot()
	s.ok(c, http.StatusOK, gin.H{"commands": commands, "count": len(commands)})
}

func (s *Server) handleVersion(c *gin.Context) {
	s.ok(c, http.StatusOK, gin.H{
		"version":   Version,
		"languages": interp.SupportedLanguages(),
	})
}

func (s *Server) handleTerminalCreate(c *gin.Context) {
	var req struct {
		Shell string            `json:"shell"`
		Cwd   string            `json:"cwd"`
		Rows  uint16            `json:"rows"`
		Cols  uint16            `json:"cols"`
		Env   map[string]string `json:"env"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	sess, err := s.terminals.Create(terminal.CreateOptions{
		Shell: req.Shell,
		Cwd:   req.Cwd,
		Rows:  req.Rows,
		Cols:  req.Cols,
		Env:   req.Env,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{
		"terminal":   sess,
		"wsEndpoint": "/api/terminal/" + sess.ID + "/ws",
	})
}

func (s *Server) handleTerminalList(c *gin.Context) {
	list := s.terminals.List()
	s.ok(c, http.StatusOK, gin.H{"terminals": list, "count": len(list)})
}

func (s *Server) handleTerminalWS(c *gin.Context) {
	if err := s.terminals.Attach(c.Writer, c.Request, c.Param("id")); err != nil {
		s.fail(c, err)
	}
}

func (s *Server) handleTerminalDelete(c *gin.Context) {
	if err := s.terminals.Delete(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"message": "terminal session terminated"})
}

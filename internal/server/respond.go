package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sandboxd/internal/sberrors"
)

// ok writes the success envelope, merging payload into it.
func (s *Server) ok(c *gin.Context, status int, payload gin.H) {
	body := gin.H{
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(status, body)
}

// fail writes the error envelope. 4xx outcomes are expected and logged at
// debug; 5xx are not and logged at error.
func (s *Server) fail(c *gin.Context, err error) {
	e := sberrors.AsError(err)
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", string(e.Code)),
			zap.Error(err))
	} else {
		s.log.Debug("request rejected",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", string(e.Code)))
	}
	body := gin.H{
		"success":   false,
		"error":     e.Message,
		"code":      string(e.Code),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	c.AbortWithStatusJSON(status, body)
}

// badRequest rejects a malformed body.
func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, sberrors.Wrap(sberrors.InvalidRequest, err, "invalid request: %v", err))
}

// commandRecord is one entry of the in-memory execution log served by
// GET /api/commands. The log is volatile; a restart empties it.
type commandRecord struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Success   bool      `json:"success"`
}

type commandHistory struct {
	mu      sync.Mutex
	entries []commandRecord
	max     int
}

func newCommandHistory(max int) *commandHistory {
	return &commandHistory{max: max}
}

func (h *commandHistory) add(rec commandRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.max {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, rec)
}

func (h *commandHistory) snapshot() []commandRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]commandRecord, len(h.entries))
	copy(out, h.entries)
	return out
}

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sandboxd/internal/interp"
	"sandboxd/internal/metrics"
	"sandboxd/internal/sberrors"
	"sandboxd/internal/sse"
)

func (s *Server) handleContextCreate(c *gin.Context) {
	var req struct {
		Language string            `json:"language"`
		Cwd      string            `json:"cwd"`
		EnvVars  map[string]string `json:"envVars"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx, err := s.interps.CreateContext(interp.CreateOptions{
		Language: req.Language,
		Cwd:      req.Cwd,
		EnvVars:  req.EnvVars,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"context": ctx})
}

func (s *Server) handleContextList(c *gin.Context) {
	list := s.interps.List()
	s.ok(c, http.StatusOK, gin.H{"contexts": list, "count": len(list)})
}

func (s *Server) handleContextDelete(c *gin.Context) {
	id := c.Param("id")
	if err := s.interps.Delete(id); err != nil {
		s.fail(c, err)
		return
	}
	s.dropDefaultContext(id)
	s.ok(c, http.StatusOK, gin.H{"contextId": id})
}

type codeExecuteRequest struct {
	Code    string `json:"code"`
	Options struct {
		Context   string `json:"context"`
		Language  string `json:"language"`
		TimeoutMs int    `json:"timeoutMs"`
	} `json:"options"`
}

// resolveContext returns the explicit context or the language's shared
// default, creating the default on first use.
func (s *Server) resolveContext(req *codeExecuteRequest) (string, string, error) {
	if req.Options.Context != "" {
		ctx, err := s.interps.Get(req.Options.Context)
		if err != nil {
			return "", "", err
		}
		return ctx.ID, ctx.Language, nil
	}

	language := req.Options.Language
	if language == "" {
		language = interp.LangPython
	}

	s.defaultCtxMu.Lock()
	defer s.defaultCtxMu.Unlock()
	if id, ok := s.defaultCtx[language]; ok {
		if _, err := s.interps.Get(id); err == nil {
			return id, language, nil
		}
		delete(s.defaultCtx, language)
	}
	ctx, err := s.interps.CreateContext(interp.CreateOptions{Language: language})
	if err != nil {
		return "", "", err
	}
	s.defaultCtx[language] = ctx.ID
	return ctx.ID, language, nil
}

// dropDefaultContext forgets a deleted context if it was a language default.
func (s *Server) dropDefaultContext(id string) {
	s.defaultCtxMu.Lock()
	defer s.defaultCtxMu.Unlock()
	for lang, ctxID := range s.defaultCtx {
		if ctxID == id {
			delete(s.defaultCtx, lang)
		}
	}
}

func (s *Server) handleCodeExecute(c *gin.Context) {
	var req codeExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Code == "" {
		s.fail(c, sberrors.E(sberrors.InvalidRequest, "code is required"))
		return
	}
	ctxID, language, err := s.resolveContext(&req)
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics.CodeExecutions.WithLabelValues(language).Inc()

	exec, err := s.interps.RunCode(c.Request.Context(), ctxID, req.Code,
		time.Duration(req.Options.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.fail(c, err)
		return
	}
	// An in-language error rides inside the 200 payload.
	s.ok(c, http.StatusOK, gin.H{
		"contextId": ctxID,
		"logs":      exec.Logs,
		"results":   exec.Results,
		"error":     exec.Error,
	})
}

// codeStreamEvent is the wire shape for interpreter SSE streams: result
// events are flattened into the rich display fields.
type codeStreamEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`

	interp.RichResult
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleCodeExecuteStream(c *gin.Context) {
	var req codeExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Code == "" {
		s.fail(c, sberrors.E(sberrors.InvalidRequest, "code is required"))
		return
	}
	ctxID, language, err := s.resolveContext(&req)
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics.CodeExecutions.WithLabelValues(language).Inc()

	w, ok := sse.NewWriter(c.Writer)
	if !ok {
		s.fail(c, sberrors.E(sberrors.InternalError, "streaming unsupported"))
		return
	}
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	err = s.interps.RunCodeStream(c.Request.Context(), ctxID, req.Code,
		time.Duration(req.Options.TimeoutMs)*time.Millisecond, func(ev interp.Event) {
			w.Send(streamEventFrom(ev))
		})
	if err != nil {
		e := sberrors.AsError(err)
		w.Send(codeStreamEvent{Type: "error", Ename: string(e.Code), Evalue: e.Message, Timestamp: time.Now()})
	}
	w.Done()
}

func streamEventFrom(ev interp.Event) codeStreamEvent {
	out := codeStreamEvent{
		Type:      ev.Type,
		Text:      ev.Text,
		Ename:     ev.Ename,
		Evalue:    ev.Evalue,
		Traceback: ev.Traceback,
		Timestamp: ev.Timestamp,
	}
	if ev.Type == "result" {
		out.RichResult = interp.Rich(ev.Data, ev.ExecutionCount)
		// The outer Text field wins during marshaling, so hoist the
		// text/plain payload into it.
		out.Text = out.RichResult.Text
	}
	if ev.Type == "execution_complete" {
		out.RichResult.ExecutionCount = ev.ExecutionCount
	}
	return out
}

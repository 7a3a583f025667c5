package server

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sandboxd/internal/lifecycle"
	"sandboxd/internal/metrics"
	"sandboxd/internal/sberrors"
	"sandboxd/internal/session"
)

// proxyPortHeader carries the target port when the front-end router forwards
// exposed-port traffic through the control plane.
const proxyPortHeader = "X-Proxy-Port"

var previewPathPattern = regexp.MustCompile(`^/preview/(\d+)/([^/]+)(/.*)?$`)

// requestLogger logs each request and records its latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "proxy"
		}
		metrics.RequestDuration.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("elapsed", elapsed),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			s.log.Debug("request", fields...)
		default:
			s.log.Info("request", fields...)
		}
	}
}

// recovery converts panics into INTERNAL_ERROR responses.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				s.fail(c, sberrors.E(sberrors.InternalError, "internal error"))
			}
		}()
		c.Next()
	}
}

// activity renews the sandbox deadline, stamps identity headers and applies
// the keep-alive header when present.
func (s *Server) activity() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.tracker.Touch()
		c.Header("X-Sandbox-Id", s.sandboxID)

		if v := c.GetHeader("X-Sandbox-KeepAlive"); v == "true" || v == "false" {
			on := v == "true"
			if on != s.tracker.KeepAlive() {
				s.tracker.SetKeepAlive(on)
				if err := s.saveMetadata(); err != nil {
					s.log.Warn("keep-alive not persisted", zap.Error(err))
				}
			}
		}
		c.Next()
	}
}

// proxyDispatch intercepts exposed-port traffic before API routing: either a
// router-forwarded request carrying the port header, or a direct dev-mode
// /preview path.
func (s *Server) proxyDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		port := 0
		path := c.Request.URL.Path

		if v := c.GetHeader(proxyPortHeader); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				s.fail(c, sberrors.E(sberrors.InvalidPort, "invalid proxy port %q", v))
				return
			}
			port = p
		} else if m := previewPathPattern.FindStringSubmatch(path); m != nil {
			port, _ = strconv.Atoi(m[1])
			path = m[3]
			if path == "" {
				path = "/"
			}
		}
		if port == 0 {
			c.Next()
			return
		}

		kind := "http"
		if err := s.proxy.Forward(c.Writer, c.Request, port, path); err != nil {
			kind = "error"
			s.fail(c, err)
		}
		metrics.ProxyRequests.WithLabelValues(kind).Inc()
		c.Abort()
	}
}

// sessionFrom resolves the target session: explicit body id, then the
// X-Session-Id header, then the default session.
func (s *Server) sessionFrom(c *gin.Context, bodyID string) (*session.Session, error) {
	id := bodyID
	if id == "" {
		id = c.GetHeader("X-Session-Id")
	}
	sess, err := s.sessions.Resolve(id)
	if err != nil {
		return nil, err
	}
	c.Header("X-Session-Id", sess.ID)
	return sess, nil
}

// saveMetadata persists the current lifecycle settings.
func (s *Server) saveMetadata() error {
	return s.store.Save(&lifecycle.Metadata{
		SandboxName: s.sandboxID,
		BaseURL:     s.cfg.BaseURL,
		SleepAfter:  s.cfg.SleepAfter.Milliseconds(),
		KeepAlive:   s.tracker.KeepAlive(),
	})
}

package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sandboxd/internal/gitops"
	"sandboxd/internal/sberrors"
)

func (s *Server) handlePortExpose(c *gin.Context) {
	var req struct {
		Port int    `json:"port"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	exposed, err := s.registry.Expose(req.Port, req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{
		"port":      exposed.Port,
		"name":      exposed.Name,
		"url":       exposed.URL,
		"exposedAt": exposed.ExposedAt,
	})
}

func (s *Server) handlePortList(c *gin.Context) {
	list := s.registry.List()
	s.ok(c, http.StatusOK, gin.H{"ports": list, "count": len(list)})
}

func (s *Server) handlePortUnexpose(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		s.fail(c, sberrors.E(sberrors.InvalidPort, "invalid port %q", c.Param("port")))
		return
	}
	if err := s.registry.Unexpose(port); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"port": port})
}

func (s *Server) handleGitClone(c *gin.Context) {
	var req struct {
		RepoURL   string `json:"repoUrl"`
		Branch    string `json:"branch"`
		TargetDir string `json:"targetDir"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.git.Clone(c.Request.Context(), gitops.CloneOptions{
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		TargetDir: req.TargetDir,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{
		"repoUrl":   res.RepoURL,
		"branch":    res.Branch,
		"targetDir": res.TargetDir,
	})
}

func (s *Server) handleGitCheckout(c *gin.Context) {
	var req struct {
		TargetDir string `json:"targetDir"`
		Branch    string `json:"branch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.TargetDir == "" || req.Branch == "" {
		s.fail(c, sberrors.E(sberrors.InvalidRequest, "targetDir and branch are required"))
		return
	}
	if err := s.git.Checkout(c.Request.Context(), req.TargetDir, req.Branch); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"targetDir": req.TargetDir, "branch": req.Branch})
}

package server

import (
	"encoding/base64"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"sandboxd/internal/metrics"
	"sandboxd/internal/sberrors"
	"sandboxd/internal/sse"
)

type filePathRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (s *Server) handleFileMkdir(c *gin.Context) {
	var req filePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.files.Mkdir(req.Path, req.Recursive); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"path": req.Path})
}

func (s *Server) handleFileWrite(c *gin.Context) {
	var req struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"` // utf-8 (default) or base64
		Mode     uint32 `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	content := []byte(req.Content)
	if req.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			s.fail(c, sberrors.Wrap(sberrors.InvalidRequest, err, "invalid base64 content"))
			return
		}
		content = decoded
	}
	if err := s.files.Write(req.Path, content, os.FileMode(req.Mode)); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"path": req.Path, "bytesWritten": len(content)})
}

func (s *Server) handleFileRead(c *gin.Context) {
	var req struct {
		Path     string `json:"path"`
		Encoding string `json:"encoding"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	data, err := s.files.Read(req.Path)
	if err != nil {
		s.fail(c, err)
		return
	}
	content := string(data)
	encoding := "utf-8"
	if req.Encoding == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
		encoding = "base64"
	}
	s.ok(c, http.StatusOK, gin.H{"path": req.Path, "content": content, "encoding": encoding})
}

func (s *Server) handleFileReadStream(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	events, err := s.files.StreamRead(c.Request.Context(), req.Path)
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

func (s *Server) handleFileDelete(c *gin.Context) {
	var req filePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.files.Delete(req.Path, req.Recursive); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"path": req.Path})
}

func (s *Server) handleFileRename(c *gin.Context) {
	var req struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.files.Rename(req.OldPath, req.NewPath); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"oldPath": req.OldPath, "newPath": req.NewPath})
}

func (s *Server) handleFileMove(c *gin.Context) {
	var req struct {
		SourcePath      string `json:"sourcePath"`
		DestinationPath string `json:"destinationPath"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.files.Move(req.SourcePath, req.DestinationPath); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"sourcePath": req.SourcePath, "destinationPath": req.DestinationPath})
}

func (s *Server) handleFileList(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	entries, err := s.files.List(req.Path)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"path": req.Path, "entries": entries, "count": len(entries)})
}

func (s *Server) handleFileExists(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	exists, isDir, err := s.files.Exists(req.Path)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"path": req.Path, "exists": exists, "isDir": isDir})
}

// Package files implements the file operations of the control plane. All
// errors are classified against the filesystem taxonomy so handlers can map
// them straight to HTTP.
package files

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"sandboxd/internal/sberrors"
)

// Entry describes one directory listing element.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// Service performs file operations rooted at the workspace. Paths are
// required to be absolute; the filesystem is shared across sessions by
// design.
type Service struct {
	workspace string
}

// NewService builds a file service whose relative paths resolve under
// workspace.
func NewService(workspace string) *Service {
	return &Service{workspace: workspace}
}

// resolve normalizes p: absolute paths pass through, relative paths are
// rooted at the workspace.
func (s *Service) resolve(p string) (string, error) {
	if p == "" {
		return "", sberrors.E(sberrors.InvalidRequest, "path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.workspace, p)
	}
	return filepath.Clean(p), nil
}

// Mkdir creates a directory. With recursive, existing directories are fine
// (mkdir -p semantics); without, the parent must exist and the target must
// not.
func (s *Service) Mkdir(path string, recursive bool) error {
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	if recursive {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return sberrors.FromFSError(err, p)
		}
		return nil
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		return sberrors.FromFSError(err, p)
	}
	return nil
}

// Write stores content at path, creating parent directories as needed.
func (s *Service) Write(path string, content []byte, mode os.FileMode) error {
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return sberrors.FromFSError(err, filepath.Dir(p))
	}
	if err := os.WriteFile(p, content, mode); err != nil {
		return sberrors.FromFSError(err, p)
	}
	return nil
}

// Read returns the full contents of path.
func (s *Service) Read(path string) ([]byte, error) {
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, sberrors.FromFSError(err, p)
	}
	if info.IsDir() {
		return nil, sberrors.E(sberrors.IsDirectory, "%s is a directory", p).WithDetail("path", p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, sberrors.FromFSError(err, p)
	}
	return data, nil
}

// Delete removes a file or, with recursive, a directory tree.
func (s *Service) Delete(path string, recursive bool) error {
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err != nil {
		return sberrors.FromFSError(err, p)
	}
	if recursive {
		if err := os.RemoveAll(p); err != nil {
			return sberrors.FromFSError(err, p)
		}
		return nil
	}
	if err := os.Remove(p); err != nil {
		return sberrors.FromFSError(err, p)
	}
	return nil
}

// Rename moves oldPath to newPath within the same filesystem.
func (s *Service) Rename(oldPath, newPath string) error {
	from, err := s.resolve(oldPath)
	if err != nil {
		return err
	}
	to, err := s.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return sberrors.FromFSError(err, from)
	}
	return nil
}

// Move relocates a file, creating the destination's parents first.
func (s *Service) Move(srcPath, dstPath string) error {
	dst, err := s.resolve(dstPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return sberrors.FromFSError(err, filepath.Dir(dst))
	}
	return s.Rename(srcPath, dst)
}

// List returns the entries of a directory sorted by name.
func (s *Service) List(path string) ([]Entry, error) {
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, sberrors.FromFSError(err, p)
	}
	if !info.IsDir() {
		return nil, sberrors.E(sberrors.NotDirectory, "%s is not a directory", p).WithDetail("path", p)
	}
	dirEntries, err := os.ReadDir(p)
	if err != nil {
		return nil, sberrors.FromFSError(err, p)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(p, de.Name()),
			IsDir:   de.IsDir(),
			Size:    fi.Size(),
			Mode:    fi.Mode().String(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Exists reports whether path exists and whether it is a directory.
func (s *Service) Exists(path string) (exists, isDir bool, err error) {
	p, rerr := s.resolve(path)
	if rerr != nil {
		return false, false, rerr
	}
	info, serr := os.Stat(p)
	if serr != nil {
		if os.IsNotExist(serr) {
			return false, false, nil
		}
		return false, false, sberrors.FromFSError(serr, p)
	}
	return true, info.IsDir(), nil
}

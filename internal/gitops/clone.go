// Package gitops shells out to git for repository operations, classifying
// failures against the git error taxonomy.
package gitops

import (
	"bytes"
	"context"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
)

// CloneOptions for Clone.
type CloneOptions struct {
	RepoURL   string
	Branch    string
	TargetDir string
	Timeout   time.Duration
}

// CloneResult reports where the repository landed.
type CloneResult struct {
	RepoURL   string `json:"repoUrl"`
	Branch    string `json:"branch,omitempty"`
	TargetDir string `json:"targetDir"`
}

// Service runs git operations under the workspace.
type Service struct {
	workspace string
	log       *zap.Logger
}

// NewService builds a git service rooted at workspace.
func NewService(workspace string) *Service {
	return &Service{workspace: workspace, log: logging.Named("git")}
}

// Clone runs `git clone [--branch b] url dir`.
func (s *Service) Clone(ctx context.Context, opts CloneOptions) (*CloneResult, error) {
	if err := validateURL(opts.RepoURL); err != nil {
		return nil, err
	}

	target := opts.TargetDir
	if target == "" {
		target = deriveDirName(opts.RepoURL)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.workspace, target)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"clone"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch, "--single-branch")
	}
	args = append(args, opts.RepoURL, target)

	cmd := exec.CommandContext(cctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.log.Info("cloning repository", zap.String("url", opts.RepoURL), zap.String("dir", target))
	if err := cmd.Run(); err != nil {
		return nil, classifyCloneError(stderr.String(), opts)
	}

	return &CloneResult{RepoURL: opts.RepoURL, Branch: opts.Branch, TargetDir: target}, nil
}

// Checkout switches an existing clone to a ref.
func (s *Service) Checkout(ctx context.Context, dir, ref string) error {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.workspace, dir)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "checkout", ref)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "did not match any") || strings.Contains(msg, "pathspec") {
			return sberrors.E(sberrors.GitBranchNotFound, "ref %s not found", ref).WithDetail("branch", ref)
		}
		return sberrors.E(sberrors.GitCheckoutFailed, "checkout failed: %s", msg)
	}
	return nil
}

func validateURL(repoURL string) error {
	if repoURL == "" {
		return sberrors.E(sberrors.InvalidGitURL, "repository URL is required")
	}
	if strings.HasPrefix(repoURL, "git@") || strings.HasPrefix(repoURL, "ssh://") {
		return nil
	}
	u, err := url.Parse(repoURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return sberrors.E(sberrors.InvalidGitURL, "invalid repository URL: %s", repoURL).
			WithDetail("repository", repoURL)
	}
	return nil
}

// classifyCloneError maps git's stderr to the taxonomy. git writes distinct
// phrases for each failure class; the match order puts the most specific
// first.
func classifyCloneError(stderr string, opts CloneOptions) *sberrors.Error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "permission denied (publickey)"):
		return sberrors.E(sberrors.GitAuthFailed, "authentication failed for %s", opts.RepoURL).
			WithDetail("repository", opts.RepoURL)
	case strings.Contains(lower, "remote branch") && strings.Contains(lower, "not found"),
		strings.Contains(lower, "could not find remote branch"):
		return sberrors.E(sberrors.GitBranchNotFound, "branch %s not found in %s", opts.Branch, opts.RepoURL).
			WithDetail("branch", opts.Branch)
	case strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "does not exist"):
		return sberrors.E(sberrors.GitRepositoryNotFound, "repository not found: %s", opts.RepoURL).
			WithDetail("repository", opts.RepoURL)
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "network is unreachable"):
		return sberrors.E(sberrors.GitNetworkError, "network error cloning %s: %s", opts.RepoURL, msg).
			WithDetail("repository", opts.RepoURL)
	default:
		return sberrors.E(sberrors.GitCloneFailed, "clone failed: %s", msg).
			WithDetail("repository", opts.RepoURL)
	}
}

func deriveDirName(repoURL string) string {
	base := repoURL
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, ".git")
}

package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sandboxd/internal/sberrors"
)

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://github.com/user/repo.git",
		"http://git.internal/repo",
		"git@github.com:user/repo.git",
		"ssh://git@host/repo.git",
	}
	for _, u := range valid {
		assert.NoError(t, validateURL(u), u)
	}

	invalid := []string{
		"",
		"not a url",
		"ftp://host/repo",
		"https://",
	}
	for _, u := range invalid {
		err := validateURL(u)
		if assert.Error(t, err, u) {
			assert.Equal(t, sberrors.InvalidGitURL, sberrors.CodeOf(err), u)
		}
	}
}

func TestClassifyCloneError(t *testing.T) {
	opts := CloneOptions{RepoURL: "https://github.com/user/repo.git", Branch: "dev"}

	cases := []struct {
		stderr string
		code   sberrors.Code
	}{
		{"fatal: Authentication failed for 'https://github.com/user/repo.git'", sberrors.GitAuthFailed},
		{"fatal: could not read Username for 'https://github.com'", sberrors.GitAuthFailed},
		{"git@github.com: Permission denied (publickey).", sberrors.GitAuthFailed},
		{"fatal: Remote branch dev not found in upstream origin", sberrors.GitBranchNotFound},
		{"fatal: Could not find remote branch dev to clone.", sberrors.GitBranchNotFound},
		{"ERROR: Repository not found.", sberrors.GitRepositoryNotFound},
		{"fatal: repository 'https://github.com/user/repo.git/' not found", sberrors.GitRepositoryNotFound},
		{"fatal: unable to access 'https://github.com/user/repo.git/': Could not resolve host: github.com", sberrors.GitNetworkError},
		{"fatal: unable to access 'https://x/': Failed to connect to x port 443: Connection refused", sberrors.GitNetworkError},
		{"fatal: something entirely else", sberrors.GitCloneFailed},
	}
	for _, tc := range cases {
		err := classifyCloneError(tc.stderr, opts)
		assert.Equal(t, tc.code, err.Code, tc.stderr)
	}
}

func TestDeriveDirName(t *testing.T) {
	assert.Equal(t, "repo", deriveDirName("https://github.com/user/repo.git"))
	assert.Equal(t, "repo", deriveDirName("git@github.com:user/repo.git"))
	assert.Equal(t, "plain", deriveDirName("plain"))
}

package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/sberrors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		DefaultCwd:     t.TempDir(),
		TempDir:        t.TempDir(),
		DefaultTimeout: 10 * time.Second,
	})
	t.Cleanup(m.CloseAll)
	return m
}

func TestExecEcho(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	res, err := s.Exec(context.Background(), "echo Hello from sandbox", 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello from sandbox\n", res.Stdout)
	assert.Equal(t, "", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Success)
}

func TestExecNonZeroExit(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	res, err := s.Exec(context.Background(), "exit 3", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success)
}

func TestExecStderrSeparated(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	res, err := s.Exec(context.Background(), "echo out; echo err >&2", 0)
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestSetEnvVisibleToLaterCommands(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	err = s.SetEnv(context.Background(), map[string]string{"NODE_ENV": "test", "API_KEY": "k"})
	require.NoError(t, err)

	res, err := s.Exec(context.Background(), `echo "$NODE_ENV|$API_KEY"`, 0)
	require.NoError(t, err)
	assert.Equal(t, "test|k\n", res.Stdout)
}

func TestCwdPersistsWithinSessionOnly(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Create(Options{})
	require.NoError(t, err)
	b, err := m.Create(Options{})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, a.SetCwd(context.Background(), dir))

	cwdA, err := a.Cwd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dir, cwdA)

	cwdB, err := b.Cwd(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, dir, cwdB)
}

func TestSetCwdRejectsRelativeAndMissing(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	err = s.SetCwd(context.Background(), "relative/path")
	require.Error(t, err)

	err = s.SetCwd(context.Background(), "/definitely/not/a/real/dir")
	require.Error(t, err)
	assert.Equal(t, sberrors.FileNotFound, sberrors.CodeOf(err))
}

func TestExecTimeout(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	_, err = s.Exec(context.Background(), "sleep 5", 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, sberrors.CommandTimeout, sberrors.CodeOf(err))
}

func TestExecOutlivesTempFileMaxAge(t *testing.T) {
	// Sweep aggressively: a command running past maxAge must keep its IPC
	// files until it completes.
	m := NewManager(ManagerOptions{
		DefaultCwd:     t.TempDir(),
		TempDir:        t.TempDir(),
		DefaultTimeout: 10 * time.Second,
		SweepInterval:  100 * time.Millisecond,
		TempMaxAge:     200 * time.Millisecond,
	})
	t.Cleanup(m.CloseAll)

	s, err := m.Create(Options{})
	require.NoError(t, err)

	res, err := s.Exec(context.Background(), "sleep 1; echo survived", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "survived\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecStreamOutlivesTempFileMaxAge(t *testing.T) {
	m := NewManager(ManagerOptions{
		DefaultCwd:     t.TempDir(),
		TempDir:        t.TempDir(),
		DefaultTimeout: 10 * time.Second,
		SweepInterval:  100 * time.Millisecond,
		TempMaxAge:     200 * time.Millisecond,
	})
	t.Cleanup(m.CloseAll)

	s, err := m.Create(Options{})
	require.NoError(t, err)

	events, err := s.ExecStream(context.Background(), "sleep 1; echo survived", 5*time.Second)
	require.NoError(t, err)

	var stdout strings.Builder
	var completes int
	for ev := range events {
		switch ev.Type {
		case "stdout":
			stdout.WriteString(ev.Data)
		case "complete":
			completes++
			require.NotNil(t, ev.ExitCode)
			assert.Equal(t, 0, *ev.ExitCode)
		case "error":
			t.Fatalf("unexpected error event: %s", ev.Error)
		}
	}
	assert.Equal(t, 1, completes)
	assert.Equal(t, "survived\n", stdout.String())
}

func TestExecAfterClose(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	s.Close()
	_, err = s.Exec(context.Background(), "echo hi", 0)
	require.Error(t, err)
	assert.Equal(t, sberrors.SessionTerminated, sberrors.CodeOf(err))
}

func TestExecStreamOrdering(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	events, err := s.ExecStream(context.Background(), "for i in 1 2 3; do echo Line $i; done", 0)
	require.NoError(t, err)

	var types []string
	var stdout strings.Builder
	var terminal int
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == "stdout" {
			stdout.WriteString(ev.Data)
		}
		if ev.Type == "complete" || ev.Type == "error" {
			terminal++
			if ev.Type == "complete" {
				require.NotNil(t, ev.ExitCode)
				assert.Equal(t, 0, *ev.ExitCode)
				require.NotNil(t, ev.Result)
				assert.True(t, ev.Result.Success)
			}
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, "start", types[0])
	assert.Equal(t, "complete", types[len(types)-1])
	assert.Equal(t, 1, terminal)
	for _, line := range []string{"Line 1", "Line 2", "Line 3"} {
		assert.Contains(t, stdout.String(), line)
	}
}

func TestExecStreamEmptyCommand(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	events, err := s.ExecStream(context.Background(), "true", 0)
	require.NoError(t, err)

	var stdoutEvents, completes int
	first := ""
	for ev := range events {
		if first == "" {
			first = ev.Type
		}
		switch ev.Type {
		case "stdout":
			stdoutEvents++
		case "complete":
			completes++
			require.NotNil(t, ev.ExitCode)
			assert.Equal(t, 0, *ev.ExitCode)
		}
	}
	assert.Equal(t, "start", first)
	assert.Equal(t, 0, stdoutEvents)
	assert.Equal(t, 1, completes)
}

func TestExecStreamTimeout(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(Options{})
	require.NoError(t, err)

	events, err := s.ExecStream(context.Background(), "sleep 5", 200*time.Millisecond)
	require.NoError(t, err)

	var errEvents []StreamEvent
	for ev := range events {
		if ev.Type == "error" {
			errEvents = append(errEvents, ev)
		}
	}
	require.Len(t, errEvents, 1)
	assert.Contains(t, errEvents[0].Error, string(sberrors.CommandTimeout))
}

func TestManagerDefaultSessionSingleFlight(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Default()
	require.NoError(t, err)
	b, err := m.Default()
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "sandbox-default", a.ID)
}

func TestManagerDuplicateID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(Options{ID: "dup"})
	require.NoError(t, err)
	_, err = m.Create(Options{ID: "dup"})
	require.Error(t, err)
}

func TestManagerResolve(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Create(Options{ID: "named"})
	require.NoError(t, err)

	got, err := m.Resolve("named")
	require.NoError(t, err)
	assert.Same(t, s, got)

	def, err := m.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, m.DefaultName(), def.ID)

	_, err = m.Resolve("ghost")
	require.Error(t, err)
}

package terminal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/sberrors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir())
	t.Cleanup(m.Close)
	return m
}

func TestCreateDefaults(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.Shell)
	assert.Equal(t, uint16(24), s.Rows)
	assert.Equal(t, uint16(80), s.Cols)
	assert.WithinDuration(t, time.Now(), s.CreatedAt, time.Minute)
}

func TestCreateExplicitSize(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Rows: 50, Cols: 120})
	require.NoError(t, err)
	assert.Equal(t, uint16(50), s.Rows)
	assert.Equal(t, uint16(120), s.Cols)
}

func TestCreateMissingShellFallsBack(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Shell: "/no/such/shell"})
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", s.Shell)
}

func TestGetUnknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, sberrors.ProcessNotFound, sberrors.CodeOf(err))
}

func TestListSortedByCreation(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Create(CreateOptions{})
	require.NoError(t, err)
	b, err := m.Create(CreateOptions{})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Delete(s.ID))
	_, err = m.Get(s.ID)
	require.Error(t, err)

	err = m.Delete(s.ID)
	require.Error(t, err)
	assert.Equal(t, sberrors.ProcessNotFound, sberrors.CodeOf(err))
}

func TestResizeBeforeStart(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{})
	require.NoError(t, err)

	err = s.Resize(40, 100)
	require.Error(t, err)
	assert.Equal(t, sberrors.ShellNotAlive, sberrors.CodeOf(err))
}

func TestStartPTYAndResize(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, s.startPTY())
	require.NoError(t, s.startPTY()) // idempotent

	require.NoError(t, s.Resize(40, 100))
	assert.Equal(t, uint16(40), s.Rows)
	assert.Equal(t, uint16(100), s.Cols)

	s.stopPTY()
	s.stopPTY() // idempotent
}

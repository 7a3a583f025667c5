package shell

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "out-stale")
	fresh := filepath.Join(dir, "out-fresh")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))

	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(stale, old, old))

	sw := NewSweeper(dir, time.Minute, time.Minute, nil)
	removed := sw.Sweep(time.Now())

	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestSweepSkipsInUseFiles(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "out-live")
	stale := filepath.Join(dir, "out-stale")
	require.NoError(t, os.WriteFile(live, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))

	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(live, old, old))
	require.NoError(t, os.Chtimes(stale, old, old))

	sw := NewSweeper(dir, time.Minute, time.Minute, func(name string) bool {
		return name == "out-live"
	})
	removed := sw.Sweep(time.Now())

	assert.Equal(t, 1, removed)
	assert.FileExists(t, live)
	assert.NoFileExists(t, stale)
}

func TestSweepIgnoresMissingDir(t *testing.T) {
	sw := NewSweeper(filepath.Join(t.TempDir(), "nope"), time.Minute, time.Minute, nil)
	assert.Equal(t, 0, sw.Sweep(time.Now()))
}

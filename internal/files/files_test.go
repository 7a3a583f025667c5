package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/sberrors"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Write("notes/a.txt", []byte("hello"), 0))
	data, err := s.Read("notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMkdirRecursiveIdempotent(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Mkdir("a/b/c", true))
	require.NoError(t, s.Mkdir("a/b/c", true))

	err := s.Mkdir("a/b/c", false)
	require.Error(t, err)
	assert.Equal(t, sberrors.FileExists, sberrors.CodeOf(err))
}

func TestMkdirNonRecursiveNeedsParent(t *testing.T) {
	s := NewService(t.TempDir())
	err := s.Mkdir("missing/child", false)
	require.Error(t, err)
	assert.Equal(t, sberrors.FileNotFound, sberrors.CodeOf(err))
}

func TestReadMissing(t *testing.T) {
	s := NewService(t.TempDir())
	_, err := s.Read("ghost.txt")
	require.Error(t, err)
	assert.Equal(t, sberrors.FileNotFound, sberrors.CodeOf(err))
}

func TestReadDirectory(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Mkdir("dir", true))
	_, err := s.Read("dir")
	require.Error(t, err)
	assert.Equal(t, sberrors.IsDirectory, sberrors.CodeOf(err))
}

func TestRenameRoundTrip(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Write("a", []byte("original"), 0))
	require.NoError(t, s.Rename("a", "b"))
	require.NoError(t, s.Rename("b", "a"))

	data, err := s.Read("a")
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestMoveCreatesParents(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Write("src.txt", []byte("x"), 0))
	require.NoError(t, s.Move("src.txt", "deep/nested/dst.txt"))

	data, err := s.Read("deep/nested/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	_, err = s.Read("src.txt")
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Write("f", []byte("x"), 0))
	require.NoError(t, s.Delete("f", false))

	err := s.Delete("f", false)
	require.Error(t, err)
	assert.Equal(t, sberrors.FileNotFound, sberrors.CodeOf(err))
}

func TestDeleteDirRequiresRecursive(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Mkdir("d", true))
	require.NoError(t, s.Write("d/f", []byte("x"), 0))

	require.Error(t, s.Delete("d", false))
	require.NoError(t, s.Delete("d", true))
}

func TestListSorted(t *testing.T) {
	s := NewService(t.TempDir())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Write(name, []byte("x"), 0))
	}
	entries, err := s.List(".")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "mid", entries[1].Name)
	assert.Equal(t, "zeta", entries[2].Name)
}

func TestListNotDirectory(t *testing.T) {
	s := NewService(t.TempDir())
	require.NoError(t, s.Write("plain", []byte("x"), 0))
	_, err := s.List("plain")
	require.Error(t, err)
	assert.Equal(t, sberrors.NotDirectory, sberrors.CodeOf(err))
}

func TestExists(t *testing.T) {
	s := NewService(t.TempDir())
	exists, _, err := s.Exists("nope")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Mkdir("d", true))
	exists, isDir, err := s.Exists("d")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, isDir)
}

func TestWriteMode(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	require.NoError(t, s.Write("script.sh", []byte("#!/bin/sh\n"), 0o755))
	info, err := os.Stat(filepath.Join(dir, "script.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

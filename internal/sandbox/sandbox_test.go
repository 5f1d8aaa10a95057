package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempSandbox(t *testing.T) *Sandbox {
	t.Helper()
	return New(t.TempDir())
}

func TestWriteAndReadFile(t *testing.T) {
	s := tempSandbox(t)

	data := []byte("hello world")
	require.NoError(t, s.WriteFile("test.md", data, time.Time{}))

	got, err := s.ReadFile("test.md")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteCreatesParentDirs(t *testing.T) {
	s := tempSandbox(t)

	require.NoError(t, s.WriteFile("a/b/c/deep.md", []byte("deep"), time.Time{}))

	got, err := s.ReadFile("a/b/c/deep.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("deep"), got)
}

func TestWriteAppliesMtime(t *testing.T) {
	s := tempSandbox(t)

	mtime := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.WriteFile("stamped.md", []byte("x"), mtime))

	info, err := s.Stat("stamped.md")
	require.NoError(t, err)
	assert.Equal(t, mtime.Unix(), info.ModTime().Unix())
}

func TestWriteZeroMtimeLeavesCurrentTime(t *testing.T) {
	s := tempSandbox(t)
	before := time.Now().Add(-time.Second)

	require.NoError(t, s.WriteFile("fresh.md", []byte("x"), time.Time{}))

	info, err := s.Stat("fresh.md")
	require.NoError(t, err)
	assert.True(t, info.ModTime().After(before))
}

func TestReadMissingFile(t *testing.T) {
	s := tempSandbox(t)

	_, err := s.ReadFile("nope.md")
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteFile(t *testing.T) {
	s := tempSandbox(t)

	require.NoError(t, s.WriteFile("gone.md", []byte("x"), time.Time{}))
	require.NoError(t, s.DeleteFile("gone.md"))

	_, err := s.Stat("gone.md")
	assert.True(t, os.IsNotExist(err))

	// Deleting a missing file is not an error.
	assert.NoError(t, s.DeleteFile("gone.md"))
}

func TestRename(t *testing.T) {
	s := tempSandbox(t)

	require.NoError(t, s.WriteFile("old.md", []byte("content"), time.Time{}))
	require.NoError(t, s.Rename("old.md", "sub/new.md"))

	got, err := s.ReadFile("sub/new.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)
}

func TestPathTraversalBlocked(t *testing.T) {
	s := tempSandbox(t)

	for _, path := range []string{"../escape.md", "a/../../escape.md", ""} {
		_, err := s.ReadFile(path)
		assert.Error(t, err, "path %q must be rejected", path)

		assert.Error(t, s.WriteFile(path, []byte("x"), time.Time{}))
	}
}

func TestRel(t *testing.T) {
	s := tempSandbox(t)

	rel, ok := s.Rel(filepath.Join(s.Root(), "notes", "a.md"))
	require.True(t, ok)
	assert.Equal(t, "notes/a.md", rel)

	_, ok = s.Rel(s.Root())
	assert.False(t, ok, "the root itself is not a tracked path")

	_, ok = s.Rel("/somewhere/else/a.md")
	assert.False(t, ok)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"notes/a.md", "notes/a.md"},
		{"/notes/a.md/", "notes/a.md"},
		{"notes//a.md", "notes/a.md"},
		{"notes\\a.md", "notes/a.md"},
		{"with nbsp.md", "with nbsp.md"},
		{"with narrow.md", "with narrow.md"},
		// NFC: e + combining acute composes to é.
		{"café.md", "café.md"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in), "NormalizePath(%q)", tt.in)
	}
}

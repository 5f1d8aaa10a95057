// Package sandbox provides thread-safe file access rooted at a single
// directory. The sync engine, observer wiring, and status feed all go
// through this type, so an engine write can never race a conflicting
// read of the same file.
package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)
)

// Sandbox serializes filesystem operations under one root. Writes take
// an exclusive lock; reads take a shared lock so they never observe a
// partial write.
type Sandbox struct {
	root string
	mu   sync.RWMutex
}

// New creates a sandbox rooted at root, which must be an absolute path
// (resolved at config load time).
func New(root string) *Sandbox {
	return &Sandbox{root: root}
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// ReadFile reads a file by relative path.
func (s *Sandbox) ReadFile(relPath string) ([]byte, error) {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return os.ReadFile(absPath)
}

// WriteFile writes content by relative path, creating parent
// directories as needed. A non-zero mtime is applied to the file after
// writing so resolved content can carry a deliberate timestamp.
func (s *Sandbox) WriteFile(relPath string, data []byte, mtime time.Time) error {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	if err := os.WriteFile(absPath, data, filePerm); err != nil {
		return err
	}

	if !mtime.IsZero() {
		if err := os.Chtimes(absPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	return nil
}

// Stat returns file info by relative path.
func (s *Sandbox) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return os.Stat(absPath)
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (s *Sandbox) DeleteFile(relPath string) error {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// MkdirAll creates a directory (and parents) by relative path.
func (s *Sandbox) MkdirAll(relPath string) error {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return os.MkdirAll(absPath, dirPerm)
}

// Rename moves a file or directory between relative paths within the
// sandbox.
func (s *Sandbox) Rename(oldRel, newRel string) error {
	oldAbs, err := s.resolve(oldRel)
	if err != nil {
		return err
	}

	newAbs, err := s.resolve(newRel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(newAbs), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", newRel, err)
	}

	return os.Rename(oldAbs, newAbs)
}

// Rel converts an absolute path under the root to a normalized relative
// path, reporting false when the path is outside the sandbox.
func (s *Sandbox) Rel(absPath string) (string, bool) {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	return NormalizePath(filepath.ToSlash(rel)), true
}

// resolve converts a relative path to an absolute path within the
// root, rejecting traversal attempts.
func (s *Sandbox) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	absPath := filepath.Join(s.root, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside sandbox root", relPath)
	}

	return absPath, nil
}

// NormalizePath canonicalizes a relative path for use as a tracker and
// state-store key: backslashes become slashes, non-breaking spaces
// become regular spaces, repeated slashes collapse, leading/trailing
// slashes are trimmed, and the result is Unicode NFC normalized so the
// same file name typed on different platforms keys identically.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}

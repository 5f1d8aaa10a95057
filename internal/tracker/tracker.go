// Package tracker maintains the three-way content state for one tracked
// file: the base content both sides last agreed on, the current editor
// content, and the last observed disk content. The sync state is a pure
// function of the pairwise equalities between the three.
package tracker

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/alexjbarnes/bufsync/internal/content"
)

// ErrNoStore is returned by resolution operations on a tracker that was
// constructed without a backing store: there is no way to perform the
// disk write or read the resolution requires.
var ErrNoStore = errors.New("tracker has no backing store")

// SyncState is the derived four-way state of a tracked file.
type SyncState int

const (
	// StateSynced: editor, base, and disk all agree.
	StateSynced SyncState = iota

	// StateLocalChanges: the editor diverged from base; disk still agrees.
	StateLocalChanges

	// StateExternalChanges: disk diverged from base; editor still agrees.
	StateExternalChanges

	// StateConflict: both the editor and disk diverged from base.
	StateConflict
)

// String returns the wire name of the state.
func (s SyncState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateLocalChanges:
		return "local-changes"
	case StateExternalChanges:
		return "external-changes"
	case StateConflict:
		return "conflict"
	default:
		return "invalid"
	}
}

// Store is the byte-addressable backing file API the tracker resolves
// against. The local sandbox implements it; tests substitute mocks.
type Store interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, mtime time.Time) error
	Stat(path string) (fs.FileInfo, error)
}

// Tracker holds the three-way content state for a single path. One
// instance exists per tracked path; the editor-change stream mutates
// local content, the observer stream mutates disk content, and
// resolution calls collapse all three deliberately. Internal locking
// keeps a read on one stream from seeing a half-applied mutation from
// the other.
type Tracker struct {
	path  string
	store Store

	mu        sync.Mutex
	base      *content.Handle
	local     *content.Handle
	disk      *content.Handle
	diskMtime time.Time
}

// New creates a tracker for path with all three contents set to the
// given initial snapshot (a freshly opened file is synced by
// definition). The store may be nil for trackers that only classify;
// resolution operations then fail with ErrNoStore.
func New(path string, initial *content.Handle, mtime time.Time, store Store) *Tracker {
	if initial == nil {
		initial = content.Empty()
	}

	return &Tracker{
		path:      path,
		store:     store,
		base:      initial,
		local:     initial,
		disk:      initial,
		diskMtime: mtime,
	}
}

// Resume reconstructs a tracker from a persisted baseline. base is the
// last content both sides agreed on during a previous run and may
// differ from disk when the file changed while no engine was running;
// the truth table then classifies the divergence instead of absorbing
// it. local starts at base until the editor content is applied.
func Resume(path string, base, disk *content.Handle, diskMtime time.Time, store Store) *Tracker {
	if base == nil {
		base = content.Empty()
	}

	if disk == nil {
		disk = content.Empty()
	}

	return &Tracker{
		path:      path,
		store:     store,
		base:      base,
		local:     base,
		disk:      disk,
		diskMtime: diskMtime,
	}
}

// Path returns the tracked path.
func (t *Tracker) Path() string {
	return t.path
}

// SetLocalContent records a new editor buffer snapshot. Base and disk
// are untouched.
func (t *Tracker) SetLocalContent(c *content.Handle) {
	if c == nil {
		c = content.Empty()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.local = c
}

// SetLocalText records a new editor buffer snapshot from text.
func (t *Tracker) SetLocalText(text string) {
	t.SetLocalContent(content.FromString(text))
}

// UpdateDiskState records a newly observed on-disk snapshot. Base and
// local are untouched.
func (t *Tracker) UpdateDiskState(data []byte, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disk = content.FromBytes(data)
	t.diskMtime = mtime
}

// MarkSynced collapses all three contents to the given snapshot after a
// successful write-back.
func (t *Tracker) MarkSynced(data []byte, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.collapse(content.FromBytes(data), mtime)
}

// ResolveKeepLocal writes the editor content to disk and collapses
// base=disk=local. Tracker state is unchanged if the write fails, so
// the resolution can be retried.
func (t *Tracker) ResolveKeepLocal() error {
	if t.store == nil {
		return ErrNoStore
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	chosen := t.local
	if err := t.store.WriteFile(t.path, chosen.Bytes(), time.Time{}); err != nil {
		return fmt.Errorf("writing %s for keep-local: %w", t.path, err)
	}

	t.collapse(chosen, t.statMtime())

	return nil
}

// ResolveAcceptExternal reads the disk content and collapses
// base=disk=local to it. Tracker state is unchanged if the read fails.
func (t *Tracker) ResolveAcceptExternal() error {
	if t.store == nil {
		return ErrNoStore
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := t.store.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("reading %s for use-external: %w", t.path, err)
	}

	t.collapse(content.FromBytes(data), t.statMtime())

	return nil
}

// ResolveMerge writes the given merged content to disk and collapses
// base=disk=local to it. Tracker state is unchanged if the write fails.
func (t *Tracker) ResolveMerge(merged *content.Handle) error {
	if t.store == nil {
		return ErrNoStore
	}

	if merged == nil {
		merged = content.Empty()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.WriteFile(t.path, merged.Bytes(), time.Time{}); err != nil {
		return fmt.Errorf("writing %s for merge: %w", t.path, err)
	}

	t.collapse(merged, t.statMtime())

	return nil
}

// State derives the sync state from the pairwise content equalities:
//
//	local==base  base==disk  state
//	true         true        synced
//	false        true        local-changes
//	true         false       external-changes
//	false        false       conflict
func (t *Tracker) State() SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()

	localClean := t.local.Equal(t.base)
	diskClean := t.base.Equal(t.disk)

	switch {
	case localClean && diskClean:
		return StateSynced
	case !localClean && diskClean:
		return StateLocalChanges
	case localClean && !diskClean:
		return StateExternalChanges
	default:
		return StateConflict
	}
}

// IsDirty reports whether the editor diverged from base.
func (t *Tracker) IsDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.local.Equal(t.base)
}

// HasExternalChanges reports whether disk diverged from base.
func (t *Tracker) HasExternalChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.base.Equal(t.disk)
}

// BaseContent returns the last agreed content.
func (t *Tracker) BaseContent() *content.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.base
}

// LocalContent returns the current editor content.
func (t *Tracker) LocalContent() *content.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.local
}

// DiskContent returns the last observed on-disk content.
func (t *Tracker) DiskContent() *content.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.disk
}

// DiskMtime returns the mtime recorded with the last disk observation.
func (t *Tracker) DiskMtime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.diskMtime
}

// collapse sets base=local=disk to c. Callers hold t.mu.
func (t *Tracker) collapse(c *content.Handle, mtime time.Time) {
	t.base = c
	t.local = c
	t.disk = c
	t.diskMtime = mtime
}

// statMtime reads the post-resolution mtime from the store, falling
// back to now when stat fails. Callers hold t.mu.
func (t *Tracker) statMtime() time.Time {
	if info, err := t.store.Stat(t.path); err == nil {
		return info.ModTime()
	}

	return time.Now()
}

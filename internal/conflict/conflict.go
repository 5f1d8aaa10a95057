// Package conflict holds conflict bookkeeping for the sync engine: the
// per-path pending-conflict registry, resolution strategies, a
// diff-based merge suggestion, and time-bounded batch undo snapshots.
package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/bufsync/internal/content"
)

// Resolution is the strategy applied to one conflicted path.
type Resolution int

const (
	// KeepLocal writes the editor content over the external change.
	KeepLocal Resolution = iota

	// UseExternal replaces the editor content with the disk content.
	UseExternal

	// ManualMerge applies caller-supplied merged content. Never chosen
	// automatically.
	ManualMerge

	// Skip leaves the conflict pending.
	Skip
)

// String returns the wire name of the resolution.
func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep-local"
	case UseExternal:
		return "use-external"
	case ManualMerge:
		return "manual-merge"
	case Skip:
		return "skip"
	default:
		return "invalid"
	}
}

// ParseResolution maps a wire name back to a Resolution.
func ParseResolution(s string) (Resolution, bool) {
	switch s {
	case "keep-local":
		return KeepLocal, true
	case "use-external":
		return UseExternal, true
	case "manual-merge":
		return ManualMerge, true
	case "skip":
		return Skip, true
	default:
		return 0, false
	}
}

// AutoResolvable reports whether the resolution may be applied without
// user involvement. ManualMerge needs content and Skip resolves nothing.
func (r Resolution) AutoResolvable() bool {
	return r == KeepLocal || r == UseExternal
}

// Info is the snapshot taken when a path enters conflict: the common
// ancestor plus both diverged sides.
type Info struct {
	Path       string
	Base       *content.Handle
	Local      *content.Handle
	External   *content.Handle
	DetectedAt time.Time
}

// Registry tracks at most one pending conflict per path. Owned by the
// engine; constructed per session, never a package singleton.
type Registry struct {
	mu      sync.Mutex
	pending map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]Info)}
}

// Register records info as the pending conflict for its path. When a
// conflict is already pending there, it is replaced and the prior Info
// returned so the caller can invalidate any resolution UI surfaced for
// it.
func (r *Registry) Register(info Info) (prior Info, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, replaced = r.pending[info.Path]
	r.pending[info.Path] = info

	return prior, replaced
}

// Get returns the pending conflict for path.
func (r *Registry) Get(path string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.pending[path]

	return info, ok
}

// All returns every pending conflict, sorted by path.
func (r *Registry) All() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.pending))
	for _, info := range r.pending {
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })

	return infos
}

// Remove drops the pending conflict for path, if any.
func (r *Registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, path)
}

// Len reports the number of pending conflicts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}

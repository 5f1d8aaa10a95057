// Package observe watches filesystem roots and reports mutations as
// batched change records. Two strategies implement the same contract: a
// native fsnotify-backed observer and a timer-driven polling observer
// that diffs recursive snapshots. New probes for native support and
// falls back to polling.
package observe

import (
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the snapshot interval for the polling strategy
// when the caller does not specify one.
const DefaultPollInterval = 500 * time.Millisecond

// ChangeType classifies one reported filesystem mutation.
type ChangeType int

const (
	// Appeared means the entry exists now but did not before.
	Appeared ChangeType = iota

	// Disappeared means the entry existed before but does not now.
	Disappeared

	// Modified means a file's content changed (size or mtime delta).
	Modified

	// Moved means the entry was relocated within the observed root.
	// Only native notification facilities that pair rename events can
	// report this; the polling strategy reports a move as Disappeared
	// plus Appeared.
	Moved

	// Unknown means the facility reported a change it could not classify.
	Unknown

	// Errored means the observation stream itself failed for the root.
	Errored
)

// String returns the wire name of the change type.
func (t ChangeType) String() string {
	switch t {
	case Appeared:
		return "appeared"
	case Disappeared:
		return "disappeared"
	case Modified:
		return "modified"
	case Moved:
		return "moved"
	case Unknown:
		return "unknown"
	case Errored:
		return "errored"
	default:
		return "invalid"
	}
}

// Record is one reported mutation. Root is the observed root the record
// belongs to, Path the absolute path of the changed entry, and
// RelComponents the path segments from root to the entry.
type Record struct {
	Root          string
	Path          string
	RelComponents []string
	Type          ChangeType

	// MovedFrom holds the previous location's components for Moved
	// records, nil otherwise.
	MovedFrom []string
}

// Options controls the observation scope for one root.
type Options struct {
	// Recursive extends observation to the whole subtree. When false,
	// only immediate children of the root are inspected.
	Recursive bool
}

// Callback receives one non-empty batch of records. All records from a
// single poll tick or debounce flush arrive in the same invocation.
type Callback func(records []Record, obs Observer)

// Observer is the strategy contract shared by the native and polling
// implementations.
type Observer interface {
	// Observe starts watching root. Calling it again for an
	// already-observed root is a no-op.
	Observe(root string, opts Options) error

	// Unobserve stops watching root. No-op when root is not observed.
	Unobserve(root string)

	// Disconnect stops all observation and cancels in-flight work.
	// Idempotent.
	Disconnect()
}

// New probes for a native change-notification facility and returns a
// NotifyObserver when available, falling back to the polling strategy.
func New(cb Callback, pollInterval time.Duration, logger *slog.Logger) Observer {
	if w, err := fsnotify.NewWatcher(); err == nil {
		return newNotifyObserver(w, cb, pollInterval, logger)
	}

	logger.Info("native file notifications unavailable, polling instead")

	return NewPolling(cb, pollInterval, logger)
}

// relComponents splits a slash-normalized relative path into segments.
func relComponents(rel string) []string {
	rel = strings.ReplaceAll(rel, "\\", "/")

	return strings.Split(rel, "/")
}

package engine

import "github.com/alexjbarnes/bufsync/internal/tracker"

// StatusType is the user-facing classification of a tracked file.
type StatusType int

const (
	// StatusSynced: editor and disk agree.
	StatusSynced StatusType = iota

	// StatusDirty: unsaved editor changes, disk unchanged.
	StatusDirty

	// StatusExternalChanges: disk changed under a clean editor.
	StatusExternalChanges

	// StatusConflict: both sides changed, resolution needed.
	StatusConflict

	// StatusError: the last operation on the file failed.
	StatusError

	// StatusNotWatched: the path is not (or no longer) tracked.
	StatusNotWatched
)

// String returns the wire name of the status type.
func (t StatusType) String() string {
	switch t {
	case StatusSynced:
		return "synced"
	case StatusDirty:
		return "dirty"
	case StatusExternalChanges:
		return "external-changes"
	case StatusConflict:
		return "conflict"
	case StatusError:
		return "error"
	case StatusNotWatched:
		return "not-watched"
	default:
		return "invalid"
	}
}

// Status is the derived, read-only projection published to subscribers.
type Status struct {
	Type               StatusType
	HasLocalChanges    bool
	HasExternalChanges bool
	Err                string
}

// statusFromState maps a tracker state to the corresponding status type.
func statusFromState(s tracker.SyncState) StatusType {
	switch s {
	case tracker.StateSynced:
		return StatusSynced
	case tracker.StateLocalChanges:
		return StatusDirty
	case tracker.StateExternalChanges:
		return StatusExternalChanges
	case tracker.StateConflict:
		return StatusConflict
	default:
		return StatusError
	}
}

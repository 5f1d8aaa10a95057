package conflict

import (
	"errors"
	"time"

	"github.com/alexjbarnes/bufsync/internal/content"
)

// DefaultUndoTTL is the window during which a batch resolution can be
// undone.
const DefaultUndoTTL = 30 * time.Second

// ErrUndoExpired is returned when undo is attempted after the batch
// operation's window closed.
var ErrUndoExpired = errors.New("undo window expired for this batch operation")

// UndoEntry is the immutable pre-resolution snapshot for one file in a
// batch: the editor content at the moment the batch was captured, the
// original conflict, and the resolution that was applied.
type UndoEntry struct {
	Path       string
	PriorLocal *content.Handle
	Conflict   Info
	Applied    Resolution
}

// UndoOp is the snapshot of a whole batch resolution, captured before
// any per-path mutation. Immutable after construction.
type UndoOp struct {
	entries   []UndoEntry
	createdAt time.Time
	ttl       time.Duration
}

// NewUndoOp captures a batch snapshot. A non-positive ttl selects
// DefaultUndoTTL.
func NewUndoOp(entries []UndoEntry, ttl time.Duration) *UndoOp {
	if ttl <= 0 {
		ttl = DefaultUndoTTL
	}

	snap := make([]UndoEntry, len(entries))
	copy(snap, entries)

	return &UndoOp{
		entries:   snap,
		createdAt: time.Now(),
		ttl:       ttl,
	}
}

// Entries returns a copy of the per-file snapshots.
func (op *UndoOp) Entries() []UndoEntry {
	out := make([]UndoEntry, len(op.entries))
	copy(out, op.entries)

	return out
}

// CreatedAt returns when the snapshot was captured.
func (op *UndoOp) CreatedAt() time.Time {
	return op.createdAt
}

// Expired reports whether the undo window has closed.
func (op *UndoOp) Expired(now time.Time) bool {
	return now.Sub(op.createdAt) > op.ttl
}

// Remaining returns the time left in the undo window, zero when closed.
func (op *UndoOp) Remaining(now time.Time) time.Duration {
	left := op.ttl - now.Sub(op.createdAt)
	if left < 0 {
		return 0
	}

	return left
}

// UndoResult reports per-file restore outcomes. Undo never raises on
// partial failure; callers inspect PerPath.
type UndoResult struct {
	// PerPath maps each attempted path to its restore error, nil on
	// success.
	PerPath map[string]error

	// Err is set when the undo could not run at all (expired window or
	// no batch to undo).
	Err error
}

// Ok reports overall success: the undo ran and every file was restored.
func (r UndoResult) Ok() bool {
	if r.Err != nil {
		return false
	}

	for _, err := range r.PerPath {
		if err != nil {
			return false
		}
	}

	return true
}

package engine

// ViewState is an opaque editor view snapshot (cursor, selection,
// scroll). The engine captures it before a transparent reload and hands
// it back afterwards; only the editor interprets it.
type ViewState any

// Editor is the contract an editor instance fulfils to take part in
// sync. The engine drives it from the observer side (reloads,
// resolution apply) and listens to it on the edit side (content and
// dirty-state streams).
type Editor interface {
	// IsDirty reports whether the buffer has unsaved edits.
	IsDirty() bool

	// Content returns the current buffer text.
	Content() string

	// SetContent replaces the buffer text.
	SetContent(text string)

	// MarkClean clears the dirty flag after the engine reconciled the
	// buffer with disk.
	MarkClean()

	// OnContentChange subscribes to buffer edits. The returned function
	// unsubscribes.
	OnContentChange(fn func(text string)) (unsubscribe func())

	// OnDirtyStateChange subscribes to dirty-flag transitions.
	OnDirtyStateChange(fn func(dirty bool)) (unsubscribe func())

	// CaptureView snapshots cursor/selection/scroll before a reload.
	CaptureView() ViewState

	// RestoreView re-applies a snapshot after a reload.
	RestoreView(v ViewState)
}

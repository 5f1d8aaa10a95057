// Package engine orchestrates file synchronization: it wires the change
// observer and write-token manager into per-path state trackers,
// derives a stable subscribable status per open file, and exposes the
// conflict-resolution API.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/bufsync/internal/conflict"
	"github.com/alexjbarnes/bufsync/internal/content"
	"github.com/alexjbarnes/bufsync/internal/observe"
	"github.com/alexjbarnes/bufsync/internal/sandbox"
	"github.com/alexjbarnes/bufsync/internal/state"
	"github.com/alexjbarnes/bufsync/internal/token"
	"github.com/alexjbarnes/bufsync/internal/tracker"
)

// ErrNotTracked is returned for operations on a path with no open file.
var ErrNotTracked = errors.New("path is not tracked")

// ErrDisposed is returned for operations on a disposed engine.
var ErrDisposed = errors.New("engine is disposed")

// Options configures an engine instance.
type Options struct {
	// TokenTTL bounds how long a write token stays matchable.
	TokenTTL time.Duration

	// UndoTTL bounds the batch-resolution undo window.
	UndoTTL time.Duration

	// AutoReload transparently reloads clean editors on external change.
	AutoReload bool

	// DefaultResolution is applied on conflict detection when it is
	// auto-resolvable; ManualMerge (and Skip) leave conflicts pending.
	DefaultResolution conflict.Resolution

	Logger *slog.Logger
}

// openFile is the engine's bookkeeping for one registered editor.
type openFile struct {
	rel     string
	tracker *tracker.Tracker
	editor  Editor
	status  Status

	// errMsg carries the message behind a StatusError, cleared on the
	// next successful reconciliation. Guarded by Engine.mu: the
	// observer stream writes it while editor callbacks read it.
	errMsg string

	// shouldClose is set when the file disappeared from disk while the
	// editor was clean. Guarded by Engine.mu.
	shouldClose bool

	unsubContent func()
	unsubDirty   func()
}

// Engine is the sync orchestrator. Construct one per session with New;
// every collaborator (token table, conflict registry, tracker table) is
// instance-owned so independent sessions coexist and tear down
// deterministically.
type Engine struct {
	box       *sandbox.Sandbox
	baselines *state.State
	tokens    *token.Manager
	registry  *conflict.Registry
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	files    map[string]*openFile
	subs     map[int]func(path string, st Status)
	confSubs map[int]func(info conflict.Info)
	nextSub  int
	lastUndo *conflict.UndoOp
	observer observe.Observer
	disposed bool
}

// New creates an engine over the given sandbox. baselines may be nil to
// run without persistence.
func New(box *sandbox.Sandbox, baselines *state.State, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Engine{
		box:       box,
		baselines: baselines,
		tokens:    token.NewManager(opts.TokenTTL),
		registry:  conflict.NewRegistry(),
		opts:      opts,
		logger:    opts.Logger,
		files:     make(map[string]*openFile),
		subs:      make(map[int]func(string, Status)),
		confSubs:  make(map[int]func(conflict.Info)),
	}
}

// SetObserver hands the engine the observer whose callback feeds
// HandleChanges, so Dispose can disconnect it.
func (e *Engine) SetObserver(obs observe.Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observer = obs
}

// RegisterOpenFile starts tracking path for the given editor. For a
// fresh path the on-disk content becomes the base, and an editor
// buffer that already diverged from it surfaces immediately as dirty.
// When a previous run persisted a baseline whose hash no longer
// matches the disk, the file changed while no engine was watching: the
// stored content is restored as the base so the offline edit surfaces
// as external changes or a conflict instead of being absorbed.
func (e *Engine) RegisterOpenFile(relPath string, ed Editor) error {
	rel := sandbox.NormalizePath(relPath)

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}

	if prior, ok := e.files[rel]; ok {
		prior.detach()
		delete(e.files, rel)
	}
	e.mu.Unlock()

	var (
		diskContent []byte
		diskMtime   time.Time
	)

	if data, err := e.box.ReadFile(rel); err == nil {
		diskContent = data

		if info, statErr := e.box.Stat(rel); statErr == nil {
			diskMtime = info.ModTime()
		}
	}

	diskHandle := content.FromBytes(diskContent)
	localHandle := content.FromString(ed.Content())

	baseHandle := diskHandle
	if fb := e.loadBaseline(rel); fb != nil && fb.BaseHash != diskHandle.Hash() && !localHandle.Equal(diskHandle) {
		// Restore the ancestor only when the stored bytes still match
		// their recorded hash; a truncated record is worse than none.
		if stored := content.FromBytes(fb.Base); stored.Hash() == fb.BaseHash {
			baseHandle = stored
		}
	}

	tr := tracker.Resume(rel, baseHandle, diskHandle, diskMtime, e.box)
	tr.SetLocalContent(localHandle)

	of := &openFile{
		rel:     rel,
		tracker: tr,
		editor:  ed,
	}

	of.unsubContent = ed.OnContentChange(func(text string) {
		e.onEditorContent(rel, text)
	})
	of.unsubDirty = ed.OnDirtyStateChange(func(bool) {
		e.refresh(rel)
	})

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		of.detach()

		return ErrDisposed
	}

	e.files[rel] = of
	e.mu.Unlock()

	// An offline divergence follows the same policy as a live one.
	switch tr.State() {
	case tracker.StateExternalChanges:
		if e.opts.AutoReload && !ed.IsDirty() {
			e.transparentReload(of, diskContent, diskMtime)
		}

	case tracker.StateConflict:
		e.enterConflict(of)
	}

	e.persistBaseline(of)
	e.refresh(rel)

	e.logger.Debug("tracking open file",
		slog.String("path", rel),
		slog.String("state", tr.State().String()),
	)

	return nil
}

// UnregisterOpenFile stops tracking path. Pending conflicts and write
// tokens for the path are dropped with it.
func (e *Engine) UnregisterOpenFile(relPath string) {
	rel := sandbox.NormalizePath(relPath)

	e.mu.Lock()
	of, ok := e.files[rel]
	delete(e.files, rel)
	e.mu.Unlock()

	if !ok {
		return
	}

	of.detach()
	e.tokens.Clear(rel)
	e.registry.Remove(rel)
	e.publish(rel, Status{Type: StatusNotWatched})
}

// SyncStatus returns the current status of path, StatusNotWatched for
// unknown paths.
func (e *Engine) SyncStatus(relPath string) Status {
	rel := sandbox.NormalizePath(relPath)

	e.mu.Lock()
	defer e.mu.Unlock()

	if of, ok := e.files[rel]; ok {
		return of.status
	}

	return Status{Type: StatusNotWatched}
}

// OnStatusChange subscribes to status updates for every tracked file.
// Delivery is synchronous; a panicking subscriber is recovered so the
// remaining subscribers still hear the change.
func (e *Engine) OnStatusChange(fn func(path string, st Status)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		delete(e.subs, id)
	}
}

// OnConflict subscribes to resolution-requested notifications: fired
// when a conflict is detected and no auto-resolution applies.
func (e *Engine) OnConflict(fn func(info conflict.Info)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.confSubs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		delete(e.confSubs, id)
	}
}

// ConflictInfo returns the pending conflict for path.
func (e *Engine) ConflictInfo(relPath string) (conflict.Info, bool) {
	return e.registry.Get(sandbox.NormalizePath(relPath))
}

// PendingConflicts returns all pending conflicts sorted by path.
func (e *Engine) PendingConflicts() []conflict.Info {
	return e.registry.All()
}

// ShouldCloseFile reports whether the engine recommends closing the
// editor for path (the file disappeared while the editor was clean).
func (e *Engine) ShouldCloseFile(relPath string) bool {
	rel := sandbox.NormalizePath(relPath)

	e.mu.Lock()
	defer e.mu.Unlock()

	if of, ok := e.files[rel]; ok {
		return of.shouldClose
	}

	return false
}

// Dispose tears the session down: cancels tokens, detaches editors,
// disconnects the observer. In-flight writes already dispatched finish
// on their own; their results are discarded with the trackers.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}

	e.disposed = true
	files := e.files
	e.files = make(map[string]*openFile)
	e.subs = make(map[int]func(string, Status))
	e.confSubs = make(map[int]func(conflict.Info))
	obs := e.observer
	e.mu.Unlock()

	for _, of := range files {
		of.detach()
	}

	e.tokens.Dispose()

	if obs != nil {
		obs.Disconnect()
	}
}

// HandleChanges is the observer callback. Token matching for each
// record runs synchronously before the disk state update, so a matched
// self-write is never visible as an external change, even transiently.
func (e *Engine) HandleChanges(records []observe.Record, _ observe.Observer) {
	for _, rec := range records {
		if rec.Type == observe.Errored {
			e.handleObservationError(rec)
			continue
		}

		rel, ok := e.box.Rel(rec.Path)
		if !ok {
			continue
		}

		e.mu.Lock()
		of, tracked := e.files[rel]
		disposed := e.disposed
		e.mu.Unlock()

		if disposed {
			return
		}

		if !tracked {
			continue
		}

		switch rec.Type {
		case observe.Modified, observe.Appeared, observe.Unknown, observe.Moved:
			e.handleDiskChange(of)

		case observe.Disappeared:
			e.handleDiskDelete(of)
		}
	}
}

// handleObservationError marks tracked files errored when observation
// of their root breaks. Errored records name an observed root, not a
// file: the sandbox root itself covers every tracked file, a directory
// inside it covers the files underneath, anything else is unrelated.
func (e *Engine) handleObservationError(rec observe.Record) {
	prefix := ""

	if rec.Path != e.box.Root() {
		rel, ok := e.box.Rel(rec.Path)
		if !ok {
			return
		}

		prefix = rel + "/"
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}

	affected := make([]*openFile, 0, len(e.files))
	for _, of := range e.files {
		if prefix == "" || strings.HasPrefix(of.rel, prefix) {
			affected = append(affected, of)
		}
	}
	e.mu.Unlock()

	for _, of := range affected {
		e.setError(of, "change observation failed; on-disk state may be stale")
	}
}

// handleDiskChange processes a modified/appeared notification for a
// tracked file.
func (e *Engine) handleDiskChange(of *openFile) {
	data, err := e.box.ReadFile(of.rel)
	if err != nil {
		// The file can vanish between the notification and our read.
		if os.IsNotExist(err) {
			e.handleDiskDelete(of)
			return
		}

		e.setError(of, fmt.Sprintf("reading changed file: %v", err))

		return
	}

	mtime := time.Now()
	if info, statErr := e.box.Stat(of.rel); statErr == nil {
		mtime = info.ModTime()
	}

	// Self-write recognition happens before the disk state is applied.
	if _, matched := e.tokens.Match(of.rel, mtime); matched {
		of.tracker.MarkSynced(data, mtime)
		e.clearError(of)
		e.persistBaseline(of)
		e.refresh(of.rel)

		return
	}

	of.tracker.UpdateDiskState(data, mtime)

	switch of.tracker.State() {
	case tracker.StateSynced:
		// External write landed exactly on the agreed content.
		of.tracker.MarkSynced(data, mtime)
		e.clearError(of)
		e.persistBaseline(of)

	case tracker.StateExternalChanges:
		if e.opts.AutoReload && !of.editor.IsDirty() {
			e.transparentReload(of, data, mtime)
		}

	case tracker.StateConflict:
		e.enterConflict(of)

	case tracker.StateLocalChanges:
		// Disk reverted to base while the editor is dirty; plain dirty.
	}

	e.refresh(of.rel)
}

// transparentReload pushes new disk content into a clean editor while
// preserving its view, then marks the file synced.
func (e *Engine) transparentReload(of *openFile, data []byte, mtime time.Time) {
	view := of.editor.CaptureView()
	of.editor.SetContent(string(data))
	of.editor.MarkClean()
	of.editor.RestoreView(view)

	of.tracker.MarkSynced(data, mtime)
	e.clearError(of)
	e.persistBaseline(of)

	e.logger.Debug("auto-reloaded clean editor", slog.String("path", of.rel))
}

// handleDiskDelete processes a disappeared notification: an error for
// dirty editors (unsaved work with no backing file), a close
// recommendation for clean ones.
func (e *Engine) handleDiskDelete(of *openFile) {
	if of.editor.IsDirty() {
		e.setError(of, "file was deleted on disk but the editor has unsaved changes")
		return
	}

	e.mu.Lock()
	of.shouldClose = true
	e.mu.Unlock()

	if e.baselines != nil {
		if err := e.baselines.DeleteBaseline(e.box.Root(), of.rel); err != nil {
			e.logger.Warn("dropping baseline", slog.String("path", of.rel), slog.String("error", err.Error()))
		}
	}

	e.publish(of.rel, e.setStatus(of, Status{Type: StatusNotWatched}))
}

// enterConflict snapshots the three-way content into the registry and
// applies the configured auto-resolution when possible. A conflict
// already pending for the path is replaced; the prior snapshot's
// resolution prompt is superseded by the fresh notification.
func (e *Engine) enterConflict(of *openFile) {
	info := conflict.Info{
		Path:       of.rel,
		Base:       of.tracker.BaseContent(),
		Local:      of.tracker.LocalContent(),
		External:   of.tracker.DiskContent(),
		DetectedAt: time.Now(),
	}

	if prior, replaced := e.registry.Register(info); replaced {
		e.logger.Debug("pending conflict superseded",
			slog.String("path", of.rel),
			slog.Time("prior_detected_at", prior.DetectedAt),
		)
	}

	if e.opts.DefaultResolution.AutoResolvable() {
		if err := e.applyResolution(of, e.opts.DefaultResolution, nil); err != nil {
			e.logger.Warn("auto-resolution failed",
				slog.String("path", of.rel),
				slog.String("strategy", e.opts.DefaultResolution.String()),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	e.notifyConflict(info)
}

// onEditorContent is the editor content-change stream handler.
func (e *Engine) onEditorContent(rel string, text string) {
	e.mu.Lock()
	of, ok := e.files[rel]
	e.mu.Unlock()

	if !ok {
		return
	}

	of.tracker.SetLocalText(text)
	e.refresh(rel)
}

// refresh re-derives the status for path and publishes it if changed.
func (e *Engine) refresh(rel string) {
	e.mu.Lock()
	of, ok := e.files[rel]
	e.mu.Unlock()

	if !ok {
		return
	}

	st := e.deriveStatus(of)
	if prev := e.setStatus(of, st); prev == st {
		return
	}

	e.publish(rel, st)
}

// deriveStatus computes the user-facing status from tracker state, the
// pending-conflict table, and any sticky error.
func (e *Engine) deriveStatus(of *openFile) Status {
	e.mu.Lock()
	errMsg := of.errMsg
	shouldClose := of.shouldClose
	e.mu.Unlock()

	if errMsg != "" {
		return Status{
			Type:               StatusError,
			HasLocalChanges:    of.tracker.IsDirty(),
			HasExternalChanges: of.tracker.HasExternalChanges(),
			Err:                errMsg,
		}
	}

	if shouldClose {
		return Status{Type: StatusNotWatched}
	}

	st := Status{
		Type:               statusFromState(of.tracker.State()),
		HasLocalChanges:    of.tracker.IsDirty(),
		HasExternalChanges: of.tracker.HasExternalChanges(),
	}

	// A pending conflict keeps the file in conflict status even after
	// an undo collapsed the tracker, so the user can choose again.
	if _, pending := e.registry.Get(of.rel); pending && st.Type == StatusSynced {
		st.Type = StatusConflict
	}

	return st
}

// setStatus stores st on the open file and returns the previous status.
func (e *Engine) setStatus(of *openFile, st Status) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := of.status
	of.status = st

	return prev
}

// setError marks the file errored and publishes the status.
func (e *Engine) setError(of *openFile, msg string) {
	e.mu.Lock()
	of.errMsg = msg
	e.mu.Unlock()

	e.logger.Warn("file sync error", slog.String("path", of.rel), slog.String("error", msg))
	e.publish(of.rel, e.setStatus(of, e.deriveStatus(of)))
}

// clearError drops the sticky error message after a successful
// reconciliation.
func (e *Engine) clearError(of *openFile) {
	e.mu.Lock()
	of.errMsg = ""
	e.mu.Unlock()
}

// publish fans st out to all status subscribers. One panicking
// subscriber must not prevent delivery to the others.
func (e *Engine) publish(rel string, st Status) {
	e.mu.Lock()
	fns := make([]func(string, Status), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("status subscriber panicked",
						slog.String("path", rel),
						slog.Any("panic", r),
					)
				}
			}()

			fn(rel, st)
		}()
	}
}

// notifyConflict fans a resolution-requested notification out to
// conflict subscribers.
func (e *Engine) notifyConflict(info conflict.Info) {
	e.mu.Lock()
	fns := make([]func(conflict.Info), 0, len(e.confSubs))
	for _, fn := range e.confSubs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("conflict subscriber panicked",
						slog.String("path", info.Path),
						slog.Any("panic", r),
					)
				}
			}()

			fn(info)
		}()
	}
}

// loadBaseline reads the persisted baseline for path, nil when the
// engine runs without persistence or no baseline exists.
func (e *Engine) loadBaseline(rel string) *state.FileBaseline {
	if e.baselines == nil {
		return nil
	}

	fb, err := e.baselines.GetBaseline(e.box.Root(), rel)
	if err != nil {
		e.logger.Warn("reading baseline",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return fb
}

// persistBaseline records the tracker's base content as the durable
// baseline for the path.
func (e *Engine) persistBaseline(of *openFile) {
	if e.baselines == nil {
		return
	}

	base := of.tracker.BaseContent()
	fb := state.FileBaseline{
		Path:     of.rel,
		BaseHash: base.Hash(),
		MTime:    of.tracker.DiskMtime().UnixMilli(),
		Size:     int64(base.Len()),
		SyncedAt: time.Now().UnixMilli(),
		Base:     base.Bytes(),
	}

	if err := e.baselines.PutBaseline(e.box.Root(), fb); err != nil {
		e.logger.Warn("persisting baseline",
			slog.String("path", of.rel),
			slog.String("error", err.Error()),
		)
	}
}

func (of *openFile) detach() {
	if of.unsubContent != nil {
		of.unsubContent()
	}

	if of.unsubDirty != nil {
		of.unsubDirty()
	}
}

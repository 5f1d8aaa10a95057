package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/bufsync/internal/conflict"
	"github.com/alexjbarnes/bufsync/internal/content"
	"github.com/alexjbarnes/bufsync/internal/sandbox"
)

// ErrMergeContentRequired is returned when a manual-merge resolution is
// requested without merged content.
var ErrMergeContentRequired = errors.New("manual-merge requires merged content")

// ErrNothingToUndo is returned when no batch resolution has been
// performed this session.
var ErrNothingToUndo = errors.New("no batch resolution to undo")

// MergeSuggestion returns a merge candidate for the pending conflict on
// path: both sides' edits where they don't overlap, for the user to
// review before a manual-merge resolution.
func (e *Engine) MergeSuggestion(relPath string) (*content.Handle, bool) {
	info, ok := e.registry.Get(sandbox.NormalizePath(relPath))
	if !ok {
		return nil, false
	}

	return conflict.Suggest(info.Base, info.Local, info.External), true
}

// ResolveConflict applies a resolution strategy to path. mergedText is
// consulted only for ManualMerge. A failed resolution keeps the
// conflict pending so the user can retry or choose differently.
func (e *Engine) ResolveConflict(relPath string, res conflict.Resolution, mergedText string) error {
	rel := sandbox.NormalizePath(relPath)

	e.mu.Lock()
	of, ok := e.files[rel]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, rel)
	}

	if res == conflict.Skip {
		e.SkipConflict(rel)
		return nil
	}

	var merged *content.Handle
	if res == conflict.ManualMerge {
		merged = content.FromString(mergedText)
	}

	return e.applyResolution(of, res, merged)
}

// SkipConflict dismisses the pending conflict for path without
// resolving it. The tracker still reports conflict, so the status stays
// conflict; only the pending-resolution prompt goes away.
func (e *Engine) SkipConflict(relPath string) {
	rel := sandbox.NormalizePath(relPath)

	e.registry.Remove(rel)
	e.refresh(rel)
}

// BatchResolve applies per-path resolutions sequentially. The undo
// snapshot for every auto-applicable entry is captured before any
// mutation; per-path failures are collected without aborting the batch.
// The returned undo operation covers whichever subset was snapshotted,
// even when some paths failed to resolve.
func (e *Engine) BatchResolve(resolutions map[string]conflict.Resolution) (*conflict.UndoOp, map[string]error) {
	paths := make([]string, 0, len(resolutions))
	for path := range resolutions {
		paths = append(paths, sandbox.NormalizePath(path))
	}

	sort.Strings(paths)

	failures := make(map[string]error)

	// Snapshot phase: capture every restorable entry before any
	// resolution mutates a tracker.
	var entries []conflict.UndoEntry

	type work struct {
		of  *openFile
		res conflict.Resolution
	}

	var toResolve []work

	for _, rel := range paths {
		res := resolutions[rel]

		e.mu.Lock()
		of, tracked := e.files[rel]
		e.mu.Unlock()

		if !tracked {
			failures[rel] = fmt.Errorf("%w: %s", ErrNotTracked, rel)
			continue
		}

		switch res {
		case conflict.Skip:
			// Left pending by request.

		case conflict.ManualMerge:
			failures[rel] = fmt.Errorf("%s: %w in a batch, resolve individually", rel, ErrMergeContentRequired)

		case conflict.KeepLocal, conflict.UseExternal:
			info, ok := e.registry.Get(rel)
			if !ok {
				info = conflict.Info{
					Path:       rel,
					Base:       of.tracker.BaseContent(),
					Local:      of.tracker.LocalContent(),
					External:   of.tracker.DiskContent(),
					DetectedAt: time.Now(),
				}
			}

			entries = append(entries, conflict.UndoEntry{
				Path:       rel,
				PriorLocal: of.tracker.LocalContent(),
				Conflict:   info,
				Applied:    res,
			})
			toResolve = append(toResolve, work{of: of, res: res})
		}
	}

	var op *conflict.UndoOp

	if len(entries) > 0 {
		op = conflict.NewUndoOp(entries, e.opts.UndoTTL)

		e.mu.Lock()
		e.lastUndo = op
		e.mu.Unlock()
	}

	// Resolution phase: strictly sequential, never parallel.
	for _, w := range toResolve {
		if err := e.applyResolution(w.of, w.res, nil); err != nil {
			failures[w.of.rel] = err
		}
	}

	failedInBatch := 0

	for _, w := range toResolve {
		if _, ok := failures[w.of.rel]; ok {
			failedInBatch++
		}
	}

	e.logger.Info("batch resolution complete",
		slog.Int("resolved", len(toResolve)-failedInBatch),
		slog.Int("failed", len(failures)),
	)

	return op, failures
}

// CanUndoLastBatch reports whether a batch resolution exists and its
// undo window is still open.
func (e *Engine) CanUndoLastBatch() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastUndo != nil && !e.lastUndo.Expired(time.Now())
}

// UndoTimeRemaining returns the time left to undo the last batch
// resolution, zero when there is nothing to undo.
func (e *Engine) UndoTimeRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastUndo == nil {
		return 0
	}

	return e.lastUndo.Remaining(time.Now())
}

// UndoLastBatch restores every file of the last batch resolution to its
// pre-resolution editor content, re-applies that content to disk, and
// re-registers the original conflicts so the user can choose
// differently. Failures are reported per file; the call never panics on
// partial failure. Outside the undo window it reports
// conflict.ErrUndoExpired and restores nothing.
func (e *Engine) UndoLastBatch() conflict.UndoResult {
	e.mu.Lock()
	op := e.lastUndo
	e.mu.Unlock()

	if op == nil {
		return conflict.UndoResult{Err: ErrNothingToUndo}
	}

	if op.Expired(time.Now()) {
		return conflict.UndoResult{Err: conflict.ErrUndoExpired}
	}

	result := conflict.UndoResult{PerPath: make(map[string]error)}

	for _, entry := range op.Entries() {
		result.PerPath[entry.Path] = e.undoOne(entry)
	}

	// The snapshot is consumed whether or not every file restored; a
	// second undo of the same batch would re-apply stale content.
	e.mu.Lock()
	e.lastUndo = nil
	e.mu.Unlock()

	return result
}

// undoOne restores a single file from its batch snapshot.
func (e *Engine) undoOne(entry conflict.UndoEntry) error {
	e.mu.Lock()
	of, ok := e.files[entry.Path]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, entry.Path)
	}

	of.editor.SetContent(entry.PriorLocal.Text())
	of.tracker.SetLocalContent(entry.PriorLocal)

	// Write the restored content back through resolveMerge under a
	// write token, so the observer sees it as a self-write.
	e.tokens.Generate(entry.Path)

	if err := e.applyMergeWrite(of, entry.PriorLocal); err != nil {
		e.tokens.Clear(entry.Path)
		e.setError(of, fmt.Sprintf("restoring pre-resolution content: %v", err))

		return err
	}

	of.editor.MarkClean()
	e.clearError(of)
	e.registry.Register(entry.Conflict)
	e.persistBaseline(of)
	e.refresh(entry.Path)

	return nil
}

// applyMergeWrite funnels a content write through the tracker's merge
// resolution.
func (e *Engine) applyMergeWrite(of *openFile, c *content.Handle) error {
	return of.tracker.ResolveMerge(c)
}

// applyResolution performs one resolution on a tracked file. On success
// the pending conflict clears and the file is synced; on failure the
// tracker is untouched, the conflict stays pending, and the file
// surfaces an error status.
func (e *Engine) applyResolution(of *openFile, res conflict.Resolution, merged *content.Handle) error {
	var err error

	switch res {
	case conflict.KeepLocal:
		e.tokens.Generate(of.rel)

		if err = of.tracker.ResolveKeepLocal(); err != nil {
			e.tokens.Clear(of.rel)
		}

	case conflict.UseExternal:
		err = of.tracker.ResolveAcceptExternal()

	case conflict.ManualMerge:
		if merged == nil {
			err = ErrMergeContentRequired
		} else {
			e.tokens.Generate(of.rel)

			if err = of.tracker.ResolveMerge(merged); err != nil {
				e.tokens.Clear(of.rel)
			}
		}

	case conflict.Skip:
		return nil
	}

	if err != nil {
		e.setError(of, fmt.Sprintf("resolving with %s: %v", res, err))
		return err
	}

	// The tracker collapsed to the chosen content; align the editor.
	of.editor.SetContent(of.tracker.LocalContent().Text())
	of.editor.MarkClean()

	e.clearError(of)
	e.registry.Remove(of.rel)
	e.persistBaseline(of)
	e.refresh(of.rel)

	e.logger.Info("conflict resolved",
		slog.String("path", of.rel),
		slog.String("strategy", res.String()),
	)

	return nil
}

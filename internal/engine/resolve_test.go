package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/bufsync/internal/conflict"
	"github.com/alexjbarnes/bufsync/internal/observe"
)

// conflictThree sets up three conflicted files a.md, b.md, c.md with
// local content "local-N" and external content "external-N".
func conflictThree(t *testing.T, r *testRig) map[string]*fakeEditor {
	t.Helper()

	editors := make(map[string]*fakeEditor, 3)

	for i, rel := range []string{"a.md", "b.md", "c.md"} {
		editors[rel] = r.conflicted(t, rel,
			fmt.Sprintf("base-%d", i),
			fmt.Sprintf("local-%d", i),
			fmt.Sprintf("external-%d", i),
		)
	}

	require.Len(t, r.engine.PendingConflicts(), 3)

	return editors
}

func TestBatchResolveUseExternal(t *testing.T) {
	r := newRig(t, defaultOpts())
	editors := conflictThree(t, r)

	undo, failures := r.engine.BatchResolve(map[string]conflict.Resolution{
		"a.md": conflict.UseExternal,
		"b.md": conflict.UseExternal,
		"c.md": conflict.UseExternal,
	})
	require.Empty(t, failures)
	require.NotNil(t, undo)

	for i, rel := range []string{"a.md", "b.md", "c.md"} {
		assert.Equal(t, StatusSynced, r.engine.SyncStatus(rel).Type)
		assert.Equal(t, fmt.Sprintf("external-%d", i), editors[rel].Content())
	}

	assert.Empty(t, r.engine.PendingConflicts())
	assert.True(t, r.engine.CanUndoLastBatch())
	assert.Greater(t, r.engine.UndoTimeRemaining(), time.Duration(0))
}

func TestBatchResolveMixed(t *testing.T) {
	r := newRig(t, defaultOpts())
	editors := conflictThree(t, r)

	_, failures := r.engine.BatchResolve(map[string]conflict.Resolution{
		"a.md": conflict.KeepLocal,
		"b.md": conflict.UseExternal,
		"c.md": conflict.Skip,
	})
	require.Empty(t, failures)

	assert.Equal(t, "local-0", editors["a.md"].Content())

	data, err := r.box.ReadFile("a.md")
	require.NoError(t, err)
	assert.Equal(t, "local-0", string(data), "keep-local wrote the buffer out")

	assert.Equal(t, "external-1", editors["b.md"].Content())

	// Skip dismisses the prompt but resolves nothing.
	assert.Equal(t, "local-2", editors["c.md"].Content())
	assert.Equal(t, StatusConflict, r.engine.SyncStatus("c.md").Type)
}

func TestBatchResolveRejectsManualMerge(t *testing.T) {
	r := newRig(t, defaultOpts())
	conflictThree(t, r)

	_, failures := r.engine.BatchResolve(map[string]conflict.Resolution{
		"a.md": conflict.ManualMerge,
		"b.md": conflict.UseExternal,
	})

	require.Contains(t, failures, "a.md")
	assert.NotContains(t, failures, "b.md")

	// The rejected file keeps its pending conflict.
	_, pending := r.engine.ConflictInfo("a.md")
	assert.True(t, pending)
	assert.Equal(t, StatusSynced, r.engine.SyncStatus("b.md").Type)
}

func TestBatchResolveUntrackedPath(t *testing.T) {
	r := newRig(t, defaultOpts())

	undo, failures := r.engine.BatchResolve(map[string]conflict.Resolution{
		"ghost.md": conflict.KeepLocal,
	})

	assert.Nil(t, undo, "nothing resolved, nothing to undo")
	require.Contains(t, failures, "ghost.md")
	assert.ErrorIs(t, failures["ghost.md"], ErrNotTracked)
	assert.False(t, r.engine.CanUndoLastBatch())
}

func TestUndoLastBatchRestoresLocalContent(t *testing.T) {
	r := newRig(t, defaultOpts())
	editors := conflictThree(t, r)

	_, failures := r.engine.BatchResolve(map[string]conflict.Resolution{
		"a.md": conflict.UseExternal,
		"b.md": conflict.UseExternal,
		"c.md": conflict.UseExternal,
	})
	require.Empty(t, failures)

	result := r.engine.UndoLastBatch()
	require.NoError(t, result.Err)
	assert.True(t, result.Ok())

	for i, rel := range []string{"a.md", "b.md", "c.md"} {
		assert.Equal(t, fmt.Sprintf("local-%d", i), editors[rel].Content(),
			"pre-resolution buffer content restored")

		data, err := r.box.ReadFile(rel)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("local-%d", i), string(data))

		info, pending := r.engine.ConflictInfo(rel)
		require.True(t, pending, "conflict re-registered after undo")
		assert.Equal(t, fmt.Sprintf("external-%d", i), info.External.Text())
	}

	// The snapshot is consumed.
	assert.False(t, r.engine.CanUndoLastBatch())
	assert.ErrorIs(t, r.engine.UndoLastBatch().Err, ErrNothingToUndo)
}

func TestUndoAfterWindowExpires(t *testing.T) {
	opts := defaultOpts()
	opts.UndoTTL = 20 * time.Millisecond
	r := newRig(t, opts)
	editors := conflictThree(t, r)

	_, failures := r.engine.BatchResolve(map[string]conflict.Resolution{
		"a.md": conflict.UseExternal,
		"b.md": conflict.UseExternal,
		"c.md": conflict.UseExternal,
	})
	require.Empty(t, failures)

	time.Sleep(50 * time.Millisecond)

	assert.False(t, r.engine.CanUndoLastBatch())
	assert.Equal(t, time.Duration(0), r.engine.UndoTimeRemaining())

	result := r.engine.UndoLastBatch()
	assert.ErrorIs(t, result.Err, conflict.ErrUndoExpired)
	assert.Empty(t, result.PerPath)

	// Nothing rolled back.
	for i, rel := range []string{"a.md", "b.md", "c.md"} {
		assert.Equal(t, fmt.Sprintf("external-%d", i), editors[rel].Content())
		assert.Equal(t, StatusSynced, r.engine.SyncStatus(rel).Type)
	}
}

func TestUndoSelfWriteSuppression(t *testing.T) {
	r := newRig(t, defaultOpts())
	conflictThree(t, r)

	_, failures := r.engine.BatchResolve(map[string]conflict.Resolution{
		"a.md": conflict.UseExternal,
		"b.md": conflict.UseExternal,
		"c.md": conflict.UseExternal,
	})
	require.Empty(t, failures)

	result := r.engine.UndoLastBatch()
	require.NoError(t, result.Err)

	// The undo writes files back to disk. The observer reporting those
	// writes must not disturb the re-registered conflicts.
	for _, rel := range []string{"a.md", "b.md", "c.md"} {
		r.notify(rel, observe.Modified)
	}

	assert.Len(t, r.engine.PendingConflicts(), 3)
}

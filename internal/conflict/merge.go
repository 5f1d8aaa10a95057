package conflict

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/alexjbarnes/bufsync/internal/content"
)

// diffCleanupThreshold is the minimum number of diffs before running
// semantic and efficiency cleanup passes. Below this count the diffs
// are simple enough that cleanup would not improve the result.
const diffCleanupThreshold = 2

// Suggest computes a merge candidate for a manual-merge resolution:
// the patch from base to local applied onto the external content, so
// both sides' edits survive where they don't overlap. The result is a
// starting point for the user, never applied automatically; patch
// hunks that fail to apply cleanly are dropped, which is why the
// suggestion always goes through review.
func Suggest(base, local, external *content.Handle) *content.Handle {
	baseText := base.Text()
	localText := local.Text()
	externalText := external.Text()

	// Trivial cases need no diffing.
	if baseText == externalText || localText == externalText {
		return content.FromString(localText)
	}

	if baseText == localText {
		return content.FromString(externalText)
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(baseText, localText, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(baseText, diffs)
	merged, _ := dmp.PatchApply(patches, externalText)

	return content.FromString(merged)
}

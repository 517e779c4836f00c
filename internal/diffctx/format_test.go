package diffctx

import (
	"strings"
	"testing"

	"review-worker/internal/models"
)

func TestFormatOrdersReferencesBeforeDiffs(t *testing.T) {
	diffs := []models.FileDiff{{Filename: "a.go", Patch: "@@ -1 +1 @@\n-x\n+y", Status: models.FileModified}}
	refs := map[string]string{"z/util.go": "package z", "b/types.go": "package b"}

	out := Format(diffs, refs, 0)
	ref := strings.Index(out, referenceHeader)
	review := strings.Index(out, reviewHeader)
	if ref < 0 || review < 0 || ref > review {
		t.Fatalf("reference section must precede review section:\n%s", out)
	}
	if strings.Index(out, "b/types.go") > strings.Index(out, "z/util.go") {
		t.Fatalf("reference files should be sorted by path")
	}
	if strings.Contains(out, TruncationMarker) {
		t.Fatalf("unexpected truncation marker")
	}
}

func TestFormatTruncatesOnEntryBoundary(t *testing.T) {
	var diffs []models.FileDiff
	for _, name := range []string{"one.go", "two.go", "three.go"} {
		diffs = append(diffs, models.FileDiff{Filename: name, Patch: "+" + strings.Repeat("x", 100), Status: models.FileAdded})
	}
	full := Format(diffs, nil, 0)
	budget := len(reviewHeader) + 1 + len(diffEntry(diffs[0])) + len(diffEntry(diffs[1])) - 1

	out := Format(diffs, nil, budget)
	if !strings.Contains(out, "one.go") {
		t.Fatalf("first entry should fit")
	}
	if strings.Contains(out, "two.go") || strings.Contains(out, "three.go") {
		t.Fatalf("entries past the budget must be omitted entirely:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), TruncationMarker) {
		t.Fatalf("expected truncation marker at end")
	}
	if len(out) >= len(full) {
		t.Fatalf("truncated output should be shorter than full output")
	}
}

func TestFormatReferenceOverflowKeepsDiffs(t *testing.T) {
	refs := map[string]string{"big.go": strings.Repeat("y", 500), "small.go": "package small"}
	diffs := []models.FileDiff{{Filename: "a.go", Patch: "+1", Status: models.FileAdded}}

	out := Format(diffs, refs, 300)
	if !strings.Contains(out, reviewHeader) || !strings.Contains(out, "File: a.go") {
		t.Fatalf("diff must survive an oversized reference:\n%s", out)
	}
	if strings.Contains(out, "big.go") {
		t.Fatalf("oversized reference should be dropped:\n%s", out)
	}
	if only := Format(diffs, map[string]string{"big.go": strings.Repeat("y", 500)}, 300); strings.Contains(only, referenceHeader) {
		t.Fatalf("empty reference section should be omitted:\n%s", only)
	}
	if !strings.Contains(out, "small.go") {
		t.Fatalf("references that fit after the diff should be kept:\n%s", out)
	}
	if !strings.Contains(out, TruncationMarker) {
		t.Fatalf("expected truncation marker")
	}
	if strings.Index(out, referenceHeader) > strings.Index(out, reviewHeader) {
		t.Fatalf("reference section must still precede review section")
	}
}

func TestFormatReferencesGetNoRoomWhenDiffsFillBudget(t *testing.T) {
	diffs := []models.FileDiff{{Filename: "a.go", Patch: "+" + strings.Repeat("x", 100), Status: models.FileAdded}}
	refs := map[string]string{"lib/util.go": "package lib"}
	budget := len(reviewHeader) + 1 + len(diffEntry(diffs[0]))

	out := Format(diffs, refs, budget)
	if !strings.Contains(out, "File: a.go") {
		t.Fatalf("diff should fit exactly:\n%s", out)
	}
	if strings.Contains(out, "lib/util.go") || strings.Contains(out, referenceHeader) {
		t.Fatalf("references must not displace the diff:\n%s", out)
	}
	if !strings.Contains(out, TruncationMarker) {
		t.Fatalf("expected truncation marker for the dropped reference")
	}
}

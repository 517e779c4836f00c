// Package diffctx renders change-request diffs and reference files into a
// single prompt block with a hard size budget.
package diffctx

import (
	"fmt"
	"sort"
	"strings"

	"review-worker/internal/models"
)

const (
	referenceHeader = "=== READ-ONLY REFERENCE FILES (context only, do not review) ==="
	reviewHeader    = "=== FILES TO REVIEW ==="
	// TruncationMarker is appended when entries were left out to fit the budget.
	TruncationMarker = "[... truncated: remaining files omitted to fit the context budget ...]"
)

// Format renders reference files (sorted by path) followed by diffs (in the
// given order) into at most budget characters. Entries are never cut in the
// middle. The review section is sized first and reference files only get the
// space it leaves; a reference entry that does not fit is skipped. Once a
// diff entry does not fit, it and every later diff are left out. The
// truncation marker is appended whenever anything was omitted and is always
// allowed to fit.
func Format(diffs []models.FileDiff, references map[string]string, budget int) string {
	truncated := false
	fits := func(used int, s string, limit int) bool {
		return budget <= 0 || used+len(s) <= limit
	}

	var review strings.Builder
	if fits(0, reviewHeader+"\n", budget) {
		review.WriteString(reviewHeader + "\n")
		for _, d := range diffs {
			entry := diffEntry(d)
			if !fits(review.Len(), entry, budget) {
				truncated = true
				break
			}
			review.WriteString(entry)
		}
	} else if len(diffs) > 0 {
		truncated = true
	}

	var refs strings.Builder
	if len(references) > 0 {
		paths := make([]string, 0, len(references))
		for p := range references {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		limit := budget - review.Len()
		if fits(0, referenceHeader+"\n", limit) {
			refs.WriteString(referenceHeader + "\n")
			for _, p := range paths {
				entry := referenceEntry(p, references[p])
				if !fits(refs.Len(), entry, limit) {
					truncated = true
					continue
				}
				refs.WriteString(entry)
			}
			if refs.Len() == len(referenceHeader)+1 {
				refs.Reset()
			}
		} else {
			truncated = true
		}
	}

	out := refs.String() + review.String()
	if truncated {
		out += "\n" + TruncationMarker + "\n"
	}
	return out
}

func referenceEntry(path, content string) string {
	return fmt.Sprintf("--- %s (read-only) ---\n%s\n--- end %s ---\n\n", path, strings.TrimRight(content, "\n"), path)
}

func diffEntry(d models.FileDiff) string {
	patch := strings.TrimRight(d.Patch, "\n")
	if patch == "" {
		patch = "(no textual diff)"
	}
	return fmt.Sprintf("File: %s (%s)\n```diff\n%s\n```\n\n", d.Filename, d.Status, patch)
}

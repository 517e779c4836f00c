package repo

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"review-worker/internal/models"
)

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)

// ReferenceFiles picks up to limit files that declare identifiers used in
// the diffs' added lines and returns their contents keyed by relative path.
// Files under review and files rejected by exclude are never selected.
// Files are ranked by how many distinct identifiers they resolve.
func ReferenceFiles(dir string, ix SymbolIndex, diffs []models.FileDiff, limit int, maxBytes int64, exclude func(string) bool) map[string]string {
	out := make(map[string]string)
	if limit <= 0 || len(ix.Files) == 0 {
		return out
	}
	reviewed := make(map[string]bool, len(diffs))
	idents := make(map[string]bool)
	for _, d := range diffs {
		reviewed[d.Filename] = true
		for _, line := range strings.Split(d.Patch, "\n") {
			if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
				continue
			}
			for _, id := range identPattern.FindAllString(line[1:], -1) {
				idents[id] = true
			}
		}
	}

	hits := make(map[string]int)
	for id := range idents {
		for _, path := range ix.Lookup(id) {
			if reviewed[path] || (exclude != nil && exclude(path)) {
				continue
			}
			hits[path]++
		}
	}
	ranked := make([]string, 0, len(hits))
	for path := range hits {
		ranked = append(ranked, path)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if hits[ranked[i]] != hits[ranked[j]] {
			return hits[ranked[i]] > hits[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	for _, rel := range ranked {
		if len(out) >= limit {
			break
		}
		full := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Lstat(full)
		if err != nil || !info.Mode().IsRegular() || (maxBytes > 0 && info.Size() > maxBytes) {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		out[rel] = string(data)
	}
	return out
}

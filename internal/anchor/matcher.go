// Package anchor maps AI-proposed code snippets onto concrete lines of a
// unified diff, tolerating whitespace and punctuation drift.
package anchor

import (
	"strings"

	"review-worker/internal/models"
)

const (
	changedWeight = 2
	contextWeight = 1
)

// Match is the resolved position of a snippet.
type Match struct {
	Filename  string
	Line      int
	StartLine int
	Side      models.Side
	Score     int
}

// Find locates snippet in the given file diffs and returns the single
// best-scoring match. Windows never span two files.
func Find(diffs []models.FileDiff, snippet string) (Match, bool) {
	files := make([]filePatch, 0, len(diffs))
	for _, d := range diffs {
		files = append(files, parsePatch(d.Filename, d.Patch))
	}
	return findWithRetry(files, snippet)
}

// FindInPatch locates snippet in a raw unified diff, which may contain one
// headerless file patch or several "diff --git" sections.
func FindInPatch(patch, snippet string) (Match, bool) {
	return findWithRetry(splitUnified(patch), snippet)
}

func findWithRetry(files []filePatch, snippet string) (Match, bool) {
	if m, ok := best(files, snippetLines(snippet)); ok {
		return m, true
	}
	if strings.Contains(snippet, `\n`) {
		return best(files, snippetLines(unescape(snippet)))
	}
	return Match{}, false
}

func best(files []filePatch, want []string) (Match, bool) {
	if len(want) == 0 {
		return Match{}, false
	}
	var top Match
	found := false
	for _, f := range files {
		n := len(want)
		for start := 0; start+n <= len(f.lines); start++ {
			score, ok := scoreWindow(f.lines[start:start+n], want)
			if !ok || (found && score <= top.Score) {
				continue
			}
			top = position(f.name, f.lines[start], f.lines[start+n-1], n, score)
			found = true
		}
	}
	return top, found
}

func scoreWindow(window []candidate, want []string) (int, bool) {
	score := 0
	for i, c := range window {
		if c.content != want[i] {
			return 0, false
		}
		if c.kind == kindContext {
			score += contextWeight
		} else {
			score += changedWeight
		}
	}
	return score, true
}

// position takes the side from the last line's origin and reports the
// first line as StartLine when it exists on that side.
func position(name string, first, last candidate, size, score int) Match {
	m := Match{Filename: name, Score: score, Side: models.SideRight, Line: last.newLine}
	if last.kind == kindDel {
		m.Side = models.SideLeft
		m.Line = last.oldLine
	}
	if size > 1 {
		start := first.newLine
		if m.Side == models.SideLeft {
			start = first.oldLine
		}
		if start > 0 && start < m.Line {
			m.StartLine = start
		}
	}
	return m
}

package anchor

import (
	"regexp"
	"strconv"
	"strings"
)

type lineKind int

const (
	kindContext lineKind = iota
	kindAdd
	kindDel
)

// candidate is one non-blank diff line. oldLine/newLine are zero when the
// line does not exist on that side.
type candidate struct {
	content string
	oldLine int
	newLine int
	kind    lineKind
}

type filePatch struct {
	name  string
	lines []candidate
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+(\d+)(?:,\d+)? @@`)

// parsePatch builds candidates from a per-file patch. Lines outside hunks
// are ignored.
func parsePatch(name, patch string) filePatch {
	fp := filePatch{name: name}
	var oldLine, newLine int
	inHunk := false
	for _, raw := range strings.Split(strings.ReplaceAll(patch, "\r\n", "\n"), "\n") {
		if m := hunkHeader.FindStringSubmatch(raw); m != nil {
			oldLine, _ = strconv.Atoi(m[1])
			newLine, _ = strconv.Atoi(m[2])
			inHunk = true
			continue
		}
		if !inHunk {
			continue
		}
		var c candidate
		switch {
		case strings.HasPrefix(raw, `\`):
			continue
		case strings.HasPrefix(raw, "+"):
			c = candidate{content: raw[1:], newLine: newLine, kind: kindAdd}
			newLine++
		case strings.HasPrefix(raw, "-"):
			c = candidate{content: raw[1:], oldLine: oldLine, kind: kindDel}
			oldLine++
		case strings.HasPrefix(raw, " "):
			c = candidate{content: raw[1:], oldLine: oldLine, newLine: newLine, kind: kindContext}
			oldLine++
			newLine++
		case raw == "":
			oldLine++
			newLine++
			continue
		default:
			continue
		}
		if c.content = Normalize(c.content); c.content != "" {
			fp.lines = append(fp.lines, c)
		}
	}
	return fp
}

// splitUnified splits a multi-file unified diff on "diff --git" headers,
// naming each section from its "+++ b/" line (or "--- a/" for deletions).
// Input without headers is returned as a single unnamed section.
func splitUnified(diff string) []filePatch {
	if !strings.Contains(diff, "diff --git ") {
		return []filePatch{parsePatch("", diff)}
	}
	var out []filePatch
	var name string
	var body strings.Builder
	flush := func() {
		if body.Len() > 0 {
			out = append(out, parsePatch(name, body.String()))
		}
		body.Reset()
		name = ""
	}
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			continue
		case strings.HasPrefix(line, "+++ b/"):
			name = strings.TrimPrefix(line, "+++ b/")
			continue
		case strings.HasPrefix(line, "--- a/"):
			if name == "" {
				name = strings.TrimPrefix(line, "--- a/")
			}
			continue
		case strings.HasPrefix(line, "+++ ") || strings.HasPrefix(line, "--- "):
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return out
}

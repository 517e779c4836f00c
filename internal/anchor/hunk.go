package anchor

import "strings"

// HunkFor returns the single hunk of patch containing snippet. It reports
// false when no hunk matches.
func HunkFor(patch, snippet string) (string, bool) {
	for _, h := range splitHunks(patch) {
		if _, ok := FindInPatch(h, snippet); ok {
			return h, true
		}
	}
	return "", false
}

func splitHunks(patch string) []string {
	var hunks []string
	var cur []string
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "@@") {
			if len(cur) > 0 {
				hunks = append(hunks, strings.Join(cur, "\n"))
			}
			cur = []string{line}
			continue
		}
		if cur != nil {
			cur = append(cur, line)
		}
	}
	if len(cur) > 0 {
		hunks = append(hunks, strings.Join(cur, "\n"))
	}
	return hunks
}

package anchor

import (
	"regexp"
	"strings"
)

var (
	trailingComment = regexp.MustCompile(`(^|[\s;])//.*$`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
	punctSpacing    = regexp.MustCompile(`\s*([^\w\s])\s*`)
)

// Normalize reduces a line of code to a form where formatting-only
// differences disappear: trailing // comments are dropped, whitespace is
// collapsed and removed around punctuation, and semicolons are removed.
func Normalize(line string) string {
	s := trailingComment.ReplaceAllString(line, "$1")
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	s = punctSpacing.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, ";", "")
	return strings.TrimSpace(s)
}

// snippetLines splits and normalizes a snippet, dropping blank lines.
func snippetLines(snippet string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(snippet, "\r\n", "\n"), "\n") {
		if n := Normalize(l); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// unescape turns literal \n and \t sequences into real characters.
func unescape(snippet string) string {
	r := strings.NewReplacer(`\r\n`, "\n", `\n`, "\n", `\t`, "\t")
	return r.Replace(snippet)
}

// Signature is the normalized form of a whole snippet, used to group
// comments that point at the same code.
func Signature(snippet string) string {
	return strings.Join(snippetLines(unescape(snippet)), "\n")
}

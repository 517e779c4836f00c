package anchor

import (
	"fmt"
	"strings"
	"testing"

	"review-worker/internal/models"
)

func TestNormalizeEquivalentForms(t *testing.T) {
	want := Normalize("const a = 2; // changed")
	for _, s := range []string{"const a=2;", "const a = 2 ;", "const a=2", "  const   a =2  "} {
		if got := Normalize(s); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", s, got, want)
		}
	}
	if got := Normalize(`fetch("http://example.com")`); !strings.Contains(got, "http://example.com") {
		t.Errorf("URL should survive comment stripping: %q", got)
	}
}

func TestFindResolvesNormalizedSnippets(t *testing.T) {
	diffs := []models.FileDiff{{
		Filename: "src/a.js",
		Patch:    "@@ -0,0 +1,2 @@\n+const a = 2; // changed\n+const b = 3;",
	}}
	for _, snippet := range []string{"const a=2;", "const a = 2 ;", "const a=2"} {
		m, ok := Find(diffs, snippet)
		if !ok {
			t.Fatalf("snippet %q not found", snippet)
		}
		if m.Line != 1 || m.Side != models.SideRight || m.StartLine != 0 || m.Filename != "src/a.js" {
			t.Errorf("snippet %q: match = %+v", snippet, m)
		}
	}
}

func TestFindMultiLineReportsRange(t *testing.T) {
	patch := strings.Join([]string{
		"@@ -10,4 +10,5 @@ func run() {",
		" \tx := load()",
		"-\tif x == nil {",
		"+\tif x == nil || x.Empty() {",
		"+\t\treturn errEmpty",
		" \t}",
	}, "\n")
	m, ok := FindInPatch(patch, "if x == nil || x.Empty() {\n\treturn errEmpty\n}")
	if !ok {
		t.Fatal("expected match")
	}
	if m.StartLine != 11 || m.Line != 13 || m.Side != models.SideRight {
		t.Fatalf("match = %+v, want start 11 line 13 RIGHT", m)
	}
}

func TestFindDeletionUsesLeftSide(t *testing.T) {
	patch := "@@ -5,3 +5,2 @@\n keep()\n-legacyCall();\n done()"
	m, ok := FindInPatch(patch, "legacyCall()")
	if !ok {
		t.Fatal("expected match")
	}
	if m.Side != models.SideLeft || m.Line != 6 {
		t.Fatalf("match = %+v, want LEFT line 6", m)
	}
}

func TestFindPrefersChangedLinesOverContext(t *testing.T) {
	patch := "@@ -1,3 +1,4 @@\n total += 1\n other()\n+total += 1\n end()"
	m, ok := FindInPatch(patch, "total += 1")
	if !ok {
		t.Fatal("expected match")
	}
	if m.Line != 3 {
		t.Fatalf("added line should win over context line, got %+v", m)
	}
}

func TestFindTiesKeepFirst(t *testing.T) {
	patch := "@@ -0,0 +1,3 @@\n+dup()\n+x()\n+dup()"
	m, _ := FindInPatch(patch, "dup()")
	if m.Line != 1 {
		t.Fatalf("tie should keep first match, got %+v", m)
	}
}

func TestFindNeverSpansFiles(t *testing.T) {
	diffs := []models.FileDiff{
		{Filename: "a.go", Patch: "@@ -0,0 +1,1 @@\n+alpha()"},
		{Filename: "b.go", Patch: "@@ -0,0 +1,1 @@\n+beta()"},
	}
	if m, ok := Find(diffs, "alpha()\nbeta()"); ok {
		t.Fatalf("window spanning two files must not match: %+v", m)
	}

	unified := "diff --git a/a.go b/a.go\n--- a/a.go\n+++ b/a.go\n@@ -0,0 +1,1 @@\n+alpha()\n" +
		"diff --git a/b.go b/b.go\n--- a/b.go\n+++ b/b.go\n@@ -0,0 +1,1 @@\n+beta()\n"
	if m, ok := FindInPatch(unified, "alpha()\nbeta()"); ok {
		t.Fatalf("unified diff window spanning two files must not match: %+v", m)
	}
	m, ok := FindInPatch(unified, "beta()")
	if !ok || m.Filename != "b.go" || m.Line != 1 {
		t.Fatalf("match = %+v ok=%v", m, ok)
	}
}

func TestFindRetriesEscapedNewlines(t *testing.T) {
	patch := "@@ -0,0 +1,2 @@\n+a := 1\n+b := 2"
	m, ok := FindInPatch(patch, `a := 1\nb := 2`)
	if !ok {
		t.Fatal("expected escaped snippet to match")
	}
	if m.StartLine != 1 || m.Line != 2 {
		t.Fatalf("match = %+v", m)
	}
}

func TestFindNoMatch(t *testing.T) {
	if _, ok := FindInPatch("@@ -0,0 +1 @@\n+x()", "y()"); ok {
		t.Fatal("unexpected match")
	}
	if _, ok := FindInPatch("@@ -0,0 +1 @@\n+x()", "   \n  "); ok {
		t.Fatal("blank snippet must not match")
	}
}

func TestFindRoundTripGeneratedPatches(t *testing.T) {
	for _, size := range []int{10, 100, 2000} {
		var b strings.Builder
		fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n", size/2, size)
		newLine := 1
		added := map[int]string{}
		for i := 0; i < size; i++ {
			if i%2 == 0 {
				content := fmt.Sprintf("value%d := compute(%d, \"k%d\")", i, i, i)
				fmt.Fprintf(&b, "+%s\n", content)
				added[newLine] = content
			} else {
				fmt.Fprintf(&b, " context%d()\n", i)
			}
			newLine++
		}
		patch := b.String()
		for line, content := range added {
			m, ok := FindInPatch(patch, content)
			if !ok || m.Line != line || m.Side != models.SideRight {
				t.Fatalf("size %d: line %d (%q) resolved to %+v ok=%v", size, line, content, m, ok)
			}
		}
	}
}

package anchor

import (
	"strings"
	"testing"
)

func TestHunkForPicksContainingHunk(t *testing.T) {
	patch := "@@ -1,2 +1,2 @@\n-a := 1\n+a := 2\n@@ -40,2 +40,3 @@\n ctx := context.Background()\n+db.Query(userInput)\n return nil"
	h, ok := HunkFor(patch, "db.Query(userInput)")
	if !ok {
		t.Fatalf("expected hunk")
	}
	if !strings.HasPrefix(h, "@@ -40,2 +40,3 @@") || strings.Contains(h, "a := 2") {
		t.Fatalf("wrong hunk returned:\n%s", h)
	}
	if _, ok := HunkFor(patch, "not present"); ok {
		t.Fatalf("expected no hunk")
	}
}

func TestSignatureIgnoresFormatting(t *testing.T) {
	if Signature("const a=2;\n\nfoo( x )") != Signature(`const a = 2\nfoo(x);`) {
		t.Fatalf("expected equal signatures")
	}
}

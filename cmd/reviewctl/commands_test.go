package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"review-worker/internal/anchor"
	"review-worker/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAnchorCommand(t *testing.T) {
	patch := filepath.Join(t.TempDir(), "change.diff")
	diff := "@@ -1,2 +1,3 @@\n keep()\n+const total = price * qty;\n done()\n"
	if err := os.WriteFile(patch, []byte(diff), 0o644); err != nil {
		t.Fatalf("write patch: %v", err)
	}

	out, err := run(t, "anchor", "--json", "--patch", patch, "--file", "cart.js", "--snippet", "const total=price*qty")
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	var m anchor.Match
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if m.Filename != "cart.js" || m.Line != 2 || m.Side != models.SideRight {
		t.Fatalf("unexpected match %+v", m)
	}

	out, err = run(t, "anchor", "--patch", patch, "--file", "cart.js", "--snippet", "const total=price*qty")
	if err != nil || !strings.Contains(out, "RIGHT") {
		t.Fatalf("table output missing side: %q err=%v", out, err)
	}

	if _, err := run(t, "anchor", "--patch", patch, "--snippet", "missing()"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestModelsCommandListsChains(t *testing.T) {
	out, err := run(t, "models", "--json")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	var chains map[string][]string
	if err := json.Unmarshal([]byte(out), &chains); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chains["openai"]) == 0 || len(chains["anthropic"]) == 0 || len(chains["gemini"]) == 0 {
		t.Fatalf("missing chains: %v", chains)
	}
}

func TestLocksCommand(t *testing.T) {
	root := t.TempDir()
	t.Setenv("REPO_CACHE_DIR", root)
	if err := os.WriteFile(filepath.Join(root, "acme__api--job.lock"), []byte(`{"pid":1,"createdAt":"2020-01-01T00:00:00Z","jobId":"review-1","hostname":"elsewhere"}`), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	out, err := run(t, "locks", "--json")
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if !strings.Contains(out, "review-1") || !strings.Contains(out, `"Stale": true`) {
		t.Fatalf("unexpected output %s", out)
	}
}

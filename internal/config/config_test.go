package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"review-worker/internal/ai"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxAttempts != 3 || cfg.BackoffInitial != 30*time.Second {
		t.Fatalf("unexpected retry defaults: %d %s", cfg.MaxAttempts, cfg.BackoffInitial)
	}
	if cfg.AIProvider != ai.ProviderOpenAI || cfg.RepoMaxFileBytes != 512*1024 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("VISIBILITY_TIMEOUT", "90s")
	t.Setenv("AI_PROVIDER", "Anthropic")
	t.Setenv("AI_PREFERRED_MODEL", "gemini-2.5-flash")
	t.Setenv("AUDIT_S3_PATH_STYLE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerConcurrency != 9 || cfg.VisibilityTimeout != 90*time.Second {
		t.Fatalf("env not applied: %d %s", cfg.WorkerConcurrency, cfg.VisibilityTimeout)
	}
	if cfg.AIProvider != ai.ProviderAnthropic || cfg.PreferredModel != "gemini-2.5-flash" || !cfg.AuditS3PathStyle {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateRejectsUnknownModels(t *testing.T) {
	cases := map[string][2]string{
		"AI_PROVIDER":        {"AI_PROVIDER", "mystery"},
		"AI_PREFERRED_MODEL": {"AI_PREFERRED_MODEL", "gpt-0"},
		"WORKER_CONCURRENCY": {"WORKER_CONCURRENCY", "0"},
	}
	for want, kv := range cases {
		t.Run(want, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), want) {
				t.Fatalf("expected %s error, got %v", want, err)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore dir: %v", err)
		}
	})
}

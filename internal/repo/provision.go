package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRepoName is returned before any filesystem access when the
	// repository name does not look like owner/name.
	ErrInvalidRepoName = errors.New("invalid repository name")
	// ErrLockHeld means another job owns the cache slot.
	ErrLockHeld = errors.New("repository cache slot is locked by another job")
)

var (
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})/[A-Za-z0-9._-]{1,100}$`)
	revisionPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)
	unsafeSlotChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true, "build": true,
	"target": true, "__pycache__": true, ".venv": true, "venv": true, ".next": true,
	"out": true, "coverage": true, ".idea": true, ".vscode": true,
}

// ValidateRepoName rejects anything that is not a plain owner/name pair.
func ValidateRepoName(fullName string) error {
	if !repoNamePattern.MatchString(fullName) || strings.Contains(fullName, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRepoName, fullName)
	}
	return nil
}

// Runner executes an external binary with an argument list.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, never through a shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// IndexStore persists symbol indexes. A redelivered job reuses the index
// saved by its earlier attempt.
type IndexStore interface {
	Save(ctx context.Context, repoFullName, jobID string, ix SymbolIndex) error
	Load(ctx context.Context, repoFullName, jobID string) (SymbolIndex, bool, error)
}

// ProvisionerConfig tunes cloning and scanning.
type ProvisionerConfig struct {
	CacheDir     string
	GitBinary    string
	ScanWorkers  int
	MaxFileBytes int64
}

// Provisioner clones repositories into lock-guarded cache slots and indexes
// their exported symbols.
type Provisioner struct {
	cfg    ProvisionerConfig
	locks  *LockManager
	trees  *WorkTrees
	runner Runner
	index  IndexStore
	log    *zap.Logger
}

// NewProvisioner wires a provisioner. index may be nil.
func NewProvisioner(cfg ProvisionerConfig, locks *LockManager, trees *WorkTrees, runner Runner, index IndexStore, log *zap.Logger) *Provisioner {
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if cfg.ScanWorkers <= 0 {
		cfg.ScanWorkers = 4
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{cfg: cfg, locks: locks, trees: trees, runner: runner, index: index, log: log}
}

// Workspace is a provisioned work tree. Close must be called on every path;
// it is safe to call more than once.
type Workspace struct {
	Dir   string
	Index SymbolIndex

	once    sync.Once
	cleanup func()
}

// Close removes the work tree and releases its lock.
func (w *Workspace) Close() {
	if w == nil {
		return
	}
	w.once.Do(w.cleanup)
}

// SlotPath returns the deterministic cache slot for repo and job.
func (p *Provisioner) SlotPath(repoFullName, jobID string) string {
	name := unsafeSlotChars.ReplaceAllString(strings.ReplaceAll(repoFullName, "/", "__"), "_")
	job := unsafeSlotChars.ReplaceAllString(jobID, "_")
	return filepath.Join(p.cfg.CacheDir, name+"--"+job)
}

// Provision clones cloneURL at revision into the job's cache slot and
// builds its symbol index.
func (p *Provisioner) Provision(ctx context.Context, repoFullName, cloneURL, revision, jobID string) (*Workspace, error) {
	if err := ValidateRepoName(repoFullName); err != nil {
		return nil, err
	}
	if !revisionPattern.MatchString(revision) {
		return nil, fmt.Errorf("invalid revision %q", revision)
	}
	if err := os.MkdirAll(p.cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dir := p.SlotPath(repoFullName, jobID)
	ok, err := p.locks.Acquire(dir, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, dir)
	}
	p.trees.Register(dir)
	release := func() {
		if err := os.RemoveAll(dir); err != nil {
			p.log.Warn("remove work tree", zap.String("dir", dir), zap.Error(err))
		}
		if err := p.locks.Release(dir); err != nil {
			p.log.Warn("release repository lock", zap.String("dir", dir), zap.Error(err))
		}
		p.trees.Unregister(dir)
	}

	if err := p.clone(ctx, dir, cloneURL, revision); err != nil {
		release()
		return nil, fmt.Errorf("clone %s@%s: %w", repoFullName, revision, err)
	}

	ix, cached := p.cachedIndex(ctx, repoFullName, jobID)
	if !cached {
		var err error
		ix, err = p.scan(ctx, dir)
		if err != nil {
			p.log.Warn("symbol scan incomplete", zap.String("repo", repoFullName), zap.Error(err))
		} else if p.index != nil {
			if err := p.index.Save(ctx, repoFullName, jobID, ix); err != nil {
				p.log.Warn("cache symbol index", zap.String("repo", repoFullName), zap.Error(err))
			}
		}
	}
	p.log.Info("repository provisioned",
		zap.String("repo", repoFullName),
		zap.String("job_id", jobID),
		zap.Bool("index_cached", cached),
		zap.Int("files", len(ix.Files)),
		zap.Int("symbols", ix.SymbolCount()))
	return &Workspace{Dir: dir, Index: ix, cleanup: release}, nil
}

func (p *Provisioner) cachedIndex(ctx context.Context, repoFullName, jobID string) (SymbolIndex, bool) {
	if p.index == nil {
		return SymbolIndex{}, false
	}
	ix, ok, err := p.index.Load(ctx, repoFullName, jobID)
	if err != nil {
		p.log.Warn("load cached symbol index", zap.String("repo", repoFullName), zap.Error(err))
		return SymbolIndex{}, false
	}
	if ok && ix.Files == nil {
		ix.Files = make(map[string][]Symbol)
	}
	return ix, ok
}

func (p *Provisioner) clone(ctx context.Context, dir, cloneURL, revision string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	steps := [][]string{
		{"init", "--quiet"},
		{"remote", "add", "origin", cloneURL},
		{"fetch", "--quiet", "--depth", "1", "--no-tags", "origin", revision},
		{"checkout", "--quiet", "--detach", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if err := p.runner.Run(ctx, dir, p.cfg.GitBinary, args...); err != nil {
			return errors.New(redactURL(err.Error(), cloneURL))
		}
	}
	return nil
}

// scan walks the tree with a bounded pool and extracts symbols per file.
func (p *Provisioner) scan(ctx context.Context, dir string) (SymbolIndex, error) {
	ix := SymbolIndex{Files: make(map[string][]Symbol)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ScanWorkers)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if d.IsDir() {
			if path != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() || languageFor(path) == langUnknown {
			return nil
		}
		info, err := d.Info()
		if err != nil || (p.cfg.MaxFileBytes > 0 && info.Size() > p.cfg.MaxFileBytes) {
			return nil
		}
		g.Go(func() error {
			src, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			syms := ExtractSymbols(gctx, path, src)
			if len(syms) == 0 {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return nil
			}
			mu.Lock()
			ix.Files[filepath.ToSlash(rel)] = syms
			mu.Unlock()
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return ix, err
	}
	return ix, walkErr
}

// redactURL strips credentials embedded in the clone URL from error text.
func redactURL(msg, cloneURL string) string {
	if at := strings.Index(cloneURL, "@"); at > 0 {
		if scheme := strings.Index(cloneURL, "://"); scheme > 0 && scheme < at {
			msg = strings.ReplaceAll(msg, cloneURL[scheme+3:at], "***")
		}
	}
	return msg
}

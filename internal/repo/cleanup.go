package repo

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"review-worker/internal/telemetry"
)

// SweepReport summarizes one cleanup run.
type SweepReport struct {
	Removed      []string
	LocksRemoved int
	BytesFreed   int64
	Errors       int
}

// Cleaner reclaims orphaned work trees and stale locks under the cache root.
type Cleaner struct {
	root       string
	staleAfter time.Duration
	locks      *LockManager
	trees      *WorkTrees
	log        *zap.Logger
	now        func() time.Time
}

// NewCleaner builds a cleaner. Directories without a lock file are orphaned
// once their modification time is older than staleAfter.
func NewCleaner(root string, staleAfter time.Duration, locks *LockManager, trees *WorkTrees, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{root: root, staleAfter: staleAfter, locks: locks, trees: trees, log: log, now: time.Now}
}

// Recover runs the crash-recovery sweep. Call it before claiming jobs.
func (c *Cleaner) Recover(ctx context.Context) {
	c.sweepAndLog(ctx, "startup")
}

// RunPeriodic sweeps every interval until ctx is done.
func (c *Cleaner) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepAndLog(ctx, "periodic")
		}
	}
}

func (c *Cleaner) sweepAndLog(ctx context.Context, trigger string) {
	rep, err := c.Sweep(ctx)
	if err != nil {
		c.log.Warn("repository cleanup failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	c.log.Info("repository cleanup finished",
		zap.String("trigger", trigger),
		zap.Int("removed", len(rep.Removed)),
		zap.Int("locks_removed", rep.LocksRemoved),
		zap.Int64("bytes_freed", rep.BytesFreed),
		zap.Int("errors", rep.Errors))
}

// Sweep removes orphaned work trees, then any stale lock files left behind.
func (c *Cleaner) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	entries, err := os.ReadDir(c.root)
	if errors.Is(err, fs.ErrNotExist) {
		return rep, nil
	}
	if err != nil {
		return rep, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, e.Name())
		if c.trees.Active(dir) || !c.orphaned(dir, e) {
			continue
		}
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn("remove orphaned work tree", zap.String("dir", dir), zap.Error(err))
			rep.Errors++
			continue
		}
		if ok, _ := c.locks.reap(LockPath(dir)); ok {
			rep.LocksRemoved++
		}
		rep.Removed = append(rep.Removed, dir)
		rep.BytesFreed += size
		telemetry.WorkTreesRemoved.Inc()
		telemetry.CleanupBytesFreed.Add(float64(size))
	}

	// Locks whose tree is already gone.
	entries, err = os.ReadDir(c.root)
	if err != nil {
		return rep, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.root, e.Name())
		// Tombstones are left behind only by a reclaimer that crashed.
		if strings.Contains(e.Name(), ".lock"+tombstoneMarker) {
			if c.locks.staleFile(path) {
				_ = os.Remove(path)
			}
			continue
		}
		if !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		if c.trees.Active(strings.TrimSuffix(path, ".lock")) {
			continue
		}
		if !c.locks.staleFile(path) {
			continue
		}
		ok, err := c.locks.reap(path)
		if err != nil {
			c.log.Warn("remove stale lock", zap.String("lock", path), zap.Error(err))
			rep.Errors++
			continue
		}
		if ok {
			rep.LocksRemoved++
		}
	}
	return rep, nil
}

// orphaned judges a tree by its lock when present, otherwise by age.
func (c *Cleaner) orphaned(dir string, e fs.DirEntry) bool {
	lockPath := LockPath(dir)
	if _, err := os.Stat(lockPath); err == nil {
		return c.locks.staleFile(lockPath)
	}
	info, err := e.Info()
	if err != nil {
		return false
	}
	return c.now().Sub(info.ModTime()) > c.staleAfter
}

// Shutdown force-removes every registered work tree and releases every lock
// this process holds. It is best-effort.
func (c *Cleaner) Shutdown() {
	for _, dir := range c.trees.Snapshot() {
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn("shutdown cleanup of work tree", zap.String("dir", dir), zap.Error(err))
		}
		if err := c.locks.Release(dir); err != nil {
			c.log.Warn("shutdown release of lock", zap.String("dir", dir), zap.Error(err))
		}
		c.trees.Unregister(dir)
	}
	c.locks.ReleaseAll()
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"review-worker/internal/telemetry"
)

// LockMetadata is the JSON body of a cache slot lock file.
type LockMetadata struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
	JobID     string    `json:"jobId"`
	Hostname  string    `json:"hostname"`
}

// LockPath returns the sibling lock file for a cache slot.
func LockPath(slot string) string {
	return slot + ".lock"
}

// ReadLock parses the lock file at lockPath.
func ReadLock(lockPath string) (LockMetadata, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return LockMetadata{}, err
	}
	var meta LockMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return LockMetadata{}, fmt.Errorf("parse lock %s: %w", lockPath, err)
	}
	return meta, nil
}

// LockManager provides cross-process mutual exclusion over cache slots using
// create-if-absent lock files. It never blocks: contention is reported to
// the caller immediately.
type LockManager struct {
	timeout  time.Duration
	hostname string
	pid      int
	log      *zap.Logger

	now   func() time.Time
	alive func(pid int) bool

	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockManager returns a manager whose locks go stale after timeout.
func NewLockManager(timeout time.Duration, log *zap.Logger) *LockManager {
	host, _ := os.Hostname()
	if log == nil {
		log = zap.NewNop()
	}
	return &LockManager{
		timeout:  timeout,
		hostname: host,
		pid:      os.Getpid(),
		log:      log,
		now:      time.Now,
		alive:    processAlive,
		held:     make(map[string]struct{}),
	}
}

// Acquire takes the lock for slot on behalf of jobID. It returns false
// without error when a live lock is held by someone else. A stale lock is
// removed and acquisition retried once.
func (m *LockManager) Acquire(slot, jobID string) (bool, error) {
	lockPath := LockPath(slot)
	for attempt := 0; attempt < 2; attempt++ {
		err := m.create(lockPath, jobID)
		if err == nil {
			m.mu.Lock()
			m.held[lockPath] = struct{}{}
			m.mu.Unlock()
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("create lock %s: %w", lockPath, err)
		}
		if attempt > 0 || !m.staleFile(lockPath) {
			break
		}
		m.log.Info("reclaiming stale repository lock", zap.String("lock", lockPath), zap.String("job_id", jobID))
		if _, err := m.reap(lockPath); err != nil {
			return false, err
		}
	}
	telemetry.LockContention.Inc()
	return false, nil
}

// tombstoneMarker separates a lock path from the unique suffix of a lock
// being reclaimed.
const tombstoneMarker = ".reap-"

// reap removes a lock judged stale. The lock is first renamed to a unique
// tombstone so that two reclaimers never both delete it. If the renamed file
// turns out to be live, because another process replaced the stale lock
// after it was judged, it is linked back into place.
func (m *LockManager) reap(lockPath string) (bool, error) {
	tomb := lockPath + tombstoneMarker + uuid.NewString()
	if err := os.Rename(lockPath, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reclaim stale lock %s: %w", lockPath, err)
	}
	defer os.Remove(tomb)
	if !m.staleFile(tomb) {
		if err := os.Link(tomb, lockPath); err != nil {
			m.log.Warn("restore live lock after reclaim race", zap.String("lock", lockPath), zap.Error(err))
		}
		return false, nil
	}
	telemetry.StaleLocksReaped.Inc()
	return true, nil
}

func (m *LockManager) create(lockPath, jobID string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	meta := LockMetadata{PID: m.pid, CreatedAt: m.now().UTC(), JobID: jobID, Hostname: m.hostname}
	if err := json.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(lockPath)
		return fmt.Errorf("write lock metadata: %w", err)
	}
	return f.Close()
}

// Release removes the lock for slot if it is still owned by this process.
func (m *LockManager) Release(slot string) error {
	return m.releasePath(LockPath(slot))
}

func (m *LockManager) releasePath(lockPath string) error {
	m.mu.Lock()
	delete(m.held, lockPath)
	m.mu.Unlock()

	meta, err := ReadLock(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if meta.PID != m.pid || meta.Hostname != m.hostname {
		m.log.Warn("lock now owned by another process; leaving it in place",
			zap.String("lock", lockPath), zap.Int("owner_pid", meta.PID), zap.String("owner_host", meta.Hostname))
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock %s: %w", lockPath, err)
	}
	return nil
}

// ReleaseAll drops every lock this process holds. Errors are logged.
func (m *LockManager) ReleaseAll() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.held))
	for p := range m.held {
		paths = append(paths, p)
	}
	m.mu.Unlock()
	for _, p := range paths {
		if err := m.releasePath(p); err != nil {
			m.log.Warn("release lock on shutdown", zap.String("lock", p), zap.Error(err))
		}
	}
}

// IsStale reports whether meta's lock has outlived the timeout or belongs to
// a dead process on this host.
func (m *LockManager) IsStale(meta LockMetadata) bool {
	if m.now().Sub(meta.CreatedAt) > m.timeout {
		return true
	}
	return meta.Hostname == m.hostname && !m.alive(meta.PID)
}

// staleFile judges the lock file at lockPath. An unreadable file is stale
// only once its modification time exceeds the timeout, so a lock being
// written concurrently is not reclaimed.
func (m *LockManager) staleFile(lockPath string) bool {
	meta, err := ReadLock(lockPath)
	if err == nil {
		return m.IsStale(meta)
	}
	info, statErr := os.Stat(lockPath)
	if statErr != nil {
		return errors.Is(statErr, fs.ErrNotExist)
	}
	return m.now().Sub(info.ModTime()) > m.timeout
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// LockInfo describes one lock file found under a cache root.
type LockInfo struct {
	Path  string
	Meta  LockMetadata
	Stale bool
	Err   error
}

// ListLocks reads every lock file directly under root, sorted by path.
func (m *LockManager) ListLocks(root string) ([]LockInfo, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*.lock"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]LockInfo, 0, len(matches))
	for _, p := range matches {
		meta, err := ReadLock(p)
		info := LockInfo{Path: p, Meta: meta, Err: err}
		info.Stale = err != nil || m.IsStale(meta)
		out = append(out, info)
	}
	return out, nil
}

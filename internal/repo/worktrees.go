package repo

import (
	"path/filepath"
	"sort"
	"sync"
)

// WorkTrees is the process-scoped set of work trees owned by in-flight
// provisioning calls. Cleanup never removes a registered tree.
type WorkTrees struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewWorkTrees returns an empty registry.
func NewWorkTrees() *WorkTrees {
	return &WorkTrees{active: make(map[string]struct{})}
}

func (w *WorkTrees) Register(dir string) {
	w.mu.Lock()
	w.active[filepath.Clean(dir)] = struct{}{}
	w.mu.Unlock()
}

func (w *WorkTrees) Unregister(dir string) {
	w.mu.Lock()
	delete(w.active, filepath.Clean(dir))
	w.mu.Unlock()
}

func (w *WorkTrees) Active(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[filepath.Clean(dir)]
	return ok
}

// Snapshot returns the registered trees in sorted order.
func (w *WorkTrees) Snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.active))
	for d := range w.active {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

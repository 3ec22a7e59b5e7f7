// Package reload detects edits of the configuration files.
package reload

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/fumewatch/internal/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher remembers the size and modification time of the configuration files.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher tracks the files cfg was loaded from.
func NewWatcher(cfg *config.Config) *Watcher {
	w := &Watcher{}
	w.Update(cfg)
	return w
}

// Update replaces the tracked files with the sources of cfg. Missing files are skipped.
func (w *Watcher) Update(cfg *config.Config) {
	if w == nil {
		return
	}
	paths := uniquePaths(config.SourceFiles(cfg))
	states := make(map[string]fileState, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
}

// Check reports the tracked files that changed or disappeared, sorted by path. The
// recorded state is not advanced; call Update after a successful reload.
func (w *Watcher) Check() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// Watch polls the tracked files every interval and sends each non-empty change set.
// The channel closes when ctx is done.
func (w *Watcher) Watch(ctx context.Context, interval time.Duration) <-chan []string {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan []string)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changed := w.Check()
				if len(changed) == 0 {
					continue
				}
				select {
				case out <- changed:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}

// internal/watcher/watcher.go
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports local edits inside the folder as debounced relative
// paths. Conflict markers and dotfiles are ignored: markers are our own
// artifacts, and editors drop scratch files everywhere.
type Watcher struct {
	folderPath string
	debounce   time.Duration
	logger     *zap.Logger

	events chan string

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(folderPath string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce == 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		folderPath: folderPath,
		debounce:   debounce,
		logger:     logger,
		events:     make(chan string, 256),
		timers:     make(map[string]*time.Timer),
	}
}

// Events yields relative paths that changed and settled.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Run watches the folder tree until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addTree(fw, w.folderPath); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(fw, ev.Name); err != nil {
				w.logger.Warn("could not watch new directory",
					zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}

	rel, err := filepath.Rel(w.folderPath, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if ignored(rel) {
		return
	}

	w.schedule(rel)
}

// schedule coalesces a burst of events on one path into a single
// emission after the debounce window.
func (w *Watcher) schedule(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[rel]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, rel)
		w.mu.Unlock()

		select {
		case w.events <- rel:
		default:
			w.logger.Warn("local event channel full, dropping",
				zap.String("path", rel))
		}
	})
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

func ignored(rel string) bool {
	if strings.Contains(rel, ".conflict-") {
		return true
	}
	base := filepath.Base(rel)
	return strings.HasPrefix(base, ".")
}

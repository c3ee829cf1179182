package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// WatchDebounce coalesces rapid fsnotify events for the same path.
const WatchDebounce = 100 * time.Millisecond

// DefaultIgnorePatterns are skipped without being configured; they churn
// constantly and never belong to the shared project.
var DefaultIgnorePatterns = []string{
	".git", "node_modules", "*.swp", "*.tmp", "*~",
}

// ErrInvalidPattern indicates an ignore pattern could not be compiled.
var ErrInvalidPattern = errors.New("invalid ignore pattern")

// Watcher feeds out-of-band disk edits into the engine's reconciliation
// path. Events for paths the engine itself just wrote are skipped, so a
// flushed remote edit never loops back in as a local change.
type Watcher struct {
	log      *slog.Logger
	engine   *Engine
	root     string
	debounce time.Duration
	ignores  []glob.Glob
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewWatcher creates a watcher over the engine's project root. Extra
// ignore patterns extend the defaults.
func NewWatcher(logger *slog.Logger, engine *Engine, root string, ignorePatterns []string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ignores, err := compileIgnores(append(append([]string{}, DefaultIgnorePatterns...), ignorePatterns...))
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		log:      logger.With("component", "fs-watcher"),
		engine:   engine,
		root:     root,
		debounce: WatchDebounce,
		ignores:  ignores,
		watcher:  fsw,
		pending:  make(map[string]*time.Timer),
	}, nil
}

func compileIgnores(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Start begins watching and blocks-free returns; the loop runs until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.loop(ctx)
	w.log.Info("watching project directory", "root", w.root)
	return nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	// New directories join the watch set.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.scheduleReconcile(event.Name)
}

// scheduleReconcile debounces per path: a burst of writes yields one
// reconciliation.
func (w *Watcher) scheduleReconcile(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.reconcile(path)
		}
	})
}

func (w *Watcher) reconcile(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}

	if w.engine.IsQuiescent(rel) {
		w.log.Debug("skipping self-inflicted change", "file", rel)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("failed to read changed file", "file", rel, "error", err)
		return
	}

	w.log.Info("reconciling disk change", "file", rel)
	if err := w.engine.ReconcileDiskChange(rel, string(data)); err != nil {
		w.log.Error("disk reconciliation failed", "file", rel, "error", err)
	}
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, g := range w.ignores {
		if g.Match(path) || g.Match(base) {
			return true
		}
	}
	return false
}

// Stop halts the watcher and cancels pending reconciliations. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()

	w.watcher.Close()
}

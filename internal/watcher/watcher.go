package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/memory"
)

// mtimeTolerance absorbs filesystem timestamp granularity differences
// between a stored mtime and a fresh stat.
const mtimeTolerance = 0.5

// progressEvery controls how often Reconcile reports progress.
const progressEvery = 50

// FileWatcher keeps a project's file index in sync with disk. Reconcile
// performs a full scan; Start follows live filesystem events until Stop.
type FileWatcher struct {
	store *memory.Store
	cfg   config.ProjectConfig

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	done    chan struct{}
	running sync.WaitGroup
}

func New(store *memory.Store, cfg config.ProjectConfig) *FileWatcher {
	return &FileWatcher{store: store, cfg: cfg}
}

// Reconcile scans all watch paths and indexes files that are new or whose
// mtime drifted from the stored one. Returns the number of files indexed.
func (w *FileWatcher) Reconcile(ctx context.Context, onProgress func(int)) (int, error) {
	stored, err := w.store.FileMtimes(ctx)
	if err != nil {
		return 0, err
	}

	patterns, excludes := w.cfg.Patterns(), w.cfg.Excludes()
	total, skipped := 0, 0

	for _, watchPath := range w.cfg.WatchPaths {
		root := watchPath
		if _, err := os.Stat(root); err != nil {
			continue
		}
		walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				slog.Warn("reconcile walk error", "path", p, "error", err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if !MatchesPatterns(rel, patterns, excludes) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			current := mtimeOf(info)
			if prev, ok := stored[memory.FileSourcePrefix+p]; ok && math.Abs(prev-current) < mtimeTolerance {
				skipped++
				return nil
			}

			if _, err := indexFile(ctx, w.store, p, current); err != nil {
				slog.Error("failed to reconcile file", "path", p, "error", err)
				return nil
			}
			total++
			if onProgress != nil && total%progressEvery == 0 {
				onProgress(total)
			}
			return nil
		})
		if walkErr != nil {
			return total, walkErr
		}
	}

	if skipped > 0 {
		slog.Info("skipped unchanged files", "count", skipped)
	}
	return total, nil
}

// Start begins watching for live file changes under every watch path.
// Directories are watched recursively; directories created later are
// picked up from their create events.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	var roots []string
	for _, watchPath := range w.cfg.WatchPaths {
		if _, err := os.Stat(watchPath); err != nil {
			continue
		}
		roots = append(roots, watchPath)
		if err := w.addDirTree(fsw, watchPath, watchPath); err != nil {
			slog.Warn("failed to watch directory tree", "path", watchPath, "error", err)
		}
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	w.running.Add(1)
	go w.run(ctx, fsw, roots, w.done)
	return nil
}

// Stop halts live watching and waits for the event loop to exit.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	fsw, done := w.fsw, w.done
	w.fsw, w.done = nil, nil
	w.mu.Unlock()

	if fsw == nil {
		return
	}
	close(done)
	fsw.Close()
	w.running.Wait()
}

// addDirTree registers dir and all non-excluded subdirectories.
func (w *FileWatcher) addDirTree(fsw *fsnotify.Watcher, root, dir string) error {
	excludes := w.cfg.Excludes()
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr == nil && rel != "." {
			rel = filepath.ToSlash(rel)
			for _, exclude := range excludes {
				if globMatch(rel, exclude) || globMatch(rel+"/", exclude) {
					return filepath.SkipDir
				}
			}
		}
		if addErr := fsw.Add(p); addErr != nil {
			slog.Warn("failed to watch directory", "path", p, "error", addErr)
		}
		return nil
	})
}

func (w *FileWatcher) run(ctx context.Context, fsw *fsnotify.Watcher, roots []string, done chan struct{}) {
	defer w.running.Done()
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, fsw, roots, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *FileWatcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, roots []string, event fsnotify.Event) {
	root := w.rootFor(roots, event.Name)
	if root == "" {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirTree(fsw, root, event.Name); err != nil {
				slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	if !MatchesPatterns(filepath.ToSlash(rel), w.cfg.Patterns(), w.cfg.Excludes()) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		slog.Info("file removed, dropping from index", "path", event.Name)
		if _, err := w.store.DeleteBySource(ctx, memory.FileSourcePrefix+event.Name); err != nil {
			slog.Error("failed to remove deleted file from index", "path", event.Name, "error", err)
		}
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		slog.Info("file changed, re-indexing", "path", event.Name)
		if _, err := IndexFile(ctx, w.store, event.Name); err != nil {
			slog.Error("failed to index changed file", "path", event.Name, "error", err)
		}
	}
}

func (w *FileWatcher) rootFor(roots []string, p string) string {
	for _, root := range roots {
		if p == root || strings.HasPrefix(p, root+string(os.PathSeparator)) {
			return root
		}
	}
	return ""
}

// Package pool manages per-project memory stores and file watchers for
// daemon mode.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/embedding"
	"github.com/annalhq/annal/internal/events"
	"github.com/annalhq/annal/internal/memory"
	"github.com/annalhq/annal/internal/vector/registry"
	"github.com/annalhq/annal/internal/watcher"
)

// ReconcileInfo records the outcome of the most recent reconciliation.
type ReconcileInfo struct {
	Timestamp string `json:"timestamp"`
	FileCount int    `json:"file_count"`
}

// Pool lazily constructs one memory store per project and hands out the
// same instance to every caller. It also owns the per-project file
// watchers and serializes indexing runs per project.
type Pool struct {
	cfg      *config.Config
	embedder embedding.Embedder
	bus      *events.Bus

	mu            sync.Mutex
	stores        map[string]*memory.Store
	watchers      map[string]*watcher.FileWatcher
	indexLocks    map[string]*sync.Mutex
	lastReconcile map[string]ReconcileInfo
	indexStarted  map[string]time.Time

	jobs sync.WaitGroup
}

func New(cfg *config.Config, embedder embedding.Embedder, bus *events.Bus) *Pool {
	return &Pool{
		cfg:           cfg,
		embedder:      embedder,
		bus:           bus,
		stores:        make(map[string]*memory.Store),
		watchers:      make(map[string]*watcher.FileWatcher),
		indexLocks:    make(map[string]*sync.Mutex),
		lastReconcile: make(map[string]ReconcileInfo),
		indexStarted:  make(map[string]time.Time),
	}
}

// GetStore returns the project's store, creating it on first use.
// Concurrent callers for the same unknown project receive the same
// instance. Unknown projects are auto-registered in the config so they
// show up in discovery.
func (p *Pool) GetStore(ctx context.Context, project string) (*memory.Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if store, ok := p.stores[project]; ok {
		return store, nil
	}

	slog.Info("creating store", "project", project)
	backend, err := registry.Open(ctx, p.cfg.Storage, project, p.cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("open backend for project %q: %w", project, err)
	}
	store := memory.New(backend, p.embedder)
	p.stores[project] = store

	if _, known := p.cfg.Project(project); !known {
		p.cfg.AddProject(project, nil, nil, nil)
		if err := p.cfg.Save(); err != nil {
			slog.Warn("failed to save config after auto-registering project", "project", project, "error", err)
		} else {
			slog.Info("auto-registered project in config", "project", project)
		}
	}
	return store, nil
}

// indexLock returns the project's indexing mutex, creating it on demand.
func (p *Pool) indexLock(project string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.indexLocks[project]
	if !ok {
		lock = &sync.Mutex{}
		p.indexLocks[project] = lock
	}
	return lock
}

// ReconcileProject runs a full index scan for a project and blocks until
// it finishes. Returns the number of files indexed. Unknown projects
// reconcile zero files.
func (p *Pool) ReconcileProject(ctx context.Context, project string) (int, error) {
	lock := p.indexLock(project)
	lock.Lock()
	defer lock.Unlock()
	return p.reconcile(ctx, project, nil, false)
}

// ReconcileProjectAsync kicks off reconciliation on a background
// goroutine and returns immediately. If an indexing run is already in
// flight for the project, the new run waits for it to finish. The
// optional callbacks receive progress counts and the final file count.
func (p *Pool) ReconcileProjectAsync(ctx context.Context, project string, onProgress, onComplete func(int), clearFirst bool) {
	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()

		lock := p.indexLock(project)
		if !lock.TryLock() {
			slog.Info("indexing already in progress, waiting", "project", project)
			lock.Lock()
		}
		defer lock.Unlock()

		count, err := p.reconcile(ctx, project, onProgress, clearFirst)
		if err != nil {
			slog.Error("reconciliation failed", "project", project, "error", err)
			return
		}
		if onComplete != nil {
			onComplete(count)
		}
	}()
}

// reconcile does one indexing run. Callers hold the project's index lock.
func (p *Pool) reconcile(ctx context.Context, project string, onProgress func(int), clearFirst bool) (int, error) {
	projCfg, ok := p.cfg.Project(project)
	if !ok {
		return 0, nil
	}

	p.bus.Publish(events.TypeIndexStarted, project, "")
	p.mu.Lock()
	p.indexStarted[project] = time.Now().UTC()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.indexStarted, project)
		p.mu.Unlock()
	}()

	store, err := p.GetStore(ctx, project)
	if err != nil {
		p.bus.Publish(events.TypeIndexFailed, project, err.Error())
		return 0, err
	}
	if clearFirst {
		if _, err := store.DeleteBySource(ctx, memory.FileSourcePrefix); err != nil {
			p.bus.Publish(events.TypeIndexFailed, project, err.Error())
			return 0, fmt.Errorf("clear file chunks: %w", err)
		}
	}

	w := watcher.New(store, projCfg)
	count, err := w.Reconcile(ctx, onProgress)
	if err != nil {
		p.bus.Publish(events.TypeIndexFailed, project, err.Error())
		return count, err
	}

	p.mu.Lock()
	p.lastReconcile[project] = ReconcileInfo{
		Timestamp: time.Now().UTC().Format(memory.TimeLayout),
		FileCount: count,
	}
	p.mu.Unlock()

	slog.Info("reconciled project", "project", project, "files", count)
	p.bus.Publish(events.TypeIndexComplete, project, fmt.Sprintf("%d files", count))
	return count, nil
}

// IsIndexing reports whether an indexing run is currently in flight for
// the project.
func (p *Pool) IsIndexing(project string) bool {
	lock := p.indexLock(project)
	if lock.TryLock() {
		lock.Unlock()
		return false
	}
	return true
}

// IndexStarted returns when the in-flight indexing run began, if any.
func (p *Pool) IndexStarted(project string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.indexStarted[project]
	return t, ok
}

// LastReconcile returns the most recent reconcile outcome for a project.
func (p *Pool) LastReconcile(project string) (ReconcileInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.lastReconcile[project]
	return info, ok
}

// StartWatcher begins live file watching for a configured project.
// Projects with watching disabled, or already watched, are a no-op.
func (p *Pool) StartWatcher(ctx context.Context, project string) error {
	projCfg, ok := p.cfg.Project(project)
	if !ok || !projCfg.Watching() {
		return nil
	}

	p.mu.Lock()
	_, exists := p.watchers[project]
	p.mu.Unlock()
	if exists {
		return nil
	}

	store, err := p.GetStore(ctx, project)
	if err != nil {
		return err
	}

	w := watcher.New(store, projCfg)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher for project %q: %w", project, err)
	}

	p.mu.Lock()
	p.watchers[project] = w
	p.mu.Unlock()
	slog.Info("file watcher started", "project", project)
	return nil
}

// Shutdown stops all watchers, waits up to timeout for in-flight
// indexing runs, and closes every backend.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	watchers := p.watchers
	p.watchers = make(map[string]*watcher.FileWatcher)
	p.mu.Unlock()

	for project, w := range watchers {
		slog.Info("stopping watcher", "project", project)
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		p.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("timed out waiting for indexing jobs to finish")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for project, store := range p.stores {
		if err := store.Backend().Close(); err != nil {
			slog.Warn("failed to close backend", "project", project, "error", err)
		}
	}
	p.stores = make(map[string]*memory.Store)
}

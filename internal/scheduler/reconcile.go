// Package scheduler runs periodic background jobs for the daemon.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/pool"
)

// Reconciler periodically re-scans every configured project so the file
// index stays current even when live watch events were missed.
type Reconciler struct {
	pool     *pool.Pool
	cfg      *config.Config
	interval time.Duration
	stop     chan struct{}
}

func NewReconciler(p *pool.Pool, cfg *config.Config, interval time.Duration) *Reconciler {
	return &Reconciler{
		pool:     p,
		cfg:      cfg,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (r *Reconciler) Start() {
	slog.Info("starting periodic reconciler", "interval", r.interval)
	go r.run()
}

func (r *Reconciler) Stop() {
	close(r.stop)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcileAll()
		case <-r.stop:
			slog.Info("periodic reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcileAll() {
	names := r.cfg.ProjectNames()
	sort.Strings(names)

	for _, name := range names {
		if r.pool.IsIndexing(name) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		count, err := r.pool.ReconcileProject(ctx, name)
		cancel()
		if err != nil {
			slog.Error("periodic reconcile failed", "project", name, "error", err)
		} else if count > 0 {
			slog.Info("periodic reconcile indexed files", "project", name, "count", count)
		}
	}
}

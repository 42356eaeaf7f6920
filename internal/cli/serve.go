package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/annalhq/annal/internal/api"
	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/embedding"
	"github.com/annalhq/annal/internal/events"
	"github.com/annalhq/annal/internal/mcp"
	"github.com/annalhq/annal/internal/pool"
	"github.com/annalhq/annal/internal/scheduler"
)

const reconcileInterval = time.Hour

func newServeCmd() *cobra.Command {
	var (
		transport   string
		noDashboard bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP memory server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(transport, noDashboard)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "transport protocol (stdio or http)")
	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "disable the dashboard web server")
	return cmd
}

func runServe(transport string, noDashboard bool) error {
	// Stdout carries the stdio MCP transport, so logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedder := embedding.NewClient(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err := embedder.EnsureModel(ctx); err != nil {
		slog.Warn("could not ensure embedding model", "model", cfg.Embedding.Model, "error", err)
	}

	bus := events.NewBus()
	p := pool.New(cfg, embedder, bus)
	defer p.Shutdown(10 * time.Second)

	mcpServer := mcp.NewServer(cfg, p, bus)

	// Reconcile and start watchers in the background so the server can
	// accept connections immediately.
	go dispatchStartupReconcile(ctx, cfg, p)

	reconciler := scheduler.NewReconciler(p, cfg, reconcileInterval)
	reconciler.Start()
	defer reconciler.Stop()

	if !noDashboard {
		// In stdio mode the MCP port is free; in HTTP mode use port+1.
		dashboardPort := cfg.Server.Port
		if transport == "http" {
			dashboardPort = cfg.Server.Port + 1
		}
		startDashboard(ctx, cfg, p, bus, dashboardPort)
	}

	switch transport {
	case "stdio":
		slog.Info("annal serving MCP over stdio")
		return mcpServer.MCPServer().Run(ctx, &mcpsdk.StdioTransport{})
	case "http":
		return serveHTTP(ctx, cfg, mcpServer)
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", transport)
	}
}

func dispatchStartupReconcile(ctx context.Context, cfg *config.Config, p *pool.Pool) {
	names := cfg.ProjectNames()
	sort.Strings(names)
	for _, name := range names {
		slog.Info("dispatching startup reconciliation", "project", name)
		p.ReconcileProjectAsync(ctx, name, nil, func(count int) {
			if err := p.StartWatcher(ctx, name); err != nil {
				slog.Error("failed to start watcher", "project", name, "error", err)
			}
		}, false)
	}
	slog.Info("startup reconciliation dispatched", "projects", len(names))
}

func startDashboard(ctx context.Context, cfg *config.Config, p *pool.Pool, bus *events.Bus, port int) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
	server := &http.Server{
		Addr:        addr,
		Handler:     api.NewRouter(cfg, p, bus),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("dashboard listening", "addr", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("dashboard server failed", "error", err)
		}
	}()
}

func serveHTTP(ctx context.Context, cfg *config.Config, mcpServer *mcp.Server) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpServer.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("annal serving MCP over HTTP", "addr", addr, "mcp", "/mcp")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

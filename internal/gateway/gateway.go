// ABOUTME: Gateway orchestrator that coordinates the HTTP server and background units.
// ABOUTME: Wires the store, session registry, pipeline, sweeper, rollup engine, and upgrades.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/opsforge/fleet-gateway/internal/config"
	"github.com/opsforge/fleet-gateway/internal/ingest"
	"github.com/opsforge/fleet-gateway/internal/liveness"
	"github.com/opsforge/fleet-gateway/internal/rollup"
	"github.com/opsforge/fleet-gateway/internal/session"
	"github.com/opsforge/fleet-gateway/internal/store"
	"github.com/opsforge/fleet-gateway/internal/telemetry"
	"github.com/opsforge/fleet-gateway/internal/upgrade"
)

// Gateway orchestrates the fleet-gateway server components.
// It owns the HTTP server for agent websockets and the REST API, plus the
// background units: liveness sweeper, rollup engine, and upgrade dispatcher.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *session.Registry
	pipeline     *ingest.Pipeline
	sweeper      *liveness.Sweeper
	engine       *rollup.Engine
	orchestrator *upgrade.Orchestrator
	query        *telemetry.Query
	httpServer   *http.Server
	logger       *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(logger)
	orchestrator := upgrade.NewOrchestrator(s, registry, cfg.Agents.DispatchInterval, logger)
	pipeline := ingest.NewPipeline(s, orchestrator, logger)
	sweeper := liveness.NewSweeper(s, cfg.Agents.SweepInterval, cfg.Agents.OfflineThreshold, logger)
	engine := rollup.NewEngine(s, cfg.Metrics.RawRetention(), cfg.Metrics.AggregateRetention(), logger)
	query := telemetry.NewQuery(s, cfg.Metrics.MaxRawQuerySpan, cfg.Metrics.MaxHourlyQuerySpan)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		registry:     registry,
		pipeline:     pipeline,
		sweeper:      sweeper,
		engine:       engine,
		orchestrator: orchestrator,
		query:        query,
		logger:       logger.With("component", "gateway"),
		serverID:     generateServerID(),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Agent websocket endpoint
	mux.HandleFunc("/ws/agents/", gw.handleAgentSocket)

	// REST API
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.sweeper.Start(ctx)
	g.engine.Start(ctx)
	g.orchestrator.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway: background units first, then open
// agent connections, then the HTTP server, then the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.sweeper.Stop()
	g.engine.Stop()
	g.orchestrator.Stop()
	g.registry.CloseAll()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	g.logger.Info("gateway shutdown complete")
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.registry.Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", count)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("fleet-gateway-%d", time.Now().UnixNano()%1000000)
}

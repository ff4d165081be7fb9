// Ledgerly assistant server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/avitale/ledgerly/internal/agent"
	"github.com/avitale/ledgerly/internal/api"
	"github.com/avitale/ledgerly/internal/chat"
	"github.com/avitale/ledgerly/internal/config"
	"github.com/avitale/ledgerly/internal/identity"
	"github.com/avitale/ledgerly/internal/ledger"
	"github.com/avitale/ledgerly/internal/middleware"
	"github.com/avitale/ledgerly/internal/orchestrator"
	"github.com/avitale/ledgerly/internal/store"
	"github.com/avitale/ledgerly/internal/tools"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// The invoicing backend. This build ships the in-memory demo ledger;
	// a deployment against the real billing service swaps it here.
	billing := ledger.NewMemory()
	registry := tools.NewRegistry(billing)
	slog.Info("Tool registry initialized", "tools", len(registry.All()))

	// Assistant features are optional: without an API key the server still
	// serves conversation CRUD and health.
	var chatHandler *chat.Handler
	aiEnabled := false
	if cfg.Agent.AnthropicAPIKey != "" {
		ag, err := agent.NewAnthropicAgent(cfg.Agent.AnthropicAPIKey, cfg.Agent.Model)
		if err != nil {
			slog.Error("Failed to initialize agent client", "error", err)
			os.Exit(1)
		}

		turnLog, err := chat.NewTurnLogger(cfg.ConversationLog.Enabled, cfg.ConversationLog.Dir, cfg.ConversationLog.QueueSize)
		if err != nil {
			slog.Error("Failed to initialize turn logger", "error", err)
			os.Exit(1)
		}

		orch := orchestrator.New(repo, ag, registry,
			orchestrator.WithKeepaliveInterval(cfg.SSE.KeepaliveInterval))

		chatHandler = chat.NewHandler(repo, orch, turnLog, cfg)
		defer chatHandler.Close()
		aiEnabled = true
	}
	if !aiEnabled {
		slog.Warn("Assistant disabled (ANTHROPIC_API_KEY not set); serving conversation CRUD only")
		chatHandler = chat.NewHandler(repo, nil, nil, cfg)
	}

	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{cfg.FrontendURL}
	if cfg.FrontendURL == "" {
		corsOrigins = []string{"*"}
	}
	r.Use(middleware.CORS(corsOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)

	// SSE connections need an unbounded write timeout; keepalives cover
	// idle stretches while a tool executes.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

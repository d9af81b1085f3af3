// Agentroom controller: meeting sessions, agent invitations and the browser relay.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ashureev/agentroom/internal/agent"
	"github.com/ashureev/agentroom/internal/api"
	"github.com/ashureev/agentroom/internal/audio"
	"github.com/ashureev/agentroom/internal/config"
	"github.com/ashureev/agentroom/internal/connection"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/meeting"
	"github.com/ashureev/agentroom/internal/middleware"
	"github.com/ashureev/agentroom/internal/relay"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/ashureev/agentroom/internal/telemetry"
	"github.com/ashureev/agentroom/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.Log, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := logCloser.Close(); closeErr != nil {
			slog.Error("Failed to close log file", "error", closeErr)
		}
	}()
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		dir := filepath.Join(filepath.Dir(cfg.DBPath), "telemetry")
		shutdownTelemetry, err := telemetry.Init(ctx, "agentroom", dir)
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				slog.Error("Failed to flush telemetry", "error", err)
			}
		}()
		slog.Info("Telemetry enabled", "dir", dir)
	}

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	prompts := agent.DefaultPrompts()
	if cfg.Agent.PromptsFile != "" {
		prompts, err = agent.LoadPrompts(cfg.Agent.PromptsFile)
		if err != nil {
			slog.Error("Failed to load agent prompts", "path", cfg.Agent.PromptsFile, "error", err)
			os.Exit(1)
		}
	}

	rooms := meeting.NewRoomsClient(meeting.RoomsClientConfig{
		BaseURL:          cfg.RoomsAPIURL,
		Token:            cfg.Token,
		AutoCloseSeconds: cfg.RoomAutoCloseSeconds,
		Timeout:          cfg.HTTPTimeout,
	}, nil, logger)

	backend := agent.NewClient(agent.ClientConfig{
		APIBaseURL:   cfg.APIBaseURL,
		AgentBaseURL: cfg.AgentBaseURL,
		Timeout:      cfg.HTTPTimeout,
	}, nil, metrics, logger)
	orchestrator := agent.NewOrchestrator(backend, prompts, agent.OrchestratorConfig{
		Token:        cfg.Token,
		PipelineType: cfg.Agent.PipelineType,
		Personality:  cfg.Agent.Personality,
	}, metrics, logger)

	machine := connection.DefaultConfig()
	machine.SettleDelay = cfg.Connection.JoinSettleDelay
	machine.RetryBackoff = cfg.Connection.RetryBackoff
	machine.RejoinDelay = cfg.Connection.RetryRejoinDelay
	machine.MaxRetries = cfg.Connection.MaxRetries

	registry := connection.NewRegistry(connection.RunnerConfig{
		Machine:     machine,
		CallTimeout: cfg.HTTPTimeout,
		Agents:      orchestrator,
		Classifier:  agent.NewMatcher(cfg.Agent.NamePatterns),
		Scheduler:   connection.RealScheduler{},
		Audio:       audio.MonitorConfig{Threshold: cfg.SpeakingThreshold},
		Metrics:     metrics,
	}, repo, logger)

	sm := relay.NewSessionManager()
	registry.OnRemove(sm.CloseSession)

	lookup := func(id string) (relay.Target, bool) {
		r, ok := registry.Get(id)
		if !ok {
			return nil, false
		}
		return r, true
	}

	// Initialize handlers.
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimitRequests, cfg.RateLimitWindow)
	clientConfig := api.NewClientConfig(cfg.Connection.MaxRetries, cfg.Connection.RetryBackoff,
		cfg.Agent.PipelineType, cfg.Agent.Personality, prompts.Names(), cfg.SpeakingThreshold)
	clientConfig.Token = cfg.Token
	sessionHandler := api.NewSessionHandler(registry, rooms, repo, limiter, clientConfig, logger)
	healthHandler := api.NewHealthHandler(repo, 0)
	healthHandler.AddCheck("sessions", func() string { return strconv.Itoa(registry.Len()) })
	healthHandler.AddCheck("relays", func() string { return strconv.Itoa(sm.Count()) })
	relayHandler := relay.NewHandler(lookup, sm, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// Relay endpoint for the browser meeting page.
	r.Get("/ws/sessions/{id}", relayHandler.ServeHTTP)

	// Serve the embedded relay page.
	r.Handle("/*", web.SPAHandler())

	// WebSocket relays are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	registry.StartTTLWorker(ctx, cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	// Relay WebSockets are hijacked and outlive srv.Shutdown, so leave commands still reach the browsers.
	registry.Shutdown(shutdownCtx)

	slog.Info("Server stopped successfully")
}

// Agentd launches one AI agent worker per meeting on request.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ashureev/agentroom/internal/api"
	"github.com/ashureev/agentroom/internal/backend"
	"github.com/ashureev/agentroom/internal/config"
	"github.com/ashureev/agentroom/internal/container"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/ashureev/agentroom/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadAgentd()
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

	slog.Info("Starting agentd", "port", cfg.Port, "runner", cfg.Runner)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	var (
		runner      backend.Runner
		runnerCheck func(context.Context) error
	)
	switch cfg.Runner {
	case "docker":
		dr, err := container.NewDockerRunner(cfg.AgentImage, cfg.ContainerRuntime, logger)
		if err != nil {
			slog.Error("Failed to initialize docker runner", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := dr.Close(); closeErr != nil {
				slog.Error("Failed to close docker client", "error", closeErr)
			}
		}()
		runner = dr
	default:
		pr, err := backend.NewPipelineRunner(backend.DefaultPipelineConfig(cfg.PipelineAddr), logger)
		if err != nil {
			slog.Error("Failed to connect to pipeline service", "error", err)
			os.Exit(1)
		}
		defer pr.Close()
		runner = pr
		runnerCheck = pr.Health
	}

	mgr := backend.NewManager(runner, cfg.Runner, repo, logger)
	if err := mgr.Recover(ctx); err != nil {
		slog.Warn("Failed to stop some orphaned agents", "error", err)
	}
	mgr.StartTTLWorker(ctx, cfg.MaxLifetime)

	healthHandler := api.NewHealthHandler(repo, 0)
	healthHandler.AddCheck("agents", func() string { return strconv.Itoa(len(mgr.Active())) })
	if runnerCheck != nil {
		healthHandler.AddCheck("pipeline", func() string {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := runnerCheck(checkCtx); err != nil {
				return "unavailable"
			}
			return "serving"
		})
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	healthHandler.RegisterHealth(r)
	backend.NewHandler(mgr, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

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
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to stop agents", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// HR Policy Assistant Server
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

	"github.com/ashureev/policy-assistant/internal/api"
	"github.com/ashureev/policy-assistant/internal/backend"
	"github.com/ashureev/policy-assistant/internal/calllog"
	"github.com/ashureev/policy-assistant/internal/config"
	"github.com/ashureev/policy-assistant/internal/conversation"
	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/ashureev/policy-assistant/internal/middleware"
	"github.com/ashureev/policy-assistant/internal/store"
	"github.com/ashureev/policy-assistant/internal/tracing"
	"github.com/ashureev/policy-assistant/internal/workflow"
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend", cfg.Backend.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	// Call log sinks.
	var sinks []calllog.Sink
	if cfg.CallLog.FileEnabled {
		fileSink, err := calllog.NewFileSink(calllog.FileSinkConfig{Path: cfg.CallLog.FilePath})
		if err != nil {
			slog.Error("Failed to initialize call log file", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, fileSink)
		slog.Info("Call log file enabled", "path", cfg.CallLog.FilePath)
	}

	var history api.CallHistory
	var db api.Pinger
	if cfg.CallLog.DBEnabled {
		repo, err := store.NewSQLite(cfg.CallLog.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		if err := repo.Ping(ctx); err != nil {
			slog.Error("Database health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Database connected", "path", cfg.CallLog.DBPath, "run_id", repo.RunID())

		sinks = append(sinks, repo)
		history, db = repo, repo
		store.StartRetentionWorker(ctx, repo, cfg.CallLog.DBRetention, store.DefaultRetentionInterval)
	}

	calls := calllog.New(calllog.Options{
		Sinks:     sinks,
		QueueSize: cfg.CallLog.QueueSize,
		Logger:    logger,
	})
	// Closing the log flushes and closes every sink, including the database.
	defer func() {
		if closeErr := calls.Close(); closeErr != nil {
			slog.Error("Failed to close call log", "error", closeErr)
		}
	}()

	// Remote services.
	client, err := backend.NewClient(backend.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Token:        cfg.Backend.Token,
		Timeout:      cfg.Backend.Timeout,
		AllowedHosts: cfg.Backend.AllowedHosts,
		Insecure:     cfg.Backend.Insecure,
		RawDataTTL:   cfg.Backend.RawDataTTL,
		RateLimit:    cfg.Backend.RateLimit,
		RateBurst:    cfg.Backend.RateBurst,
	}, calls, logger)
	if err != nil {
		slog.Error("Failed to initialize backend client", "error", err)
		os.Exit(1)
	}
	if cfg.Backend.Token == "" {
		slog.Warn("BACKEND_TOKEN is not set, backend calls will likely be rejected")
	}

	chat := conversation.NewManager(client, logger)

	readyDelay := cfg.ReadyDelay
	if readyDelay == 0 {
		readyDelay = -1 // zero in config means no pause
	}
	controller := workflow.NewController(client, chat, workflow.Options{
		ReadyDelay: readyDelay,
		Logger:     logger,
	})

	// Handlers.
	hub := api.NewHub(logger)
	handler := api.NewHandler(ctx, controller, chat, calls, history, logger)
	view := func() any { return handler.View() }
	push := func() any { return handler.PushView() }
	healthHandler := api.NewHealthHandler(db, hub)
	wsHandler := api.NewWebSocketHandler(hub, view, cfg.AllowedOrigins(), cfg.IsDevelopment())

	controller.OnChange(func(domain.Session) { hub.Notify() })
	chat.OnChange(hub.Notify)
	calls.Watch(func(domain.APICallRecord) { hub.Notify() })
	go hub.Run(ctx, push)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	healthHandler.RegisterHealth(r)
	handler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout; websocket viewers and chat turns are long-lived
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

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
	hub.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

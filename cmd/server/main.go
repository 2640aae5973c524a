// Pairlink - pairing session service
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

	"github.com/ashureev/pairlink/internal/api"
	"github.com/ashureev/pairlink/internal/archive"
	"github.com/ashureev/pairlink/internal/authority"
	"github.com/ashureev/pairlink/internal/config"
	"github.com/ashureev/pairlink/internal/middleware"
	"github.com/ashureev/pairlink/internal/pairing"
	"github.com/ashureev/pairlink/internal/registry"
	"github.com/ashureev/pairlink/internal/store"
	"github.com/ashureev/pairlink/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "session_ttl", cfg.SessionTTL)

	// Primary status store.
	primary, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	if err := primary.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Optional best-effort mirror.
	var mirror store.Backend
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Warn("Mirror database unavailable, continuing without it", "error", err)
		} else {
			mirror = pg
			slog.Info("Mirror database connected")
		}
	}

	statusStore := store.NewDual(primary, mirror)
	defer func() {
		if closeErr := statusStore.Close(); closeErr != nil {
			slog.Error("Failed to close status store", "error", closeErr)
		}
	}()

	// Pairing authority and orchestration.
	auth := authority.NewWhatsApp(cfg.CredDir)
	reg := registry.New()
	coord := pairing.New(statusStore, reg, auth, pairing.Options{TTL: cfg.SessionTTL})

	exporter, err := archive.NewExporter(cfg.CredDir, auth.Registered)
	if err != nil {
		slog.Error("Failed to initialize exporter", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(statusStore, coord, exporter, auth.Registered, cfg.PairSecret)
	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	handler.RegisterRoutes(r, limiter)

	// Serve the embedded pairing page for everything else.
	r.Handle("/*", web.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	coord.Stop()
	reg.Shutdown()

	slog.Info("Server stopped successfully")
}

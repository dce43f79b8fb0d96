// openctl relay - central rendezvous point between session daemons and
// browser observers.
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

	"github.com/brkalow/openctl/internal/api"
	"github.com/brkalow/openctl/internal/audit"
	"github.com/brkalow/openctl/internal/config"
	"github.com/brkalow/openctl/internal/middleware"
	"github.com/brkalow/openctl/internal/relay"
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

	slog.Info("Starting relay", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	sink, err := audit.NewSQLiteSink(cfg.AuditDBPath)
	if err != nil {
		slog.Error("Failed to initialize audit database", "error", err)
		os.Exit(1)
	}
	if err := sink.Ping(context.Background()); err != nil {
		slog.Error("Audit database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Audit database connected", "path", cfg.AuditDBPath)

	auditLog := audit.New(sink, cfg.AuditFlushInterval)
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Error("Failed to close audit log", "error", closeErr)
		}
	}()

	router := relay.New(cfg, auditLog)
	router.Start()
	defer router.Stop()

	// Initialize handlers.
	apiHandler := api.NewHandler(router, sink)
	daemonWS := relay.NewDaemonSocketHandler(router, cfg.AllowedOrigin, cfg.IsDevelopment())
	browserWS := relay.NewBrowserSocketHandler(router, cfg.AllowedOrigin, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(corsOrigins(cfg)))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoints.
	r.Get("/ws/daemon", daemonWS.ServeHTTP)
	r.Get("/ws/browser", browserWS.ServeHTTP)

	// Long-lived websocket connections need no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Relay listening", "addr", srv.Addr)
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
		os.Exit(1)
	}

	slog.Info("Relay stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.AllowedOrigin == "" {
		return []string{"*"}
	}
	return []string{cfg.AllowedOrigin}
}

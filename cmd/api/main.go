package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruanmelo/zapagenda/internal/admin"
	"github.com/ruanmelo/zapagenda/internal/api/router"
	"github.com/ruanmelo/zapagenda/internal/app"
	"github.com/ruanmelo/zapagenda/internal/audit"
	"github.com/ruanmelo/zapagenda/internal/config"
	"github.com/ruanmelo/zapagenda/internal/ingress"
	"github.com/ruanmelo/zapagenda/internal/noshow"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting zapagenda API server", "env", cfg.Env, "port", cfg.Port)

	if cfg.DatabaseURL == "" {
		logger.Error("api requires DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	replyHandler := noshow.NewHandler(container.Calendar, container.NoShowState, container.Notifications, container.Idempotency, logger)
	pipeline := ingress.NewPipeline(replyHandler, optout.NewDetector(), container.OptOuts, container.Jobs, container.HandoffGate, container.Gateway, logger)
	ingressHandler := ingress.NewHandler(container.Tenants, container.Events, pipeline, cfg.WebhookToken, logger)

	reconciler := audit.New(container.Calendar, container.Notifications, logger).
		WithMetrics(container.Metrics)
	adminHandlers := admin.NewHandlers(container.Tenants, container.Handoffs, container.HandoffGate, container.OptOuts, reconciler, container.Catalog, logger)

	r := router.New(&router.Config{
		Logger:          logger,
		Ingress:         ingressHandler,
		Admin:           adminHandlers,
		AdminAuthSecret: cfg.AdminJWTSecret,
		MetricsHandler:  promhttp.Handler(),
		Ready: func() error {
			pingCtx, pingCancel := context.WithTimeout(ctx, cfg.StoreTimeout)
			defer pingCancel()
			return container.Pool.Ping(pingCtx)
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

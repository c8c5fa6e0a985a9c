package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ruanmelo/zapagenda/internal/app"
	"github.com/ruanmelo/zapagenda/internal/audit"
	"github.com/ruanmelo/zapagenda/internal/config"
	"github.com/ruanmelo/zapagenda/internal/noshow"
	"github.com/ruanmelo/zapagenda/internal/previsit"
	"github.com/ruanmelo/zapagenda/internal/retry"
	"github.com/ruanmelo/zapagenda/internal/scheduler"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/internal/worker/delivery"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting zapagenda worker", "env", cfg.Env)

	if cfg.DatabaseURL == "" {
		logger.Error("worker requires DATABASE_URL")
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

	deliveryWorker := delivery.New(
		container.Jobs,
		container.Notifications,
		container.OptOuts,
		container.HandoffGate,
		container.Gateway,
		container.Tenants,
		logger,
	).
		WithPendingReplies(container.NoShowState).
		WithMetrics(container.Metrics).
		WithPolicy(retry.Policy{
			Base:        cfg.RetryBaseDelay,
			Multiplier:  2,
			Cap:         cfg.RetryCapDelay,
			MaxAttempts: cfg.MaxAttempts,
		}).
		WithInterval(cfg.PollInterval).
		WithGrace(cfg.HandoffGrace).
		WithPace(cfg.InterMessageDelay).
		WithBatchSize(cfg.BatchSize).
		WithWorkerCount(cfg.WorkerCount)

	previsitProducer := previsit.New(container.Calendar, container.Jobs, container.Notifications, container.OptOuts, logger).
		WithMetrics(container.Metrics)
	noshowProducer := noshow.NewProducer(container.Calendar, container.Jobs, container.Notifications, container.OptOuts, logger).
		WithMetrics(container.Metrics)
	reconciler := audit.New(container.Calendar, container.Notifications, logger).
		WithMetrics(container.Metrics)

	sched := scheduler.New(container.Tenants, logger).
		Register(scheduler.Job{
			Name: "previsit",
			Hour: func(set tenancy.Settings) int { return set.PreVisitHour },
			Run:  previsitProducer.RunForTenant,
		}).
		Register(scheduler.Job{
			Name: "noshow",
			Hour: func(set tenancy.Settings) int { return set.NoShowHour },
			Run:  noshowProducer.RunForTenant,
		}).
		Register(scheduler.Job{
			Name: "audit",
			Hour: func(set tenancy.Settings) int { return set.AuditHour },
			Run: func(ctx context.Context, set tenancy.Settings) error {
				_, err := reconciler.RunForTenant(ctx, set)
				return err
			},
		})

	go deliveryWorker.Run(ctx)
	go sched.Run(ctx)
	go runRetentionSweep(ctx, cfg, container, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

// runRetentionSweep purges terminal jobs and processed webhook events past the
// retention horizon.
func runRetentionSweep(ctx context.Context, cfg *config.Config, container *app.App, logger *logging.Logger) {
	log := logger.Component("retention")
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RetentionDays)
			sweepCtx, done := context.WithTimeout(ctx, cfg.StoreTimeout)
			if n, err := container.Jobs.PurgeTerminal(sweepCtx, cutoff); err != nil {
				log.Error("failed to purge terminal jobs", "error", err)
			} else if n > 0 {
				log.Info("purged terminal jobs", "count", n, "cutoff", cutoff)
			}
			if n, err := container.Events.Purge(sweepCtx, cutoff); err != nil {
				log.Error("failed to purge processed events", "error", err)
			} else if n > 0 {
				log.Info("purged processed events", "count", n, "cutoff", cutoff)
			}
			done()
		}
	}
}

// Package app wires configuration into the shared dependency container the
// binaries build on.
package app

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ruanmelo/zapagenda/internal/calendar/trinks"
	"github.com/ruanmelo/zapagenda/internal/catalog"
	"github.com/ruanmelo/zapagenda/internal/chat/evolution"
	"github.com/ruanmelo/zapagenda/internal/config"
	"github.com/ruanmelo/zapagenda/internal/handoff"
	"github.com/ruanmelo/zapagenda/internal/idempotency"
	"github.com/ruanmelo/zapagenda/internal/ingress"
	"github.com/ruanmelo/zapagenda/internal/jobs"
	"github.com/ruanmelo/zapagenda/internal/noshow"
	"github.com/ruanmelo/zapagenda/internal/notifications"
	"github.com/ruanmelo/zapagenda/internal/observability/metrics"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

// App is the shared dependency container.
type App struct {
	Cfg    *config.Config
	Logger *logging.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Gateway  *evolution.Client
	Calendar *trinks.Client

	Tenants       *tenancy.Store
	Catalog       *catalog.Store
	Jobs          *jobs.Store
	Notifications *notifications.Store
	OptOuts       *optout.Store
	Handoffs      *handoff.Store
	HandoffGate   *handoff.Gate
	Events        *ingress.EventStore
	NoShowState   *noshow.State
	Idempotency   *idempotency.Cache
	Metrics       *metrics.Metrics
}

// New builds the container: database pool, redis client, API clients and
// every store. Callers own the lifecycle via Close.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.New(cfg.LogLevel)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: ping postgres: %w", err)
	}

	redisOpts := &redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  cfg.CacheTimeout,
		ReadTimeout:  cfg.CacheTimeout,
		WriteTimeout: cfg.CacheTimeout,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}

	gateway, err := evolution.New(evolution.Config{
		BaseURL: cfg.EvolutionBaseURL,
		APIKey:  cfg.EvolutionAPIKey,
		Timeout: cfg.EvolutionTimeout,
		Logger:  logger.Logger,
	})
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("app: evolution client: %w", err)
	}

	calendar, err := trinks.New(trinks.Config{
		BaseURL: cfg.TrinksBaseURL,
		APIKey:  cfg.TrinksAPIKey,
		Timeout: cfg.TrinksTimeout,
		Logger:  logger.Logger,
	})
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("app: trinks client: %w", err)
	}

	handoffs := handoff.NewStore(pool)

	return &App{
		Cfg:           cfg,
		Logger:        logger,
		Pool:          pool,
		Redis:         rdb,
		Gateway:       gateway,
		Calendar:      calendar,
		Tenants:       tenancy.NewStore(pool),
		Catalog:       catalog.NewStore(pool),
		Jobs:          jobs.NewStore(pool, cfg.VisibilityTimeout),
		Notifications: notifications.NewStore(pool),
		OptOuts:       optout.NewStore(pool),
		Handoffs:      handoffs,
		HandoffGate:   handoff.NewGate(handoffs),
		Events:        ingress.NewEventStore(pool),
		NoShowState:   noshow.NewState(rdb),
		Idempotency:   idempotency.NewCache(rdb),
		Metrics:       metrics.New(nil),
	}, nil
}

// Close releases the pool and redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/batikpay/internal/health"
	"github.com/vladislavdragonenkov/batikpay/internal/storage/memory"
	"github.com/vladislavdragonenkov/batikpay/internal/storage/postgres"
	"github.com/vladislavdragonenkov/batikpay/internal/service/retention"
	redisstore "github.com/vladislavdragonenkov/batikpay/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	sessions     domain.SessionStore
	outboxRepo   domain.OutboxRepository
	timelineRepo domain.TimelineRepository

	storageChecker healthcheck.Checker
	// purger задан только для хранилищ, которые не истекают записи сами.
	purger  retention.Purger
	closeFn func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			sessions:     memory.NewSessionStore(cfg.ResumeTTL),
			outboxRepo:   memory.NewOutboxRepository(),
			timelineRepo: memory.NewTimelineRepository(),
		}, nil

	case StorageDriverPostgres:
		return initPostgres(ctx, cfg, logger)

	case StorageDriverRedis:
		return initRedis(ctx, cfg, logger)

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}

func initPostgres(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres dsn is required for %s storage", StorageDriverPostgres)
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := postgres.Open(openCtx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(openCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	version, applied, err := store.MigrationStatus(openCtx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("postgres migration status: %w", err)
	}
	logger.WithFields(log.Fields{
		"schema_version": version,
		"migrations":     applied,
	}).Info("using postgres storage")

	sessions := postgres.NewSessionStore(store, cfg.ResumeTTL)
	return &runtimeDependencies{
		sessions:       sessions,
		outboxRepo:     postgres.NewOutboxRepository(store),
		timelineRepo:   postgres.NewTimelineRepository(store),
		storageChecker: healthcheck.NewPingChecker("postgres", store.Ping),
		purger:         sessions,
		closeFn:        store.Close,
	}, nil
}

// initRedis хранит в Redis только записи возобновления; outbox и timeline остаются в памяти.
func initRedis(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	sessions, err := redisstore.Open(ctx, redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.ResumeTTL,
	})
	if err != nil {
		return nil, err
	}
	logger.WithField("addr", cfg.RedisAddr).Info("using redis storage for payment sessions")

	return &runtimeDependencies{
		sessions:       sessions,
		outboxRepo:     memory.NewOutboxRepository(),
		timelineRepo:   memory.NewTimelineRepository(),
		storageChecker: healthcheck.NewPingChecker("redis", sessions.Ping),
		closeFn:        sessions.Close,
	}, nil
}

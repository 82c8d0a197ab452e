// Package bootstrap wires the shared runtime of the engine binaries:
// configuration, logging, database, metrics, and the optional Redis client.
package bootstrap

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/casedeskhq/eventengine/pkg/config"
	"github.com/casedeskhq/eventengine/pkg/db"
	"github.com/casedeskhq/eventengine/pkg/eventstore"
	"github.com/casedeskhq/eventengine/pkg/logger"
	"github.com/casedeskhq/eventengine/pkg/metrics"
	"github.com/casedeskhq/eventengine/pkg/migrate"
	"github.com/casedeskhq/eventengine/pkg/redis"
)

// Components holds everything a binary needs to assemble its workers.
type Components struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           *db.Client
	Store        *eventstore.GormStore
	Serializer   *eventstore.JSONSerializer
	Registry     *eventstore.Registry
	Bus          *eventstore.Bus
	Metrics      *metrics.EngineMetrics
	PromRegistry *prometheus.Registry

	// Redis is nil when no address is configured.
	Redis *redis.Client
}

// Build loads configuration and constructs the shared components for the
// named service. The returned cleanup closes every owned connection; call it
// on shutdown.
func Build(ctx context.Context, serviceKind string) (*Components, func(), error) {
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		cleanup()
		return nil, nil, err
	}

	serializer := eventstore.NewJSONSerializer()
	registry := eventstore.NewRegistry()
	RegisterDomain(serializer, registry)
	registry.Freeze()

	promRegistry := prometheus.NewRegistry()
	engineMetrics := metrics.NewEngineMetrics(promRegistry)

	components := &Components{
		Config:       cfg,
		Logger:       logg,
		DB:           dbClient,
		Store:        eventstore.NewGormStore(dbClient.DB(), eventstore.StoreOptions{MaxDispatchAttempts: cfg.Dispatcher.MaxAttempts}),
		Serializer:   serializer,
		Registry:     registry,
		Bus:          eventstore.NewBus(registry, logg),
		Metrics:      engineMetrics,
		PromRegistry: promRegistry,
	}

	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		components.Redis = redisClient
		dbCleanup := cleanup
		cleanup = func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(ctx, "error closing redis client", err)
			}
			dbCleanup()
		}
	}

	return components, cleanup, nil
}

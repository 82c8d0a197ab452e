package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/casedeskhq/eventengine/internal/admin"
	"github.com/casedeskhq/eventengine/internal/bootstrap"
	"github.com/casedeskhq/eventengine/internal/dispatch"
	"github.com/casedeskhq/eventengine/pkg/eventstore/idempotency"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	components, cleanup, err := bootstrap.Build(ctx, "dispatcher")
	if err != nil {
		os.Stderr.WriteString("dispatcher bootstrap failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer cleanup()

	cfg := components.Config
	logg := components.Logger

	params := dispatch.ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         components.DB,
		Store:      components.Store,
		Serializer: components.Serializer,
		Bus:        components.Bus,
		Metrics:    components.Metrics,
	}

	if components.Redis != nil {
		guard, err := idempotency.NewGuard(components.Redis, cfg.Dispatcher.IdempotencyTTL)
		if err != nil {
			logg.Error(ctx, "failed to build idempotency guard", err)
			os.Exit(1)
		}
		params.Guard = guard
	}

	service, err := dispatch.NewService(params)
	if err != nil {
		logg.Error(ctx, "failed to create dispatcher", err)
		os.Exit(1)
	}

	adminRouter := admin.NewRouter(admin.RouterParams{
		Logger:   logg,
		DB:       components.DB,
		Store:    components.Store,
		Gatherer: components.PromRegistry,
	})
	go func() {
		if err := admin.Serve(ctx, cfg.Admin, logg, adminRouter); err != nil {
			logg.Error(ctx, "admin server stopped unexpectedly", err)
			stop()
		}
	}()

	runCtx := logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "dispatcher",
	})
	logg.Info(runCtx, "starting dispatcher")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "dispatcher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(runCtx, "dispatcher shutting down gracefully")
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/casedeskhq/eventengine/internal/admin"
	"github.com/casedeskhq/eventengine/internal/bootstrap"
	"github.com/casedeskhq/eventengine/internal/projection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	components, cleanup, err := bootstrap.Build(ctx, "projector")
	if err != nil {
		os.Stderr.WriteString("projector bootstrap failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer cleanup()

	cfg := components.Config
	logg := components.Logger

	checkpoints := projection.NewCheckpointRepository()
	projections := []projection.Projection{
		projection.NewStreamActivityProjection(),
	}

	runners := make([]*projection.Runner, 0, len(projections))
	adminRunners := make([]admin.ProjectionRunner, 0, len(projections))
	for _, proj := range projections {
		runner, err := projection.NewRunner(projection.RunnerParams{
			DB:          components.DB,
			Feed:        components.Store,
			Serializer:  components.Serializer,
			Checkpoints: checkpoints,
			Projection:  proj,
			Logger:      logg,
			Metrics:     components.Metrics,
			BatchSize:   cfg.Projection.BatchSize,
		})
		if err != nil {
			logg.Error(ctx, "failed to build projection runner", err)
			os.Exit(1)
		}
		runners = append(runners, runner)
		adminRunners = append(adminRunners, runner)
	}

	adminRouter := admin.NewRouter(admin.RouterParams{
		Logger:   logg,
		DB:       components.DB,
		Store:    components.Store,
		Gatherer: components.PromRegistry,
		Runners:  adminRunners,
	})
	go func() {
		if err := admin.Serve(ctx, cfg.Admin, logg, adminRouter); err != nil {
			logg.Error(ctx, "admin server stopped unexpectedly", err)
			stop()
		}
	}()

	runCtx := logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "projector",
	})
	logg.Info(runCtx, "starting projector")

	pollInterval := time.Duration(cfg.Projection.PollIntervalMS) * time.Millisecond
	done := make(chan error, len(runners))
	for _, runner := range runners {
		go func(r *projection.Runner) {
			done <- r.Watch(runCtx, pollInterval)
		}(runner)
	}

	for range runners {
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(runCtx, "projection runner stopped unexpectedly", err)
			stop()
		}
	}

	logg.Info(runCtx, "projector shutting down gracefully")
}

// Package admin exposes the engine's operational surface: health, Prometheus
// metrics, and projection catch-up/rebuild triggers. It serves no business
// traffic.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casedeskhq/eventengine/pkg/config"
	pkgerrors "github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/casedeskhq/eventengine/pkg/eventstore"
	"github.com/casedeskhq/eventengine/pkg/logger"
)

// ProjectionRunner is the trigger surface of a projection runner.
type ProjectionRunner interface {
	Name() string
	CatchUp(ctx context.Context) (int, error)
	Rebuild(ctx context.Context) (int, error)
	Checkpoint(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(context.Context) error
}

type statsSource interface {
	Stats(ctx context.Context) (eventstore.Stats, error)
}

type RouterParams struct {
	Logger   *logger.Logger
	DB       pinger
	Store    statsSource
	Gatherer prometheus.Gatherer

	// Runners are optional; without them the projection routes 404.
	Runners []ProjectionRunner
}

func NewRouter(params RouterParams) http.Handler {
	logg := params.Logger

	runners := make(map[string]ProjectionRunner, len(params.Runners))
	for _, runner := range params.Runners {
		runners[runner.Name()] = runner
	}

	r := chi.NewRouter()
	r.Use(
		recoverer(logg),
		logging(logg),
	)

	r.Get("/healthz", healthz(logg, params.DB, params.Store))

	if params.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/projections", func(r chi.Router) {
		r.Get("/", listProjections(logg, runners))
		r.Post("/{name}/run", runProjection(logg, runners))
	})

	return r
}

func healthz(logg *logger.Logger, db pinger, store statsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				writeError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStoreUnavailable, err, "database unreachable"))
				return
			}
		}

		payload := map[string]any{"status": "ok"}
		if store != nil {
			stats, err := store.Stats(ctx)
			if err != nil {
				writeError(ctx, logg, w, err)
				return
			}
			payload["store"] = stats
		}
		writeSuccess(w, payload)
	}
}

func listProjections(logg *logger.Logger, runners map[string]ProjectionRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		names := make([]string, 0, len(runners))
		for name := range runners {
			names = append(names, name)
		}
		sort.Strings(names)

		out := make([]map[string]any, 0, len(runners))
		for _, name := range names {
			checkpoint, err := runners[name].Checkpoint(ctx)
			if err != nil {
				writeError(ctx, logg, w, err)
				return
			}
			out = append(out, map[string]any{
				"name":       name,
				"checkpoint": checkpoint,
			})
		}
		writeSuccess(w, out)
	}
}

// runProjection triggers a synchronous catch-up, or a full rebuild when
// ?rebuild=1. Rebuilds can take a while on a large log; the caller holds the
// connection until the projection reaches the head.
func runProjection(logg *logger.Logger, runners map[string]ProjectionRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := chi.URLParam(r, "name")
		runner, ok := runners[name]
		if !ok {
			writeError(ctx, logg, w, pkgerrors.Newf(pkgerrors.CodeNotFound, "unknown projection %q", name))
			return
		}

		rebuild := r.URL.Query().Get("rebuild") == "1"
		var (
			applied int
			err     error
		)
		if rebuild {
			applied, err = runner.Rebuild(ctx)
		} else {
			applied, err = runner.CatchUp(ctx)
		}
		if err != nil {
			writeError(ctx, logg, w, err)
			return
		}

		writeAccepted(w, map[string]any{
			"projection": name,
			"rebuild":    rebuild,
			"applied":    applied,
		})
	}
}

// Serve runs the admin listener until the context is canceled, then drains
// in-flight requests.
func Serve(ctx context.Context, cfg config.AdminConfig, logg *logger.Logger, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "admin server shutdown failed", err)
		return err
	}
	return nil
}

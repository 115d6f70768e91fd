// Command worker claims and executes jobs, reaps stuck jobs and purges
// completed ones on the retention schedule. Run as many as needed; they
// coordinate through the jobs table.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/handlers"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormatOrDefault())
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hints := app.OpenHints(ctx, cfg, logger)
	defer hints.Close() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	w, err := worker.New(store, app.WorkerOptions(cfg, logger, metrics.NewWorker(reg), hints.Waiter))
	if err != nil {
		return err
	}
	if err := handlers.RegisterDefaults(w, logger); err != nil {
		return err
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Get("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			http.Error(rw, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		return app.Serve(gctx, app.NewHTTPServer(cfg.MetricsAddr, mux), cfg.ShutdownTimeout, logger)
	})
	err = g.Wait()
	logger.Info("worker totals", zap.Any("stats", w.Stats()))
	return err
}

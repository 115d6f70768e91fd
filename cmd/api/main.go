// Command api serves job creation and administration over HTTP.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jobq/internal/api"
	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/handlers"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/producer"
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
		logger.Fatal("api exited", zap.Error(err))
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

	srv := api.NewServer(api.Options{
		Producer:  producer.New(store, hints.Notifier, logger.Named("producer")),
		Admin:     store,
		Notifier:  hints.Notifier,
		Retention: cfg.Retention(),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:    logger.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.NewHTTPServer(cfg.APIAddr, srv.Handler()), cfg.ShutdownTimeout, logger)
	})

	if cfg.EmbedWorker {
		wlog := logger.Named("worker")
		w, err := worker.New(store, app.WorkerOptions(cfg, wlog, metrics.NewWorker(reg), hints.Waiter))
		if err != nil {
			return err
		}
		if err := handlers.RegisterDefaults(w, wlog); err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

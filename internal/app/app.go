// Package app wires configuration into the store, hint and HTTP pieces
// shared by the cmd binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/api"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/producer"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/storage"
	"github.com/SirClappington/jobq/internal/worker"
)

// Backend is every Job Store operation a process can need.
type Backend interface {
	producer.Store
	worker.Store
	api.Admin
}

var (
	_ Backend = (*storage.Store)(nil)
	_ Backend = (*storage.Memory)(nil)
)

// OpenPostgres connects a pool sized by cfg and verifies it.
func OpenPostgres(ctx context.Context, cfg config.Config) (*storage.Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse POSTGRES_DSN: %w", err)
	}
	pc.MaxConns = cfg.DBMaxConns
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return storage.New(pool), nil
}

// OpenBackend returns the store selected by STORE_DRIVER and a func that
// releases it.
func OpenBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (Backend, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using in-memory job store; jobs are lost on exit and not shared between processes")
		return storage.NewMemory(), func() {}, nil
	}
	st, err := OpenPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Pool().Close, nil
}

// WorkerOptions maps cfg onto worker.Options.
func WorkerOptions(cfg config.Config, log *zap.Logger, m *metrics.Worker, w worker.Waiter) worker.Options {
	p := cfg.Backoff()
	opts := worker.Options{
		WorkerID:       cfg.WorkerID,
		Concurrency:    cfg.WorkerConcurrency,
		PollInterval:   cfg.PollInterval,
		StuckThreshold: cfg.StuckThreshold,
		ReapInterval:   cfg.ReapInterval,
		Backoff:        &p,
		Waiter:         w,
		Logger:         log,
		Metrics:        m,
	}
	if cfg.Retention() > 0 {
		opts.Retention = cfg.Retention()
		opts.RetentionSchedule = cfg.RetentionSchedule
	}
	return opts
}

// Hints is the producer and worker side of the wake-up channel.
type Hints struct {
	Notifier producer.Notifier
	Waiter   worker.Waiter
	close    func() error
}

func (h Hints) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// OpenHints connects Redis when REDIS_ADDR is set. Hints are advisory, so an
// unreachable Redis degrades to plain polling instead of failing startup.
func OpenHints(ctx context.Context, cfg config.Config, log *zap.Logger) Hints {
	if cfg.RedisAddr == "" {
		return Hints{Notifier: queue.Nop{}, Waiter: queue.Sleep{}}
	}
	rdb := r.NewClient(&r.Options{
		Addr:                  cfg.RedisAddr,
		Password:              cfg.RedisPassword,
		ContextTimeoutEnabled: true,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn("redis unavailable, falling back to polling", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return Hints{Notifier: queue.Nop{}, Waiter: queue.Sleep{}}
	}
	q := queue.New(rdb)
	return Hints{Notifier: q, Waiter: q, close: rdb.Close}
}

// Serve runs srv until ctx is done, then shuts it down within timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log *zap.Logger) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	log.Info("http server stopped", zap.String("addr", srv.Addr))
	return nil
}

// NewHTTPServer sets the timeouts every listener in this module uses.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

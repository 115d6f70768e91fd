package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/metrics"
)

type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Retention purges completed jobs on a cron schedule. Failed and dead jobs
// are kept for inspection.
type Retention struct {
	store     Cleaner
	olderThan time.Duration
	schedule  cron.Schedule
	expr      string
	log       *zap.Logger
	metrics   *metrics.Worker
}

// NewRetention parses expr as a standard five-field cron expression or a
// descriptor such as "@daily".
func NewRetention(store Cleaner, olderThan time.Duration, expr string, log *zap.Logger, m *metrics.Worker) (*Retention, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retention{store: store, olderThan: olderThan, schedule: sched, expr: expr, log: log, metrics: m}, nil
}

// Next reports when the sweep fires after t.
func (r *Retention) Next(t time.Time) time.Time { return r.schedule.Next(t) }

func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.Cleanup(ctx, r.olderThan)
	if err != nil {
		return 0, err
	}
	r.metrics.Cleaned(n)
	r.log.Info("cleaned completed jobs", zap.Int64("deleted", n), zap.Duration("older_than", r.olderThan))
	return n, nil
}

// Run fires Sweep on the schedule until ctx is done, then waits for a sweep
// in progress to return.
func (r *Retention) Run(ctx context.Context) {
	c := cron.New()
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("retention sweep", zap.Error(err))
		}
	}))
	c.Start()
	r.log.Info("retention scheduled", zap.String("schedule", r.expr), zap.Time("next", r.Next(time.Now())))
	<-ctx.Done()
	<-c.Stop().Done()
}

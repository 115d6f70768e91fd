package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
)

type StuckResetter interface {
	ResetStuck(ctx context.Context, threshold time.Duration) ([]domain.ReapedJob, error)
}

// Reaper returns jobs abandoned in processing to the retry path. A job whose
// handler is still running past the threshold is reset too, which is why
// handlers must be idempotent.
type Reaper struct {
	store     StuckResetter
	threshold time.Duration
	interval  time.Duration
	log       *zap.Logger
	metrics   *metrics.Worker
}

func NewReaper(store StuckResetter, threshold, interval time.Duration, log *zap.Logger, m *metrics.Worker) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{store: store, threshold: threshold, interval: interval, log: log, metrics: m}
}

// Sweep resets every job processing for longer than the threshold.
func (r *Reaper) Sweep(ctx context.Context) ([]domain.ReapedJob, error) {
	reaped, err := r.store.ResetStuck(ctx, r.threshold)
	if err != nil {
		return nil, err
	}
	for _, j := range reaped {
		r.metrics.Reaped(j.Status)
		fields := []zap.Field{zap.String("job_id", j.JobID), zap.String("status", string(j.Status))}
		if j.ProcessedBy != nil {
			fields = append(fields, zap.String("processed_by", *j.ProcessedBy))
		}
		r.log.Warn("reset stuck job", fields...)
	}
	return reaped, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reap stuck jobs", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
)

// process runs the handler for a claimed job and records the outcome.
// Outcome writes are guarded by the claim, so a job that was reaped and
// reclaimed elsewhere while this handler ran is left alone.
func (w *Worker) process(ctx context.Context, job *domain.Job) {
	log := w.log.With(
		zap.String("job_id", job.JobID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts))
	log.Debug("job claimed")

	start := time.Now()
	herr := w.execute(ctx, job)
	took := time.Since(start)
	w.processed.Add(1)

	sctx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	defer cancel()

	if herr == nil {
		err := w.store.MarkCompleted(sctx, job.Claim())
		switch {
		case errors.Is(err, domain.ErrClaimLost):
			w.opts.Metrics.Outcome(job.Type, metrics.OutcomeLost, took)
			log.Warn("claim lost before completion was recorded", zap.Duration("took", took))
		case err != nil:
			log.Error("record completion", zap.Error(err))
		default:
			w.succeeded.Add(1)
			w.opts.Metrics.Outcome(job.Type, metrics.OutcomeCompleted, took)
			log.Info("job completed", zap.Duration("took", took))
		}
		return
	}

	delay := w.opts.Backoff.Delay(job.Attempts)
	updated, err := w.store.MarkFailed(sctx, job.Claim(), herr.Error(), delay)
	switch {
	case errors.Is(err, domain.ErrClaimLost):
		w.opts.Metrics.Outcome(job.Type, metrics.OutcomeLost, took)
		log.Warn("claim lost before failure was recorded", zap.NamedError("handler_error", herr))
	case err != nil:
		log.Error("record failure", zap.Error(err), zap.NamedError("handler_error", herr))
	case updated.Status == domain.Dead:
		w.dead.Add(1)
		w.opts.Metrics.Outcome(job.Type, metrics.OutcomeDead, took)
		log.Error("job dead-lettered", zap.Error(herr))
	default:
		w.failed.Add(1)
		w.opts.Metrics.Outcome(job.Type, metrics.OutcomeFailed, took)
		log.Warn("job failed, retry scheduled",
			zap.Error(herr),
			zap.Duration("backoff", delay),
			zap.Time("scheduled_for", updated.ScheduledFor))
	}
}

// execute looks up and runs the handler. A panic is converted to an error so
// one bad handler cannot take down the worker.
func (w *Worker) execute(ctx context.Context, job *domain.Job) (err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		return &domain.UnregisteredHandlerError{Type: job.Type}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

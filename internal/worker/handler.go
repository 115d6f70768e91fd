// Package worker runs registered handlers for jobs claimed from the Job
// Store.
//
// Delivery is at least once. A crash between a handler returning and its
// outcome being recorded, or a reaper reset of a slow job, runs the handler
// again with the same payload, so every handler must tolerate re-execution
// after a partial earlier run.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SirClappington/jobq/internal/domain"
)

// Handler executes one job. Returning nil completes the job; any error is a
// retryable failure.
type Handler func(ctx context.Context, job *domain.Job) error

// HandlePayload adapts a function over a typed payload variant to a Handler.
func HandlePayload[P any, PT interface {
	*P
	domain.Payload
}](fn func(ctx context.Context, p PT, job *domain.Job) error) Handler {
	return func(ctx context.Context, job *domain.Job) error {
		p := PT(new(P))
		if p.JobType() != job.Type {
			return fmt.Errorf("handler for %s received %s job", p.JobType(), job.Type)
		}
		if err := json.Unmarshal(job.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Type, err)
		}
		return fn(ctx, p, job)
	}
}

// Package producer is the enqueue API the rest of the application uses.
// Creation is idempotent on job id: submitting the same id twice, even
// concurrently, yields one job.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

const (
	MinPriority    = 1
	MaxPriority    = 10
	MaxMaxAttempts = 25
	maxJobIDLength = 200
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

type Store interface {
	InsertJob(ctx context.Context, j *domain.Job) (*domain.Job, bool, error)
	InsertJobs(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, error)
}

// Notifier wakes idle workers after an immediately runnable job is created.
type Notifier interface {
	Notify(ctx context.Context, t domain.Type) error
}

// Request describes one job to create. Nil optional fields take defaults:
// run immediately, priority 5, three attempts.
type Request struct {
	JobID        string
	Payload      domain.Payload
	ScheduledFor *time.Time
	Priority     *int
	MaxAttempts  *int
	Metadata     map[string]any
}

type Producer struct {
	store  Store
	notify Notifier
	log    *zap.Logger
	now    func() time.Time
}

func New(store Store, notify Notifier, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{store: store, notify: notify, log: log, now: time.Now}
}

// CreateJob validates req and inserts it in pending. If the job id already
// exists the stored job is returned unchanged.
func (p *Producer) CreateJob(ctx context.Context, req Request) (*domain.Job, error) {
	j, err := p.build(req)
	if err != nil {
		return nil, err
	}
	job, created, err := p.store.InsertJob(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !created {
		p.log.Debug("job already exists", zap.String("job_id", job.JobID), zap.String("status", string(job.Status)))
		return job, nil
	}
	p.log.Debug("job created", zap.String("job_id", job.JobID), zap.String("type", string(job.Type)))
	if p.runnable(j) {
		p.wake(ctx, job.Type)
	}
	return job, nil
}

// CreateBulkJobs validates every request, rejecting the call if any is
// malformed, then inserts them together. Duplicate ids resolve to their
// existing jobs and do not stop the rest of the batch.
func (p *Producer) CreateBulkJobs(ctx context.Context, reqs []Request) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(reqs))
	for i, req := range reqs {
		j, err := p.build(req)
		if err != nil {
			var v *domain.ValidationError
			if errors.As(err, &v) {
				return nil, &domain.ValidationError{Field: fmt.Sprintf("jobs[%d].%s", i, v.Field), Reason: v.Reason}
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if len(jobs) == 0 {
		return []*domain.Job{}, nil
	}

	out, err := p.store.InsertJobs(ctx, jobs)
	if err != nil {
		p.log.Warn("bulk create partially failed", zap.Int("requested", len(jobs)), zap.Int("resolved", len(out)), zap.Error(err))
	}

	woken := make(map[domain.Type]bool)
	for _, j := range jobs {
		if !woken[j.Type] && p.runnable(j) {
			woken[j.Type] = true
			p.wake(ctx, j.Type)
		}
	}
	if err != nil {
		return out, fmt.Errorf("create bulk jobs: %w", err)
	}
	return out, nil
}

func (p *Producer) build(req Request) (*domain.Job, error) {
	if req.Payload == nil {
		return nil, &domain.ValidationError{Field: "payload", Reason: "required"}
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}
	typ := req.Payload.JobType()

	jobID := req.JobID
	if jobID == "" {
		jobID = NewJobID(typ, p.now())
	} else if len(jobID) > maxJobIDLength || !jobIDPattern.MatchString(jobID) {
		return nil, &domain.ValidationError{Field: "job_id", Reason: "must be 1-200 characters of [A-Za-z0-9._:-]"}
	}

	priority := domain.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
		if priority < MinPriority || priority > MaxPriority {
			return nil, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
		}
	}

	maxAttempts := domain.DefaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
		if maxAttempts < 1 || maxAttempts > MaxMaxAttempts {
			return nil, &domain.ValidationError{Field: "max_attempts", Reason: fmt.Sprintf("must be between 1 and %d", MaxMaxAttempts)}
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if req.Metadata != nil {
		if _, err := json.Marshal(req.Metadata); err != nil {
			return nil, &domain.ValidationError{Field: "metadata", Reason: err.Error()}
		}
	}

	j := &domain.Job{
		JobID:       jobID,
		Type:        typ,
		Status:      domain.Pending,
		Payload:     payload,
		Metadata:    req.Metadata,
		MaxAttempts: maxAttempts,
		Priority:    priority,
	}
	if req.ScheduledFor != nil {
		j.ScheduledFor = req.ScheduledFor.UTC()
	}
	return j, nil
}

func (p *Producer) runnable(j *domain.Job) bool {
	return j.ScheduledFor.IsZero() || !j.ScheduledFor.After(p.now())
}

func (p *Producer) wake(ctx context.Context, t domain.Type) {
	if p.notify == nil {
		return
	}
	if err := p.notify.Notify(ctx, t); err != nil {
		p.log.Warn("wake-up hint failed", zap.String("type", string(t)), zap.Error(err))
	}
}

// NewJobID builds an id of the form <type>-<unix millis>-<random>.
func NewJobID(t domain.Type, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", strings.ToLower(string(t)), now.UnixMilli(), uuid.NewString()[:8])
}

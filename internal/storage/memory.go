package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/jobq/internal/domain"
)

// Memory is a process-local Job Store with the same transition semantics as
// Store. A single mutex stands in for Postgres row locks. It backs tests and
// single-process development runs; it is not shared between processes.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	seq  int64
	now  func() time.Time
}

type memJob struct {
	job *domain.Job
	seq int64
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{jobs: make(map[string]*memJob), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) InsertJob(_ context.Context, j *domain.Job) (*domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, created := m.insertLocked(j)
	return job, created, nil
}

func (m *Memory) InsertJobs(_ context.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		job, _ := m.insertLocked(j)
		out = append(out, job)
	}
	return out, nil
}

func (m *Memory) insertLocked(j *domain.Job) (*domain.Job, bool) {
	if existing, ok := m.jobs[j.JobID]; ok {
		return existing.job.Clone(), false
	}
	now := m.now()
	job := j.Clone()
	job.Status = domain.Pending
	job.Attempts = 0
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	if job.ErrorHistory == nil {
		job.ErrorHistory = []domain.ErrorEntry{}
	}
	job.ProcessingStartedAt, job.ProcessedAt, job.ProcessedBy, job.LastError = nil, nil, nil, nil
	job.CreatedAt, job.UpdatedAt = now, now
	m.seq++
	m.jobs[job.JobID] = &memJob{job: job, seq: m.seq}
	return job.Clone(), true
}

func (m *Memory) ClaimNext(_ context.Context, types []domain.Type, workerID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	eligible := make(map[domain.Type]bool, len(types))
	for _, t := range types {
		eligible[t] = true
	}
	var best *memJob
	for _, mj := range m.jobs {
		j := mj.job
		if !j.Status.Claimable() || !eligible[j.Type] || j.ScheduledFor.After(now) {
			continue
		}
		if best == nil || claimsBefore(mj, best) {
			best = mj
		}
	}
	if best == nil {
		return nil, nil
	}
	j := best.job
	j.Status = domain.Processing
	j.ProcessingStartedAt = &now
	j.ProcessedBy = &workerID
	j.Attempts++
	j.UpdatedAt = now
	return j.Clone(), nil
}

// claimsBefore orders by priority desc, scheduled_for asc, created_at asc.
func claimsBefore(a, b *memJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.ScheduledFor.Equal(b.job.ScheduledFor) {
		return a.job.ScheduledFor.Before(b.job.ScheduledFor)
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (m *Memory) owned(c domain.Claim) (*domain.Job, bool) {
	mj, ok := m.jobs[c.JobID]
	if !ok {
		return nil, false
	}
	j := mj.job
	if j.Status != domain.Processing || j.ProcessedBy == nil || *j.ProcessedBy != c.WorkerID || j.Attempts != c.Attempt {
		return nil, false
	}
	return j, true
}

func (m *Memory) MarkCompleted(_ context.Context, c domain.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.owned(c)
	if !ok {
		return domain.ErrClaimLost
	}
	now := m.now()
	j.Status = domain.Completed
	j.ProcessedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, c domain.Claim, msg string, delay time.Duration) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.owned(c)
	if !ok {
		return nil, domain.ErrClaimLost
	}
	now := m.now()
	recordFailure(j, msg, now)
	if j.Exhausted() {
		j.Status = domain.Dead
	} else {
		j.Status = domain.Failed
		j.ScheduledFor = now.Add(delay)
	}
	j.ProcessedAt = &now
	return j.Clone(), nil
}

func (m *Memory) ResetStuck(_ context.Context, threshold time.Duration) ([]domain.ReapedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-threshold)
	msg := domain.StuckJobMessage(threshold)
	var out []domain.ReapedJob
	for _, mj := range m.jobs {
		j := mj.job
		if j.Status != domain.Processing || j.ProcessingStartedAt == nil || !j.ProcessingStartedAt.Before(cutoff) {
			continue
		}
		recordFailure(j, msg, now)
		if j.Exhausted() {
			j.Status = domain.Dead
		} else {
			j.Status = domain.Failed
		}
		j.ScheduledFor = now
		out = append(out, domain.ReapedJob{JobID: j.JobID, Status: j.Status, ProcessedBy: clone(j.ProcessedBy)})
	}
	return out, nil
}

func recordFailure(j *domain.Job, msg string, now time.Time) {
	j.LastError = &msg
	j.ErrorHistory = append(j.ErrorHistory, domain.ErrorEntry{
		Message:       msg,
		OccurredAt:    now,
		AttemptNumber: j.Attempts,
	})
	j.UpdatedAt = now
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return mj.job.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, f domain.Filter) ([]*domain.Job, int64, error) {
	f = f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*memJob
	for _, mj := range m.jobs {
		j := mj.job
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Priority != nil && j.Priority != *f.Priority {
			continue
		}
		matched = append(matched, mj)
	}
	sort.Slice(matched, func(a, b int) bool {
		ja, jb := matched[a].job, matched[b].job
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.After(jb.CreatedAt)
		}
		return matched[a].seq > matched[b].seq
	})
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []*domain.Job{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*domain.Job, 0, end-f.Offset)
	for _, mj := range matched[f.Offset:end] {
		out = append(out, mj.job.Clone())
	}
	return out, total, nil
}

func (m *Memory) Stats(_ context.Context, typ domain.Type) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st domain.Stats
	for _, mj := range m.jobs {
		if typ != "" && mj.job.Type != typ {
			continue
		}
		st.Add(mj.job.Status, 1)
	}
	return st, nil
}

func (m *Memory) RetryJob(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	j := mj.job
	if j.Status != domain.Dead && j.Status != domain.Failed {
		return nil, domain.ErrNotRetryable
	}
	now := m.now()
	j.Status = domain.Pending
	j.Attempts = 0
	j.ScheduledFor = now
	j.LastError = nil
	j.ProcessingStartedAt, j.ProcessedAt, j.ProcessedBy = nil, nil, nil
	j.UpdatedAt = now
	return j.Clone(), nil
}

func (m *Memory) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var n int64
	for id, mj := range m.jobs {
		j := mj.job
		if j.Status == domain.Completed && j.ProcessedAt != nil && j.ProcessedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func clone(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

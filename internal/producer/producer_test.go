package producer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

type recordingNotifier struct {
	mu    sync.Mutex
	types []domain.Type
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, t domain.Type) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, t)
	return n.err
}

func (n *recordingNotifier) calls() []domain.Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Type(nil), n.types...)
}

func email(to string) *domain.EmailPayload {
	return &domain.EmailPayload{To: to, Subject: "Welcome"}
}

func intPtr(v int) *int { return &v }

func TestCreateJob_Defaults(t *testing.T) {
	store := storage.NewMemory()
	n := &recordingNotifier{}
	p := New(store, n, nil)

	job, err := p.CreateJob(context.Background(), Request{Payload: email("a@example.com")})
	require.NoError(t, err)

	assert.Equal(t, domain.TypeEmail, job.Type)
	assert.Equal(t, domain.Pending, job.Status)
	assert.Equal(t, domain.DefaultPriority, job.Priority)
	assert.Equal(t, domain.DefaultMaxAttempts, job.MaxAttempts)
	assert.True(t, strings.HasPrefix(job.JobID, "email-"), job.JobID)
	assert.JSONEq(t, `{"to":"a@example.com","subject":"Welcome"}`, string(job.Payload))
	assert.Equal(t, []domain.Type{domain.TypeEmail}, n.calls())
}

func TestCreateJob_Idempotent(t *testing.T) {
	store := storage.NewMemory()
	n := &recordingNotifier{}
	p := New(store, n, nil)
	ctx := context.Background()

	first, err := p.CreateJob(ctx, Request{JobID: "X", Payload: email("a@example.com"), Priority: intPtr(2)})
	require.NoError(t, err)
	second, err := p.CreateJob(ctx, Request{JobID: "X", Payload: email("b@example.com"), Priority: intPtr(9)})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	st, err := store.Stats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Total)
	assert.Len(t, n.calls(), 1, "duplicates do not wake workers")
}

func TestCreateJob_ConcurrentDuplicates(t *testing.T) {
	store := storage.NewMemory()
	p := New(store, nil, nil)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := p.CreateJob(context.Background(), Request{JobID: "dup", Payload: email("a@example.com")})
			assert.NoError(t, err)
			if job != nil {
				ids[i] = job.JobID
			}
		}(i)
	}
	wg.Wait()

	st, err := store.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Total)
	for _, id := range ids {
		assert.Equal(t, "dup", id)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	p := New(storage.NewMemory(), nil, nil)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"no payload", Request{}, "payload"},
		{"bad payload", Request{Payload: email("nope")}, "payload.to"},
		{"bad id", Request{JobID: "has space", Payload: email("a@example.com")}, "job_id"},
		{"long id", Request{JobID: strings.Repeat("a", 201), Payload: email("a@example.com")}, "job_id"},
		{"priority low", Request{Payload: email("a@example.com"), Priority: intPtr(0)}, "priority"},
		{"priority high", Request{Payload: email("a@example.com"), Priority: intPtr(11)}, "priority"},
		{"attempts", Request{Payload: email("a@example.com"), MaxAttempts: intPtr(0)}, "max_attempts"},
		{"metadata", Request{Payload: email("a@example.com"), Metadata: map[string]any{"f": func() {}}}, "metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.CreateJob(context.Background(), tt.req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateJob_DelayedDoesNotWake(t *testing.T) {
	n := &recordingNotifier{}
	p := New(storage.NewMemory(), n, nil)
	later := time.Now().Add(time.Hour)

	job, err := p.CreateJob(context.Background(), Request{Payload: email("a@example.com"), ScheduledFor: &later})
	require.NoError(t, err)
	assert.WithinDuration(t, later, job.ScheduledFor, time.Millisecond)
	assert.Empty(t, n.calls())
}

func TestCreateJob_NotifyFailureIsNotFatal(t *testing.T) {
	n := &recordingNotifier{err: errors.New("redis down")}
	p := New(storage.NewMemory(), n, nil)

	_, err := p.CreateJob(context.Background(), Request{Payload: email("a@example.com")})
	require.NoError(t, err)
}

func TestCreateBulkJobs_PartialDuplicates(t *testing.T) {
	store := storage.NewMemory()
	n := &recordingNotifier{}
	p := New(store, n, nil)
	ctx := context.Background()

	_, err := p.CreateJob(ctx, Request{JobID: "b", Payload: email("old@example.com")})
	require.NoError(t, err)

	jobs, err := p.CreateBulkJobs(ctx, []Request{
		{JobID: "a", Payload: email("a@example.com")},
		{JobID: "b", Payload: email("new@example.com")},
		{JobID: "c", Payload: &domain.SMSPayload{PhoneNumber: "+14155550100", Message: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.JSONEq(t, `{"to":"old@example.com","subject":"Welcome"}`, string(jobs[1].Payload))

	st, err := store.Stats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Total)
	assert.ElementsMatch(t, []domain.Type{domain.TypeEmail, domain.TypeEmail, domain.TypeSMS}, n.calls())
}

func TestCreateBulkJobs_RejectsInvalidEntry(t *testing.T) {
	store := storage.NewMemory()
	p := New(store, nil, nil)

	_, err := p.CreateBulkJobs(context.Background(), []Request{
		{Payload: email("a@example.com")},
		{Payload: email("broken")},
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "jobs[1].payload.to", verr.Field)

	st, err := store.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestNewJobID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := NewJobID(domain.TypeContentDigest, now)
	b := NewJobID(domain.TypeContentDigest, now)
	assert.True(t, strings.HasPrefix(a, "content_digest-1700000000000-"), a)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, jobIDPattern, a)
}

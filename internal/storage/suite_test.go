package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jobq/internal/domain"
)

// jobStore is the method set shared by storage.Store and storage.Memory.
type jobStore interface {
	InsertJob(ctx context.Context, j *domain.Job) (*domain.Job, bool, error)
	InsertJobs(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, error)
	ClaimNext(ctx context.Context, types []domain.Type, workerID string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, c domain.Claim) error
	MarkFailed(ctx context.Context, c domain.Claim, msg string, delay time.Duration) (*domain.Job, error)
	ResetStuck(ctx context.Context, threshold time.Duration) ([]domain.ReapedJob, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, f domain.Filter) ([]*domain.Job, int64, error)
	Stats(ctx context.Context, typ domain.Type) (domain.Stats, error)
	RetryJob(ctx context.Context, jobID string) (*domain.Job, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// harness yields a fresh, empty store and a way to let time pass.
type harness func(t *testing.T) (jobStore, func(time.Duration))

var allTypes = []domain.Type{domain.TypeEmail, domain.TypePush, domain.TypeSMS}

func emailJob(id string, priority int) *domain.Job {
	return &domain.Job{
		JobID:       id,
		Type:        domain.TypeEmail,
		Payload:     json.RawMessage(`{"to":"a@example.com","subject":"hi"}`),
		Priority:    priority,
		MaxAttempts: 3,
	}
}

func mustInsert(t *testing.T, s jobStore, j *domain.Job) *domain.Job {
	t.Helper()
	job, created, err := s.InsertJob(context.Background(), j)
	require.NoError(t, err)
	require.True(t, created, "job %s already existed", j.JobID)
	return job
}

func mustClaim(t *testing.T, s jobStore, worker string) *domain.Job {
	t.Helper()
	job, err := s.ClaimNext(context.Background(), allTypes, worker)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")
	return job
}

func runStoreSuite(t *testing.T, newStore harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s jobStore, advance func(time.Duration))
	}{
		{"IdempotentInsert", testIdempotentInsert},
		{"BulkInsertWithDuplicates", testBulkInsertWithDuplicates},
		{"ClaimMutualExclusion", testClaimMutualExclusion},
		{"ClaimPriorityOrder", testClaimPriorityOrder},
		{"ClaimRespectsSchedule", testClaimRespectsSchedule},
		{"ClaimFiltersTypes", testClaimFiltersTypes},
		{"CompleteRequiresClaim", testCompleteRequiresClaim},
		{"FailRetriesThenDeadLetters", testFailRetriesThenDeadLetters},
		{"FailedJobReclaimableAfterBackoff", testFailedJobReclaimableAfterBackoff},
		{"ResetStuck", testResetStuck},
		{"ResetStuckExhaustedGoesDead", testResetStuckExhaustedGoesDead},
		{"RetryJob", testRetryJob},
		{"ListAndStats", testListAndStats},
		{"Cleanup", testCleanup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, advance := newStore(t)
			tt.fn(t, s, advance)
		})
	}
}

func testIdempotentInsert(t *testing.T, s jobStore, _ func(time.Duration)) {
	ctx := context.Background()
	first, created, err := s.InsertJob(ctx, emailJob("X", 5))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.Pending, first.Status)
	assert.Equal(t, 0, first.Attempts)
	assert.Empty(t, first.ErrorHistory)

	dup := emailJob("X", 9)
	second, created, err := s.InsertJob(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 5, second.Priority, "existing record must be returned unchanged")

	_, total, err := s.ListJobs(ctx, domain.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func testBulkInsertWithDuplicates(t *testing.T, s jobStore, _ func(time.Duration)) {
	ctx := context.Background()
	mustInsert(t, s, emailJob("b2", 1))

	jobs, err := s.InsertJobs(ctx, []*domain.Job{
		emailJob("b1", 5),
		emailJob("b2", 5),
		emailJob("b3", 5),
		emailJob("b1", 5),
	})
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, []string{"b1", "b2", "b3", "b1"}, []string{jobs[0].JobID, jobs[1].JobID, jobs[2].JobID, jobs[3].JobID})
	assert.Equal(t, 1, jobs[1].Priority, "pre-existing job keeps its data")

	_, total, err := s.ListJobs(ctx, domain.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func testClaimMutualExclusion(t *testing.T, s jobStore, _ func(time.Duration)) {
	mustInsert(t, s, emailJob("only", 5))

	const claimers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			job, err := s.ClaimNext(context.Background(), allTypes, fmt.Sprintf("w-%d", i))
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testClaimPriorityOrder(t *testing.T, s jobStore, _ func(time.Duration)) {
	mustInsert(t, s, emailJob("low", 2))
	mustInsert(t, s, emailJob("high", 8))

	assert.Equal(t, "high", mustClaim(t, s, "w").JobID)
	assert.Equal(t, "low", mustClaim(t, s, "w").JobID)
}

func testClaimRespectsSchedule(t *testing.T, s jobStore, _ func(time.Duration)) {
	j := emailJob("later", 10)
	j.ScheduledFor = time.Now().Add(time.Hour)
	mustInsert(t, s, j)
	mustInsert(t, s, emailJob("now", 1))

	assert.Equal(t, "now", mustClaim(t, s, "w").JobID)
	job, err := s.ClaimNext(context.Background(), allTypes, "w")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func testClaimFiltersTypes(t *testing.T, s jobStore, _ func(time.Duration)) {
	mustInsert(t, s, emailJob("mail", 5))

	job, err := s.ClaimNext(context.Background(), []domain.Type{domain.TypeSMS}, "w")
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = s.ClaimNext(context.Background(), nil, "w")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func testCompleteRequiresClaim(t *testing.T, s jobStore, _ func(time.Duration)) {
	ctx := context.Background()
	mustInsert(t, s, emailJob("c", 5))
	job := mustClaim(t, s, "w-1")
	assert.Equal(t, domain.Processing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.ProcessedBy)
	assert.Equal(t, "w-1", *job.ProcessedBy)
	require.NotNil(t, job.ProcessingStartedAt)

	stale := job.Claim()
	stale.WorkerID = "w-2"
	require.ErrorIs(t, s.MarkCompleted(ctx, stale), domain.ErrClaimLost)

	require.NoError(t, s.MarkCompleted(ctx, job.Claim()))
	got, err := s.GetJob(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	require.ErrorIs(t, s.MarkCompleted(ctx, job.Claim()), domain.ErrClaimLost)
}

func testFailRetriesThenDeadLetters(t *testing.T, s jobStore, advance func(time.Duration)) {
	ctx := context.Background()
	mustInsert(t, s, emailJob("d", 5))

	for attempt := 1; attempt <= 3; attempt++ {
		job := mustClaim(t, s, "w")
		require.Equal(t, attempt, job.Attempts)
		failed, err := s.MarkFailed(ctx, job.Claim(), fmt.Sprintf("boom %d", attempt), 0)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, domain.Failed, failed.Status)
		} else {
			assert.Equal(t, domain.Dead, failed.Status)
		}
		advance(10 * time.Millisecond)
	}

	got, err := s.GetJob(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, domain.Dead, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.Len(t, got.ErrorHistory, 3)
	for i, e := range got.ErrorHistory {
		assert.Equal(t, i+1, e.AttemptNumber)
		assert.Equal(t, fmt.Sprintf("boom %d", i+1), e.Message)
	}
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom 3", *got.LastError)

	job, err := s.ClaimNext(ctx, allTypes, "w")
	require.NoError(t, err)
	assert.Nil(t, job, "dead jobs are not claimable")
}

func testFailedJobReclaimableAfterBackoff(t *testing.T, s jobStore, _ func(time.Duration)) {
	ctx := context.Background()
	mustInsert(t, s, emailJob("f", 5))
	job := mustClaim(t, s, "w")

	failed, err := s.MarkFailed(ctx, job.Claim(), "transient", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, failed.Status)
	assert.True(t, failed.ScheduledFor.After(time.Now().Add(50*time.Minute)))

	next, err := s.ClaimNext(ctx, allTypes, "w")
	require.NoError(t, err)
	assert.Nil(t, next, "failed job must wait out its backoff")
}

func testResetStuck(t *testing.T, s jobStore, advance func(time.Duration)) {
	ctx := context.Background()
	mustInsert(t, s, emailJob("s", 5))
	job := mustClaim(t, s, "crashed")

	reaped, err := s.ResetStuck(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, reaped, "fresh claims are not stuck")

	advance(20 * time.Millisecond)
	reaped, err = s.ResetStuck(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "s", reaped[0].JobID)
	assert.Equal(t, domain.Failed, reaped[0].Status)

	got, err := s.GetJob(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, domain.StuckJobPrefix)
	assert.Len(t, got.ErrorHistory, 1)

	require.ErrorIs(t, s.MarkCompleted(ctx, job.Claim()), domain.ErrClaimLost,
		"the crashed worker's late outcome must not clobber the reset")

	again := mustClaim(t, s, "healthy")
	assert.Equal(t, 2, again.Attempts)
}

func testResetStuckExhaustedGoesDead(t *testing.T, s jobStore, advance func(time.Duration)) {
	ctx := context.Background()
	j := emailJob("e", 5)
	j.MaxAttempts = 1
	mustInsert(t, s, j)
	mustClaim(t, s, "crashed")

	advance(20 * time.Millisecond)
	reaped, err := s.ResetStuck(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, domain.Dead, reaped[0].Status)
}

func testRetryJob(t *testing.T, s jobStore, _ func(time.Duration)) {
	ctx := context.Background()
	j := emailJob("r", 5)
	j.MaxAttempts = 1
	mustInsert(t, s, j)
	mustInsert(t, s, emailJob("busy", 1))

	_, err := s.RetryJob(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.RetryJob(ctx, "r")
	require.ErrorIs(t, err, domain.ErrNotRetryable)

	job := mustClaim(t, s, "w")
	require.Equal(t, "r", job.JobID)
	dead, err := s.MarkFailed(ctx, job.Claim(), "fatal", 0)
	require.NoError(t, err)
	require.Equal(t, domain.Dead, dead.Status)

	retried, err := s.RetryJob(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
	assert.Nil(t, retried.LastError)
	assert.Len(t, retried.ErrorHistory, 1, "history survives a manual retry")

	again := mustClaim(t, s, "w")
	assert.Equal(t, "r", again.JobID)
	assert.Equal(t, 1, again.Attempts)
}

func testListAndStats(t *testing.T, s jobStore, _ func(time.Duration)) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustInsert(t, s, emailJob(fmt.Sprintf("l%d", i), i%2))
	}
	sms := &domain.Job{
		JobID:       "sms",
		Type:        domain.TypeSMS,
		Payload:     json.RawMessage(`{"phone_number":"+14155550100","message":"hi"}`),
		Priority:    1,
		MaxAttempts: 3,
		Metadata:    map[string]any{"tenant": "acme"},
	}
	mustInsert(t, s, sms)
	job, err := s.ClaimNext(ctx, []domain.Type{domain.TypeSMS}, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "acme", job.Metadata["tenant"])

	page, total, err := s.ListJobs(ctx, domain.Filter{Type: domain.TypeEmail, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, page, 2)

	one := 1
	_, total, err = s.ListJobs(ctx, domain.Filter{Priority: &one})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	processing, total, err := s.ListJobs(ctx, domain.Filter{Status: domain.Processing})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "sms", processing[0].JobID)

	empty, total, err := s.ListJobs(ctx, domain.Filter{Offset: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)
	assert.Empty(t, empty)

	st, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Total: 6, Pending: 5, Processing: 1}, st)

	st, err = s.Stats(ctx, domain.TypeSMS)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Total: 1, Processing: 1}, st)
}

func testCleanup(t *testing.T, s jobStore, advance func(time.Duration)) {
	ctx := context.Background()
	mustInsert(t, s, emailJob("done", 5))
	mustInsert(t, s, emailJob("waiting", 1))
	job := mustClaim(t, s, "w")
	require.NoError(t, s.MarkCompleted(ctx, job.Claim()))

	n, err := s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "recently completed jobs are retained")

	advance(20 * time.Millisecond)
	n, err = s.Cleanup(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetJob(ctx, "done")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetJob(ctx, "waiting")
	require.NoError(t, err)
}

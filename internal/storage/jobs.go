package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"go.uber.org/multierr"

	"github.com/SirClappington/jobq/internal/domain"
)

const jobColumns = `job_id, type, status, payload, metadata, attempts, max_attempts,
scheduled_for, priority, processing_started_at, processed_at, processed_by,
last_error, error_history, created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// insertJobSQL never fails on a duplicate job_id; it returns no row instead
// and the caller reads the existing record.
const insertJobSQL = `
INSERT INTO jobs (job_id, type, status, payload, metadata, max_attempts, scheduled_for, priority)
VALUES ($1, $2, 'pending', $3, $4, $5, COALESCE($6, now()), $7)
ON CONFLICT (job_id) DO NOTHING
RETURNING ` + jobColumns

// claimNextSQL atomically moves the best eligible row to processing. SKIP
// LOCKED lets concurrent claimers pass over a row another claimer holds
// instead of queueing behind it.
const claimNextSQL = `
UPDATE jobs
   SET status = 'processing',
       processing_started_at = now(),
       processed_by = $2,
       attempts = attempts + 1,
       updated_at = now()
 WHERE job_id = (
        SELECT job_id FROM jobs
         WHERE status IN ('pending', 'failed')
           AND type = ANY($1)
           AND scheduled_for <= now()
         ORDER BY priority DESC, scheduled_for ASC, created_at ASC
         LIMIT 1
         FOR UPDATE SKIP LOCKED)
   AND status IN ('pending', 'failed')
RETURNING ` + jobColumns

const markCompletedSQL = `
UPDATE jobs
   SET status = 'completed',
       processed_at = now(),
       updated_at = now()
 WHERE job_id = $1 AND status = 'processing' AND processed_by = $2 AND attempts = $3`

const markFailedSQL = `
UPDATE jobs
   SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'failed' END,
       scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for
                            ELSE now() + make_interval(secs => $5) END,
       last_error = $4,
       error_history = error_history || jsonb_build_array(jsonb_build_object(
           'message', $4::text, 'occurred_at', now(), 'attempt_number', attempts)),
       processed_at = now(),
       updated_at = now()
 WHERE job_id = $1 AND status = 'processing' AND processed_by = $2 AND attempts = $3
RETURNING ` + jobColumns

const resetStuckSQL = `
UPDATE jobs
   SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'failed' END,
       scheduled_for = now(),
       last_error = $2,
       error_history = error_history || jsonb_build_array(jsonb_build_object(
           'message', $2::text, 'occurred_at', now(), 'attempt_number', attempts)),
       updated_at = now()
 WHERE status = 'processing'
   AND processing_started_at < now() - make_interval(secs => $1)
RETURNING job_id, status, processed_by`

const retryJobSQL = `
UPDATE jobs
   SET status = 'pending',
       attempts = 0,
       scheduled_for = now(),
       last_error = NULL,
       processing_started_at = NULL,
       processed_at = NULL,
       processed_by = NULL,
       updated_at = now()
 WHERE job_id = $1 AND status IN ('dead', 'failed')
RETURNING ` + jobColumns

const cleanupSQL = `
DELETE FROM jobs
 WHERE status = 'completed'
   AND processed_at < now() - make_interval(secs => $1)`

// cleanupLockKey serialises retention sweeps across worker processes.
const cleanupLockKey = 0x6a6f6271 // "jobq"

// InsertJob inserts j in pending. When j.JobID already exists the stored
// record is returned unchanged with created=false.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job) (*domain.Job, bool, error) {
	args, err := insertArgs(j)
	if err != nil {
		return nil, false, err
	}
	job, err := scanJob(s.db.QueryRow(ctx, insertJobSQL, args...))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert job %s: %w", j.JobID, err)
	}
	// Read in a new statement so a concurrent insert that won the race is
	// visible.
	existing, err := s.GetJob(ctx, j.JobID)
	if err != nil {
		return nil, false, fmt.Errorf("insert job %s: %w", j.JobID, err)
	}
	return existing, false, nil
}

// InsertJobs inserts jobs in one round trip. Duplicate ids resolve to the
// existing record. Other failures are collected and returned alongside the
// jobs that did resolve, in input order.
func (s *Store) InsertJobs(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	resolved, err := s.insertBatch(ctx, jobs)
	if err != nil {
		// The batch ran as one implicit transaction, so nothing committed.
		// Insert row by row so one bad row cannot sink the rest.
		return s.insertEach(ctx, jobs)
	}
	return resolved, nil
}

func (s *Store) insertBatch(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	batch := &pgx.Batch{}
	for _, j := range jobs {
		args, err := insertArgs(j)
		if err != nil {
			return nil, err
		}
		batch.Queue(insertJobSQL, args...)
	}

	out := make([]*domain.Job, len(jobs))
	var missing []string
	br := s.db.SendBatch(ctx, batch)
	for i := range jobs {
		job, err := scanJob(br.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			missing = append(missing, jobs[i].JobID)
			continue
		}
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("insert job %s: %w", jobs[i].JobID, err)
		}
		out[i] = job
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	if len(missing) > 0 {
		existing, err := s.getJobs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i, j := range jobs {
			if out[i] == nil {
				out[i] = existing[j.JobID]
			}
		}
	}
	return compact(out), nil
}

func (s *Store) insertEach(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	var errs error
	out := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		job, _, err := s.InsertJob(ctx, j)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, job)
	}
	return out, errs
}

func (s *Store) getJobs(ctx context.Context, ids []string) (map[string]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*domain.Job, len(ids))
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("get jobs: %w", err)
		}
		out[j.JobID] = j
	}
	return out, rows.Err()
}

// ClaimNext claims the highest-priority eligible job of one of types for
// workerID. It returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, types []domain.Type, workerID string) (*domain.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	job, err := scanJob(s.db.QueryRow(ctx, claimNextSQL, names, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkCompleted records success for claim. It returns domain.ErrClaimLost
// when the job is no longer held by that claim.
func (s *Store) MarkCompleted(ctx context.Context, c domain.Claim) error {
	tag, err := s.db.Exec(ctx, markCompletedSQL, c.JobID, c.WorkerID, c.Attempt)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", c.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", c.JobID, domain.ErrClaimLost)
	}
	return nil
}

// MarkFailed records a failed attempt for claim. The job becomes dead when
// its attempts are exhausted, otherwise failed and eligible again after
// delay.
func (s *Store) MarkFailed(ctx context.Context, c domain.Claim, msg string, delay time.Duration) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, markFailedSQL, c.JobID, c.WorkerID, c.Attempt, msg, delay.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fail job %s: %w", c.JobID, domain.ErrClaimLost)
	}
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", c.JobID, err)
	}
	return job, nil
}

// ResetStuck fails every job processing for longer than threshold.
func (s *Store) ResetStuck(ctx context.Context, threshold time.Duration) ([]domain.ReapedJob, error) {
	rows, err := s.db.Query(ctx, resetStuckSQL, threshold.Seconds(), domain.StuckJobMessage(threshold))
	if err != nil {
		return nil, fmt.Errorf("reset stuck jobs: %w", err)
	}
	defer rows.Close()
	var out []domain.ReapedJob
	for rows.Next() {
		var (
			r      domain.ReapedJob
			status string
		)
		if err := rows.Scan(&r.JobID, &status, &r.ProcessedBy); err != nil {
			return nil, fmt.Errorf("reset stuck jobs: %w", err)
		}
		r.Status = domain.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return out, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns one page of jobs matching f, newest first, and the total
// number of matches.
func (s *Store) ListJobs(ctx context.Context, f domain.Filter) ([]*domain.Job, int64, error) {
	f = f.Normalize()
	where := filterWhere(f)

	countQ := psql.Select("count(*)").From("jobs")
	listQ := psql.Select(jobColumns).From("jobs").
		OrderBy("created_at DESC", "job_id").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))
	if len(where) > 0 {
		countQ = countQ.Where(where)
		listQ = listQ.Where(where)
	}

	countSQL, countArgs, err := countQ.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int64
	if err := s.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	listSQL, listArgs, err := listQ.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.db.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	jobs := make([]*domain.Job, 0, f.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func filterWhere(f domain.Filter) sq.Eq {
	where := sq.Eq{}
	if f.Type != "" {
		where["type"] = string(f.Type)
	}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if f.Priority != nil {
		where["priority"] = *f.Priority
	}
	return where
}

// Stats counts jobs by status, restricted to typ when it is non-empty.
func (s *Store) Stats(ctx context.Context, typ domain.Type) (domain.Stats, error) {
	q := psql.Select("status", "count(*)").From("jobs").GroupBy("status")
	if typ != "" {
		q = q.Where(sq.Eq{"type": string(typ)})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return domain.Stats{}, fmt.Errorf("build stats query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	var st domain.Stats
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.Stats{}, fmt.Errorf("job stats: %w", err)
		}
		st.Add(domain.Status(status), n)
	}
	return st, rows.Err()
}

// RetryJob re-enqueues a dead or failed job with a fresh attempt budget.
func (s *Store) RetryJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, retryJobSQL, jobID))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("retry job %s: %w", jobID, err)
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, domain.ErrNotRetryable
}

// Cleanup deletes completed jobs processed more than olderThan ago and
// returns how many were removed. When another process holds the sweep it
// returns 0 without waiting.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, int64(cleanupLockKey)).Scan(&locked); err != nil {
			return fmt.Errorf("cleanup lock: %w", err)
		}
		if !locked {
			return nil
		}
		tag, err := tx.Exec(ctx, cleanupSQL, olderThan.Seconds())
		if err != nil {
			return fmt.Errorf("cleanup jobs: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func insertArgs(j *domain.Job) ([]any, error) {
	var metadata []byte
	if len(j.Metadata) > 0 {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", j.JobID, err)
		}
		metadata = b
	}
	var scheduledFor *time.Time
	if !j.ScheduledFor.IsZero() {
		t := j.ScheduledFor
		scheduledFor = &t
	}
	return []any{
		j.JobID,
		string(j.Type),
		[]byte(j.Payload),
		metadata,
		j.MaxAttempts,
		scheduledFor,
		j.Priority,
	}, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j                          domain.Job
		typ, status                string
		payload, metadata, history []byte
	)
	err := row.Scan(
		&j.JobID, &typ, &status, &payload, &metadata, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledFor, &j.Priority, &j.ProcessingStartedAt, &j.ProcessedAt, &j.ProcessedBy,
		&j.LastError, &history, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = domain.Type(typ)
	j.Status = domain.Status(status)
	j.Payload = payload
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.ErrorHistory); err != nil {
			return nil, fmt.Errorf("decode error history: %w", err)
		}
	}
	return &j, nil
}

func compact(jobs []*domain.Job) []*domain.Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j != nil {
			out = append(out, j)
		}
	}
	return out
}

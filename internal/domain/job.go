package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Dead       Status = "dead"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{Pending, Processing, Completed, Failed, Dead}

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Completed, Failed, Dead:
		return true
	}
	return false
}

// Claimable reports whether a job in this status may be claimed once its
// scheduled time has passed. A failed job is a pending job with a later
// scheduled time.
func (s Status) Claimable() bool { return s == Pending || s == Failed }

// Terminal reports whether no further transition happens without an
// administrative retry.
func (s Status) Terminal() bool { return s == Completed || s == Dead }

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
)

// ErrorEntry records one failed attempt.
type ErrorEntry struct {
	Message       string    `json:"message"`
	OccurredAt    time.Time `json:"occurred_at"`
	AttemptNumber int       `json:"attempt_number"`
}

// Job is the persisted unit of work. JobID is the idempotency key.
type Job struct {
	JobID               string          `json:"job_id"`
	Type                Type            `json:"type"`
	Status              Status          `json:"status"`
	Payload             json.RawMessage `json:"payload"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	Attempts            int             `json:"attempts"`
	MaxAttempts         int             `json:"max_attempts"`
	ScheduledFor        time.Time       `json:"scheduled_for"`
	Priority            int             `json:"priority"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	ProcessedBy         *string         `json:"processed_by,omitempty"`
	LastError           *string         `json:"last_error,omitempty"`
	ErrorHistory        []ErrorEntry    `json:"error_history"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Claim identifies one ownership of a job: the worker that claimed it and the
// attempt number the claim produced. State writes after a claim are guarded
// by all three fields so a reaped and reclaimed job is never clobbered.
type Claim struct {
	JobID    string
	WorkerID string
	Attempt  int
}

// Claim returns the ownership record of a job returned by a claim.
func (j *Job) Claim() Claim {
	c := Claim{JobID: j.JobID, Attempt: j.Attempts}
	if j.ProcessedBy != nil {
		c.WorkerID = *j.ProcessedBy
	}
	return c
}

// Exhausted reports whether another failure would dead-letter the job.
func (j *Job) Exhausted() bool { return j.Attempts >= j.MaxAttempts }

// DecodePayload returns the typed payload variant for the job's type.
func (j *Job) DecodePayload() (Payload, error) { return ParsePayload(j.Type, j.Payload) }

// Clone returns a deep copy so callers can hand out jobs without sharing
// mutable state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.ErrorHistory != nil {
		c.ErrorHistory = make([]ErrorEntry, len(j.ErrorHistory))
		copy(c.ErrorHistory, j.ErrorHistory)
	}
	c.ProcessingStartedAt = clonePtr(j.ProcessingStartedAt)
	c.ProcessedAt = clonePtr(j.ProcessedAt)
	c.ProcessedBy = clonePtr(j.ProcessedBy)
	c.LastError = clonePtr(j.LastError)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Stats counts jobs by status.
type Stats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Dead       int64 `json:"dead"`
}

// Add increments the counter for status s by n.
func (s *Stats) Add(status Status, n int64) {
	switch status {
	case Pending:
		s.Pending += n
	case Processing:
		s.Processing += n
	case Completed:
		s.Completed += n
	case Failed:
		s.Failed += n
	case Dead:
		s.Dead += n
	default:
		return
	}
	s.Total += n
}

// Filter selects jobs for administrative listing. Zero values match all.
type Filter struct {
	Type     Type
	Status   Status
	Priority *int
	Limit    int
	Offset   int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps the page window.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// ReapedJob is one job the reaper forced out of processing.
type ReapedJob struct {
	JobID       string
	Status      Status // failed, or dead when attempts were exhausted
	ProcessedBy *string
}

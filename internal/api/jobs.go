package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/producer"
)

type createJobRequest struct {
	JobID        string          `json:"job_id,omitempty"`
	Type         domain.Type     `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Priority     *int            `json:"priority,omitempty"`
	MaxAttempts  *int            `json:"max_attempts,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

func (c createJobRequest) toRequest() (producer.Request, error) {
	p, err := domain.ParsePayload(c.Type, c.Payload)
	if err != nil {
		return producer.Request{}, err
	}
	return producer.Request{
		JobID:        c.JobID,
		Payload:      p,
		ScheduledFor: c.ScheduledFor,
		Priority:     c.Priority,
		MaxAttempts:  c.MaxAttempts,
		Metadata:     c.Metadata,
	}, nil
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.producer.CreateJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type bulkResponse struct {
	Jobs  []*domain.Job `json:"jobs"`
	Error string        `json:"error,omitempty"`
}

func (s *Server) createBulkJobs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Jobs []createJobRequest `json:"jobs"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.Jobs) > maxBulkJobs {
		s.writeError(w, r, &domain.ValidationError{Field: "jobs", Reason: fmt.Sprintf("at most %d jobs per request", maxBulkJobs)})
		return
	}
	reqs := make([]producer.Request, len(body.Jobs))
	for i, j := range body.Jobs {
		req, err := j.toRequest()
		if err != nil {
			var v *domain.ValidationError
			if errors.As(err, &v) {
				err = &domain.ValidationError{Field: fmt.Sprintf("jobs[%d].%s", i, v.Field), Reason: v.Reason}
			}
			s.writeError(w, r, err)
			return
		}
		reqs[i] = req
	}

	jobs, err := s.producer.CreateBulkJobs(r.Context(), reqs)
	if err != nil {
		if domain.IsValidation(err) || len(jobs) == 0 {
			s.writeError(w, r, err)
			return
		}
		s.log.Warn("bulk create partially failed", zap.Int("resolved", len(jobs)), zap.Error(err))
		writeJSON(w, http.StatusMultiStatus, bulkResponse{Jobs: jobs, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, bulkResponse{Jobs: jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.admin.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Jobs   []*domain.Job `json:"jobs"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f = f.Normalize()
	jobs, total, err := s.admin.ListJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func parseFilter(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	f := domain.Filter{Type: domain.Type(q.Get("type")), Status: domain.Status(q.Get("status"))}
	if f.Type != "" && !f.Type.Valid() {
		return f, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", f.Type)}
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	ints := []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}}
	for _, p := range ints {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, &domain.ValidationError{Field: p.name, Reason: "must be a non-negative integer"}
			}
			*p.dst = n
		}
	}
	if v := q.Get("priority"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, &domain.ValidationError{Field: "priority", Reason: "must be an integer"}
		}
		f.Priority = &n
	}
	return f, nil
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.admin.RetryJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("job retried by operator", zap.String("job_id", job.JobID))
	if s.notify != nil {
		if err := s.notify.Notify(r.Context(), job.Type); err != nil {
			s.log.Warn("wake-up hint failed", zap.String("type", string(job.Type)), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	typ := domain.Type(r.URL.Query().Get("type"))
	if typ != "" && !typ.Valid() {
		s.writeError(w, r, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", typ)})
		return
	}
	st, err := s.admin.Stats(r.Context(), typ)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	olderThan := s.retention
	if v := r.URL.Query().Get("retention_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			s.writeError(w, r, &domain.ValidationError{Field: "retention_days", Reason: "must be a non-negative integer"})
			return
		}
		olderThan = time.Duration(days) * 24 * time.Hour
	}
	n, err := s.admin.Cleanup(r.Context(), olderThan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("cleanup requested", zap.Int64("deleted", n), zap.Duration("older_than", olderThan))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// Package api serves the producer and administrative HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/producer"
)

// Producer creates jobs. Satisfied by *producer.Producer.
type Producer interface {
	CreateJob(ctx context.Context, req producer.Request) (*domain.Job, error)
	CreateBulkJobs(ctx context.Context, reqs []producer.Request) ([]*domain.Job, error)
}

// Admin is the inspection and maintenance side of the Job Store.
type Admin interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, f domain.Filter) ([]*domain.Job, int64, error)
	Stats(ctx context.Context, typ domain.Type) (domain.Stats, error)
	RetryJob(ctx context.Context, jobID string) (*domain.Job, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// maxBulkJobs bounds one bulk create request.
const maxBulkJobs = 1000

type Options struct {
	Producer Producer
	Admin    Admin
	// Notifier wakes workers after a retry. Optional.
	Notifier producer.Notifier
	// Retention is the cleanup age used when a request names none.
	Retention time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	producer  Producer
	admin     Admin
	notify    producer.Notifier
	retention time.Duration
	metrics   http.Handler
	log       *zap.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		producer:  opts.Producer,
		admin:     opts.Admin,
		notify:    opts.Notifier,
		retention: opts.Retention,
		metrics:   opts.Metrics,
		log:       log,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(4 << 20))
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Post("/bulk", s.createBulkJobs)
			r.Get("/{jobID}", s.getJob)
			r.Post("/{jobID}/retry", s.retryJob)
		})
		r.Get("/stats", s.stats)
		r.Post("/maintenance/cleanup", s.cleanup)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.admin.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

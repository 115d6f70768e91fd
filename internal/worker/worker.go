package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/jobq/internal/backoff"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/queue"
)

const (
	DefaultConcurrency    = 5
	DefaultPollInterval   = 5 * time.Second
	DefaultStuckThreshold = 30 * time.Minute
	DefaultReapInterval   = 5 * time.Minute
	defaultStoreTimeout   = 10 * time.Second
)

// Store is the subset of the Job Store the worker drives.
type Store interface {
	ClaimNext(ctx context.Context, types []domain.Type, workerID string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, c domain.Claim) error
	MarkFailed(ctx context.Context, c domain.Claim, msg string, delay time.Duration) (*domain.Job, error)
	ResetStuck(ctx context.Context, threshold time.Duration) ([]domain.ReapedJob, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Waiter blocks an idle poller until the poll interval passes or a job of
// one of types may be ready.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration, types ...domain.Type) (bool, error)
}

type Options struct {
	WorkerID       string
	Concurrency    int
	PollInterval   time.Duration
	StuckThreshold time.Duration
	// ReapInterval is the reaper period. Negative disables the reaper.
	ReapInterval time.Duration
	// Backoff defaults to backoff.Default().
	Backoff *backoff.Policy
	// Types restricts which job types are claimed. Defaults to the
	// registered types.
	Types []domain.Type
	// Retention and RetentionSchedule enable the completed-job purge when
	// both are set.
	Retention         time.Duration
	RetentionSchedule string
	// StoreTimeout bounds each store call made by the worker.
	StoreTimeout time.Duration
	Waiter       Waiter
	Logger       *zap.Logger
	Metrics      *metrics.Worker
}

func (o *Options) setDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = DefaultWorkerID()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = DefaultStuckThreshold
	}
	if o.ReapInterval == 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.Backoff == nil {
		p := backoff.Default()
		o.Backoff = &p
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
	if o.Waiter == nil {
		o.Waiter = queue.Sleep{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// DefaultWorkerID is the hostname plus a random suffix, unique per process.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

type state int

const (
	idle state = iota
	running
	stopping
	stopped
)

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrNoHandlers     = errors.New("no handlers registered")
)

// Stats is a snapshot of one worker's counters.
type Stats struct {
	WorkerID  string        `json:"worker_id"`
	Processed int64         `json:"processed"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Dead      int64         `json:"dead"`
	InFlight  int           `json:"in_flight"`
	Uptime    time.Duration `json:"uptime"`
}

// Worker polls the store, runs up to Concurrency handlers at once and
// records each outcome. Handlers belong to the Worker, so several workers
// can coexist in one process.
type Worker struct {
	store     Store
	opts      Options
	log       *zap.Logger
	reaper    *Reaper
	retention *Retention

	mu        sync.Mutex
	handlers  map[domain.Type]Handler
	types     []domain.Type
	inFlight  map[string]struct{}
	state     state
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	sem   *semaphore.Weighted
	freed chan struct{}
	loops sync.WaitGroup
	jobs  sync.WaitGroup

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dead      atomic.Int64
}

func New(store Store, opts Options) (*Worker, error) {
	opts.setDefaults()
	log := opts.Logger.With(zap.String("worker_id", opts.WorkerID))
	w := &Worker{
		store:    store,
		opts:     opts,
		log:      log,
		handlers: make(map[domain.Type]Handler),
		inFlight: make(map[string]struct{}),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		freed:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if opts.ReapInterval > 0 {
		w.reaper = NewReaper(store, opts.StuckThreshold, opts.ReapInterval, log, opts.Metrics)
	}
	if opts.Retention > 0 && opts.RetentionSchedule != "" {
		r, err := NewRetention(store, opts.Retention, opts.RetentionSchedule, log, opts.Metrics)
		if err != nil {
			return nil, err
		}
		w.retention = r
	}
	return w, nil
}

// ID returns the identity this worker writes to processed_by.
func (w *Worker) ID() string { return w.opts.WorkerID }

// Register installs the handler for t. It must be called before Start.
func (w *Worker) Register(t domain.Type, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s: nil handler", t)
	}
	if !t.Valid() {
		return fmt.Errorf("register %s: unknown job type", t)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != idle {
		return fmt.Errorf("register %s: %w", t, ErrAlreadyStarted)
	}
	if _, ok := w.handlers[t]; ok {
		return fmt.Errorf("register %s: handler already registered", t)
	}
	w.handlers[t] = h
	return nil
}

// Start launches the poll loop, the reaper and the retention sweep and
// returns immediately. Cancelling ctx stops new claims like Stop does, but
// only Stop waits for in-flight handlers.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != idle {
		return ErrAlreadyStarted
	}
	if len(w.handlers) == 0 {
		return ErrNoHandlers
	}

	w.types = w.opts.Types
	if len(w.types) == 0 {
		for t := range w.handlers {
			w.types = append(w.types, t)
		}
		sort.Slice(w.types, func(i, j int) bool { return w.types[i] < w.types[j] })
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = running
	w.startedAt = time.Now()

	w.loops.Add(1)
	go func() {
		defer w.loops.Done()
		w.poll(loopCtx)
	}()
	if w.reaper != nil {
		w.loops.Add(1)
		go func() {
			defer w.loops.Done()
			w.reaper.Run(loopCtx)
		}()
	}
	if w.retention != nil {
		w.loops.Add(1)
		go func() {
			defer w.loops.Done()
			w.retention.Run(loopCtx)
		}()
	}

	w.log.Info("worker started",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Duration("poll_interval", w.opts.PollInterval),
		zap.Duration("stuck_threshold", w.opts.StuckThreshold),
		zap.Any("types", w.types))
	return nil
}

// Stop stops claiming and blocks until every in-flight handler has
// finished. Running handlers are never interrupted.
func (w *Worker) Stop() {
	w.mu.Lock()
	switch w.state {
	case idle:
		w.state = stopped
		close(w.done)
		w.mu.Unlock()
		return
	case running:
		w.state = stopping
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		<-w.done
		return
	}

	w.log.Info("worker stopping", zap.Int("in_flight", len(w.InFlight())))
	w.cancel()
	w.loops.Wait()
	w.jobs.Wait()

	w.mu.Lock()
	w.state = stopped
	w.mu.Unlock()
	close(w.done)
	w.log.Info("worker stopped", zap.Int64("processed", w.processed.Load()))
}

// Run starts the worker, waits for ctx to be cancelled and then stops it
// gracefully.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Done is closed once Stop has finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	inFlight := len(w.inFlight)
	var uptime time.Duration
	if !w.startedAt.IsZero() {
		uptime = time.Since(w.startedAt)
	}
	w.mu.Unlock()
	return Stats{
		WorkerID:  w.opts.WorkerID,
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		Dead:      w.dead.Load(),
		InFlight:  inFlight,
		Uptime:    uptime,
	}
}

// InFlight returns the ids of jobs currently executing.
func (w *Worker) InFlight() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Worker) poll(ctx context.Context) {
	for ctx.Err() == nil {
		if !w.sem.TryAcquire(1) {
			w.pause(ctx, true)
			continue
		}
		job, err := w.claim(ctx)
		if err != nil {
			w.sem.Release(1)
			w.opts.Metrics.ClaimError()
			w.log.Error("claim job", zap.Error(err))
			w.pause(ctx, false)
			continue
		}
		if job == nil {
			w.sem.Release(1)
			if _, err := w.opts.Waiter.Wait(ctx, w.opts.PollInterval, w.types...); err != nil {
				w.log.Warn("wait for wake-up hint", zap.Error(err))
				w.pause(ctx, false)
			}
			continue
		}
		w.launch(ctx, job)
	}
}

// claim runs detached from ctx so a stop request cannot abandon a claim
// that the store has already committed.
func (w *Worker) claim(ctx context.Context) (*domain.Job, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.StoreTimeout)
	defer cancel()
	return w.store.ClaimNext(cctx, w.types, w.opts.WorkerID)
}

// pause sleeps for the poll interval. When full it also returns as soon as
// a handler frees a slot.
func (w *Worker) pause(ctx context.Context, full bool) {
	t := time.NewTimer(w.opts.PollInterval)
	defer t.Stop()
	var freed <-chan struct{}
	if full {
		freed = w.freed
	}
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-freed:
	}
}

func (w *Worker) launch(ctx context.Context, job *domain.Job) {
	w.mu.Lock()
	w.inFlight[job.JobID] = struct{}{}
	w.mu.Unlock()
	w.jobs.Add(1)
	w.opts.Metrics.JobStarted()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, job.JobID)
			w.mu.Unlock()
			w.opts.Metrics.JobFinished()
			w.sem.Release(1)
			select {
			case w.freed <- struct{}{}:
			default:
			}
			w.jobs.Done()
		}()
		w.process(context.WithoutCancel(ctx), job)
	}()
}

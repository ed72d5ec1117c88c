// Package jobs runs persisted async jobs: leasing, dispatch to handlers,
// exponential requeue and dead-lettering.
package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/orthogenesis/recon-cli/internal/store"
)

const (
	DefaultPollInterval  = time.Second
	DefaultWatchInterval = time.Second
	DefaultDeadLimit     = 25
	MaxDeadLimit         = 200
)

// ProgressFunc reports a handler's current stage and percent complete.
type ProgressFunc func(stage string, progress int)

// Handler executes one job type. The returned map becomes the job result.
type Handler interface {
	Handle(ctx context.Context, job *model.AsyncJob, progress ProgressFunc) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *model.AsyncJob, progress ProgressFunc) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.AsyncJob, progress ProgressFunc) (map[string]any, error) {
	return f(ctx, job, progress)
}

// Options configures an Engine.
type Options struct {
	PollInterval time.Duration
	// MaxAttempts is used by Enqueue when the caller passes zero.
	MaxAttempts int
	// Retry governs retries of store calls, not of jobs.
	Retry resilience.RetryConfig

	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultOptions returns the worker defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval:     DefaultPollInterval,
		MaxAttempts:      model.DefaultMaxAttempts,
		Retry:            resilience.DefaultRetryConfig(),
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Stats counts outcomes observed by this process.
type Stats struct {
	Processed    int64 `json:"processed" yaml:"processed"`
	Succeeded    int64 `json:"succeeded" yaml:"succeeded"`
	Requeued     int64 `json:"requeued" yaml:"requeued"`
	DeadLettered int64 `json:"dead_lettered" yaml:"dead_lettered"`
	Panics       int64 `json:"panics" yaml:"panics"`
	LeasesLost   int64 `json:"leases_lost" yaml:"leases_lost"`
}

// Engine leases jobs from a JobStore and dispatches them to registered
// handlers. Any number of engines may share one store.
type Engine struct {
	store   store.JobStore
	opts    Options
	breaker *resilience.CircuitBreaker
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[model.JobType]Handler

	processed atomic.Int64
	succeeded atomic.Int64
	requeued  atomic.Int64
	dead      atomic.Int64
	panics    atomic.Int64
	lost      atomic.Int64
}

// NewEngine creates an Engine. Zero-valued options take their defaults.
func NewEngine(st store.JobStore, opts Options) *Engine {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	return &Engine{
		store:    st,
		opts:     opts,
		breaker:  resilience.NewCircuitBreaker("job-store", opts.BreakerThreshold, opts.BreakerReset),
		now:      time.Now,
		handlers: make(map[model.JobType]Handler),
	}
}

// Register installs the handler for jobType, replacing any previous one.
func (e *Engine) Register(jobType model.JobType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = h
}

func (e *Engine) handler(jobType model.JobType) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[jobType]
	return h, ok
}

// Stats returns a snapshot of the outcome counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed:    e.processed.Load(),
		Succeeded:    e.succeeded.Load(),
		Requeued:     e.requeued.Load(),
		DeadLettered: e.dead.Load(),
		Panics:       e.panics.Load(),
		LeasesLost:   e.lost.Load(),
	}
}

// BreakerState reports the store circuit breaker state.
func (e *Engine) BreakerState() resilience.CircuitState {
	return e.breaker.State()
}

// Enqueue persists a queued job available immediately. maxAttempts <= 0
// uses the engine default.
func (e *Engine) Enqueue(ctx context.Context, jobType model.JobType, payload map[string]any, maxAttempts int) (*model.AsyncJob, error) {
	job := e.newJob(jobType, payload, maxAttempts)
	if job.JobType == "" {
		return nil, resilience.Permanent(eris.New("jobs: job type is required"))
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "jobs: enqueue")
	}
	zap.L().Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.Int("max_attempts", job.MaxAttempts),
	)
	return job, nil
}

// EnqueueMany persists one job per payload in a single batch.
func (e *Engine) EnqueueMany(ctx context.Context, jobType model.JobType, payloads []map[string]any, maxAttempts int) ([]*model.AsyncJob, error) {
	if jobType == "" {
		return nil, resilience.Permanent(eris.New("jobs: job type is required"))
	}
	jobs := make([]*model.AsyncJob, 0, len(payloads))
	for _, p := range payloads {
		jobs = append(jobs, e.newJob(jobType, p, maxAttempts))
	}
	if err := e.store.CreateJobs(ctx, jobs); err != nil {
		return nil, eris.Wrap(err, "jobs: enqueue batch")
	}
	zap.L().Info("jobs enqueued", zap.String("job_type", string(jobType)), zap.Int("count", len(jobs)))
	return jobs, nil
}

func (e *Engine) newJob(jobType model.JobType, payload map[string]any, maxAttempts int) *model.AsyncJob {
	if maxAttempts <= 0 {
		maxAttempts = e.opts.MaxAttempts
	}
	if payload == nil {
		payload = map[string]any{}
	}
	now := e.now().UTC()
	return &model.AsyncJob{
		ID:          store.NewID(),
		JobType:     jobType,
		Status:      model.JobStatusQueued,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Stage:       string(model.JobStatusQueued),
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ProcessOne leases and runs at most one job. It reports whether a job was
// leased. Handler failures are recorded on the job, not returned; the error
// is reserved for store failures.
func (e *Engine) ProcessOne(ctx context.Context) (bool, error) {
	job, err := resilience.DoVal(ctx, e.retryConfig("lease job"), func(ctx context.Context) (*model.AsyncJob, error) {
		return e.store.LeaseJob(ctx, e.now().UTC())
	})
	if err != nil {
		return false, eris.Wrap(err, "jobs: lease")
	}
	if job == nil {
		return false, nil
	}
	e.processed.Add(1)

	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
	)
	log.Info("job leased")

	start := time.Now()
	result, runErr := e.run(ctx, job)

	// Outcomes are persisted even when ctx was cancelled mid-handler.
	persistCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		return true, e.fail(persistCtx, job, runErr, log)
	}

	err = resilience.Do(persistCtx, e.retryConfig("complete job"), func(ctx context.Context) error {
		return e.store.CompleteJob(ctx, job.ID, job.Attempts, result, e.now().UTC())
	})
	if errors.Is(err, store.ErrConflict) {
		e.leaseLost(log, err)
		return true, nil
	}
	if err != nil {
		return true, eris.Wrapf(err, "jobs: complete %s", job.ID)
	}
	e.succeeded.Add(1)
	log.Info("job succeeded", zap.Duration("elapsed", time.Since(start)))
	return true, nil
}

func (e *Engine) run(ctx context.Context, job *model.AsyncJob) (result map[string]any, err error) {
	h, ok := e.handler(job.JobType)
	if !ok {
		return nil, resilience.Permanent(eris.Errorf("jobs: unsupported job type %q", job.JobType))
	}

	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			result = nil
			err = eris.Errorf("jobs: handler panic: %v", r)
		}
	}()

	progress := func(stage string, pct int) {
		pct = min(max(pct, 0), 100)
		if perr := e.store.UpdateJobProgress(ctx, job.ID, stage, pct, e.now().UTC()); perr != nil {
			zap.L().Debug("job progress update failed", zap.String("job_id", job.ID), zap.Error(perr))
		}
	}
	return h.Handle(ctx, job, progress)
}

func (e *Engine) fail(ctx context.Context, job *model.AsyncJob, runErr error, log *zap.Logger) error {
	msg := resilience.TruncateError(runErr.Error())
	class := resilience.ClassifyError(runErr)
	now := e.now().UTC()

	if class == resilience.ClassPermanent || !job.CanRetry() {
		err := resilience.Do(ctx, e.retryConfig("dead-letter job"), func(ctx context.Context) error {
			return e.store.DeadLetterJob(ctx, job.ID, job.Attempts, msg, now)
		})
		if errors.Is(err, store.ErrConflict) {
			e.leaseLost(log, err)
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "jobs: dead-letter %s", job.ID)
		}
		e.dead.Add(1)
		log.Warn("job dead-lettered", zap.String("error_class", class), zap.Error(runErr))
		return nil
	}

	delay := resilience.JobBackoff(job.Attempts)
	err := resilience.Do(ctx, e.retryConfig("requeue job"), func(ctx context.Context) error {
		return e.store.RequeueJob(ctx, job.ID, job.Attempts, msg, now.Add(delay), now)
	})
	if errors.Is(err, store.ErrConflict) {
		e.leaseLost(log, err)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "jobs: requeue %s", job.ID)
	}
	e.requeued.Add(1)
	log.Warn("job failed, requeued",
		zap.String("error_class", class),
		zap.Duration("backoff", delay),
		zap.Error(runErr),
	)
	return nil
}

// leaseLost records an outcome the store refused because the job no longer
// runs under this worker's lease. The newer state wins.
func (e *Engine) leaseLost(log *zap.Logger, err error) {
	e.lost.Add(1)
	log.Warn("job lease lost, outcome discarded", zap.Error(err))
}

func (e *Engine) retryConfig(op string) resilience.RetryConfig {
	cfg := e.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(op)
	}
	return cfg
}

// Run polls for work every PollInterval until ctx is cancelled, draining all
// due jobs on each tick. It returns nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		e.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if err := e.breaker.Allow(); err != nil {
			return
		}
		processed, err := e.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		e.breaker.Record(err)
		if err != nil {
			zap.L().Error("job loop store failure", zap.Error(err), zap.String("breaker", e.breaker.State().String()))
			return
		}
		if !processed {
			return
		}
	}
}

// RunWorkers runs n independent lease loops and waits for all of them.
func (e *Engine) RunWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return eris.Errorf("jobs: worker count must be positive, got %d", n)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			zap.L().Info("job worker started", zap.Int("worker", i))
			defer zap.L().Info("job worker stopped", zap.Int("worker", i))
			return e.Run(gctx)
		})
	}
	return g.Wait()
}

// Get returns a job by id.
func (e *Engine) Get(ctx context.Context, id string) (*model.AsyncJob, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: get %s", id)
	}
	return job, nil
}

// Retry resets a dead or failed job to queued and available now with
// attempts cleared. Jobs in any other status yield store.ErrConflict.
func (e *Engine) Retry(ctx context.Context, id string) (*model.AsyncJob, error) {
	if err := e.store.ResetJob(ctx, id, e.now().UTC()); err != nil {
		return nil, eris.Wrapf(err, "jobs: retry %s", id)
	}
	zap.L().Info("job reset for retry", zap.String("job_id", id))
	return e.Get(ctx, id)
}

// DeadLetters lists dead-lettered jobs, most recently updated first. limit
// defaults to 25 and is capped at 200.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]model.AsyncJob, error) {
	if limit <= 0 {
		limit = DefaultDeadLimit
	}
	limit = min(limit, MaxDeadLimit)
	dead := true
	jobs, err := e.store.ListJobs(ctx, model.JobFilter{DeadLetter: &dead, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "jobs: list dead letters")
	}
	return jobs, nil
}

// Watch polls the job every interval (DefaultWatchInterval when zero) and
// calls fn with each snapshot until the job reaches a terminal status, fn
// returns an error, or ctx is done. The terminal snapshot is always
// delivered.
func (e *Engine) Watch(ctx context.Context, id string, interval time.Duration, fn func(*model.AsyncJob) error) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := e.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

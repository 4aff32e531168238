// Package workers provides the worker pool that drains the resolution queue
// in service mode.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/observability"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
)

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// Handler processes one job. A returned error nacks the job; the queue's
// retry policy decides between retry and dead letter.
type Handler func(ctx context.Context, job queue.Job) error

// Config configures a pool.
type Config struct {
	Count           int           `yaml:"count"`
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

// DefaultConfig returns the service's pool configuration.
func DefaultConfig() Config {
	return Config{
		Count:           4,
		BatchSize:       1,
		PollInterval:    time.Second,
		JobTimeout:      90 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RecoverInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Count <= 0 {
		c.Count = def.Count
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = def.RecoverInterval
	}
	return c
}

// StaleRecoverer is implemented by queues that can reclaim expired claims.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

// Worker is a single goroutine draining the queue.
type Worker struct {
	ID string

	cfg     Config
	queue   queue.Queue
	handler Handler
	metrics *observability.ResolutionMetrics
	logger  logging.Logger

	mu           sync.Mutex
	status       WorkerStatus
	lastActivity time.Time

	processed atomic.Int64
	failed    atomic.Int64
}

func newWorker(cfg Config, q queue.Queue, handler Handler, metrics *observability.ResolutionMetrics, logger logging.Logger) *Worker {
	id := uuid.New().String()
	return &Worker{
		ID:      id,
		cfg:     cfg,
		queue:   q,
		handler: handler,
		metrics: metrics,
		logger:  logger.With(logging.F("worker_id", id)),
		status:  WorkerStatusStarting,
	}
}

// Status returns the worker's current status.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// run drains the queue until ctx is cancelled or the queue closes.
func (w *Worker) run(ctx context.Context) {
	w.setStatus(WorkerStatusHealthy)
	defer w.setStatus(WorkerStatusStopped)

	for {
		if ctx.Err() != nil {
			return
		}

		jobs, err := w.queue.Dequeue(ctx, w.cfg.BatchSize, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			w.logger.Warn("Failed to dequeue", logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		for _, qj := range jobs {
			// Unprocessed claims come back after the visibility timeout.
			if ctx.Err() != nil {
				return
			}
			w.process(ctx, qj)
		}
	}
}

// process runs one job. The job context survives pool shutdown so an
// in-flight message finishes while the pool drains.
func (w *Worker) process(ctx context.Context, qj *queue.QueuedJob) {
	w.touch()
	log := w.logger.With(
		logging.F("job_id", qj.ID),
		logging.F("message_id", qj.Job.MessageID),
		logging.F("retry_count", qj.RetryCount))

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	if err := w.invoke(jobCtx, qj.Job); err != nil {
		w.failed.Add(1)
		decision, nackErr := w.queue.Nack(jobCtx, qj.ID, err)
		if nackErr != nil {
			log.Error("Failed to nack job", logging.Err(nackErr))
			return
		}
		code := fderrors.ClassifyError(err, "").Code
		if !decision.ShouldRetry {
			w.metrics.RecordDLQItem(w.queue.Name(), string(code))
		}
		log.Warn("Job failed",
			logging.Err(err),
			logging.F("error_code", string(code)),
			logging.F("retry", decision.ShouldRetry),
			logging.F("reason", decision.Reason))
		return
	}

	if err := w.queue.Ack(jobCtx, qj.ID); err != nil {
		log.Error("Failed to ack job", logging.Err(err))
		return
	}
	w.processed.Add(1)
}

func (w *Worker) invoke(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fderrors.New(fderrors.KindCollaboratorFailure, "worker", "panic: %v", rec)
		}
	}()
	return w.handler(ctx, job)
}

// Pool manages a set of workers on one queue.
type Pool struct {
	cfg     Config
	queue   queue.Queue
	handler Handler
	metrics *observability.ResolutionMetrics
	logger  logging.Logger

	mu      sync.RWMutex
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ResolutionMetrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a worker pool.
func NewPool(cfg Config, q queue.Queue, handler Handler, opts ...Option) *Pool {
	p := &Pool{
		cfg:     cfg.withDefaults(),
		queue:   q,
		handler: handler,
		logger:  logging.MustGlobal(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start starts the workers and the housekeeping loop. They run until Stop
// is called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("pool already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		w := newWorker(p.cfg, p.queue, p.handler, p.metrics, p.logger)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.housekeep(ctx)
	}()

	p.logger.Info("Worker pool started",
		logging.F("queue", p.queue.Name()),
		logging.F("workers", p.cfg.Count))
	return nil
}

// housekeep reclaims stale claims and reports queue depth.
func (p *Pool) housekeep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r, ok := p.queue.(StaleRecoverer); ok {
			n, err := r.RecoverStale(ctx)
			if err != nil {
				p.logger.Warn("Failed to recover stale jobs", logging.Err(err))
			} else if n > 0 {
				p.logger.Info("Recovered stale jobs", logging.F("count", n))
			}
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			p.metrics.RecordQueueDepth(p.queue.Name(), float64(depth))
		}
	}
}

// Stop cancels the workers and waits for in-flight jobs, up to the
// shutdown timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	for _, w := range p.workers {
		w.setStatus(WorkerStatusDraining)
	}
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", logging.F("queue", p.queue.Name()))
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out", logging.F("queue", p.queue.Name()))
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Queue       string `json:"queue"`
	WorkerCount int    `json:"worker_count"`
	ActiveCount int    `json:"active_count"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Queue:       p.queue.Name(),
		WorkerCount: len(p.workers),
	}
	for _, w := range p.workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.processed.Load()
		stats.Failed += w.failed.Load()
	}
	return stats
}

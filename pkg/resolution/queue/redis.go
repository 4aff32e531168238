package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // Ready jobs, one sorted set per priority
	keyPrefixProcessing = "processing:" // Claimed jobs scored by visibility deadline
	keyPrefixMessage    = "msg:"        // Job data
	keyPrefixDLQ        = "dlq:"        // Dead letters scored by move time
)

// staleBatch bounds how many expired claims one RecoverStale call handles.
const staleBatch = 100

// RedisQueue implements Queue on Redis sorted sets. Ready jobs are scored
// by the microsecond they become visible, so a lower score is dequeued
// first and a backed-off job waits until its score passes.
type RedisQueue struct {
	client redis.UniversalClient
	cfg    Config
	logger logging.Logger
	now    func() time.Time
	closed atomic.Bool
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(q *RedisQueue) {
		q.logger = logger
	}
}

// WithClock sets the time source used for visibility scores.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		q.now = now
	}
}

// NewRedisQueue creates a Redis-backed queue. Zero fields of cfg take the
// DefaultConfig values.
func NewRedisQueue(client redis.UniversalClient, cfg Config, opts ...Option) *RedisQueue {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retry.BackoffFactor <= 0 {
		cfg.Retry = def.Retry
	}

	q := &RedisQueue{
		client: client,
		cfg:    cfg,
		logger: logging.MustGlobal(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.cfg.Name
}

func (q *RedisQueue) readyKey(p Priority) string {
	return keyPrefixQueue + q.cfg.Name + ":" + p.String()
}

func (q *RedisQueue) processingKey() string {
	return keyPrefixProcessing + q.cfg.Name
}

func (q *RedisQueue) messageKey(id string) string {
	return keyPrefixMessage + q.cfg.Name + ":" + id
}

func (q *RedisQueue) dlqKey() string {
	return keyPrefixDLQ + q.cfg.Name
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Enqueue adds jobs in one transaction. Jobs of one call keep their order.
func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...Job) ([]string, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	now := q.now()
	ids := make([]string, 0, len(jobs))
	pipe := q.client.TxPipeline()

	for i, job := range jobs {
		if job.MessageID == "" {
			return nil, fmt.Errorf("%w: empty message id", ErrInvalidJob)
		}
		qj := &QueuedJob{
			ID:         uuid.New().String(),
			Job:        job,
			EnqueuedAt: now,
		}
		data, err := json.Marshal(qj)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}

		pipe.Set(ctx, q.messageKey(qj.ID), data, q.cfg.RetentionPeriod)
		pipe.ZAdd(ctx, q.readyKey(job.Priority), redis.Z{
			Score:  score(now) - float64(len(jobs)-1-i),
			Member: qj.ID,
		})
		ids = append(ids, qj.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	return ids, nil
}

// Dequeue claims up to max jobs, highest priority first.
func (q *RedisQueue) Dequeue(ctx context.Context, max int, wait time.Duration) ([]*QueuedJob, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if max <= 0 {
		max = 1
	}

	deadline := time.Now().Add(wait)
	var jobs []*QueuedJob

	for len(jobs) < max {
		job, err := q.claim(ctx)
		if err != nil {
			return jobs, err
		}
		if job != nil {
			jobs = append(jobs, job)
			continue
		}
		if len(jobs) > 0 || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-time.After(q.cfg.PollInterval):
		case <-ctx.Done():
			return jobs, ctx.Err()
		}
	}

	return jobs, nil
}

// claim moves one visible job to the processing set. It returns nil when no
// job is visible. ZRem decides the race between concurrent claimers.
func (q *RedisQueue) claim(ctx context.Context) (*QueuedJob, error) {
	now := q.now()
	max := strconv.FormatInt(now.UnixMicro(), 10)

	for _, p := range priorities {
		key := q.readyKey(p)
		for {
			ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   max,
				Count: 1,
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read queue: %w", err)
			}
			if len(ids) == 0 {
				break
			}

			id := ids[0]
			removed, err := q.client.ZRem(ctx, key, id).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to pop from queue: %w", err)
			}
			if removed == 0 {
				continue
			}

			qj, err := q.load(ctx, id)
			if errors.Is(err, ErrJobNotFound) {
				// Expired past retention.
				continue
			}
			if err != nil {
				return nil, err
			}

			qj.VisibleAfter = now.Add(q.cfg.VisibilityTimeout)
			if err := q.store(ctx, qj, func(pipe redis.Pipeliner) {
				pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: score(qj.VisibleAfter), Member: id})
			}); err != nil {
				return nil, fmt.Errorf("failed to move to processing: %w", err)
			}
			return qj, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*QueuedJob, error) {
	data, err := q.client.Get(ctx, q.messageKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var qj QueuedJob
	if err := json.Unmarshal(data, &qj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &qj, nil
}

// store writes qj and any extra commands in one transaction.
func (q *RedisQueue) store(ctx context.Context, qj *QueuedJob, extra func(redis.Pipeliner)) error {
	data, err := json.Marshal(qj)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.messageKey(qj.ID), data, q.cfg.RetentionPeriod)
	extra(pipe)
	_, err = pipe.Exec(ctx)
	return err
}

// Ack acknowledges successful processing of a job.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.Del(ctx, q.messageKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Nack records a failed attempt. A nil cause counts as a timeout.
func (q *RedisQueue) Nack(ctx context.Context, id string, cause error) (fderrors.RetryDecision, error) {
	qj, err := q.load(ctx, id)
	if err != nil {
		return fderrors.RetryDecision{}, err
	}
	return q.retryOrBury(ctx, qj, cause)
}

func (q *RedisQueue) retryOrBury(ctx context.Context, qj *QueuedJob, cause error) (fderrors.RetryDecision, error) {
	if cause == nil {
		cause = &fderrors.ResolutionError{Code: fderrors.ErrTimeout, Message: "visibility timeout exceeded"}
	}

	decision := q.cfg.Retry.DecideRetry(cause, qj.RetryCount)
	qj.RetryCount++
	qj.LastError = cause.Error()

	if !decision.ShouldRetry {
		return decision, q.bury(ctx, qj, decision.Reason)
	}

	qj.VisibleAfter = q.now().Add(decision.BackoffDuration)
	err := q.store(ctx, qj, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.processingKey(), qj.ID)
		pipe.ZAdd(ctx, q.readyKey(qj.Job.Priority), redis.Z{Score: score(qj.VisibleAfter), Member: qj.ID})
	})
	if err != nil {
		return decision, fmt.Errorf("failed to nack job: %w", err)
	}

	q.logger.Debug("Job scheduled for retry",
		logging.F("queue", q.cfg.Name),
		logging.F("job_id", qj.ID),
		logging.F("message_id", qj.Job.MessageID),
		logging.F("retry_count", qj.RetryCount),
		logging.F("backoff", decision.BackoffDuration.String()))
	return decision, nil
}

// MoveToDeadLetter moves a job to the dead letter queue.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	qj, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	return q.bury(ctx, qj, reason)
}

func (q *RedisQueue) bury(ctx context.Context, qj *QueuedJob, reason string) error {
	now := q.now()
	dl := DeadLetter{
		JobID:      qj.ID,
		MessageID:  qj.Job.MessageID,
		Queue:      q.cfg.Name,
		Reason:     reason,
		RetryCount: qj.RetryCount,
		LastError:  qj.LastError,
		MovedAt:    now.UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), qj.ID)
	pipe.ZRem(ctx, q.readyKey(qj.Job.Priority), qj.ID)
	pipe.Del(ctx, q.messageKey(qj.ID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: score(now), Member: string(data)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}

	q.logger.Warn("Job moved to dead letter queue",
		logging.F("queue", q.cfg.Name),
		logging.F("job_id", qj.ID),
		logging.F("message_id", qj.Job.MessageID),
		logging.F("reason", reason))
	return nil
}

// DeadLetters returns up to limit dead letters, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := q.client.ZRevRange(ctx, q.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	out := make([]DeadLetter, 0, len(members))
	for _, m := range members {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(m), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth returns the number of jobs waiting, visible or backed off.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(priorities))
	for _, p := range priorities {
		cmds = append(cmds, pipe.ZCard(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}

	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns the number of claimed, unacked jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.processingKey()).Result()
}

// DeadLetterDepth returns the size of the dead letter queue.
func (q *RedisQueue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dlqKey()).Result()
}

// RecoverStale returns claims whose visibility timeout passed to the queue,
// counting each as a failed attempt. It should be called periodically.
func (q *RedisQueue) RecoverStale(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.now().UnixMicro(), 10)
	stale, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: staleBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	recovered := 0
	for _, id := range stale {
		qj, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}
		if err != nil {
			q.logger.Warn("Failed to load stale job", logging.Err(err), logging.F("job_id", id))
			continue
		}
		if _, err := q.retryOrBury(ctx, qj, nil); err != nil {
			q.logger.Warn("Failed to recover stale job", logging.Err(err), logging.F("job_id", id))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Close stops the queue accepting and handing out jobs. The client is owned
// by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)

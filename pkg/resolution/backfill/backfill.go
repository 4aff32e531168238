// Package backfill re-runs stored messages through the resolution pipeline:
// a keyset-paginated, resumable walk of every message, a sweep of
// unresolved orphans and a retry of classification reviews.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/observability"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/pipeline"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
)

// Store is the persistence a backfill reads and checkpoints through.
type Store interface {
	// MessagesAfter returns up to limit messages ordered by (received_at,
	// id) strictly after the given cursor.
	MessagesAfter(ctx context.Context, receivedAt time.Time, id string, limit int) ([]resolution.Message, error)
	LoadCheckpoint(ctx context.Context, name string) (*resolution.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *resolution.Checkpoint) error
	ListOrphans(ctx context.Context, limit int) ([]resolution.Orphan, error)
	ListReviews(ctx context.Context, all bool) ([]resolution.ReviewItem, error)
	ResolveReview(ctx context.Context, id int64, at time.Time) error
}

// Processor runs messages through the pipeline. *pipeline.Engine
// implements it.
type Processor interface {
	Process(ctx context.Context, messageID string) (*resolution.Outcome, error)
	ProcessMessage(ctx context.Context, msg *resolution.Message) (*resolution.Outcome, error)
}

// Enqueuer hands message ids to the service's workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs ...queue.Job) ([]string, error)
}

// Config configures a Runner.
type Config struct {
	PageSize       int    `yaml:"page_size"`
	Concurrency    int    `yaml:"concurrency"`
	CheckpointName string `yaml:"checkpoint"`
}

// DefaultConfig returns the default backfill configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:       200,
		Concurrency:    4,
		CheckpointName: "default",
	}
}

// Runner drives backfills, orphan sweeps and review retries.
type Runner struct {
	store    Store
	proc     Processor
	enqueuer Enqueuer
	cfg      Config
	tracer   *observability.Tracer
	logger   logging.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithEnqueuer makes Run enqueue message ids at low priority instead of
// processing them inline.
func WithEnqueuer(q Enqueuer) Option {
	return func(r *Runner) {
		r.enqueuer = q
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithClock sets the time source for checkpoints and review resolution.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New creates a Runner. Zero fields of cfg take the DefaultConfig values.
func New(store Store, proc Processor, cfg Config, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CheckpointName == "" {
		cfg.CheckpointName = def.CheckpointName
	}

	r := &Runner{
		store:  store,
		proc:   proc,
		cfg:    cfg,
		tracer: observability.NewTracer(),
		logger: logging.MustGlobal(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.F("component", "backfill"))
	return r
}

// Report summarizes a backfill run.
type Report struct {
	Checkpoint string                           `json:"checkpoint" yaml:"checkpoint"`
	Resumed    bool                             `json:"resumed" yaml:"resumed"`
	Pages      int                              `json:"pages" yaml:"pages"`
	Processed  int                              `json:"processed" yaml:"processed"`
	Failed     int                              `json:"failed" yaml:"failed"`
	Enqueued   int                              `json:"enqueued" yaml:"enqueued"`
	Statuses   map[resolution.OutcomeStatus]int `json:"statuses" yaml:"statuses"`
	Completed  bool                             `json:"completed" yaml:"completed"`
}

// Run walks every message after the checkpoint in (received_at, id) order,
// one page at a time. Each page is processed with bounded concurrency and
// the checkpoint is saved after it. Without resume the walk starts from the
// beginning; reprocessing is idempotent so that is always safe.
func (r *Runner) Run(ctx context.Context, resume bool) (*Report, error) {
	cp, resumed, err := r.startingCheckpoint(ctx, resume)
	if err != nil {
		return nil, err
	}
	cp.CompletedAt = nil

	report := &Report{
		Checkpoint: cp.Name,
		Resumed:    resumed,
		Statuses:   map[resolution.OutcomeStatus]int{},
	}
	r.logger.Info("Starting backfill",
		logging.F("checkpoint", cp.Name),
		logging.F("resumed", resumed),
		logging.F("page_size", r.cfg.PageSize),
		logging.F("concurrency", r.cfg.Concurrency))

	for {
		page, err := r.store.MessagesAfter(ctx, cp.LastReceivedAt, cp.LastMessageID, r.cfg.PageSize)
		if err != nil {
			return report, fmt.Errorf("failed to load page after %s: %w", cp.LastMessageID, err)
		}
		if len(page) == 0 {
			break
		}

		processed, failed, err := r.runPage(ctx, page, report)
		if err != nil {
			return report, err
		}

		last := page[len(page)-1]
		cp.LastReceivedAt = last.ReceivedAt
		cp.LastMessageID = last.ID
		cp.Processed += processed
		cp.Failed += failed
		cp.UpdatedAt = r.now().UTC()
		if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
			return report, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		report.Pages++

		if len(page) < r.cfg.PageSize {
			break
		}
	}

	done := r.now().UTC()
	cp.CompletedAt = &done
	cp.UpdatedAt = done
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		return report, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	report.Completed = true

	r.logger.Info("Backfill complete",
		logging.F("pages", report.Pages),
		logging.F("processed", report.Processed),
		logging.F("failed", report.Failed),
		logging.F("enqueued", report.Enqueued))
	return report, nil
}

func (r *Runner) startingCheckpoint(ctx context.Context, resume bool) (*resolution.Checkpoint, bool, error) {
	if resume {
		cp, err := r.store.LoadCheckpoint(ctx, r.cfg.CheckpointName)
		if err == nil {
			return cp, true, nil
		}
		if !fderrors.IsNotFound(err) {
			return nil, false, fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}
	return &resolution.Checkpoint{Name: r.cfg.CheckpointName}, false, nil
}

// runPage processes or enqueues one page. It returns the processed and
// failed counts for the checkpoint. Only cancellation aborts a page.
func (r *Runner) runPage(ctx context.Context, page []resolution.Message, report *Report) (int, int, error) {
	batchID := uuid.New().String()
	ctx, span := r.tracer.StartBackfillSpan(ctx, batchID, len(page))
	defer span.End()

	if r.enqueuer != nil {
		jobs := make([]queue.Job, 0, len(page))
		for _, msg := range page {
			jobs = append(jobs, queue.Job{MessageID: msg.ID, Priority: queue.PriorityLow, BatchID: batchID})
		}
		if _, err := r.enqueuer.Enqueue(ctx, jobs...); err != nil {
			return 0, 0, fmt.Errorf("failed to enqueue page: %w", err)
		}
		report.Enqueued += len(jobs)
		return len(jobs), 0, nil
	}

	ctx = pipeline.WithBatchID(ctx, batchID)
	var (
		mu        sync.Mutex
		processed int
		failed    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range page {
		msg := &page[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := r.proc.ProcessMessage(gctx, msg)

			mu.Lock()
			defer mu.Unlock()
			processed++
			if out != nil {
				report.Statuses[out.Status]++
			}
			if err != nil {
				failed++
				r.logger.Warn("Backfill message failed",
					logging.Err(err),
					logging.F("message_id", msg.ID),
					logging.F("batch_id", batchID))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	report.Processed += processed
	report.Failed += failed
	r.logger.Debug("Backfill page done",
		logging.F("batch_id", batchID),
		logging.F("size", len(page)),
		logging.F("failed", failed))
	return processed, failed, nil
}

// SweepReport summarizes an orphan sweep.
type SweepReport struct {
	Attempted int `json:"attempted" yaml:"attempted"`
	Resolved  int `json:"resolved" yaml:"resolved"`
	Orphaned  int `json:"orphaned" yaml:"orphaned"`
	Failed    int `json:"failed" yaml:"failed"`
}

// SweepOrphans re-runs up to limit unresolved orphans. An orphan whose
// shipment has since been created links and is marked resolved by the
// pipeline.
func (r *Runner) SweepOrphans(ctx context.Context, limit int) (*SweepReport, error) {
	orphans, err := r.store.ListOrphans(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}

	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		ids = append(ids, o.MessageID)
	}

	report := &SweepReport{}
	outcomes, err := r.reprocess(ctx, ids)
	for _, res := range outcomes {
		report.Attempted++
		switch {
		case res.err != nil:
			report.Failed++
		case res.out.ShipmentID != 0:
			report.Resolved++
		default:
			report.Orphaned++
		}
	}

	r.logger.Info("Orphan sweep complete",
		logging.F("attempted", report.Attempted),
		logging.F("resolved", report.Resolved),
		logging.F("failed", report.Failed))
	return report, err
}

// ReviewReport summarizes a review retry.
type ReviewReport struct {
	Retried  int `json:"retried" yaml:"retried"`
	Resolved int `json:"resolved" yaml:"resolved"`
	Pending  int `json:"pending" yaml:"pending"`
	Failed   int `json:"failed" yaml:"failed"`
}

// retryableReviews are the reasons a re-run can clear. Conflicts need a
// human.
var retryableReviews = map[resolution.ReviewReason]bool{
	resolution.ReviewIndeterminate: true,
	resolution.ReviewLowConfidence: true,
}

// RetryReviews re-runs messages queued for indeterminate or low-confidence
// classification. A review is resolved when the re-run types the message
// with at least medium confidence.
func (r *Runner) RetryReviews(ctx context.Context) (*ReviewReport, error) {
	items, err := r.store.ListReviews(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}

	byMessage := map[string][]resolution.ReviewItem{}
	var ids []string
	for _, item := range items {
		if !retryableReviews[item.Reason] {
			continue
		}
		if _, ok := byMessage[item.MessageID]; !ok {
			ids = append(ids, item.MessageID)
		}
		byMessage[item.MessageID] = append(byMessage[item.MessageID], item)
	}

	report := &ReviewReport{}
	outcomes, err := r.reprocess(ctx, ids)
	for _, res := range outcomes {
		report.Retried++
		if res.err != nil {
			report.Failed++
			continue
		}
		cls := resolution.Classification{DocumentType: res.out.DocumentType, Confidence: res.out.Confidence}
		if cls.NeedsReview() {
			report.Pending++
			continue
		}
		for _, item := range byMessage[res.id] {
			if rerr := r.store.ResolveReview(ctx, item.ID, r.now().UTC()); rerr != nil {
				return report, fmt.Errorf("failed to resolve review %d: %w", item.ID, rerr)
			}
		}
		report.Resolved++
	}

	r.logger.Info("Review retry complete",
		logging.F("retried", report.Retried),
		logging.F("resolved", report.Resolved),
		logging.F("pending", report.Pending))
	return report, err
}

type reprocessResult struct {
	id  string
	out *resolution.Outcome
	err error
}

// reprocess runs ids through the pipeline with bounded concurrency and
// returns results in input order.
func (r *Runner) reprocess(ctx context.Context, ids []string) ([]reprocessResult, error) {
	results := make([]reprocessResult, len(ids))
	ctx = pipeline.WithBatchID(ctx, uuid.New().String())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := r.proc.Process(gctx, id)
			if err == nil && out == nil {
				err = fmt.Errorf("no outcome for message %s", id)
			}
			if err != nil {
				r.logger.Warn("Reprocess failed", logging.Err(err), logging.F("message_id", id))
			}
			results[i] = reprocessResult{id: id, out: out, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

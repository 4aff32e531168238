// Package pipeline provides the per-message resolution orchestrator. It runs
// the direction, classification, extraction, shipment and workflow stages in
// order and records one Outcome per message.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/ai"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/classification"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/direction"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/extraction"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/locks"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/observability"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/shipments"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/workflow"
)

// DefaultLockTimeout bounds how long a message waits for its shipment lock.
const DefaultLockTimeout = 30 * time.Second

// RulebookSource supplies the current rulebook.
type RulebookSource interface {
	Current() *rules.Rulebook
}

// Engine is the resolver service object. It is built once with its ports
// and is safe for concurrent use across messages.
type Engine struct {
	store       Store
	messages    MessageSource
	rules       RulebookSource
	ai          ai.Client
	threshold   int
	locker      locks.Locker
	lockTimeout time.Duration
	metrics     *observability.ResolutionMetrics
	tracer      *observability.Tracer
	events      *observability.EventEmitter
	logger      logging.Logger
	now         func() time.Time

	direction  *direction.Resolver
	classifier *classification.Classifier
	extractor  *extraction.Extractor
	resolver   *shipments.Resolver
	workflow   *workflow.Engine
}

// Option configures the engine.
type Option func(*Engine)

// WithAI enables the AI fallback tiers. Wrap the client in ai.NewGuard for
// rate limiting and retries.
func WithAI(c ai.Client) Option {
	return func(e *Engine) {
		e.ai = c
	}
}

// WithThreshold overrides the rulebook's AI classification threshold.
func WithThreshold(t int) Option {
	return func(e *Engine) {
		e.threshold = t
	}
}

// WithLocker sets the per-shipment locker.
func WithLocker(l locks.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithLockTimeout bounds lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ResolutionMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithEvents sets the event emitter.
func WithEvents(em *observability.EventEmitter) Option {
	return func(e *Engine) {
		e.events = em
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the time source for every stage.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a resolution engine.
func New(store Store, messages MessageSource, src RulebookSource, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		messages:    messages,
		rules:       src,
		locker:      locks.NewLocalLocker(),
		lockTimeout: DefaultLockTimeout,
		tracer:      observability.NewTracer(),
		logger:      logging.MustGlobal(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	base := e.logger
	e.logger = base.With(logging.F("component", "resolution_pipeline"))

	classifierOpts := []classification.Option{
		classification.WithLogger(base),
		classification.WithClock(e.now),
	}
	extractorOpts := []extraction.Option{
		extraction.WithLogger(base),
		extraction.WithClock(e.now),
	}
	if e.ai != nil {
		classifierOpts = append(classifierOpts, classification.WithAI(e.ai))
		extractorOpts = append(extractorOpts, extraction.WithAI(e.ai))
	}
	if e.threshold > 0 {
		classifierOpts = append(classifierOpts, classification.WithThreshold(e.threshold))
	}

	e.direction = direction.NewResolver(src, direction.WithLogger(base))
	e.classifier = classification.NewClassifier(src, classifierOpts...)
	e.extractor = extraction.NewExtractor(src, extractorOpts...)
	e.resolver = shipments.NewResolver(store, src, shipments.WithLogger(base), shipments.WithClock(e.now))
	e.workflow = workflow.NewEngine(store, src, workflow.WithLogger(base))
	return e
}

// Analysis is the read-only part of a run: no store writes.
type Analysis struct {
	Direction      resolution.ResolvedDirection `json:"direction"`
	Classification resolution.Classification    `json:"classification"`
	Identifiers    resolution.Identifiers       `json:"identifiers"`
	Review         *resolution.ReviewItem       `json:"review,omitempty"`
	RulesVersion   string                       `json:"rules_version"`
}

// Analyze runs direction, classification and extraction without persisting
// anything.
func (e *Engine) Analyze(ctx context.Context, msg *resolution.Message) *Analysis {
	dir := e.direction.Resolve(msg)
	cls := e.classifier.Classify(ctx, msg, dir)
	ext := e.extractor.Extract(ctx, msg, cls.Classification.DocumentType, dir)
	return &Analysis{
		Direction:      dir,
		Classification: cls.Classification,
		Identifiers:    ext.Identifiers,
		Review:         cls.Review,
		RulesVersion:   cls.Classification.RulesVersion,
	}
}

// Process loads a message by id and runs it through the pipeline.
func (e *Engine) Process(ctx context.Context, messageID string) (*resolution.Outcome, error) {
	msg, err := e.messages.Message(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	return e.ProcessMessage(ctx, msg)
}

// run carries the per-message state between stages.
type run struct {
	msg         *resolution.Message
	out         *resolution.Outcome
	log         logging.Logger
	dir         resolution.ResolvedDirection
	docType     resolution.DocumentType
	identifiers resolution.Identifiers
	shipment    *resolution.Shipment
	reviews     int
	lease       locks.Lease
}

// ProcessMessage runs every stage for msg and persists the Outcome. Stage
// failures are absorbed into the Outcome; the returned error is the first
// stage failure, or a failure to persist the Outcome. A panic in any stage
// marks the message failed.
func (e *Engine) ProcessMessage(ctx context.Context, msg *resolution.Message) (out *resolution.Outcome, err error) {
	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx, span := e.tracer.StartMessageSpan(ctx, msg.ID, batchIDFrom(ctx))
	defer span.End()

	r := &run{
		msg: msg,
		out: &resolution.Outcome{
			MessageID:    msg.ID,
			RulesVersion: e.rules.Current().Version,
		},
		log: e.logger.WithContext(ctx),
	}
	out = r.out
	start := e.now()

	defer func() {
		if rec := recover(); rec != nil {
			perr := fderrors.New(fderrors.KindCollaboratorFailure, "pipeline", "panic: %v", rec)
			r.out.Errors = append(r.out.Errors, perr.Error())
			r.log.Error("Recovered panic in pipeline", logging.Err(perr))
			err = perr
		}
		r.releaseLease(ctx)
		if r.out.Status == "" || err != nil {
			r.out.Status = resolution.OutcomeFailed
		}
		if saveErr := e.finish(ctx, r, span, start); saveErr != nil && err == nil {
			err = saveErr
		}
	}()

	err = e.runStages(ctx, r)
	if err == nil {
		r.out.Status = statusFor(r)
	}
	return out, err
}

func (e *Engine) runStages(ctx context.Context, r *run) error {
	if err := e.stage(ctx, r, resolution.StageDirection, e.resolveDirection); err != nil {
		return err
	}
	if err := e.stage(ctx, r, resolution.StageClassification, e.classify); err != nil {
		return err
	}
	if err := e.stage(ctx, r, resolution.StageExtraction, e.extract); err != nil {
		return err
	}
	if err := e.stage(ctx, r, resolution.StageShipment, e.resolveShipment); err != nil {
		return err
	}
	if r.shipment == nil {
		e.skip(r, resolution.StageWorkflow)
		e.skip(r, resolution.StageActions)
		return nil
	}
	if err := e.stage(ctx, r, resolution.StageWorkflow, e.advance); err != nil {
		return err
	}
	return e.stage(ctx, r, resolution.StageActions, e.actions)
}

// stage runs fn inside a span and records its timing and error on the
// Outcome and in metrics.
func (e *Engine) stage(ctx context.Context, r *run, name string, fn func(context.Context, *run) error) error {
	ctx, span := e.tracer.StartStageSpan(ctx, name)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	start := time.Now()
	err := fn(ctx, r)
	elapsed := time.Since(start)

	result := resolution.StageResult{Stage: name, Duration: elapsed}
	helper.SetDuration(elapsed.Milliseconds())
	if err != nil {
		re := fderrors.ClassifyError(err, name)
		result.Error = re.Error()
		result.ErrorCode = string(re.Code)
		r.out.Errors = append(r.out.Errors, re.Error())
		helper.SetError(err, string(re.Code), fderrors.IsRetryable(re.Code))
		r.log.Error("Pipeline stage failed",
			logging.Err(err),
			logging.F("stage", name),
			logging.F("error_code", string(re.Code)))
		err = re
	} else {
		helper.SetSuccess()
	}
	r.out.Stages = append(r.out.Stages, result)
	e.metrics.RecordStage(name, elapsed, err)
	return err
}

func (e *Engine) skip(r *run, name string) {
	r.out.Stages = append(r.out.Stages, resolution.StageResult{Stage: name, Skipped: true})
}

func (e *Engine) resolveDirection(ctx context.Context, r *run) error {
	r.dir = e.direction.Resolve(r.msg)
	r.out.Direction = r.dir
	e.metrics.RecordDirection(string(r.dir.Direction), string(r.dir.Method))
	return nil
}

func (e *Engine) classify(ctx context.Context, r *run) error {
	res := e.classifier.Classify(ctx, r.msg, r.dir)
	cls := res.Classification
	r.docType = cls.DocumentType
	r.out.DocumentType = cls.DocumentType
	r.out.Confidence = cls.Confidence
	if res.AIErr != nil {
		r.out.Errors = append(r.out.Errors, fderrors.ClassifyError(res.AIErr, resolution.StageClassification).Error())
	}

	if _, err := e.store.AppendClassification(ctx, &cls); err != nil {
		return fmt.Errorf("failed to store classification: %w", err)
	}
	e.metrics.RecordClassification(string(cls.DocumentType), string(cls.Method), string(cls.Band()))
	if err := e.events.EmitClassified(ctx, cls, r.dir.Direction); err != nil {
		r.log.Warn("Failed to emit classified event", logging.Err(err))
	}

	if res.Review != nil {
		if err := e.queueReview(ctx, r, *res.Review); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) extract(ctx context.Context, r *run) error {
	res := e.extractor.Extract(ctx, r.msg, r.docType, r.dir)
	if res.AIErr != nil {
		r.out.Errors = append(r.out.Errors, fderrors.ClassifyError(res.AIErr, resolution.StageExtraction).Error())
	}
	r.identifiers = res.Identifiers
	r.out.IdentifierCount = len(res.Identifiers)
	if len(res.Identifiers) == 0 {
		return nil
	}
	if _, err := e.store.AppendIdentifiers(ctx, res.Identifiers); err != nil {
		return fmt.Errorf("failed to store identifiers: %w", err)
	}
	return nil
}

// resolveShipment takes the shipment lock and keeps it for the workflow and
// action stages; ProcessMessage releases it.
func (e *Engine) resolveShipment(ctx context.Context, r *run) error {
	key, err := e.resolver.LockKey(ctx, r.identifiers)
	if err != nil {
		return fmt.Errorf("failed to compute lock key: %w", err)
	}
	if key != "" && e.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
		lease, err := e.locker.Acquire(lockCtx, key)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to acquire %s: %w", key, err)
		}
		r.lease = lease
	}

	res, err := e.resolver.Resolve(ctx, shipments.Input{
		Message:      r.msg,
		Direction:    r.dir,
		DocumentType: r.docType,
		Identifiers:  r.identifiers,
	})
	if err != nil {
		return err
	}

	// The resolver persists its own reviews.
	for _, item := range res.Reviews {
		r.reviews++
		e.metrics.RecordReview(string(item.Reason))
		if err := e.events.EmitReviewQueued(ctx, item); err != nil {
			r.log.Warn("Failed to emit review event", logging.Err(err))
		}
	}

	if !res.Linked() {
		r.out.OrphanReason = res.OrphanReason
		e.metrics.RecordOrphan(string(res.OrphanReason))
		return nil
	}

	r.shipment = res.Shipment
	r.out.ShipmentID = res.Shipment.ID
	r.out.ShipmentCreated = res.Created
	r.out.WorkflowState = res.Shipment.WorkflowState
	e.metrics.RecordLink(string(res.Link.LinkMethod), res.Created)
	observability.NewSpanHelper(trace.SpanFromContext(ctx)).SetShipment(res.Shipment.ID, string(res.Link.LinkMethod))
	if res.Created {
		if err := e.events.EmitShipmentCreated(ctx, res.Shipment, r.msg.ID); err != nil {
			r.log.Warn("Failed to emit shipment event", logging.Err(err))
		}
	}
	return nil
}

func (e *Engine) advance(ctx context.Context, r *run) error {
	adv, err := e.workflow.Advance(ctx, r.shipment, r.msg, r.docType, r.dir.Direction)
	if err != nil {
		return err
	}
	r.out.WorkflowState = r.shipment.WorkflowState
	if adv.Advanced {
		e.metrics.RecordAdvance(adv.State.Name)
		if err := e.events.EmitWorkflowAdvanced(ctx, r.shipment.ID, r.msg.ID, adv.PreviousState, adv.State.Name, adv.State.Order); err != nil {
			r.log.Warn("Failed to emit workflow event", logging.Err(err))
		}
	}
	return nil
}

func (e *Engine) actions(ctx context.Context, r *run) error {
	completed, err := e.workflow.ResolveActions(ctx, r.shipment.ID, r.msg, r.docType)
	if err != nil {
		return err
	}
	planned, err := e.workflow.PlanObligations(ctx, r.shipment.ID, r.msg, r.docType, r.identifiers)
	if err != nil {
		return err
	}
	r.out.ActionsResolved = len(completed)
	r.out.ActionsPlanned = len(planned)
	e.metrics.RecordActions(len(planned), len(completed))
	return nil
}

func (e *Engine) queueReview(ctx context.Context, r *run, item resolution.ReviewItem) error {
	if err := e.store.EnqueueReview(ctx, item); err != nil {
		return fmt.Errorf("failed to queue review: %w", err)
	}
	r.reviews++
	e.metrics.RecordReview(string(item.Reason))
	if err := e.events.EmitReviewQueued(ctx, item); err != nil {
		r.log.Warn("Failed to emit review event", logging.Err(err))
	}
	return nil
}

func (r *run) releaseLease(ctx context.Context) {
	if r.lease == nil {
		return
	}
	if err := r.lease.Release(context.WithoutCancel(ctx)); err != nil {
		r.log.Warn("Failed to release shipment lock", logging.Err(err))
	}
	r.lease = nil
}

// finish stamps and persists the Outcome.
func (e *Engine) finish(ctx context.Context, r *run, span trace.Span, start time.Time) error {
	out := r.out
	out.ProcessedAt = e.now().UTC()
	e.metrics.RecordOutcome(string(out.Status))

	helper := observability.NewSpanHelper(span)
	helper.SetClassification(string(out.DocumentType), out.Confidence)
	helper.SetState(out.WorkflowState)

	if err := e.store.SaveOutcome(context.WithoutCancel(ctx), out); err != nil {
		r.log.Error("Failed to save outcome", logging.Err(err))
		return fmt.Errorf("failed to save outcome: %w", err)
	}

	r.log.Info("Resolved message",
		logging.F("status", string(out.Status)),
		logging.F("document_type", string(out.DocumentType)),
		logging.F("direction", string(out.Direction.Direction)),
		logging.F("shipment_id", out.ShipmentID),
		logging.F("workflow_state", out.WorkflowState),
		logging.F("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// statusFor derives the end state of a run without stage errors.
func statusFor(r *run) resolution.OutcomeStatus {
	switch {
	case r.reviews > 0:
		return resolution.OutcomePendingReview
	case r.shipment == nil:
		return resolution.OutcomeOrphaned
	default:
		return resolution.OutcomeResolved
	}
}

// BatchResult summarizes ProcessBatch.
type BatchResult struct {
	Outcomes []*resolution.Outcome
	Failed   int
}

// ProcessBatch processes message ids in sequence. One failure never stops
// the batch; the last error is returned alongside every outcome.
func (e *Engine) ProcessBatch(ctx context.Context, messageIDs []string) (*BatchResult, error) {
	result := &BatchResult{Outcomes: make([]*resolution.Outcome, 0, len(messageIDs))}
	var lastErr error

	for _, id := range messageIDs {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		out, err := e.Process(ctx, id)
		if out != nil {
			result.Outcomes = append(result.Outcomes, out)
		}
		if err != nil {
			e.logger.Error("Failed to process message",
				logging.Err(err),
				logging.F("message_id", id))
			result.Failed++
			lastErr = err
		}
	}

	return result, lastErr
}

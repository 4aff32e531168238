package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for resolution operations.
	TracerName = "resolution"
)

// Span attribute keys
const (
	AttrMessageID    = "message_id"
	AttrBatchID      = "batch_id"
	AttrStage        = "stage"
	AttrDirection    = "direction"
	AttrTrueParty    = "true_party"
	AttrDocumentType = "document_type"
	AttrConfidence   = "confidence"
	AttrMethod       = "method"
	AttrShipmentID   = "shipment_id"
	AttrLinkMethod   = "link_method"
	AttrState        = "workflow_state"
	AttrDurationMs   = "duration_ms"
	AttrErrorCode    = "error_code"
	AttrRetryable    = "retryable"
)

// Span names
const (
	SpanProcessMessage = "resolution.process_message"
	SpanBackfillPage   = "resolution.backfill_page"
)

// Tracer provides distributed tracing for resolution operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer on the global otel provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// NewTracerWithProvider creates a tracer on an explicit provider.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(TracerName),
	}
}

// StartMessageSpan starts a root span for processing one message.
func (t *Tracer) StartMessageSpan(ctx context.Context, messageID, batchID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanProcessMessage,
		trace.WithAttributes(
			attribute.String(AttrMessageID, messageID),
		),
	)
	if batchID != "" {
		span.SetAttributes(attribute.String(AttrBatchID, batchID))
	}
	return ctx, span
}

// StartStageSpan starts a span for a pipeline stage.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("resolution.stage.%s", stage),
		trace.WithAttributes(
			attribute.String(AttrStage, stage),
		),
	)
}

// StartBackfillSpan starts a span for one backfill page.
func (t *Tracer) StartBackfillSpan(ctx context.Context, batchID string, size int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanBackfillPage,
		trace.WithAttributes(
			attribute.String(AttrBatchID, batchID),
			attribute.Int("page_size", size),
		),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetDirection sets direction attributes on the span.
func (h *SpanHelper) SetDirection(direction, trueParty, method string) {
	h.span.SetAttributes(
		attribute.String(AttrDirection, direction),
		attribute.String(AttrTrueParty, trueParty),
		attribute.String(AttrMethod, method),
	)
}

// SetClassification sets classification attributes on the span.
func (h *SpanHelper) SetClassification(documentType string, confidence int) {
	h.span.SetAttributes(
		attribute.String(AttrDocumentType, documentType),
		attribute.Int(AttrConfidence, confidence),
	)
}

// SetShipment sets the linked shipment on the span.
func (h *SpanHelper) SetShipment(shipmentID int64, linkMethod string) {
	h.span.SetAttributes(
		attribute.Int64(AttrShipmentID, shipmentID),
		attribute.String(AttrLinkMethod, linkMethod),
	)
}

// SetState sets the workflow state attribute.
func (h *SpanHelper) SetState(state string) {
	h.span.SetAttributes(attribute.String(AttrState, state))
}

// SetDuration sets the duration attribute.
func (h *SpanHelper) SetDuration(durationMs int64) {
	h.span.SetAttributes(attribute.Int64(AttrDurationMs, durationMs))
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, errorCode string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorCode, errorCode),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the context.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

// InjectTraceContext extracts trace context for propagation onto queue payloads.
func InjectTraceContext(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	if traceID := GetTraceID(ctx); traceID != "" {
		headers["trace_id"] = traceID
	}
	if spanID := GetSpanID(ctx); spanID != "" {
		headers["span_id"] = spanID
	}
	return headers
}

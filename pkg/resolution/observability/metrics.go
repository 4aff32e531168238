package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/ai"
)

// ResolutionMetrics holds all Prometheus metrics for the resolution pipeline.
// Every Record method is safe on a nil receiver.
type ResolutionMetrics struct {
	// Processing metrics
	MessagesProcessedTotal *prometheus.CounterVec
	StageSeconds           *prometheus.HistogramVec
	StageErrorsTotal       *prometheus.CounterVec

	// Classification metrics
	ClassificationsTotal *prometheus.CounterVec
	DirectionsTotal      *prometheus.CounterVec

	// Shipment metrics
	ShipmentLinksTotal     *prometheus.CounterVec
	ShipmentsCreatedTotal  prometheus.Counter
	OrphansTotal           *prometheus.CounterVec
	ReviewsQueuedTotal     *prometheus.CounterVec
	WorkflowAdvancesTotal  *prometheus.CounterVec
	ActionItemsTotal       *prometheus.CounterVec
	DuplicatesFlaggedTotal prometheus.Counter

	// AI metrics
	AICallsTotal     *prometheus.CounterVec
	AILatencySeconds *prometheus.HistogramVec

	// Queue metrics
	QueueDepth    *prometheus.GaugeVec
	DLQItemsTotal *prometheus.CounterVec
}

// DefaultResolutionMetrics creates metrics on the default registerer.
func DefaultResolutionMetrics() *ResolutionMetrics {
	return NewResolutionMetrics(prometheus.DefaultRegisterer)
}

// NewResolutionMetrics creates a new set of resolution metrics.
func NewResolutionMetrics(reg prometheus.Registerer) *ResolutionMetrics {
	factory := promauto.With(reg)

	return &ResolutionMetrics{
		MessagesProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_messages_processed_total",
				Help: "Total messages processed by outcome status",
			},
			[]string{"status"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolution_stage_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"stage"},
		),
		StageErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_stage_errors_total",
				Help: "Total stage failures by error code",
			},
			[]string{"stage", "error_code"},
		),
		ClassificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_classifications_total",
				Help: "Total classifications by document type, method and band",
			},
			[]string{"document_type", "method", "band"},
		),
		DirectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_directions_total",
				Help: "Total direction decisions by direction and method",
			},
			[]string{"direction", "method"},
		),
		ShipmentLinksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_shipment_links_total",
				Help: "Total message to shipment links by method",
			},
			[]string{"method"},
		),
		ShipmentsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "resolution_shipments_created_total",
				Help: "Total shipments created",
			},
		),
		OrphansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_orphans_total",
				Help: "Total messages left without a shipment",
			},
			[]string{"reason"},
		),
		ReviewsQueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_reviews_queued_total",
				Help: "Total review items queued by reason",
			},
			[]string{"reason"},
		),
		WorkflowAdvancesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_workflow_advances_total",
				Help: "Total workflow state pointer moves by target state",
			},
			[]string{"state"},
		),
		ActionItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_action_items_total",
				Help: "Total action items planned or completed",
			},
			[]string{"action"},
		),
		DuplicatesFlaggedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "resolution_duplicates_flagged_total",
				Help: "Total duplicate shipment pairs flagged",
			},
		),
		AICallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_ai_calls_total",
				Help: "Total AI collaborator calls by task and status",
			},
			[]string{"task", "status"},
		),
		AILatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolution_ai_latency_seconds",
				Help:    "AI collaborator call latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"task"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resolution_queue_depth",
				Help: "Current queue depth",
			},
			[]string{"queue"},
		),
		DLQItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolution_dlq_items_total",
				Help: "Total items added to the dead letter queue",
			},
			[]string{"queue", "error_code"},
		),
	}
}

// RecordOutcome counts a finished message.
func (m *ResolutionMetrics) RecordOutcome(status string) {
	if m == nil {
		return
	}
	m.MessagesProcessedTotal.WithLabelValues(status).Inc()
}

// RecordStage records the latency of a stage and, when err is non-nil, its
// error code.
func (m *ResolutionMetrics) RecordStage(stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		m.StageErrorsTotal.WithLabelValues(stage, string(fderrors.ClassifyError(err, stage).Code)).Inc()
	}
}

// RecordClassification counts a classification.
func (m *ResolutionMetrics) RecordClassification(documentType, method, band string) {
	if m == nil {
		return
	}
	m.ClassificationsTotal.WithLabelValues(documentType, method, band).Inc()
}

// RecordDirection counts a direction decision.
func (m *ResolutionMetrics) RecordDirection(direction, method string) {
	if m == nil {
		return
	}
	m.DirectionsTotal.WithLabelValues(direction, method).Inc()
}

// RecordLink counts a message linked to a shipment.
func (m *ResolutionMetrics) RecordLink(method string, created bool) {
	if m == nil {
		return
	}
	m.ShipmentLinksTotal.WithLabelValues(method).Inc()
	if created {
		m.ShipmentsCreatedTotal.Inc()
	}
}

// RecordOrphan counts an unlinked message.
func (m *ResolutionMetrics) RecordOrphan(reason string) {
	if m == nil {
		return
	}
	m.OrphansTotal.WithLabelValues(reason).Inc()
}

// RecordReview counts a queued review item.
func (m *ResolutionMetrics) RecordReview(reason string) {
	if m == nil {
		return
	}
	m.ReviewsQueuedTotal.WithLabelValues(reason).Inc()
}

// RecordAdvance counts a state pointer move.
func (m *ResolutionMetrics) RecordAdvance(state string) {
	if m == nil {
		return
	}
	m.WorkflowAdvancesTotal.WithLabelValues(state).Inc()
}

// RecordActions counts planned and completed action items.
func (m *ResolutionMetrics) RecordActions(planned, completed int) {
	if m == nil {
		return
	}
	if planned > 0 {
		m.ActionItemsTotal.WithLabelValues("planned").Add(float64(planned))
	}
	if completed > 0 {
		m.ActionItemsTotal.WithLabelValues("completed").Add(float64(completed))
	}
}

// RecordDuplicates counts newly flagged duplicate pairs.
func (m *ResolutionMetrics) RecordDuplicates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DuplicatesFlaggedTotal.Add(float64(n))
}

// RecordQueueDepth sets the current depth of a queue.
func (m *ResolutionMetrics) RecordQueueDepth(queue string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

// RecordDLQItem counts an item moved to a dead letter queue.
func (m *ResolutionMetrics) RecordDLQItem(queue, errorCode string) {
	if m == nil {
		return
	}
	m.DLQItemsTotal.WithLabelValues(queue, errorCode).Inc()
}

// ObserveAICall records one guarded AI call. It satisfies ai.Observer.
func (m *ResolutionMetrics) ObserveAICall(_ context.Context, task ai.TaskKind, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = string(fderrors.ClassifyError(err, "ai").Code)
	}
	m.AICallsTotal.WithLabelValues(string(task), status).Inc()
	m.AILatencySeconds.WithLabelValues(string(task)).Observe(elapsed.Seconds())
}

var _ ai.Observer = (*ResolutionMetrics)(nil)

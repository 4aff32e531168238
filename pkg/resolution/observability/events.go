// Package observability provides event schemas, metrics and tracing for the
// resolution pipeline.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

// Event channels for Redis pub/sub
const (
	ChannelClassified       = "events.resolution.classified"
	ChannelShipmentCreated  = "events.resolution.shipment_created"
	ChannelWorkflowAdvanced = "events.resolution.workflow_advanced"
	ChannelReviewQueued     = "events.resolution.review_queued"
	ChannelDuplicateFlagged = "events.resolution.duplicate_flagged"
)

// ClassifiedEvent is emitted when a message is classified.
type ClassifiedEvent struct {
	EventID      string    `json:"event_id"`
	MessageID    string    `json:"message_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	DocumentType string    `json:"document_type"`
	Confidence   int       `json:"confidence"`
	Method       string    `json:"method"`
	Direction    string    `json:"direction"`
	RulesVersion string    `json:"rules_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// ShipmentCreatedEvent is emitted when a message creates a shipment.
type ShipmentCreatedEvent struct {
	EventID       string    `json:"event_id"`
	ShipmentID    int64     `json:"shipment_id"`
	BookingNumber string    `json:"booking_number"`
	BookingKey    string    `json:"booking_key"`
	CarrierID     string    `json:"carrier_id,omitempty"`
	MessageID     string    `json:"message_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WorkflowAdvancedEvent is emitted when a shipment's state pointer moves.
type WorkflowAdvancedEvent struct {
	EventID    string    `json:"event_id"`
	ShipmentID int64     `json:"shipment_id"`
	MessageID  string    `json:"message_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state"`
	StateOrder int       `json:"state_order"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReviewQueuedEvent is emitted when a message is queued for a human.
type ReviewQueuedEvent struct {
	EventID   string    `json:"event_id"`
	MessageID string    `json:"message_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DuplicateFlaggedEvent is emitted when a duplicate shipment pair is flagged.
type DuplicateFlaggedEvent struct {
	EventID             string    `json:"event_id"`
	FlagID              int64     `json:"flag_id"`
	CanonicalShipmentID int64     `json:"canonical_shipment_id"`
	DuplicateShipmentID int64     `json:"duplicate_shipment_id"`
	BookingKey          string    `json:"booking_key"`
	Timestamp           time.Time `json:"timestamp"`
}

// EventPublisher publishes events to channels.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event interface{}) error
	Close() error
}

// RedisEventPublisher publishes JSON events with Redis PUBLISH.
type RedisEventPublisher struct {
	client redis.UniversalClient
}

// NewRedisEventPublisher creates a publisher on a Redis client.
func NewRedisEventPublisher(client redis.UniversalClient) *RedisEventPublisher {
	return &RedisEventPublisher{client: client}
}

// Publish publishes an event to a Redis channel.
func (p *RedisEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisEventPublisher) Close() error {
	return nil
}

// NoOpEventPublisher discards all events.
type NoOpEventPublisher struct{}

// Publish does nothing.
func (p *NoOpEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	return nil
}

// Close does nothing.
func (p *NoOpEventPublisher) Close() error {
	return nil
}

// EventEmitter builds and publishes resolution events. A nil emitter
// discards everything.
type EventEmitter struct {
	publisher EventPublisher
	now       func() time.Time
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(publisher EventPublisher) *EventEmitter {
	return &EventEmitter{publisher: publisher, now: time.Now}
}

func (e *EventEmitter) emit(ctx context.Context, channel string, event interface{}) error {
	if e == nil || e.publisher == nil {
		return nil
	}
	return e.publisher.Publish(ctx, channel, event)
}

// EmitClassified emits a classification event.
func (e *EventEmitter) EmitClassified(ctx context.Context, c resolution.Classification, dir resolution.Direction) error {
	if e == nil {
		return nil
	}
	return e.emit(ctx, ChannelClassified, &ClassifiedEvent{
		EventID:      uuid.New().String(),
		MessageID:    c.MessageID,
		TraceID:      GetTraceID(ctx),
		DocumentType: string(c.DocumentType),
		Confidence:   c.Confidence,
		Method:       string(c.Method),
		Direction:    string(dir),
		RulesVersion: c.RulesVersion,
		Timestamp:    e.now().UTC(),
	})
}

// EmitShipmentCreated emits a shipment creation event.
func (e *EventEmitter) EmitShipmentCreated(ctx context.Context, s *resolution.Shipment, messageID string) error {
	if e == nil {
		return nil
	}
	return e.emit(ctx, ChannelShipmentCreated, &ShipmentCreatedEvent{
		EventID:       uuid.New().String(),
		ShipmentID:    s.ID,
		BookingNumber: s.BookingNumber,
		BookingKey:    s.BookingKey,
		CarrierID:     s.CarrierID,
		MessageID:     messageID,
		TraceID:       GetTraceID(ctx),
		Timestamp:     e.now().UTC(),
	})
}

// EmitWorkflowAdvanced emits a state pointer move.
func (e *EventEmitter) EmitWorkflowAdvanced(ctx context.Context, shipmentID int64, messageID, from, to string, order int) error {
	if e == nil {
		return nil
	}
	return e.emit(ctx, ChannelWorkflowAdvanced, &WorkflowAdvancedEvent{
		EventID:    uuid.New().String(),
		ShipmentID: shipmentID,
		MessageID:  messageID,
		TraceID:    GetTraceID(ctx),
		FromState:  from,
		ToState:    to,
		StateOrder: order,
		Timestamp:  e.now().UTC(),
	})
}

// EmitReviewQueued emits a review queue event.
func (e *EventEmitter) EmitReviewQueued(ctx context.Context, item resolution.ReviewItem) error {
	if e == nil {
		return nil
	}
	return e.emit(ctx, ChannelReviewQueued, &ReviewQueuedEvent{
		EventID:   uuid.New().String(),
		MessageID: item.MessageID,
		TraceID:   GetTraceID(ctx),
		Reason:    string(item.Reason),
		Details:   item.Details,
		Timestamp: e.now().UTC(),
	})
}

// EmitDuplicateFlagged emits a duplicate flag event.
func (e *EventEmitter) EmitDuplicateFlagged(ctx context.Context, f resolution.DuplicateFlag) error {
	if e == nil {
		return nil
	}
	return e.emit(ctx, ChannelDuplicateFlagged, &DuplicateFlaggedEvent{
		EventID:             uuid.New().String(),
		FlagID:              f.ID,
		CanonicalShipmentID: f.CanonicalShipmentID,
		DuplicateShipmentID: f.DuplicateShipmentID,
		BookingKey:          f.BookingKey,
		Timestamp:           e.now().UTC(),
	})
}

// Close closes the underlying publisher.
func (e *EventEmitter) Close() error {
	if e == nil || e.publisher == nil {
		return nil
	}
	return e.publisher.Close()
}

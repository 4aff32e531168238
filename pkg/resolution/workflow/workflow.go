// Package workflow is the Workflow State Engine. It maps a document type and
// direction to a workflow state, journals every state a shipment passes
// and moves the shipment's state pointer forward only. It also resolves
// and plans action items.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

// Store is the persistence the engine needs.
type Store interface {
	// AppendEvent inserts ev unless (shipment, state, message) exists.
	AppendEvent(ctx context.Context, ev *resolution.WorkflowEvent) (created bool, err error)
	EventsForShipment(ctx context.Context, shipmentID int64) ([]resolution.WorkflowEvent, error)
	// AdvanceState sets the pointer only when the stored order is lower.
	AdvanceState(ctx context.Context, shipmentID int64, state string, order int) (bool, error)

	OpenActionItems(ctx context.Context, shipmentID int64) ([]resolution.ActionItem, error)
	// CompleteActionItem sets completion only on an open item.
	CompleteActionItem(ctx context.Context, id int64, at time.Time, messageID string) (bool, error)
	// CreateActionItem inserts item unless (shipment, description) exists.
	CreateActionItem(ctx context.Context, item *resolution.ActionItem) (created bool, err error)
}

// RulebookSource supplies the current rulebook.
type RulebookSource interface {
	Current() *rules.Rulebook
}

// Engine is the Workflow State Engine.
type Engine struct {
	store  Store
	rules  RulebookSource
	logger logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.With(logging.F("component", "workflow"))
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(store Store, src RulebookSource, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		rules:  src,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Advancement reports what Advance did.
type Advancement struct {
	Mapped        bool
	State         rules.State
	EventCreated  bool
	Advanced      bool
	PreviousState string
	PreviousOrder int
}

// Advance records that msg moved the shipment through the state its
// document type and direction map to. The event is appended even when the
// pointer does not move. On success the shipment's in-memory pointer
// reflects the stored one.
func (e *Engine) Advance(ctx context.Context, s *resolution.Shipment, msg *resolution.Message, dt resolution.DocumentType, dir resolution.Direction) (*Advancement, error) {
	rb := e.rules.Current()
	adv := &Advancement{
		PreviousState: s.WorkflowState,
		PreviousOrder: s.WorkflowStateOrder,
	}
	state, ok := rb.StateFor(dt, dir)
	if !ok {
		return adv, nil
	}
	adv.Mapped = true
	adv.State = state

	created, err := e.store.AppendEvent(ctx, &resolution.WorkflowEvent{
		ShipmentID:          s.ID,
		WorkflowState:       state.Name,
		StateOrder:          state.Order,
		TriggeringMessageID: msg.ID,
		Direction:           dir,
		OccurredAt:          msg.ReceivedAt.UTC(),
	})
	if err != nil {
		return nil, fderrors.ClassifyError(fmt.Errorf("append workflow event: %w", err), "workflow")
	}
	adv.EventCreated = created

	advanced, err := e.store.AdvanceState(ctx, s.ID, state.Name, state.Order)
	if err != nil {
		return nil, fderrors.ClassifyError(fmt.Errorf("advance state: %w", err), "workflow")
	}
	adv.Advanced = advanced
	if advanced {
		s.WorkflowState = state.Name
		s.WorkflowStateOrder = state.Order
		e.logger.Info("Advanced shipment workflow",
			logging.F("shipment_id", s.ID),
			logging.F("message_id", msg.ID),
			logging.F("from", adv.PreviousState),
			logging.F("to", state.Name),
			logging.F("order", state.Order))
	}
	return adv, nil
}

// StatesReached returns the distinct states a shipment has passed, in
// state order.
func (e *Engine) StatesReached(ctx context.Context, shipmentID int64) ([]string, error) {
	events, err := e.store.EventsForShipment(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("load workflow events: %w", err)
	}
	return statesReached(events), nil
}

func statesReached(events []resolution.WorkflowEvent) []string {
	best := make(map[string]int)
	for _, ev := range events {
		best[ev.WorkflowState] = ev.StateOrder
	}
	out := make([]string, 0, len(best))
	for name := range best {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		if best[out[i]] != best[out[j]] {
			return best[out[i]] < best[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// ResolveActions completes open action items the message discharges: the
// item description contains one of the document type's keywords and the
// item existed when the message was received. Items raised by msg itself
// are left alone.
func (e *Engine) ResolveActions(ctx context.Context, shipmentID int64, msg *resolution.Message, dt resolution.DocumentType) ([]resolution.ActionItem, error) {
	keywords := e.rules.Current().ActionKeywords(dt)
	if len(keywords) == 0 {
		return nil, nil
	}
	items, err := e.store.OpenActionItems(ctx, shipmentID)
	if err != nil {
		return nil, fderrors.ClassifyError(fmt.Errorf("load action items: %w", err), "workflow")
	}
	at := msg.ReceivedAt.UTC()
	var completed []resolution.ActionItem
	for _, item := range items {
		if !item.Open() || item.SourceMessageID == msg.ID {
			continue
		}
		if item.CreatedAt.After(at) || !matchesAny(item.Description, keywords) {
			continue
		}
		ok, err := e.store.CompleteActionItem(ctx, item.ID, at, msg.ID)
		if err != nil {
			return nil, fderrors.ClassifyError(fmt.Errorf("complete action item %d: %w", item.ID, err), "workflow")
		}
		if !ok {
			continue
		}
		item.CompletedAt = &at
		item.CompletedByMessageID = msg.ID
		completed = append(completed, item)
		e.logger.Info("Resolved action item",
			logging.F("shipment_id", shipmentID),
			logging.F("action_item_id", item.ID),
			logging.F("message_id", msg.ID),
			logging.F("description", item.Description))
	}
	return completed, nil
}

// PlanObligations raises an action item for every extracted cutoff that the
// rulebook ties to an obligation. A document that itself discharges the
// obligation does not raise it.
func (e *Engine) PlanObligations(ctx context.Context, shipmentID int64, msg *resolution.Message, dt resolution.DocumentType, ids resolution.Identifiers) ([]resolution.ActionItem, error) {
	rb := e.rules.Current()
	keywords := rb.ActionKeywords(dt)
	var planned []resolution.ActionItem
	for _, id := range ids {
		if !id.Kind.IsDate() {
			continue
		}
		ob, ok := rb.ObligationFor(id.Kind)
		if !ok || matchesAny(ob.Description, keywords) {
			continue
		}
		deadline, err := time.Parse(time.DateOnly, id.Value)
		if err != nil {
			e.logger.Warn("Skipping obligation with unparseable deadline",
				logging.F("message_id", msg.ID),
				logging.F("kind", string(id.Kind)),
				logging.F("value", id.Value))
			continue
		}
		item := &resolution.ActionItem{
			ShipmentID:      shipmentID,
			Description:     ob.Description,
			Owner:           ob.Owner,
			Priority:        ob.Priority,
			Deadline:        &deadline,
			CreatedAt:       msg.ReceivedAt.UTC(),
			SourceMessageID: msg.ID,
		}
		created, err := e.store.CreateActionItem(ctx, item)
		if err != nil {
			return nil, fderrors.ClassifyError(fmt.Errorf("create action item: %w", err), "workflow")
		}
		if created {
			planned = append(planned, *item)
		}
	}
	return planned, nil
}

func matchesAny(description string, keywords []string) bool {
	d := strings.ToLower(description)
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(d, k) {
			return true
		}
	}
	return false
}

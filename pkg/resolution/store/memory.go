// Package store holds the persistence adapters for the resolution engine:
// a Postgres store on pgx and an in-memory store with the same semantics
// for tests and file-based runs.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/direction"
)

type eventKey struct {
	shipmentID int64
	state      string
	messageID  string
}

type mappingKey struct {
	kind  resolution.IdentifierKind
	value string
}

type identifierKey struct {
	messageID string
	kind      resolution.IdentifierKind
	value     string
}

// Memory is an in-memory store. Every uniqueness and compare-and-set rule
// of the Postgres schema is enforced the same way. Safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	messages        map[string]resolution.Message
	classifications []resolution.Classification
	identifiers     []resolution.ExtractedIdentifier
	identifierSeen  map[identifierKey]bool

	shipments      map[int64]*resolution.Shipment
	fieldConflicts []resolution.FieldConflict
	links          map[string]resolution.MessageShipmentLink
	mappings       map[mappingKey]resolution.IdentifierMapping

	events     []resolution.WorkflowEvent
	eventSeen  map[eventKey]bool
	actions    []*resolution.ActionItem
	reviews    []*resolution.ReviewItem
	orphans    map[string]*resolution.Orphan
	duplicates []*resolution.DuplicateFlag

	outcomes    map[string]resolution.Outcome
	checkpoints map[string]resolution.Checkpoint

	nextID int64
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:       make(map[string]resolution.Message),
		identifierSeen: make(map[identifierKey]bool),
		shipments:      make(map[int64]*resolution.Shipment),
		links:          make(map[string]resolution.MessageShipmentLink),
		mappings:       make(map[mappingKey]resolution.IdentifierMapping),
		eventSeen:      make(map[eventKey]bool),
		orphans:        make(map[string]*resolution.Orphan),
		outcomes:       make(map[string]resolution.Outcome),
		checkpoints:    make(map[string]resolution.Checkpoint),
		now:            time.Now,
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", fderrors.ErrNotFound, fmt.Sprintf(format, args...))
}

func cloneShipment(s *resolution.Shipment) *resolution.Shipment {
	c := *s
	if s.Fields != nil {
		c.Fields = make(map[resolution.ShipmentField]string, len(s.Fields))
		for k, v := range s.Fields {
			c.Fields[k] = v
		}
	}
	c.StatesReached = append([]string(nil), s.StatesReached...)
	return &c
}

// Messages

// SaveMessage stores msg, replacing any message with the same id.
func (m *Memory) SaveMessage(_ context.Context, msg *resolution.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: message id is required", fderrors.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *msg
	c.Attachments = append([]resolution.AttachmentText(nil), msg.Attachments...)
	m.messages[msg.ID] = c
	return nil
}

// Message returns a stored message.
func (m *Memory) Message(_ context.Context, id string) (*resolution.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, notFound("message %s", id)
	}
	msg.Attachments = append([]resolution.AttachmentText(nil), msg.Attachments...)
	return &msg, nil
}

// MessagesAfter returns up to limit messages strictly after the
// (receivedAt, id) cursor, in cursor order.
func (m *Memory) MessagesAfter(_ context.Context, receivedAt time.Time, id string, limit int) ([]resolution.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.Message
	for _, msg := range m.messages {
		if msg.ReceivedAt.After(receivedAt) || (msg.ReceivedAt.Equal(receivedAt) && msg.ID > id) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Classifications and identifiers

// AppendClassification appends c unless the message already has a
// classification with the same type, rules version and content hash.
func (m *Memory) AppendClassification(_ context.Context, c *resolution.Classification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.classifications {
		if prev.MessageID == c.MessageID && prev.DocumentType == c.DocumentType &&
			prev.RulesVersion == c.RulesVersion && prev.ContentHash == c.ContentHash {
			c.ID = prev.ID
			return false, nil
		}
	}
	c.ID = m.id()
	m.classifications = append(m.classifications, *c)
	return true, nil
}

// Classifications returns every classification of a message, oldest first.
func (m *Memory) Classifications(_ context.Context, messageID string) ([]resolution.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.Classification
	for _, c := range m.classifications {
		if c.MessageID == messageID {
			out = append(out, c)
		}
	}
	return out, nil
}

// AppendIdentifiers stores identifiers not yet seen for their message and
// returns how many were new.
func (m *Memory) AppendIdentifiers(_ context.Context, ids resolution.Identifiers) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		k := identifierKey{id.MessageID, id.Kind, id.Value}
		if m.identifierSeen[k] {
			continue
		}
		m.identifierSeen[k] = true
		id.ID = m.id()
		m.identifiers = append(m.identifiers, id)
		n++
	}
	return n, nil
}

// IdentifiersFor returns the stored identifiers of a message.
func (m *Memory) IdentifiersFor(_ context.Context, messageID string) (resolution.Identifiers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out resolution.Identifiers
	for _, id := range m.identifiers {
		if id.MessageID == messageID {
			out = append(out, id)
		}
	}
	return out, nil
}

// Shipments

// ShipmentByID returns a shipment.
func (m *Memory) ShipmentByID(_ context.Context, id int64) (*resolution.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return nil, notFound("shipment %d", id)
	}
	return m.withStates(s), nil
}

// withStates copies s and fills StatesReached from the event journal.
func (m *Memory) withStates(s *resolution.Shipment) *resolution.Shipment {
	c := cloneShipment(s)
	order := make(map[string]int)
	for _, ev := range m.events {
		if ev.ShipmentID == s.ID {
			order[ev.WorkflowState] = ev.StateOrder
		}
	}
	c.StatesReached = c.StatesReached[:0]
	for name := range order {
		c.StatesReached = append(c.StatesReached, name)
	}
	sort.Slice(c.StatesReached, func(i, j int) bool {
		a, b := c.StatesReached[i], c.StatesReached[j]
		if order[a] != order[b] {
			return order[a] < order[b]
		}
		return a < b
	})
	return c
}

// lowest returns the lowest-id shipment matching fn.
func (m *Memory) lowest(fn func(*resolution.Shipment) bool) *resolution.Shipment {
	var best *resolution.Shipment
	for _, s := range m.shipments {
		if fn(s) && (best == nil || s.ID < best.ID) {
			best = s
		}
	}
	return best
}

// ShipmentByBookingNumber finds a shipment by its stored raw booking number.
func (m *Memory) ShipmentByBookingNumber(_ context.Context, bookingNumber string) (*resolution.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lowest(func(s *resolution.Shipment) bool { return s.BookingNumber == bookingNumber })
	if s == nil {
		return nil, notFound("shipment with booking %s", bookingNumber)
	}
	return m.withStates(s), nil
}

// ShipmentByBookingKey finds a shipment by normalized booking key.
func (m *Memory) ShipmentByBookingKey(_ context.Context, key string) (*resolution.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lowest(func(s *resolution.Shipment) bool { return s.BookingKey == key })
	if s == nil {
		return nil, notFound("shipment with booking key %s", key)
	}
	return m.withStates(s), nil
}

// CreateShipment inserts s unless its booking key exists.
func (m *Memory) CreateShipment(_ context.Context, s *resolution.Shipment) (bool, error) {
	if s.BookingKey == "" {
		return false, fmt.Errorf("%w: booking key is required", fderrors.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.lowest(func(e *resolution.Shipment) bool { return e.BookingKey == s.BookingKey }); existing != nil {
		*s = *m.withStates(existing)
		return false, nil
	}
	s.ID = m.id()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	m.shipments[s.ID] = cloneShipment(s)
	return true, nil
}

// InsertShipment stores s as given, bypassing the booking key uniqueness
// rule. It models rows written before a normalization change and is only
// useful for seeding.
func (m *Memory) InsertShipment(_ context.Context, s *resolution.Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.shipments[s.ID]; exists {
		return fmt.Errorf("%w: shipment %d", fderrors.ErrAlreadyExists, s.ID)
	}
	if s.ID == 0 {
		s.ID = m.id()
	} else if s.ID > m.nextID {
		m.nextID = s.ID
	}
	m.shipments[s.ID] = cloneShipment(s)
	return nil
}

// SetFieldIfNull writes value when the column is empty.
func (m *Memory) SetFieldIfNull(_ context.Context, id int64, field resolution.ShipmentField, value string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return false, "", notFound("shipment %d", id)
	}
	if current := s.Field(field); current != "" {
		return false, current, nil
	}
	s.SetField(field, value)
	s.UpdatedAt = m.now().UTC()
	return true, value, nil
}

// RecordFieldConflict appends a rejected overwrite.
func (m *Memory) RecordFieldConflict(_ context.Context, c resolution.FieldConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.fieldConflicts {
		if prev.ShipmentID == c.ShipmentID && prev.Field == c.Field &&
			prev.ProposedValue == c.ProposedValue && prev.MessageID == c.MessageID {
			return nil
		}
	}
	m.fieldConflicts = append(m.fieldConflicts, c)
	return nil
}

// FieldConflicts returns the conflicts recorded for a shipment.
func (m *Memory) FieldConflicts(_ context.Context, shipmentID int64) ([]resolution.FieldConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.FieldConflict
	for _, c := range m.fieldConflicts {
		if c.ShipmentID == shipmentID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListShipments pages through shipments in id order.
func (m *Memory) ListShipments(_ context.Context, afterID int64, limit int) ([]resolution.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.Shipment
	for _, s := range m.shipments {
		if s.ID > afterID {
			out = append(out, *m.withStates(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Links and mappings

// LinkMessage inserts link unless the message is already linked.
func (m *Memory) LinkMessage(_ context.Context, link resolution.MessageShipmentLink) (resolution.MessageShipmentLink, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.links[link.MessageID]; ok {
		return existing, false, nil
	}
	if _, ok := m.shipments[link.ShipmentID]; !ok {
		return resolution.MessageShipmentLink{}, false, notFound("shipment %d", link.ShipmentID)
	}
	m.links[link.MessageID] = link
	return link, true, nil
}

// LinkForMessage returns the link of a message.
func (m *Memory) LinkForMessage(_ context.Context, messageID string) (*resolution.MessageShipmentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[messageID]
	if !ok {
		return nil, notFound("link for message %s", messageID)
	}
	return &link, nil
}

// LinksForShipment returns every link to a shipment, ordered by message id.
func (m *Memory) LinksForShipment(_ context.Context, shipmentID int64) ([]resolution.MessageShipmentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.MessageShipmentLink
	for _, l := range m.links {
		if l.ShipmentID == shipmentID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

// MappingFor returns the mapping of a secondary identifier.
func (m *Memory) MappingFor(_ context.Context, kind resolution.IdentifierKind, value string) (*resolution.IdentifierMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[mappingKey{kind, value}]
	if !ok {
		return nil, notFound("mapping for %s %s", kind, value)
	}
	return &mp, nil
}

// CreateMapping inserts mp unless (kind, value) is mapped.
func (m *Memory) CreateMapping(_ context.Context, mp resolution.IdentifierMapping) (resolution.IdentifierMapping, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mappingKey{mp.Kind, mp.Value}
	if existing, ok := m.mappings[k]; ok {
		return existing, false, nil
	}
	m.mappings[k] = mp
	return mp, true, nil
}

// Reviews and orphans

// EnqueueReview adds item unless an unresolved item with the same message
// and reason is queued.
func (m *Memory) EnqueueReview(_ context.Context, item resolution.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reviews {
		if r.MessageID == item.MessageID && r.Reason == item.Reason && r.ResolvedAt == nil {
			return nil
		}
	}
	item.ID = m.id()
	m.reviews = append(m.reviews, &item)
	return nil
}

// ListReviews returns queued review items, oldest first. Resolved items are
// included only when all is set.
func (m *Memory) ListReviews(_ context.Context, all bool) ([]resolution.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.ReviewItem
	for _, r := range m.reviews {
		if all || r.ResolvedAt == nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// ResolveReview marks a review item resolved.
func (m *Memory) ResolveReview(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reviews {
		if r.ID == id {
			if r.ResolvedAt == nil {
				t := at.UTC()
				r.ResolvedAt = &t
			}
			return nil
		}
	}
	return notFound("review item %d", id)
}

// UpsertOrphan records or re-records an unlinked message.
func (m *Memory) UpsertOrphan(_ context.Context, messageID string, reason resolution.OrphanReason, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at = at.UTC()
	o, ok := m.orphans[messageID]
	if !ok {
		m.orphans[messageID] = &resolution.Orphan{
			MessageID:     messageID,
			Reason:        reason,
			Attempts:      1,
			FirstSeenAt:   at,
			LastAttemptAt: at,
		}
		return nil
	}
	o.Reason = reason
	o.Attempts++
	o.LastAttemptAt = at
	o.ResolvedAt = nil
	return nil
}

// ResolveOrphan marks an orphan resolved. A message that was never an
// orphan is not an error.
func (m *Memory) ResolveOrphan(_ context.Context, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orphans[messageID]; ok && o.ResolvedAt == nil {
		t := at.UTC()
		o.ResolvedAt = &t
	}
	return nil
}

// ListOrphans returns unresolved orphans, least recently attempted first.
func (m *Memory) ListOrphans(_ context.Context, limit int) ([]resolution.Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.Orphan
	for _, o := range m.orphans {
		if o.ResolvedAt == nil {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAttemptAt.Equal(out[j].LastAttemptAt) {
			return out[i].LastAttemptAt.Before(out[j].LastAttemptAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Orphan returns the orphan record of a message.
func (m *Memory) Orphan(_ context.Context, messageID string) (*resolution.Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orphans[messageID]
	if !ok {
		return nil, notFound("orphan %s", messageID)
	}
	c := *o
	return &c, nil
}

// Duplicates

// CreateDuplicateFlag opens f unless the pair was flagged before, in either
// order and with any status.
func (m *Memory) CreateDuplicateFlag(_ context.Context, f *resolution.DuplicateFlag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.duplicates {
		if samePair(d, f) {
			*f = *d
			return false, nil
		}
	}
	f.ID = m.id()
	c := *f
	m.duplicates = append(m.duplicates, &c)
	return true, nil
}

func samePair(a, b *resolution.DuplicateFlag) bool {
	return (a.CanonicalShipmentID == b.CanonicalShipmentID && a.DuplicateShipmentID == b.DuplicateShipmentID) ||
		(a.CanonicalShipmentID == b.DuplicateShipmentID && a.DuplicateShipmentID == b.CanonicalShipmentID)
}

// DuplicateFlag returns a flag.
func (m *Memory) DuplicateFlag(_ context.Context, id int64) (*resolution.DuplicateFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.duplicates {
		if d.ID == id {
			c := *d
			return &c, nil
		}
	}
	return nil, notFound("duplicate flag %d", id)
}

// ListDuplicateFlags returns flags with status, or all when status is "".
func (m *Memory) ListDuplicateFlags(_ context.Context, status resolution.DuplicateStatus) ([]resolution.DuplicateFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.DuplicateFlag
	for _, d := range m.duplicates {
		if status == "" || d.Status == status {
			out = append(out, *d)
		}
	}
	return out, nil
}

// UpdateDuplicateFlag stores the resolution of a flag.
func (m *Memory) UpdateDuplicateFlag(_ context.Context, f *resolution.DuplicateFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.duplicates {
		if d.ID == f.ID {
			*d = *f
			return nil
		}
	}
	return notFound("duplicate flag %d", f.ID)
}

// RepointShipment moves links, events, action items and mappings from one
// shipment to another. Rows that would collide with the target's own are
// dropped.
func (m *Memory) RepointShipment(_ context.Context, fromID, toID int64) (int, error) {
	if fromID == toID {
		return 0, fmt.Errorf("%w: cannot repoint shipment %d onto itself", fderrors.ErrConflict, fromID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok := m.shipments[fromID]
	if !ok {
		return 0, notFound("shipment %d", fromID)
	}
	to, ok := m.shipments[toID]
	if !ok {
		return 0, notFound("shipment %d", toID)
	}

	moved := 0
	for id, l := range m.links {
		if l.ShipmentID == fromID {
			l.ShipmentID = toID
			m.links[id] = l
			moved++
		}
	}

	events := m.events[:0]
	for _, ev := range m.events {
		if ev.ShipmentID == fromID {
			delete(m.eventSeen, eventKey{fromID, ev.WorkflowState, ev.TriggeringMessageID})
			k := eventKey{toID, ev.WorkflowState, ev.TriggeringMessageID}
			if m.eventSeen[k] {
				continue
			}
			m.eventSeen[k] = true
			ev.ShipmentID = toID
		}
		events = append(events, ev)
	}
	m.events = events

	actions := m.actions[:0]
	for _, a := range m.actions {
		if a.ShipmentID == fromID {
			if m.hasAction(toID, a.Description) {
				continue
			}
			a.ShipmentID = toID
		}
		actions = append(actions, a)
	}
	m.actions = actions

	if from.BookingKey != to.BookingKey {
		for k, mp := range m.mappings {
			if mp.BookingKey == from.BookingKey {
				mp.BookingKey = to.BookingKey
				m.mappings[k] = mp
			}
		}
	}
	return moved, nil
}

func (m *Memory) hasAction(shipmentID int64, description string) bool {
	for _, a := range m.actions {
		if a.ShipmentID == shipmentID && strings.EqualFold(a.Description, description) {
			return true
		}
	}
	return false
}

// AdvanceState moves the workflow pointer when order is higher.
func (m *Memory) AdvanceState(_ context.Context, id int64, state string, order int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return false, notFound("shipment %d", id)
	}
	if s.WorkflowState != "" && s.WorkflowStateOrder >= order {
		return false, nil
	}
	s.WorkflowState = state
	s.WorkflowStateOrder = order
	s.UpdatedAt = m.now().UTC()
	return true, nil
}

// DeleteShipmentIfUnlinked deletes a shipment that no message links to.
func (m *Memory) DeleteShipmentIfUnlinked(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shipments[id]; !ok {
		return false, nil
	}
	for _, l := range m.links {
		if l.ShipmentID == id {
			return false, nil
		}
	}
	delete(m.shipments, id)
	return true, nil
}

// Workflow

// AppendEvent inserts ev unless (shipment, state, message) exists.
func (m *Memory) AppendEvent(_ context.Context, ev *resolution.WorkflowEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey{ev.ShipmentID, ev.WorkflowState, ev.TriggeringMessageID}
	if m.eventSeen[k] {
		return false, nil
	}
	m.eventSeen[k] = true
	ev.ID = m.id()
	m.events = append(m.events, *ev)
	return true, nil
}

// EventsForShipment returns a shipment's journal in insertion order.
func (m *Memory) EventsForShipment(_ context.Context, shipmentID int64) ([]resolution.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.WorkflowEvent
	for _, ev := range m.events {
		if ev.ShipmentID == shipmentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CreateActionItem inserts item unless the shipment already has an item
// with the same description.
func (m *Memory) CreateActionItem(_ context.Context, item *resolution.ActionItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasAction(item.ShipmentID, item.Description) {
		return false, nil
	}
	item.ID = m.id()
	c := *item
	m.actions = append(m.actions, &c)
	return true, nil
}

// OpenActionItems returns a shipment's uncompleted items.
func (m *Memory) OpenActionItems(_ context.Context, shipmentID int64) ([]resolution.ActionItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.ActionItem
	for _, a := range m.actions {
		if a.ShipmentID == shipmentID && a.Open() {
			out = append(out, *a)
		}
	}
	return out, nil
}

// ActionItems returns every item of a shipment.
func (m *Memory) ActionItems(_ context.Context, shipmentID int64) ([]resolution.ActionItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resolution.ActionItem
	for _, a := range m.actions {
		if a.ShipmentID == shipmentID {
			out = append(out, *a)
		}
	}
	return out, nil
}

// CompleteActionItem completes an open item.
func (m *Memory) CompleteActionItem(_ context.Context, id int64, at time.Time, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ID != id {
			continue
		}
		if !a.Open() {
			return false, nil
		}
		t := at.UTC()
		a.CompletedAt = &t
		a.CompletedByMessageID = messageID
		return true, nil
	}
	return false, notFound("action item %d", id)
}

// Outcomes and checkpoints

// SaveOutcome upserts the outcome of a message.
func (m *Memory) SaveOutcome(_ context.Context, o *resolution.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *o
	c.Stages = append([]resolution.StageResult(nil), o.Stages...)
	c.Errors = append([]string(nil), o.Errors...)
	m.outcomes[o.MessageID] = c
	return nil
}

// Outcome returns the last outcome of a message.
func (m *Memory) Outcome(_ context.Context, messageID string) (*resolution.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[messageID]
	if !ok {
		return nil, notFound("outcome for message %s", messageID)
	}
	return &o, nil
}

// LoadCheckpoint returns a named checkpoint.
func (m *Memory) LoadCheckpoint(_ context.Context, name string) (*resolution.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[name]
	if !ok {
		return nil, notFound("checkpoint %s", name)
	}
	return &cp, nil
}

// SaveCheckpoint upserts a checkpoint.
func (m *Memory) SaveCheckpoint(_ context.Context, cp *resolution.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.Name] = *cp
	return nil
}

// DirectionAuditRecords pairs stored messages with the direction recorded
// in their outcome, oldest first.
func (m *Memory) DirectionAuditRecords(_ context.Context, limit int) ([]direction.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []direction.AuditRecord
	for id, o := range m.outcomes {
		msg, ok := m.messages[id]
		if !ok || o.Direction.Direction == "" {
			continue
		}
		out = append(out, direction.AuditRecord{Message: &msg, Stored: o.Direction})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

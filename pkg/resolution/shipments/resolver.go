// Package shipments ties messages to shipment aggregates. It looks shipments
// up by normalized booking number or through learned identifier mappings,
// creates them only from direct carrier booking documents, backfills empty
// fields first-writer-wins, and detects duplicates for explicit merge.
package shipments

import (
	"context"
	"fmt"
	"time"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/locks"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

// Link confidences by method.
var linkConfidence = map[resolution.LinkMethod]int{
	resolution.LinkBookingExact:      100,
	resolution.LinkBookingNormalized: 95,
	resolution.LinkIdentifierMapping: 85,
	resolution.LinkCreated:           100,
}

// secondaryKinds are consulted through IdentifierMapping, in this order.
var secondaryKinds = []resolution.IdentifierKind{
	resolution.KindMBLNumber,
	resolution.KindHBLNumber,
	resolution.KindBLNumber,
	resolution.KindContainerNumber,
}

// RulebookSource supplies the current rulebook.
type RulebookSource interface {
	Current() *rules.Rulebook
}

// Input is everything the resolver needs about one message.
type Input struct {
	Message      *resolution.Message
	Direction    resolution.ResolvedDirection
	DocumentType resolution.DocumentType
	Identifiers  resolution.Identifiers
}

// Outcome reports what Resolve did.
type Outcome struct {
	Shipment    *resolution.Shipment
	Link        *resolution.MessageShipmentLink
	Created     bool
	LinkCreated bool
	// OrphanReason is set when the message was left unlinked.
	OrphanReason resolution.OrphanReason
	Conflicts    []resolution.FieldConflict
	Reviews      []resolution.ReviewItem
	NewMappings  int
}

// Linked reports whether the message ended up tied to a shipment.
func (o *Outcome) Linked() bool {
	return o.Shipment != nil
}

// Resolver is the Shipment Resolver.
type Resolver struct {
	store  Store
	rules  RulebookSource
	logger logging.Logger
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l.With(logging.F("component", "shipment_resolver"))
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver.
func NewResolver(store Store, src RulebookSource, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		rules:  src,
		logger: logging.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LockKey returns the per-shipment lock key the message will touch, or ""
// when it carries nothing resolvable. Callers hold the lock across Resolve
// and workflow advancement.
func (r *Resolver) LockKey(ctx context.Context, ids resolution.Identifiers) (string, error) {
	rb := r.rules.Current()
	if booking, ok := ids.First(resolution.KindBookingNumber); ok {
		return locks.ShipmentKey(NormalizeBooking(rb, booking)), nil
	}
	m, err := r.firstMapping(ctx, ids)
	if err != nil || m == nil {
		return "", err
	}
	return locks.ShipmentKey(m.BookingKey), nil
}

// Resolve finds or creates the shipment for a message, links it, backfills
// empty fields and records identifier mappings.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Outcome, error) {
	rb := r.rules.Current()
	msg := in.Message
	log := r.logger.With(logging.F("message_id", msg.ID))
	out := &Outcome{}

	shipment, method, err := r.lookup(ctx, rb, in, out)
	if err != nil {
		return nil, err
	}

	if shipment == nil && r.mayCreate(in) {
		booking, _ := in.Identifiers.First(resolution.KindBookingNumber)
		s := &resolution.Shipment{
			BookingNumber:        CleanBooking(booking),
			BookingKey:           NormalizeBooking(rb, booking),
			CarrierID:            in.Direction.CarrierID,
			CreatedFromMessageID: msg.ID,
			CreatedAt:            r.now().UTC(),
		}
		s.UpdatedAt = s.CreatedAt
		created, err := r.store.CreateShipment(ctx, s)
		if err != nil {
			return nil, fderrors.ClassifyError(fmt.Errorf("create shipment: %w", err), "shipment")
		}
		shipment = s
		method = resolution.LinkCreated
		if !created {
			method = resolution.LinkBookingNormalized
		}
		out.Created = created
		if created {
			log.Info("Created shipment",
				logging.F("shipment_id", s.ID),
				logging.F("booking_key", s.BookingKey),
				logging.F("carrier_id", s.CarrierID))
		}
	}

	if shipment == nil {
		out.OrphanReason = resolution.OrphanAwaitingShipment
		if !hasResolvable(in.Identifiers) {
			out.OrphanReason = resolution.OrphanNoIdentifiers
		}
		if err := r.store.UpsertOrphan(ctx, msg.ID, out.OrphanReason, r.now().UTC()); err != nil {
			return nil, fderrors.ClassifyError(fmt.Errorf("record orphan: %w", err), "shipment")
		}
		log.Debug("Message left unlinked", logging.F("reason", string(out.OrphanReason)))
		return out, nil
	}

	link, created, err := r.store.LinkMessage(ctx, resolution.MessageShipmentLink{
		MessageID:       msg.ID,
		ShipmentID:      shipment.ID,
		DocumentType:    in.DocumentType,
		LinkMethod:      method,
		ConfidenceScore: linkConfidence[method],
		IsSourceOfTruth: in.Direction.IsDirectCarrier(),
		CreatedAt:       r.now().UTC(),
	})
	if err != nil {
		return nil, fderrors.ClassifyError(fmt.Errorf("link message: %w", err), "shipment")
	}
	out.LinkCreated = created
	if link.ShipmentID != shipment.ID {
		// Already linked elsewhere by an earlier run; that link stands.
		existing, err := r.store.ShipmentByID(ctx, link.ShipmentID)
		if err != nil {
			return nil, fderrors.ClassifyError(fmt.Errorf("load linked shipment: %w", err), "shipment")
		}
		shipment = existing
	}
	out.Shipment = shipment
	out.Link = &link

	if err := r.backfill(ctx, in, out); err != nil {
		return nil, err
	}
	if err := r.recordMappings(ctx, in, out); err != nil {
		return nil, err
	}
	if err := r.store.ResolveOrphan(ctx, msg.ID, r.now().UTC()); err != nil {
		return nil, fderrors.ClassifyError(fmt.Errorf("resolve orphan: %w", err), "shipment")
	}
	for _, item := range out.Reviews {
		if err := r.store.EnqueueReview(ctx, item); err != nil {
			return nil, fderrors.ClassifyError(fmt.Errorf("queue review: %w", err), "shipment")
		}
	}
	return out, nil
}

// lookup runs the booking path, then the secondary path. When both resolve
// to different shipments the booking wins and a review is queued.
func (r *Resolver) lookup(ctx context.Context, rb *rules.Rulebook, in Input, out *Outcome) (*resolution.Shipment, resolution.LinkMethod, error) {
	var byBooking *resolution.Shipment
	var method resolution.LinkMethod

	if booking, ok := in.Identifiers.First(resolution.KindBookingNumber); ok {
		s, err := r.store.ShipmentByBookingNumber(ctx, CleanBooking(booking))
		switch {
		case err == nil:
			byBooking, method = s, resolution.LinkBookingExact
		case !fderrors.IsNotFound(err):
			return nil, "", fderrors.ClassifyError(fmt.Errorf("lookup booking: %w", err), "shipment")
		default:
			s, err = r.store.ShipmentByBookingKey(ctx, NormalizeBooking(rb, booking))
			switch {
			case err == nil:
				byBooking, method = s, resolution.LinkBookingNormalized
			case !fderrors.IsNotFound(err):
				return nil, "", fderrors.ClassifyError(fmt.Errorf("lookup booking key: %w", err), "shipment")
			}
		}
	}

	mapping, err := r.firstMapping(ctx, in.Identifiers)
	if err != nil {
		return nil, "", err
	}
	var byMapping *resolution.Shipment
	if mapping != nil {
		s, err := r.store.ShipmentByBookingKey(ctx, mapping.BookingKey)
		switch {
		case err == nil:
			byMapping = s
		case !fderrors.IsNotFound(err):
			return nil, "", fderrors.ClassifyError(fmt.Errorf("lookup mapped booking: %w", err), "shipment")
		}
	}

	switch {
	case byBooking != nil && byMapping != nil && byBooking.ID != byMapping.ID:
		out.Reviews = append(out.Reviews, resolution.ReviewItem{
			MessageID: in.Message.ID,
			Reason:    resolution.ReviewBookingConflict,
			Details: fmt.Sprintf("booking resolves shipment %d but %s %s maps to shipment %d",
				byBooking.ID, mapping.Kind, mapping.Value, byMapping.ID),
			CreatedAt: r.now().UTC(),
		})
		r.logger.Warn("Booking and secondary identifier disagree",
			logging.F("message_id", in.Message.ID),
			logging.F("booking_shipment_id", byBooking.ID),
			logging.F("mapped_shipment_id", byMapping.ID))
		return byBooking, method, nil
	case byBooking != nil:
		return byBooking, method, nil
	case byMapping != nil:
		return byMapping, resolution.LinkIdentifierMapping, nil
	}
	return nil, "", nil
}

// firstMapping returns the first stored mapping among the secondary
// identifiers, in kind order.
func (r *Resolver) firstMapping(ctx context.Context, ids resolution.Identifiers) (*resolution.IdentifierMapping, error) {
	for _, kind := range secondaryKinds {
		for _, value := range ids.All(kind) {
			m, err := r.store.MappingFor(ctx, kind, value)
			switch {
			case err == nil:
				return m, nil
			case !fderrors.IsNotFound(err):
				return nil, fderrors.ClassifyError(fmt.Errorf("lookup mapping: %w", err), "shipment")
			}
		}
	}
	return nil, nil
}

// mayCreate is the only gate on shipment creation: a direct carrier booking
// document with a booking number.
func (r *Resolver) mayCreate(in Input) bool {
	return in.Direction.IsDirectCarrier() &&
		in.DocumentType.IsBooking() &&
		in.Identifiers.Has(resolution.KindBookingNumber)
}

func hasResolvable(ids resolution.Identifiers) bool {
	if ids.Has(resolution.KindBookingNumber) {
		return true
	}
	for _, k := range secondaryKinds {
		if ids.Has(k) {
			return true
		}
	}
	return false
}

// backfill fills empty columns. A populated column is never overwritten; a
// differing proposal is recorded as a FieldConflict.
func (r *Resolver) backfill(ctx context.Context, in Input, out *Outcome) error {
	s := out.Shipment
	proposals := make(map[resolution.ShipmentField]string)
	for _, id := range in.Identifiers {
		field, ok := resolution.FieldForKind(id.Kind)
		if !ok || field == resolution.FieldBookingNumber {
			continue
		}
		if _, seen := proposals[field]; !seen {
			proposals[field] = id.Value
		}
	}
	if in.Direction.CarrierID != "" {
		proposals[resolution.FieldCarrierID] = in.Direction.CarrierID
	}

	for _, field := range resolution.BackfillFields {
		value, ok := proposals[field]
		if !ok || value == "" {
			continue
		}
		applied, current, err := r.store.SetFieldIfNull(ctx, s.ID, field, value)
		if err != nil {
			return fderrors.ClassifyError(fmt.Errorf("backfill %s: %w", field, err), "shipment")
		}
		if applied {
			s.SetField(field, value)
			continue
		}
		s.SetField(field, current)
		if current == value {
			continue
		}
		conflict := resolution.FieldConflict{
			ShipmentID:    s.ID,
			Field:         field,
			ExistingValue: current,
			ProposedValue: value,
			MessageID:     in.Message.ID,
			CreatedAt:     r.now().UTC(),
		}
		if err := r.store.RecordFieldConflict(ctx, conflict); err != nil {
			return fderrors.ClassifyError(fmt.Errorf("record field conflict: %w", err), "shipment")
		}
		out.Conflicts = append(out.Conflicts, conflict)
		r.logger.Warn("Rejected overwrite of populated shipment field",
			logging.F("message_id", in.Message.ID),
			logging.F("shipment_id", s.ID),
			logging.F("field", string(field)),
			logging.F("existing", current),
			logging.F("proposed", value))
	}
	return nil
}

// recordMappings learns secondary identifiers for the resolved shipment.
// The first mapping wins; one pointing elsewhere is queued for review.
func (r *Resolver) recordMappings(ctx context.Context, in Input, out *Outcome) error {
	s := out.Shipment
	if s.BookingKey == "" {
		return nil
	}
	for _, kind := range secondaryKinds {
		for _, value := range in.Identifiers.All(kind) {
			stored, created, err := r.store.CreateMapping(ctx, resolution.IdentifierMapping{
				Kind:            kind,
				Value:           value,
				BookingKey:      s.BookingKey,
				SourceMessageID: in.Message.ID,
				CreatedAt:       r.now().UTC(),
			})
			if err != nil {
				return fderrors.ClassifyError(fmt.Errorf("record mapping: %w", err), "shipment")
			}
			if created {
				out.NewMappings++
				continue
			}
			if stored.BookingKey != s.BookingKey {
				out.Reviews = append(out.Reviews, resolution.ReviewItem{
					MessageID: in.Message.ID,
					Reason:    resolution.ReviewMappingConflict,
					Details: fmt.Sprintf("%s %s is mapped to booking %s, message links booking %s",
						kind, value, stored.BookingKey, s.BookingKey),
					CreatedAt: r.now().UTC(),
				})
			}
		}
	}
	return nil
}

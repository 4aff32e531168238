package shipments

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

const scanPageSize = 500

// Deduper finds and merges shipments that represent one booking.
type Deduper struct {
	store  DuplicateStore
	rules  RulebookSource
	logger logging.Logger
	now    func() time.Time
}

// NewDeduper creates a Deduper. It accepts the same options as the
// Resolver.
func NewDeduper(store DuplicateStore, src RulebookSource, opts ...Option) *Deduper {
	r := NewResolver(store, src, opts...)
	return &Deduper{
		store:  store,
		rules:  src,
		logger: r.logger,
		now:    r.now,
	}
}

// FindDuplicates re-normalizes every booking number with the current
// rulebook and opens a flag for each shipment that shares a key with a
// preferred canonical shipment. It never merges.
func (d *Deduper) FindDuplicates(ctx context.Context) ([]resolution.DuplicateFlag, error) {
	rb := d.rules.Current()
	groups := make(map[string][]resolution.Shipment)
	var afterID int64
	for {
		page, err := d.store.ListShipments(ctx, afterID, scanPageSize)
		if err != nil {
			return nil, fmt.Errorf("list shipments: %w", err)
		}
		for _, s := range page {
			key := NormalizeBooking(rb, s.BookingNumber)
			groups[key] = append(groups[key], s)
			afterID = s.ID
		}
		if len(page) < scanPageSize {
			break
		}
	}

	keys := make([]string, 0, len(groups))
	for k, g := range groups {
		if len(g) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var flags []resolution.DuplicateFlag
	for _, key := range keys {
		group := groups[key]
		canonical := pickCanonical(key, group)
		for _, s := range group {
			if s.ID == canonical.ID {
				continue
			}
			f := &resolution.DuplicateFlag{
				CanonicalShipmentID: canonical.ID,
				DuplicateShipmentID: s.ID,
				BookingKey:          key,
				Status:              resolution.DuplicateOpen,
				CreatedAt:           d.now().UTC(),
			}
			created, err := d.store.CreateDuplicateFlag(ctx, f)
			if err != nil {
				return nil, fmt.Errorf("flag duplicate: %w", err)
			}
			if created {
				d.logger.Info("Flagged duplicate shipment",
					logging.F("booking_key", key),
					logging.F("canonical_shipment_id", canonical.ID),
					logging.F("duplicate_shipment_id", s.ID))
				flags = append(flags, *f)
			}
		}
	}
	return flags, nil
}

// pickCanonical prefers the carrier-native format, then a shipment created
// from a direct carrier message, then the oldest.
func pickCanonical(key string, group []resolution.Shipment) resolution.Shipment {
	sorted := make([]resolution.Shipment, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		an, bn := CleanBooking(a.BookingNumber) == key, CleanBooking(b.BookingNumber) == key
		if an != bn {
			return an
		}
		ad, bd := a.CreatedFromMessageID != "", b.CreatedFromMessageID != ""
		if ad != bd {
			return ad
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// MergeRequest is a human decision on a duplicate flag.
type MergeRequest struct {
	FlagID      int64
	// CanonicalID is the shipment to keep; zero keeps the flag's canonical.
	CanonicalID int64
	Note        string
	ResolvedBy  string
}

// MergeResult reports what a merge changed.
type MergeResult struct {
	Flag             resolution.DuplicateFlag
	LinksMoved       int
	FieldsBackfilled []resolution.ShipmentField
	StateAdvanced    bool
	DuplicateDeleted bool
}

// Merge folds the duplicate into the chosen canonical shipment. Links,
// events, action items and mappings are re-pointed first; empty canonical
// fields are filled from the duplicate; the canonical state is raised to
// the higher of the two. The duplicate row is deleted only once nothing
// links to it.
func (d *Deduper) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if strings.TrimSpace(req.Note) == "" || strings.TrimSpace(req.ResolvedBy) == "" {
		return nil, fmt.Errorf("%w: merge requires a note and the name of who resolved it", fderrors.ErrValidation)
	}
	flag, err := d.store.DuplicateFlag(ctx, req.FlagID)
	if err != nil {
		return nil, fmt.Errorf("load duplicate flag %d: %w", req.FlagID, err)
	}
	if flag.Status != resolution.DuplicateOpen {
		return nil, fmt.Errorf("%w: duplicate flag %d is %s", fderrors.ErrInvalidState, flag.ID, flag.Status)
	}

	if req.CanonicalID == 0 {
		req.CanonicalID = flag.CanonicalShipmentID
	}
	var dupID int64
	switch req.CanonicalID {
	case flag.CanonicalShipmentID:
		dupID = flag.DuplicateShipmentID
	case flag.DuplicateShipmentID:
		dupID = flag.CanonicalShipmentID
	default:
		return nil, fmt.Errorf("%w: shipment %d is not part of flag %d", fderrors.ErrValidation, req.CanonicalID, flag.ID)
	}

	canonical, err := d.store.ShipmentByID(ctx, req.CanonicalID)
	if err != nil {
		return nil, fmt.Errorf("load canonical shipment: %w", err)
	}
	dup, err := d.store.ShipmentByID(ctx, dupID)
	if err != nil {
		return nil, fmt.Errorf("load duplicate shipment: %w", err)
	}

	res := &MergeResult{}
	res.LinksMoved, err = d.store.RepointShipment(ctx, dup.ID, canonical.ID)
	if err != nil {
		return nil, fmt.Errorf("re-point shipment %d: %w", dup.ID, err)
	}

	for _, field := range resolution.BackfillFields {
		if field == resolution.FieldBookingNumber {
			continue
		}
		value := dup.Field(field)
		if value == "" || canonical.Field(field) != "" {
			continue
		}
		applied, _, err := d.store.SetFieldIfNull(ctx, canonical.ID, field, value)
		if err != nil {
			return nil, fmt.Errorf("backfill %s: %w", field, err)
		}
		if applied {
			res.FieldsBackfilled = append(res.FieldsBackfilled, field)
		}
	}

	if dup.WorkflowState != "" && dup.WorkflowStateOrder > canonical.WorkflowStateOrder {
		res.StateAdvanced, err = d.store.AdvanceState(ctx, canonical.ID, dup.WorkflowState, dup.WorkflowStateOrder)
		if err != nil {
			return nil, fmt.Errorf("advance canonical state: %w", err)
		}
	}

	res.DuplicateDeleted, err = d.store.DeleteShipmentIfUnlinked(ctx, dup.ID)
	if err != nil {
		return nil, fmt.Errorf("delete duplicate shipment: %w", err)
	}

	now := d.now().UTC()
	flag.CanonicalShipmentID = canonical.ID
	flag.DuplicateShipmentID = dup.ID
	flag.Status = resolution.DuplicateMerged
	flag.ResolutionNote = req.Note
	flag.ResolvedBy = req.ResolvedBy
	flag.ResolvedAt = &now
	if err := d.store.UpdateDuplicateFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("record merge: %w", err)
	}
	res.Flag = *flag

	d.logger.Info("Merged duplicate shipment",
		logging.F("flag_id", flag.ID),
		logging.F("canonical_shipment_id", canonical.ID),
		logging.F("duplicate_shipment_id", dup.ID),
		logging.F("links_moved", res.LinksMoved),
		logging.F("duplicate_deleted", res.DuplicateDeleted),
		logging.F("resolved_by", req.ResolvedBy))
	return res, nil
}

// Dismiss closes a flag without merging.
func (d *Deduper) Dismiss(ctx context.Context, flagID int64, note, by string) (*resolution.DuplicateFlag, error) {
	if strings.TrimSpace(note) == "" || strings.TrimSpace(by) == "" {
		return nil, fmt.Errorf("%w: dismiss requires a note and the name of who resolved it", fderrors.ErrValidation)
	}
	flag, err := d.store.DuplicateFlag(ctx, flagID)
	if err != nil {
		return nil, fmt.Errorf("load duplicate flag %d: %w", flagID, err)
	}
	if flag.Status != resolution.DuplicateOpen {
		return nil, fmt.Errorf("%w: duplicate flag %d is %s", fderrors.ErrInvalidState, flag.ID, flag.Status)
	}
	now := d.now().UTC()
	flag.Status = resolution.DuplicateDismissed
	flag.ResolutionNote = note
	flag.ResolvedBy = by
	flag.ResolvedAt = &now
	if err := d.store.UpdateDuplicateFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("record dismissal: %w", err)
	}
	return flag, nil
}

// List returns flags with the given status, or all flags when status is "".
func (d *Deduper) List(ctx context.Context, status resolution.DuplicateStatus) ([]resolution.DuplicateFlag, error) {
	return d.store.ListDuplicateFlags(ctx, status)
}

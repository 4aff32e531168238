package shipments

import (
	"context"
	"time"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

// Store is the persistence the Shipment Resolver needs. Lookups return an
// error satisfying errors.Is(err, fderrors.ErrNotFound) when nothing exists.
type Store interface {
	ShipmentByID(ctx context.Context, id int64) (*resolution.Shipment, error)
	ShipmentByBookingNumber(ctx context.Context, bookingNumber string) (*resolution.Shipment, error)
	ShipmentByBookingKey(ctx context.Context, bookingKey string) (*resolution.Shipment, error)
	// CreateShipment inserts s unless its booking key exists. Either way s
	// is filled from the stored row; created reports which happened.
	CreateShipment(ctx context.Context, s *resolution.Shipment) (created bool, err error)
	// SetFieldIfNull writes value only when the column is null and returns
	// the value now stored.
	SetFieldIfNull(ctx context.Context, shipmentID int64, field resolution.ShipmentField, value string) (applied bool, current string, err error)
	RecordFieldConflict(ctx context.Context, c resolution.FieldConflict) error
	ListShipments(ctx context.Context, afterID int64, limit int) ([]resolution.Shipment, error)

	// LinkMessage inserts the link unless the message is already linked,
	// and returns the stored link.
	LinkMessage(ctx context.Context, link resolution.MessageShipmentLink) (stored resolution.MessageShipmentLink, created bool, err error)
	LinkForMessage(ctx context.Context, messageID string) (*resolution.MessageShipmentLink, error)

	MappingFor(ctx context.Context, kind resolution.IdentifierKind, value string) (*resolution.IdentifierMapping, error)
	// CreateMapping inserts m unless (kind, value) is mapped, and returns
	// the stored mapping.
	CreateMapping(ctx context.Context, m resolution.IdentifierMapping) (stored resolution.IdentifierMapping, created bool, err error)

	EnqueueReview(ctx context.Context, item resolution.ReviewItem) error

	UpsertOrphan(ctx context.Context, messageID string, reason resolution.OrphanReason, at time.Time) error
	ResolveOrphan(ctx context.Context, messageID string, at time.Time) error
}

// DuplicateStore is the persistence for duplicate detection and merge.
type DuplicateStore interface {
	Store
	CreateDuplicateFlag(ctx context.Context, f *resolution.DuplicateFlag) (created bool, err error)
	DuplicateFlag(ctx context.Context, id int64) (*resolution.DuplicateFlag, error)
	ListDuplicateFlags(ctx context.Context, status resolution.DuplicateStatus) ([]resolution.DuplicateFlag, error)
	UpdateDuplicateFlag(ctx context.Context, f *resolution.DuplicateFlag) error
	// RepointShipment moves links, events, action items and mappings from
	// one shipment to another and returns how many links moved.
	RepointShipment(ctx context.Context, fromID, toID int64) (int, error)
	// AdvanceState moves the workflow pointer forward only.
	AdvanceState(ctx context.Context, shipmentID int64, state string, order int) (bool, error)
	// DeleteShipmentIfUnlinked deletes the shipment only when no links
	// reference it.
	DeleteShipmentIfUnlinked(ctx context.Context, id int64) (bool, error)
}

package resolution

import (
	"strings"
	"time"
)

// AttachmentStatus is the outcome of text extraction for one attachment.
type AttachmentStatus string

const (
	AttachmentExtracted AttachmentStatus = "extracted"
	AttachmentFailed    AttachmentStatus = "failed"
	AttachmentEmpty     AttachmentStatus = "empty"
)

// AttachmentText is the best-effort plain text of one attachment.
type AttachmentText struct {
	Filename string           `json:"filename"`
	Text     string           `json:"text"`
	Status   AttachmentStatus `json:"status"`
}

// Message is one ingested unit of communication. It is never mutated.
type Message struct {
	ID             string           `json:"id"`
	SenderAddress  string           `json:"sender_address"`
	SenderName     string           `json:"sender_name"`
	ApparentSender string           `json:"apparent_sender,omitempty"`
	Subject        string           `json:"subject"`
	Body           string           `json:"body"`
	Attachments    []AttachmentText `json:"attachments,omitempty"`
	ReceivedAt     time.Time        `json:"received_at"`
	ThreadID       string           `json:"thread_id,omitempty"`
	ThreadPosition int              `json:"thread_position,omitempty"`
}

// AttachmentText concatenates the text of every readable attachment.
// Failed or empty attachments contribute nothing.
func (m *Message) AttachmentText() string {
	var parts []string
	for _, a := range m.Attachments {
		if a.Status == AttachmentFailed {
			continue
		}
		if t := strings.TrimSpace(a.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ShipmentField names a backfillable shipment column.
type ShipmentField string

const (
	FieldBookingNumber   ShipmentField = "booking_number"
	FieldBLNumber        ShipmentField = "bl_number"
	FieldMBLNumber       ShipmentField = "mbl_number"
	FieldHBLNumber       ShipmentField = "hbl_number"
	FieldContainerNumber ShipmentField = "container_number"
	FieldCarrierID       ShipmentField = "carrier_id"
	FieldVesselName      ShipmentField = "vessel_name"
	FieldVoyageNumber    ShipmentField = "voyage_number"
	FieldPortOfLoading   ShipmentField = "port_of_loading"
	FieldPortOfDischarge ShipmentField = "port_of_discharge"
	FieldPlaceOfReceipt  ShipmentField = "place_of_receipt"
	FieldPlaceOfDelivery ShipmentField = "place_of_delivery"
	FieldShipper         ShipmentField = "shipper"
	FieldConsignee       ShipmentField = "consignee"
	FieldETD             ShipmentField = "etd"
	FieldETA             ShipmentField = "eta"
	FieldSICutoff        ShipmentField = "si_cutoff"
	FieldVGMCutoff       ShipmentField = "vgm_cutoff"
	FieldCargoCutoff     ShipmentField = "cargo_cutoff"
	FieldGateCutoff      ShipmentField = "gate_cutoff"
)

// BackfillFields lists the columns that identifiers can populate, in the
// order they are applied.
var BackfillFields = []ShipmentField{
	FieldBookingNumber,
	FieldBLNumber,
	FieldMBLNumber,
	FieldHBLNumber,
	FieldContainerNumber,
	FieldCarrierID,
	FieldVesselName,
	FieldVoyageNumber,
	FieldPortOfLoading,
	FieldPortOfDischarge,
	FieldPlaceOfReceipt,
	FieldPlaceOfDelivery,
	FieldShipper,
	FieldConsignee,
	FieldETD,
	FieldETA,
	FieldSICutoff,
	FieldVGMCutoff,
	FieldCargoCutoff,
	FieldGateCutoff,
}

// FieldForKind maps an identifier kind to the shipment column it fills.
func FieldForKind(k IdentifierKind) (ShipmentField, bool) {
	switch k {
	case KindBookingNumber:
		return FieldBookingNumber, true
	case KindBLNumber:
		return FieldBLNumber, true
	case KindMBLNumber:
		return FieldMBLNumber, true
	case KindHBLNumber:
		return FieldHBLNumber, true
	case KindContainerNumber:
		return FieldContainerNumber, true
	case KindVesselName:
		return FieldVesselName, true
	case KindVoyageNumber:
		return FieldVoyageNumber, true
	case KindPortOfLoading:
		return FieldPortOfLoading, true
	case KindPortOfDischarge:
		return FieldPortOfDischarge, true
	case KindPlaceOfReceipt:
		return FieldPlaceOfReceipt, true
	case KindPlaceOfDelivery:
		return FieldPlaceOfDelivery, true
	case KindShipper:
		return FieldShipper, true
	case KindConsignee:
		return FieldConsignee, true
	case KindETD:
		return FieldETD, true
	case KindETA:
		return FieldETA, true
	case KindSICutoff:
		return FieldSICutoff, true
	case KindVGMCutoff:
		return FieldVGMCutoff, true
	case KindCargoCutoff:
		return FieldCargoCutoff, true
	case KindGateCutoff:
		return FieldGateCutoff, true
	}
	return "", false
}

// Shipment is the canonical aggregate. Fields are plain strings; an empty
// string means the column is null.
type Shipment struct {
	ID                   int64                    `json:"id"`
	BookingNumber        string                   `json:"booking_number"`
	BookingKey           string                   `json:"booking_key"`
	Fields               map[ShipmentField]string `json:"fields"`
	WorkflowState        string                   `json:"workflow_state,omitempty"`
	WorkflowStateOrder   int                      `json:"workflow_state_order"`
	StatesReached        []string                 `json:"states_reached,omitempty"`
	CarrierID            string                   `json:"carrier_id,omitempty"`
	CreatedFromMessageID string                   `json:"created_from_message_id"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

// Field returns the value of f, or "" when null.
func (s *Shipment) Field(f ShipmentField) string {
	switch f {
	case FieldBookingNumber:
		return s.BookingNumber
	case FieldCarrierID:
		return s.CarrierID
	}
	if s.Fields == nil {
		return ""
	}
	return s.Fields[f]
}

// SetField sets f on the in-memory struct. It does not enforce
// first-writer-wins; stores do.
func (s *Shipment) SetField(f ShipmentField, v string) {
	switch f {
	case FieldBookingNumber:
		s.BookingNumber = v
		return
	case FieldCarrierID:
		s.CarrierID = v
		return
	}
	if s.Fields == nil {
		s.Fields = make(map[ShipmentField]string)
	}
	s.Fields[f] = v
}

// IdentifierMapping ties a secondary identifier to a booking key.
type IdentifierMapping struct {
	Kind            IdentifierKind `json:"kind"`
	Value           string         `json:"value"`
	BookingKey      string         `json:"booking_key"`
	SourceMessageID string         `json:"source_message_id"`
	CreatedAt       time.Time      `json:"created_at"`
}

// LinkMethod records how a message was tied to a shipment.
type LinkMethod string

const (
	LinkBookingExact      LinkMethod = "booking_exact"
	LinkBookingNormalized LinkMethod = "booking_normalized"
	LinkIdentifierMapping LinkMethod = "identifier_mapping"
	LinkCreated           LinkMethod = "created"
)

// MessageShipmentLink joins a message to the one shipment it belongs to.
type MessageShipmentLink struct {
	MessageID       string       `json:"message_id"`
	ShipmentID      int64        `json:"shipment_id"`
	DocumentType    DocumentType `json:"document_type"`
	LinkMethod      LinkMethod   `json:"link_method"`
	ConfidenceScore int          `json:"confidence_score"`
	IsSourceOfTruth bool         `json:"is_source_of_truth"`
	CreatedAt       time.Time    `json:"created_at"`
}

// WorkflowEvent is an append-only journal entry of a state a shipment passed.
type WorkflowEvent struct {
	ID                  int64     `json:"id,omitempty"`
	ShipmentID          int64     `json:"shipment_id"`
	WorkflowState       string    `json:"workflow_state"`
	StateOrder          int       `json:"state_order"`
	TriggeringMessageID string    `json:"triggering_message_id"`
	Direction           Direction `json:"direction"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// ActionItem is an outstanding obligation on a shipment.
type ActionItem struct {
	ID                   int64      `json:"id"`
	ShipmentID           int64      `json:"shipment_id"`
	Description          string     `json:"description"`
	Owner                string     `json:"owner"`
	Priority             string     `json:"priority"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CompletedByMessageID string     `json:"completed_by_message_id,omitempty"`
	SourceMessageID      string     `json:"source_message_id,omitempty"`
}

// Open reports whether the item is still outstanding.
func (a *ActionItem) Open() bool {
	return a.CompletedAt == nil
}

// ReviewReason explains why a message was queued for a human.
type ReviewReason string

const (
	ReviewIndeterminate   ReviewReason = "indeterminate_classification"
	ReviewLowConfidence   ReviewReason = "low_confidence"
	ReviewBookingConflict ReviewReason = "booking_conflict"
	ReviewMappingConflict ReviewReason = "mapping_conflict"
)

// ReviewItem is an entry in the manual review queue.
type ReviewItem struct {
	ID         int64        `json:"id"`
	MessageID  string       `json:"message_id"`
	Reason     ReviewReason `json:"reason"`
	Details    string       `json:"details"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// OrphanReason explains why a message has no shipment link.
type OrphanReason string

const (
	OrphanNoIdentifiers    OrphanReason = "no_identifiers"
	OrphanAwaitingShipment OrphanReason = "awaiting_shipment"
)

// Orphan is an unlinked message awaiting a periodic sweep.
type Orphan struct {
	MessageID     string       `json:"message_id"`
	Reason        OrphanReason `json:"reason"`
	Attempts      int          `json:"attempts"`
	FirstSeenAt   time.Time    `json:"first_seen_at"`
	LastAttemptAt time.Time    `json:"last_attempt_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

// DuplicateStatus is the lifecycle of a duplicate flag.
type DuplicateStatus string

const (
	DuplicateOpen      DuplicateStatus = "open"
	DuplicateMerged    DuplicateStatus = "merged"
	DuplicateDismissed DuplicateStatus = "dismissed"
)

// DuplicateFlag records two shipments that plausibly represent one booking.
type DuplicateFlag struct {
	ID                  int64           `json:"id"`
	CanonicalShipmentID int64           `json:"canonical_shipment_id"`
	DuplicateShipmentID int64           `json:"duplicate_shipment_id"`
	BookingKey          string          `json:"booking_key"`
	Status              DuplicateStatus `json:"status"`
	ResolutionNote      string          `json:"resolution_note,omitempty"`
	ResolvedBy          string          `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// FieldConflict is a rejected overwrite of a populated shipment field.
type FieldConflict struct {
	ShipmentID    int64         `json:"shipment_id"`
	Field         ShipmentField `json:"field"`
	ExistingValue string        `json:"existing_value"`
	ProposedValue string        `json:"proposed_value"`
	MessageID     string        `json:"message_id"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Package resolution defines the shared domain model for the document
// resolution engine: messages, classifications, extracted identifiers,
// shipments and the workflow records hung off them.
package resolution

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the flow of a message relative to the forwarder.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionInbound, DirectionOutbound:
		return true
	}
	return false
}

// ParseDirection parses a direction string, case-insensitively.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown direction %q", s)
	}
	return d, nil
}

// DirectionMethod records which rule decided a direction.
type DirectionMethod string

const (
	MethodDirectDomain   DirectionMethod = "direct-domain"
	MethodForwardMarker  DirectionMethod = "forward-marker"
	MethodSubjectPattern DirectionMethod = "subject-pattern"
	MethodOwnDomain      DirectionMethod = "own-domain"
	MethodFallback       DirectionMethod = "fallback"
)

// SenderCategory is a coarse grouping of the true party.
type SenderCategory string

const (
	SenderCarrier  SenderCategory = "carrier"
	SenderInternal SenderCategory = "internal"
	SenderExternal SenderCategory = "external"
)

// UnknownExternalParty is the true party recorded when a forward marker
// names a party that is not a known carrier.
const UnknownExternalParty = "unknown external"

// ResolvedDirection is derived per message and never stored on its own.
type ResolvedDirection struct {
	Direction      Direction       `json:"direction"`
	TrueParty      string          `json:"true_party"`
	TrueDomain     string          `json:"true_domain"`
	Method         DirectionMethod `json:"method"`
	CarrierID      string          `json:"carrier_id,omitempty"`
	SenderCategory SenderCategory  `json:"sender_category"`
}

// IsDirectCarrier reports whether the message came straight from a carrier
// domain rather than through a forward or an internal copy.
func (r ResolvedDirection) IsDirectCarrier() bool {
	return r.Direction == DirectionInbound && r.Method == MethodDirectDomain && r.CarrierID != ""
}

// DocumentType is the closed catalogue of shipping document kinds.
type DocumentType string

const (
	DocBookingRequest        DocumentType = "booking_request"
	DocBookingConfirmation   DocumentType = "booking_confirmation"
	DocBookingAmendment      DocumentType = "booking_amendment"
	DocBookingCancellation   DocumentType = "booking_cancellation"
	DocShippingInstruction   DocumentType = "shipping_instruction"
	DocSIConfirmation        DocumentType = "si_confirmation"
	DocVGMSubmission         DocumentType = "vgm_submission"
	DocVGMConfirmation       DocumentType = "vgm_confirmation"
	DocContainerRelease      DocumentType = "container_release"
	DocGateInConfirmation    DocumentType = "gate_in_confirmation"
	DocDepartureNotice       DocumentType = "departure_notice"
	DocDraftBillOfLading     DocumentType = "draft_bill_of_lading"
	DocBillOfLading          DocumentType = "bill_of_lading"
	DocSeaWaybill            DocumentType = "sea_waybill"
	DocTelexRelease          DocumentType = "telex_release"
	DocArrivalNotice         DocumentType = "arrival_notice"
	DocCustomsEntry          DocumentType = "customs_entry"
	DocDeliveryOrder         DocumentType = "delivery_order"
	DocProofOfDelivery       DocumentType = "proof_of_delivery"
	DocInvoice               DocumentType = "invoice"
	DocRateQuote             DocumentType = "rate_quote"
	DocGeneralCorrespondence DocumentType = "general_correspondence"
	DocUnknown               DocumentType = "unknown"
)

var documentTypes = []DocumentType{
	DocBookingRequest,
	DocBookingConfirmation,
	DocBookingAmendment,
	DocBookingCancellation,
	DocShippingInstruction,
	DocSIConfirmation,
	DocVGMSubmission,
	DocVGMConfirmation,
	DocContainerRelease,
	DocGateInConfirmation,
	DocDepartureNotice,
	DocDraftBillOfLading,
	DocBillOfLading,
	DocSeaWaybill,
	DocTelexRelease,
	DocArrivalNotice,
	DocCustomsEntry,
	DocDeliveryOrder,
	DocProofOfDelivery,
	DocInvoice,
	DocRateQuote,
	DocGeneralCorrespondence,
	DocUnknown,
}

// AllDocumentTypes returns the catalogue in a stable order.
func AllDocumentTypes() []DocumentType {
	out := make([]DocumentType, len(documentTypes))
	copy(out, documentTypes)
	return out
}

// Valid reports whether t belongs to the catalogue.
func (t DocumentType) Valid() bool {
	for _, dt := range documentTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// IsBooking reports whether t may originate a shipment.
func (t DocumentType) IsBooking() bool {
	return t == DocBookingConfirmation || t == DocBookingAmendment
}

// ParseDocumentType parses an exact catalogue value. Use the rulebook alias
// map for anything looser.
func ParseDocumentType(s string) (DocumentType, error) {
	t := DocumentType(CanonicalToken(s))
	if !t.Valid() {
		return DocUnknown, fmt.Errorf("unknown document type %q", s)
	}
	return t, nil
}

// CanonicalToken lowercases s and folds spaces, hyphens and slashes to
// underscores so that "Booking Confirmation" and "booking-confirmation"
// compare equal.
func CanonicalToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// ClassificationMethod records which tier produced a classification.
type ClassificationMethod string

const (
	ClassifiedByPattern ClassificationMethod = "pattern"
	ClassifiedByAI      ClassificationMethod = "ai"
	ClassifiedByNone    ClassificationMethod = "none"
)

// ConfidenceBand buckets a 0-100 confidence.
type ConfidenceBand string

const (
	BandLow    ConfidenceBand = "low"
	BandMedium ConfidenceBand = "medium"
	BandHigh   ConfidenceBand = "high"
)

// BandFor returns the band for a confidence score.
func BandFor(confidence int) ConfidenceBand {
	switch {
	case confidence >= 85:
		return BandHigh
	case confidence >= 50:
		return BandMedium
	default:
		return BandLow
	}
}

// Classification is one append-only classification of a message.
type Classification struct {
	ID           int64                `json:"id,omitempty"`
	MessageID    string               `json:"message_id"`
	DocumentType DocumentType         `json:"document_type"`
	Confidence   int                  `json:"confidence"`
	Method       ClassificationMethod `json:"method"`
	Evidence     string               `json:"evidence"`
	RulesVersion string               `json:"rules_version"`
	ContentHash  string               `json:"content_hash"`
	CreatedAt    time.Time            `json:"created_at"`
}

// Band returns the confidence band of the classification.
func (c Classification) Band() ConfidenceBand {
	return BandFor(c.Confidence)
}

// NeedsReview reports whether the classification must be looked at by a human.
func (c Classification) NeedsReview() bool {
	return c.DocumentType == DocUnknown || c.Band() == BandLow
}

// IdentifierKind is the closed set of extractable identifier kinds.
type IdentifierKind string

const (
	KindBookingNumber   IdentifierKind = "booking_number"
	KindBLNumber        IdentifierKind = "bl_number"
	KindMBLNumber       IdentifierKind = "mbl_number"
	KindHBLNumber       IdentifierKind = "hbl_number"
	KindContainerNumber IdentifierKind = "container_number"
	KindSICutoff        IdentifierKind = "si_cutoff"
	KindVGMCutoff       IdentifierKind = "vgm_cutoff"
	KindCargoCutoff     IdentifierKind = "cargo_cutoff"
	KindGateCutoff      IdentifierKind = "gate_cutoff"
	KindETD             IdentifierKind = "etd"
	KindETA             IdentifierKind = "eta"
	KindVesselName      IdentifierKind = "vessel_name"
	KindVoyageNumber    IdentifierKind = "voyage_number"
	KindPortOfLoading   IdentifierKind = "port_of_loading"
	KindPortOfDischarge IdentifierKind = "port_of_discharge"
	KindPlaceOfReceipt  IdentifierKind = "place_of_receipt"
	KindPlaceOfDelivery IdentifierKind = "place_of_delivery"
	KindShipper         IdentifierKind = "shipper"
	KindConsignee       IdentifierKind = "consignee"
)

var identifierKinds = []IdentifierKind{
	KindBookingNumber,
	KindBLNumber,
	KindMBLNumber,
	KindHBLNumber,
	KindContainerNumber,
	KindSICutoff,
	KindVGMCutoff,
	KindCargoCutoff,
	KindGateCutoff,
	KindETD,
	KindETA,
	KindVesselName,
	KindVoyageNumber,
	KindPortOfLoading,
	KindPortOfDischarge,
	KindPlaceOfReceipt,
	KindPlaceOfDelivery,
	KindShipper,
	KindConsignee,
}

// AllIdentifierKinds returns every kind in canonical output order.
func AllIdentifierKinds() []IdentifierKind {
	out := make([]IdentifierKind, len(identifierKinds))
	copy(out, identifierKinds)
	return out
}

// Valid reports whether k is a known kind.
func (k IdentifierKind) Valid() bool {
	return k.Rank() >= 0
}

// Rank is the position of k in canonical output order, or -1.
func (k IdentifierKind) Rank() int {
	for i, kk := range identifierKinds {
		if kk == k {
			return i
		}
	}
	return -1
}

// IsDate reports whether values of k are ISO dates.
func (k IdentifierKind) IsDate() bool {
	switch k {
	case KindSICutoff, KindVGMCutoff, KindCargoCutoff, KindGateCutoff, KindETD, KindETA:
		return true
	}
	return false
}

// IsSecondary reports whether k can be mapped to a booking number.
func (k IdentifierKind) IsSecondary() bool {
	switch k {
	case KindBLNumber, KindMBLNumber, KindHBLNumber, KindContainerNumber:
		return true
	}
	return false
}

// ExtractionMethod records which tier produced an identifier.
type ExtractionMethod string

const (
	ExtractedByPattern ExtractionMethod = "pattern"
	ExtractedByAI      ExtractionMethod = "ai"
)

// ExtractedIdentifier is one (kind, value) pair found in a message.
type ExtractedIdentifier struct {
	ID               int64            `json:"id,omitempty"`
	MessageID        string           `json:"message_id"`
	Kind             IdentifierKind   `json:"kind"`
	Value            string           `json:"value"`
	Confidence       int              `json:"confidence"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	Source           string           `json:"source,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Identifiers is an ordered identifier set with lookup helpers.
type Identifiers []ExtractedIdentifier

// First returns the first value of kind k.
func (ids Identifiers) First(k IdentifierKind) (string, bool) {
	for _, id := range ids {
		if id.Kind == k {
			return id.Value, true
		}
	}
	return "", false
}

// All returns every value of kind k in order.
func (ids Identifiers) All(k IdentifierKind) []string {
	var out []string
	for _, id := range ids {
		if id.Kind == k {
			out = append(out, id.Value)
		}
	}
	return out
}

// Has reports whether any identifier of kind k is present.
func (ids Identifiers) Has(k IdentifierKind) bool {
	_, ok := ids.First(k)
	return ok
}

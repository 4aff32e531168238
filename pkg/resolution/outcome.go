package resolution

import "time"

// OutcomeStatus is the end state of one pipeline run for a message.
type OutcomeStatus string

const (
	OutcomeResolved      OutcomeStatus = "resolved"
	OutcomeOrphaned      OutcomeStatus = "orphaned"
	OutcomePendingReview OutcomeStatus = "pending_review"
	OutcomeFailed        OutcomeStatus = "failed"
)

// Pipeline stage names, used in outcomes, errors, logs and metrics.
const (
	StageDirection      = "direction"
	StageClassification = "classification"
	StageExtraction     = "extraction"
	StageShipment       = "shipment"
	StageWorkflow       = "workflow"
	StageActions        = "actions"
)

// StageResult is the record of one stage of a pipeline run.
type StageResult struct {
	Stage     string        `json:"stage"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
}

// Outcome is the per-message result record, upserted on every run.
type Outcome struct {
	MessageID       string            `json:"message_id"`
	Status          OutcomeStatus     `json:"status"`
	Direction       ResolvedDirection `json:"direction"`
	DocumentType    DocumentType      `json:"document_type"`
	Confidence      int               `json:"confidence"`
	IdentifierCount int               `json:"identifier_count"`
	ShipmentID      int64             `json:"shipment_id,omitempty"`
	ShipmentCreated bool              `json:"shipment_created,omitempty"`
	WorkflowState   string            `json:"workflow_state,omitempty"`
	OrphanReason    OrphanReason      `json:"orphan_reason,omitempty"`
	ActionsResolved int               `json:"actions_resolved,omitempty"`
	ActionsPlanned  int               `json:"actions_planned,omitempty"`
	RulesVersion    string            `json:"rules_version"`
	Stages          []StageResult     `json:"stages"`
	Errors          []string          `json:"errors,omitempty"`
	ProcessedAt     time.Time         `json:"processed_at"`
}

// Checkpoint is the resumable cursor of a backfill run. Messages are
// walked in (received_at, id) order.
type Checkpoint struct {
	Name           string     `json:"name"`
	LastReceivedAt time.Time  `json:"last_received_at"`
	LastMessageID  string     `json:"last_message_id"`
	Processed      int        `json:"processed"`
	Failed         int        `json:"failed"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

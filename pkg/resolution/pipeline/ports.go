package pipeline

import (
	"context"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/shipments"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/workflow"
)

// MessageSource loads ingested messages by id.
type MessageSource interface {
	Message(ctx context.Context, id string) (*resolution.Message, error)
}

// Store is every repository port the pipeline writes through.
type Store interface {
	shipments.Store
	workflow.Store

	// AppendClassification inserts c unless an identical classification
	// exists for the same rules version and content hash.
	AppendClassification(ctx context.Context, c *resolution.Classification) (created bool, err error)
	// AppendIdentifiers inserts new (message, kind, value) rows and returns
	// how many were new.
	AppendIdentifiers(ctx context.Context, ids resolution.Identifiers) (int, error)
	// SaveOutcome upserts the per-message outcome row.
	SaveOutcome(ctx context.Context, o *resolution.Outcome) error
}

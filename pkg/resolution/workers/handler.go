package workers

import (
	"context"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/pipeline"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
)

// Processor runs one stored message through the resolution pipeline.
// *pipeline.Engine implements it.
type Processor interface {
	Process(ctx context.Context, messageID string) (*resolution.Outcome, error)
}

// PipelineHandler adapts a Processor to a Handler. The job's batch id is
// carried onto the message span.
func PipelineHandler(p Processor) Handler {
	return func(ctx context.Context, job queue.Job) error {
		if job.BatchID != "" {
			ctx = pipeline.WithBatchID(ctx, job.BatchID)
		}
		_, err := p.Process(ctx, job.MessageID)
		return err
	}
}

var _ Processor = (*pipeline.Engine)(nil)

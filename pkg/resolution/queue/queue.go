package queue

import (
	"context"
	"time"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
)

// Queue is a work queue of message ids with at-least-once delivery.
type Queue interface {
	Name() string
	// Enqueue adds jobs and returns their queue ids.
	Enqueue(ctx context.Context, jobs ...Job) ([]string, error)
	// Dequeue claims up to max visible jobs, waiting up to wait for the
	// first one. Claimed jobs reappear if not acked within the visibility
	// timeout.
	Dequeue(ctx context.Context, max int, wait time.Duration) ([]*QueuedJob, error)
	Ack(ctx context.Context, id string) error
	// Nack reports a failed attempt. The job is retried after a backoff or
	// moved to the dead letter queue, as the returned decision says.
	Nack(ctx context.Context, id string, cause error) (fderrors.RetryDecision, error)
	MoveToDeadLetter(ctx context.Context, id, reason string) error
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// Config configures a queue.
type Config struct {
	Name              string               `yaml:"name"`
	VisibilityTimeout time.Duration        `yaml:"visibility_timeout"`
	RetentionPeriod   time.Duration        `yaml:"retention_period"`
	PollInterval      time.Duration        `yaml:"poll_interval"`
	Retry             fderrors.RetryPolicy `yaml:"retry"`
}

// DefaultConfig returns the configuration of the resolution queue.
func DefaultConfig() Config {
	return Config{
		Name:              "resolution",
		VisibilityTimeout: 2 * time.Minute,
		RetentionPeriod:   7 * 24 * time.Hour,
		PollInterval:      250 * time.Millisecond,
		Retry:             fderrors.DefaultRetryPolicy(),
	}
}

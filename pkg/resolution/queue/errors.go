package queue

import "errors"

// Queue errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueClosed = errors.New("queue is closed")
	ErrInvalidJob  = errors.New("invalid job")
)

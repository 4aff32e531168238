package errors

import "time"

// RetryPolicy is exponential backoff with a ceiling. The queue applies it
// to redeliveries and the AI guard to collaborator calls.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultRetryPolicy allows three retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// CalculateBackoff returns the wait before retry number retryCount+1.
func (p RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	wait := p.InitialBackoff
	for n := 0; n < retryCount; n++ {
		wait = time.Duration(float64(wait) * p.BackoffFactor)
		if wait >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return wait
}

// RetryDecision is the outcome of DecideRetry.
type RetryDecision struct {
	ShouldRetry     bool
	BackoffDuration time.Duration
	Reason          string
}

// DecideRetry retries err only while retries remain and its classified
// code is retryable.
func (p RetryPolicy) DecideRetry(err error, retryCount int) RetryDecision {
	if retryCount >= p.MaxRetries {
		return RetryDecision{Reason: "max retries exceeded"}
	}
	code := ClassifyError(err, "").Code
	if !IsRetryable(code) {
		return RetryDecision{Reason: "permanent error: " + string(code)}
	}
	return RetryDecision{
		ShouldRetry:     true,
		BackoffDuration: p.CalculateBackoff(retryCount),
		Reason:          "retryable error: " + string(code),
	}
}

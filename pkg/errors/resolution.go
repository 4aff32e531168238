package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the resolution failure taxonomy.
type Kind string

const (
	// KindIndeterminateClassification means neither tier could type the message.
	KindIndeterminateClassification Kind = "indeterminate_classification"
	// KindUnresolvableLink means no shipment could be found or created.
	KindUnresolvableLink Kind = "unresolvable_link"
	// KindDuplicateShipment means two shipments share a normalized booking key.
	KindDuplicateShipment Kind = "duplicate_shipment"
	// KindFieldConflict means a backfill tried to overwrite a populated field.
	KindFieldConflict Kind = "field_conflict"
	// KindCollaboratorFailure means the AI service or the store failed.
	KindCollaboratorFailure Kind = "collaborator_failure"
)

// ErrorCode represents a classified failure cause.
type ErrorCode string

const (
	ErrTimeout           ErrorCode = "timeout"
	ErrRateLimit         ErrorCode = "rate_limit"
	ErrModelUnavailable  ErrorCode = "model_unavailable"
	ErrMalformedResponse ErrorCode = "malformed_response"
	ErrContextCancelled  ErrorCode = "context_cancelled"
	ErrStoreUnavailable  ErrorCode = "store_unavailable"
	ErrProcessingError   ErrorCode = "processing_error"
)

// ResolutionError is a structured error for a failed resolution stage.
type ResolutionError struct {
	Kind    Kind
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *ResolutionError) Error() string {
	prefix := string(e.Code)
	if e.Kind != "" {
		prefix = fmt.Sprintf("%s/%s", e.Kind, e.Code)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", prefix, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// New builds a ResolutionError of the given kind without a cause.
func New(kind Kind, stage, format string, args ...any) *ResolutionError {
	return &ResolutionError{
		Kind:    kind,
		Code:    ErrProcessingError,
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
	}
}

// ClassifyError inspects an error and returns a *ResolutionError with the
// appropriate code. An error that is already a *ResolutionError is returned
// as-is with its stage filled in when missing. Anything unrecognised becomes
// ErrProcessingError.
func ClassifyError(err error, stage string) *ResolutionError {
	if err == nil {
		return nil
	}

	var existing *ResolutionError
	if errors.As(err, &existing) {
		if existing.Stage == "" {
			existing.Stage = stage
		}
		return existing
	}

	re := &ResolutionError{
		Kind:  KindCollaboratorFailure,
		Stage: stage,
		Cause: err,
	}

	if errors.Is(err, context.DeadlineExceeded) {
		re.Code = ErrTimeout
		re.Message = "operation timed out"
		return re
	}
	if errors.Is(err, context.Canceled) {
		re.Code = ErrContextCancelled
		re.Message = "operation cancelled"
		return re
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	re.Message = msg

	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		re.Code = ErrTimeout
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests") || strings.Contains(lower, "quota exceeded"):
		re.Code = ErrRateLimit
	case strings.Contains(lower, "malformed") || strings.Contains(lower, "invalid character") ||
		strings.Contains(lower, "unexpected end of json") || strings.Contains(lower, "cannot unmarshal"):
		re.Code = ErrMalformedResponse
	case strings.Contains(lower, "sqlstate") || strings.Contains(lower, "database") ||
		strings.Contains(lower, "pgx") || strings.Contains(lower, "closed pool") ||
		strings.Contains(lower, "connection reset"):
		re.Code = ErrStoreUnavailable
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "502") || strings.Contains(lower, "bad gateway"):
		re.Code = ErrModelUnavailable
	default:
		re.Kind = ""
		re.Code = ErrProcessingError
	}
	return re
}

// KindOf returns the Kind of the first ResolutionError in err's chain.
func KindOf(err error) Kind {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// CodeOf returns the ErrorCode of the first ResolutionError in err's chain,
// or ErrProcessingError.
func CodeOf(err error) ErrorCode {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrProcessingError
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Code == ErrTimeout
	}
	return false
}

// IsErrorRetryable returns true if the error is likely transient and worth
// retrying, according to ErrorCodeRegistry.
func IsErrorRetryable(err error) bool {
	var re *ResolutionError
	if errors.As(err, &re) {
		return IsRetryable(re.Code)
	}
	return false
}

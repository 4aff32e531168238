// Package errors holds the error vocabulary shared across freightdesk.
//
// Storage and validation conditions are sentinels matched with errors.Is.
// Resolution failures are ResolutionError values: a taxonomy Kind, a
// classified ErrorCode and the stage that failed.
//
//	if fderrors.IsNotFound(err) {
//	    // no such message
//	}
package errors

import "errors"

var (
	// ErrNotFound means the record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the write contradicts existing data.
	ErrConflict = errors.New("conflict")
	// ErrValidation means the input was rejected.
	ErrValidation = errors.New("validation error")
	// ErrAlreadyExists means a record with the same identity is stored.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState means the record is in the wrong state for the call,
	// e.g. merging a dismissed duplicate flag.
	ErrInvalidState = errors.New("invalid state")
)

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsInvalidState(err error) bool  { return errors.Is(err, ErrInvalidState) }

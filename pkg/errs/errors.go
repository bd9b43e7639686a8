// Package errs defines the domain error taxonomy for identity resolution.
package errs

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing identity, alias, or suggestion.
var ErrNotFound = errors.New("not found")

// ErrAlreadyMerged reports a merge attempt against a duplicate that has
// already been merged away. It is a distinguishable success-adjacent result,
// not a failure: no side effects were produced.
var ErrAlreadyMerged = errors.New("identity already merged")

// ValidationError reports a malformed or incomplete identity reference.
// Rejected immediately, never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports a unique-constraint race with a concurrent writer.
// Callers retry once against the refreshed store before surfacing it.
type ConflictError struct {
	Constraint string
	Cause      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %v", e.Constraint, e.Cause)
}

func (e *ConflictError) Unwrap() error {
	return e.Cause
}

func NewConflictError(constraint string, cause error) *ConflictError {
	return &ConflictError{Constraint: constraint, Cause: cause}
}

// MergeIntegrityError reports a post-merge count mismatch. The merge is
// aborted and both records are left intact; occurrences are incidents and
// must never be swallowed.
type MergeIntegrityError struct {
	SurvivorID  string
	DuplicateID string
	Check       string
	Expected    int
	Actual      int
}

func (e *MergeIntegrityError) Error() string {
	return fmt.Sprintf(
		"merge integrity violation (%s) merging %s into %s: expected %d, got %d",
		e.Check, e.DuplicateID, e.SurvivorID, e.Expected, e.Actual,
	)
}

// OracleUnavailableError reports that the semantic equivalence oracle timed
// out or failed. Not fatal: matching falls back to structural signals with
// confidence capped below the auto-merge band.
type OracleUnavailableError struct {
	Cause error
}

func (e *OracleUnavailableError) Error() string {
	return fmt.Sprintf("semantic oracle unavailable: %v", e.Cause)
}

func (e *OracleUnavailableError) Unwrap() error {
	return e.Cause
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsMergeIntegrity reports whether err is (or wraps) a MergeIntegrityError.
func IsMergeIntegrity(err error) bool {
	var me *MergeIntegrityError
	return errors.As(err, &me)
}

// IsOracleUnavailable reports whether err is (or wraps) an OracleUnavailableError.
func IsOracleUnavailable(err error) bool {
	var oe *OracleUnavailableError
	return errors.As(err, &oe)
}

// Package errors consolidates error definitions for the hayselnut collector.
//
// This file provides:
// - IPC error codes
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// IPC error codes - carried in response frames
// ============================================================================

const (
	CodeUnknown        int32 = 1
	CodeInvalidRequest int32 = 2
	CodeNotFound       int32 = 3
	CodeOutOfOrder     int32 = 4
	CodeCorrupt        int32 = 5
	CodeAllocFailed    int32 = 6
	CodeInternal       int32 = 7
	CodeShuttingDown   int32 = 8
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeOutOfOrder:
		return "RecordOutOfOrder"
	case CodeCorrupt:
		return "StorageCorrupt"
	case CodeAllocFailed:
		return "AllocationFailure"
	case CodeInternal:
		return "Internal"
	case CodeShuttingDown:
		return "ShuttingDown"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Storage errors
	ErrRecordOutOfOrder = errors.New("record out of order")
	ErrStorageCorrupt   = errors.New("storage corrupt")
	ErrAllocFailed      = errors.New("allocation failure")
	ErrStoreClosed      = errors.New("store is closed")
	ErrNotAStore        = errors.New("backing file is not a hayselnut store")
	ErrVersionMismatch  = errors.New("unsupported store version")

	// Lookup errors (IPC level only; the engine itself returns empty results)
	ErrNotFound        = errors.New("not found")
	ErrStationNotFound = errors.New("station not found")
	ErrChannelNotFound = errors.New("channel not found")

	// Validation errors
	ErrInvalidRange  = errors.New("invalid time range")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Protocol errors
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrUnknownOp     = errors.New("unknown operation")

	// Lifecycle errors
	ErrEngineStopped = errors.New("engine is not running")
	ErrShuttingDown  = errors.New("shutting down")

	// Internal errors
	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStationNotFound) ||
		errors.Is(err, ErrChannelNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnknownOp)
}

// IsCorrupt returns true if err indicates a structural invariant violation
// in the store. Writes to the affected chain must be refused.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrStorageCorrupt) ||
		errors.Is(err, ErrNotAStore) ||
		errors.Is(err, ErrVersionMismatch)
}

// IsFatal returns true if the error means the store cannot continue.
// Allocation failures are never retried: a partially applied mutation
// risks double-application.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAllocFailed)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its IPC code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrRecordOutOfOrder):
		return CodeOutOfOrder
	case IsCorrupt(err):
		return CodeCorrupt
	case Is(err, ErrAllocFailed):
		return CodeAllocFailed
	case IsNotFound(err):
		return CodeNotFound
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrShuttingDown), Is(err, ErrEngineStopped):
		return CodeShuttingDown
	default:
		return CodeInternal
	}
}

// CodeToError maps an IPC code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeNotFound:
		return ErrNotFound
	case CodeOutOfOrder:
		return ErrRecordOutOfOrder
	case CodeCorrupt:
		return ErrStorageCorrupt
	case CodeAllocFailed:
		return ErrAllocFailed
	case CodeShuttingDown:
		return ErrShuttingDown
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewValidation creates a field validation error.
func NewValidation(field, reason string) error {
	return fmt.Errorf("%s: %s: %w", field, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation error collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}

// NewCorrupt creates a storage-corrupt error with detail about the
// violated invariant.
func NewCorrupt(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrStorageCorrupt)
}

// NewCorruptf creates a storage-corrupt error with formatted detail.
func NewCorruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrStorageCorrupt)
}

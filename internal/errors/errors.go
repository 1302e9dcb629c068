// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A validation error collector used by config loading

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound          = errors.New("not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrDefinitionMissing = errors.New("definition not found")
	ErrSchemaNotFound    = errors.New("data format not found")

	// Already exists errors
	ErrAlreadyExists        = errors.New("already exists")
	ErrConfigExists         = errors.New("configuration already exists")
	ErrSessionAlreadyExists = errors.New("session already exists")

	// Packet errors
	ErrUnknownPacketType   = errors.New("unknown packet type")
	ErrMalformedPacket     = errors.New("malformed packet")
	ErrUnsupportedEncoding = errors.New("unsupported sample encoding")
	ErrInvalidInterval     = errors.New("invalid interval")
	ErrColumnMismatch      = errors.New("column count does not match data format")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// State errors
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSessionClosed     = errors.New("session is closed")
	ErrNotRunning        = errors.New("not running")
	ErrAlreadyRunning    = errors.New("already running")

	// Remote errors
	ErrSchemaLookup     = errors.New("schema lookup failed")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")

	// Store errors
	ErrStoreClosed = errors.New("store is closed")
	ErrWriteFailed = errors.New("write failed")
	ErrDatabase    = errors.New("database error")

	// Journal errors
	ErrCorruptRecord = errors.New("corrupt journal record")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrChannelNotFound) ||
		errors.Is(err, ErrDefinitionMissing) ||
		errors.Is(err, ErrSchemaNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConfigExists) ||
		errors.Is(err, ErrSessionAlreadyExists)
}

// IsPacketError returns true if err describes a packet that can never be processed.
// Such packets are dropped, not retried.
func IsPacketError(err error) bool {
	return errors.Is(err, ErrUnknownPacketType) ||
		errors.Is(err, ErrMalformedPacket) ||
		errors.Is(err, ErrUnsupportedEncoding) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrColumnMismatch)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrAlreadyRunning)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrWriteFailed) ||
		errors.Is(err, ErrDatabase)
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

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewMalformed creates a malformed-packet error for the given packet type.
func NewMalformed(packetType, reason string) error {
	return fmt.Errorf("%s: %s: %w", packetType, reason, ErrMalformedPacket)
}

// ============================================================================
// Validation Errors Collection
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

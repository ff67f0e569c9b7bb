// Package errors holds the sentinel errors shared across powerwatch, their
// category predicates and the mapping to HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Ingestion errors
	ErrFetchFailure   = errors.New("fetch failed")
	ErrInvalidReading = errors.New("invalid reading")

	// Persistence errors
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrBackendUnavailable = errors.New("backend unavailable")

	// Read-side errors
	ErrNoData            = errors.New("no data available")
	ErrUnknownResolution = errors.New("unknown resolution")
	ErrArchiveDisabled   = errors.New("archive disabled")

	// Lifecycle and configuration errors
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrSinkUnavailable  = errors.New("sink unavailable")
	ErrTimeout          = errors.New("timeout")
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

// IsTransient returns true if the failure is expected to clear on the next
// ingestion cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrFetchFailure) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrSinkUnavailable)
}

// IsPersistence returns true if err came from a persistence backend.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, ErrBackendUnavailable)
}

// ============================================================================
// Error to HTTP status mapping
// ============================================================================

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Is(err, ErrNoData):
		return http.StatusServiceUnavailable
	case Is(err, ErrUnknownResolution), Is(err, ErrInvalidReading):
		return http.StatusBadRequest
	case Is(err, ErrArchiveDisabled):
		return http.StatusNotFound
	case Is(err, ErrSchedulerStopped):
		return http.StatusServiceUnavailable
	case Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
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

// ============================================================================
// Error constructors with context
// ============================================================================

// NewFetchFailure wraps cause as a fetch failure.
func NewFetchFailure(reason string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrFetchFailure, reason)
	}
	return fmt.Errorf("%w: %s: %w", ErrFetchFailure, reason, cause)
}

// NewInvalidReading creates an invalid reading error with context.
func NewInvalidReading(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidReading, reason)
}

// NewPersistenceFailure wraps a backend error with the backend name and
// operation.
func NewPersistenceFailure(backend, op string, cause error) error {
	return fmt.Errorf("%s %s: %w: %w", backend, op, ErrPersistenceFailure, cause)
}

// NewValidation creates a configuration validation error.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// Package domain defines domain-specific errors.
// These errors represent playback failures and are independent of the audio backend.
package domain

import (
	"errors"
	"fmt"
)

// Common errors that channels can return.
var (
	// ErrLoadTimeout is returned when a resource signals neither ready nor error in time.
	// The handle stays pooled and the load may be retried.
	ErrLoadTimeout = errors.New("audio load timeout")

	// ErrLoadFailed is returned when the backend reports a decode or fetch failure.
	// The handle is evicted so a retry starts clean.
	ErrLoadFailed = errors.New("audio load failed")

	// ErrPlayRejected is returned when the backend refuses to start playback.
	ErrPlayRejected = errors.New("playback rejected")

	// ErrNoActiveTrack is returned when the music channel has nothing to resume.
	// It is recoverable; nothing changes.
	ErrNoActiveTrack = errors.New("no active track")

	// ErrEngineDestroyed is returned by operations issued after Destroy.
	ErrEngineDestroyed = errors.New("audio engine destroyed")

	// ErrPlayCancelled is returned when a delayed play is cancelled before it starts.
	ErrPlayCancelled = errors.New("play cancelled")

	// ErrThrottled is returned when an effect is retriggered faster than allowed.
	ErrThrottled = errors.New("play throttled")

	// ErrInvalidSource is returned when a source identifier is empty or malformed.
	ErrInvalidSource = errors.New("invalid source")

	// ErrUnsupportedFormat is returned when a source format cannot be decoded.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrInvalidInstance is returned when an instance id is unknown to a resource.
	ErrInvalidInstance = errors.New("invalid instance")

	// ErrResourceUnloaded is returned when a released resource is used.
	ErrResourceUnloaded = errors.New("resource unloaded")
)

// AudioEngineError represents an error from the audio backend.
// This wraps low-level backend errors with the operation and source that failed.
type AudioEngineError struct {
	Op      string // Operation that failed (e.g., "decode", "load", "play")
	Source  string // Source identifier (if applicable)
	Message string // Error message
	Err     error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *AudioEngineError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("audio %s failed for '%s': %s", e.Op, e.Source, e.Message)
	}
	return fmt.Sprintf("audio %s failed: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *AudioEngineError) Unwrap() error {
	return e.Err
}

// NewAudioEngineError creates a new AudioEngineError.
func NewAudioEngineError(op, source, message string, err error) *AudioEngineError {
	return &AudioEngineError{
		Op:      op,
		Source:  source,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Value that failed validation
	Message string // Error message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v)", e.Field, e.Message, e.Value)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

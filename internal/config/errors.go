package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig indicates the configuration could not be decoded or
// failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a setting that failed validation.
type ValidationError struct {
	// Path is the setting path (e.g., "queue.workers").
	Path string
	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Path, e.Message)
}

// Unwrap returns ErrInvalidConfig.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

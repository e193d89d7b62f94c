package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown email ids
	ErrNotFound = errors.New("not found")
	// ErrClassifierUnavailable is returned when the LLM step cannot produce a refinement
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrGenerationFailed is returned when a reply draft could not be generated; callers may retry
	ErrGenerationFailed = errors.New("draft generation failed")
	// ErrCacheMiss is returned by caches when no live entry exists for a key
	ErrCacheMiss = errors.New("cache miss")
	// ErrAlreadyExists is returned when creating a record that is already present
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a compare-and-swap observes a newer revision
	ErrConflict = errors.New("revision conflict")
)

// ValidationError reports malformed input rejected at write time
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

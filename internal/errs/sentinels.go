// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinels across store/pool/cipher layers.
var (
	// ErrNotFound indicates the requested profile does not exist.
	ErrNotFound = errors.New("profile not found")

	// ErrLastProfile indicates a refused delete of the only remaining profile.
	ErrLastProfile = errors.New("cannot delete the last remaining profile")

	// ErrInvalidLegacySettings indicates legacy settings missing required fields.
	ErrInvalidLegacySettings = errors.New("invalid legacy settings")

	// ErrEncrypt indicates a failure in an underlying encryption primitive.
	ErrEncrypt = errors.New("encryption failed")

	// ErrDecrypt indicates a malformed blob or authentication tag mismatch.
	ErrDecrypt = errors.New("decryption failed")

	// ErrConnection wraps failures from the Azure DevOps client.
	ErrConnection = errors.New("connection failed")

	// ErrPoolClosed indicates an acquire after the pool was shut down.
	ErrPoolClosed = errors.New("connection pool closed")
)

// ValidationError carries every violated rule, not just the first, so callers
// can surface all problems at once.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

// NewValidationError builds a ValidationError from the collected rule violations.
func NewValidationError(violations []string) *ValidationError {
	return &ValidationError{Errors: violations}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

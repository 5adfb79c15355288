package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Sentinel errors for the engine's failure taxonomy. Wrap with %w and test
// with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrScopeNotFound     = errors.New("scope not found")
	ErrValidation        = errors.New("validation failed")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrConsistency       = errors.New("index entry references missing record")
	ErrResourceLimit     = errors.New("resource limit exceeded")
)

// ValidateContent rejects empty or oversized record text.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if len(text) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrResourceLimit, MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrValidation)
	}
	return nil
}

// ValidateScopeName rejects malformed scope names. Names are free-form but
// must be non-empty, reasonably short, and printable.
func ValidateScopeName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty scope name", ErrValidation)
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: scope name exceeds 128 bytes", ErrValidation)
	}
	if strings.ContainsAny(name, "\n\r\t") {
		return fmt.Errorf("%w: scope name contains control characters", ErrValidation)
	}
	return nil
}

// ValidateTag rejects malformed tag labels.
func ValidateTag(tag string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("%w: empty tag", ErrValidation)
	}
	if len(tag) > 64 {
		return fmt.Errorf("%w: tag %q exceeds 64 bytes", ErrValidation, tag)
	}
	return nil
}

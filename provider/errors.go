package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// PROVIDER ERRORS
// ============================================================================

type ErrorKind string

const (
	ErrRateLimit      ErrorKind = "rate_limit"
	ErrAuthentication ErrorKind = "authentication"
	ErrNotFound       ErrorKind = "not_found"
	ErrTimeout        ErrorKind = "timeout"
	ErrUnknown        ErrorKind = "unknown"
)

// ProviderError wraps a gateway failure with a coarse classification so
// callers can distinguish retryable conditions from configuration mistakes.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classify maps an underlying SDK error onto the error taxonomy. The SDKs
// mostly surface plain HTTP errors, so this matches on status codes and
// well-known phrases.
func Classify(providerID string, err error) *ProviderError {
	kind := ErrUnknown
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded"):
		kind = ErrTimeout
	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota"):
		kind = ErrRateLimit
	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "permission denied"):
		kind = ErrAuthentication
	case strings.Contains(msg, "404") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist"):
		kind = ErrNotFound
	}

	return &ProviderError{Provider: providerID, Kind: kind, Err: err}
}

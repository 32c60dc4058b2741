// Package apperr holds the error taxonomy shared by the OTP flow, the
// onboarding orchestrator and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned when a destination asked for codes too often
	ErrRateLimited = errors.New("too many code requests")
	// ErrNotFound is returned by remote lookups that found nothing
	ErrNotFound = errors.New("not found")
)

// ValidationError is a local input failure; no network call was made
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidation builds a ValidationError for field
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ProviderError is a rejection by the identity provider or the key network.
// Message is what the provider said and is surfaced to the user verbatim.
type ProviderError struct {
	Provider   string
	Op         string
	Code       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s failed with status %d", e.Provider, e.Op, e.StatusCode)
}

// NetworkError wraps an unreachable remote or a non-success response
type NetworkError struct {
	Service    string
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Service, e.Op, e.StatusCode)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsProvider(err error) bool {
	var p *ProviderError
	return errors.As(err, &p)
}

func IsNetwork(err error) bool {
	var n *NetworkError
	return errors.As(err, &n)
}

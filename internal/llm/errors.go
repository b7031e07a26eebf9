package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderError is a typed error from the inference provider. Status
// carries the HTTP status code when the failure came from the wire;
// zero means a local/transport failure.
type ProviderError struct {
	Status  int
	Message string
	// transientOverride forces classification for non-HTTP failures
	// (timeouts, connection resets).
	transientOverride bool
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// Transient reports whether the failure class is expected to resolve
// on retry: rate limits, overload, and upstream unavailability. Bad
// requests and auth failures are permanent.
func (e *ProviderError) Transient() bool {
	if e.transientOverride {
		return true
	}
	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NewTransientError wraps a local failure (timeout, dropped connection)
// as a transient provider error.
func NewTransientError(msg string) *ProviderError {
	return &ProviderError{Message: msg, transientOverride: true}
}

// IsTransient reports whether err is a provider error in the transient
// class. Unknown error types are treated as permanent — retrying an
// unclassified failure risks duplicate side effects.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}

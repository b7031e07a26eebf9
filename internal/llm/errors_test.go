package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &ProviderError{Status: 429}, true},
		{"internal", &ProviderError{Status: 500}, true},
		{"bad gateway", &ProviderError{Status: 502}, true},
		{"unavailable", &ProviderError{Status: 503}, true},
		{"gateway timeout", &ProviderError{Status: 504}, true},
		{"bad request", &ProviderError{Status: 400}, false},
		{"unauthorized", &ProviderError{Status: 401}, false},
		{"not found", &ProviderError{Status: 404}, false},
		{"local timeout", NewTransientError("timed out"), true},
		{"wrapped transient", fmt.Errorf("call failed: %w", &ProviderError{Status: 503}), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	withStatus := &ProviderError{Status: 429, Message: "slow down"}
	if withStatus.Error() != "provider error 429: slow down" {
		t.Errorf("got %q", withStatus.Error())
	}
	local := NewTransientError("connection reset")
	if local.Error() != "provider error: connection reset" {
		t.Errorf("got %q", local.Error())
	}
}

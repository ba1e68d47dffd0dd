package domain

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "kind and message",
			err:      BlockedURL("URI is invalid"),
			expected: "blocked_url: URI is invalid",
		},
		{
			name:     "kind only",
			err:      &Error{Kind: KindRedirectionTooDeep},
			expected: "redirection_too_deep",
		},
		{
			name:     "formatted",
			err:      BlockedURLf("Only allowed schemes are %s", "http, https"),
			expected: "blocked_url: Only allowed schemes are http, https",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected int
	}{
		{KindBlockedURL, http.StatusForbidden},
		{KindSilentModeBlocked, http.StatusForbidden},
		{KindOpenTimeout, http.StatusGatewayTimeout},
		{KindHeaderReadTimeout, http.StatusGatewayTimeout},
		{KindReadTotalTimeout, http.StatusGatewayTimeout},
		{KindConnectionReset, http.StatusBadGateway},
		{KindRedirectionTooDeep, http.StatusBadGateway},
		{KindResponseTooLarge, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := &Error{Kind: tt.kind}
			if got := err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("fetch: %w", BlockedURL("Requests to localhost are not allowed"))

	if !errors.Is(err, ErrBlockedURL) {
		t.Error("expected wrapped blocked error to match ErrBlockedURL")
	}
	if errors.Is(err, ErrReadTotalTimeout) {
		t.Error("blocked error must not match ErrReadTotalTimeout")
	}
}

func TestWrapError_KeepsCause(t *testing.T) {
	err := WrapError(KindConnectionReset, syscall.ECONNRESET)

	if !errors.Is(err, syscall.ECONNRESET) {
		t.Error("expected original cause to remain reachable")
	}
	if kind, ok := KindOf(err); !ok || kind != KindConnectionReset {
		t.Errorf("KindOf() = %q, %v", kind, ok)
	}
}

func TestIsHTTPError(t *testing.T) {
	for _, kind := range HTTPErrorKinds() {
		if !IsHTTPError(&Error{Kind: kind}) {
			t.Errorf("IsHTTPError(%s) = false, want true", kind)
		}
	}

	if IsHTTPError(&Error{Kind: KindSilentModeBlocked}) {
		t.Error("silent mode must not be part of the HTTP error group")
	}
	if IsHTTPError(errors.New("plain")) {
		t.Error("plain errors are not gateway errors")
	}
	if IsHTTPError(nil) {
		t.Error("nil is not an HTTP error")
	}
}

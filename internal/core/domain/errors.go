// Package domain provides the canonical error taxonomy and audit model for the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a gateway failure.
type ErrorKind string

const (
	// KindBlockedURL indicates the destination was rejected by policy before any socket was opened.
	KindBlockedURL ErrorKind = "blocked_url"

	// KindRedirectionTooDeep indicates the redirect chain exceeded the configured maximum.
	KindRedirectionTooDeep ErrorKind = "redirection_too_deep"

	// KindReadTotalTimeout indicates the body transfer exceeded the total-read budget.
	KindReadTotalTimeout ErrorKind = "read_total_timeout"

	// KindHeaderReadTimeout indicates response headers were not received within the header budget.
	KindHeaderReadTimeout ErrorKind = "header_read_timeout"

	// KindSilentModeBlocked indicates a non read-only method was issued while silent mode is on.
	KindSilentModeBlocked ErrorKind = "silent_mode_blocked"

	// KindResponseTooLarge indicates the response body exceeded the caller's size cap.
	KindResponseTooLarge ErrorKind = "response_too_large"

	// Transport level failures.
	KindOpenTimeout        ErrorKind = "open_timeout"
	KindReadTimeout        ErrorKind = "read_timeout"
	KindWriteTimeout       ErrorKind = "write_timeout"
	KindConnectionReset    ErrorKind = "connection_reset"
	KindConnectionRefused  ErrorKind = "connection_refused"
	KindHostUnreachable    ErrorKind = "host_unreachable"
	KindNetworkUnreachable ErrorKind = "network_unreachable"
	KindDNSFailure         ErrorKind = "dns_failure"
	KindTLSFailure         ErrorKind = "tls_failure"
	KindBadResponse        ErrorKind = "bad_response"
	KindEOF                ErrorKind = "eof"
)

// httpErrorKinds is the aggregated group callers catch as "the request failed".
// Silent mode refusals are not part of the group.
var httpErrorKinds = map[ErrorKind]struct{}{
	KindBlockedURL:         {},
	KindRedirectionTooDeep: {},
	KindReadTotalTimeout:   {},
	KindHeaderReadTimeout:  {},
	KindResponseTooLarge:   {},
	KindOpenTimeout:        {},
	KindReadTimeout:        {},
	KindWriteTimeout:       {},
	KindConnectionReset:    {},
	KindConnectionRefused:  {},
	KindHostUnreachable:    {},
	KindNetworkUnreachable: {},
	KindDNSFailure:         {},
	KindTLSFailure:         {},
	KindBadResponse:        {},
	KindEOF:                {},
}

// Sentinels for errors.Is comparisons. Matching is by kind only.
var (
	ErrBlockedURL         = &Error{Kind: KindBlockedURL}
	ErrRedirectionTooDeep = &Error{Kind: KindRedirectionTooDeep}
	ErrReadTotalTimeout   = &Error{Kind: KindReadTotalTimeout}
	ErrHeaderReadTimeout  = &Error{Kind: KindHeaderReadTimeout}
	ErrSilentModeBlocked  = &Error{Kind: KindSilentModeBlocked}
	ErrResponseTooLarge   = &Error{Kind: KindResponseTooLarge}
)

// Error is the single error type surfaced by the gateway.
type Error struct {
	// Kind is the category of failure
	Kind ErrorKind `json:"type"`

	// Message is the human-readable reason
	Message string `json:"message"`

	// Err is the underlying cause, if any
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a gateway error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatusCode returns the status the control API uses for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindBlockedURL, KindSilentModeBlocked:
		return http.StatusForbidden
	case KindOpenTimeout, KindReadTimeout, KindWriteTimeout, KindHeaderReadTimeout, KindReadTotalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// NewError creates a gateway error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a gateway error that keeps err as its cause.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// BlockedURL creates a policy rejection.
func BlockedURL(message string) *Error {
	return NewError(KindBlockedURL, message)
}

// BlockedURLf creates a policy rejection with a formatted message.
func BlockedURLf(format string, args ...any) *Error {
	return NewError(KindBlockedURL, fmt.Sprintf(format, args...))
}

// KindOf extracts the kind of a gateway error anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsHTTPError reports whether err belongs to the aggregated HTTP error group.
func IsHTTPError(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	_, found := httpErrorKinds[kind]
	return found
}

// HTTPErrorKinds lists the kinds in the aggregated HTTP error group.
func HTTPErrorKinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, len(httpErrorKinds))
	for k := range httpErrorKinds {
		kinds = append(kinds, k)
	}
	return kinds
}

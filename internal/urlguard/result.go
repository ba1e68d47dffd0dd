package urlguard

import "net/url"

// Result is the outcome of a successful validation.
//
// When Hostname is non-empty, URI carries the checked IP address and callers must
// connect to that address while using Hostname for TLS verification and the Host
// header. Connecting to the checked IP rather than re-resolving the name is what
// defeats DNS rebinding.
type Result struct {
	URI      *url.URL
	Hostname string
	UseProxy bool
}

// ConnectHost returns the host the connection must be made to.
func (r Result) ConnectHost() string {
	if r.URI == nil {
		return ""
	}
	return r.URI.Hostname()
}

// Pinned reports whether the connection target was substituted with a resolved IP.
func (r Result) Pinned() bool {
	return r.Hostname != ""
}

// Equal reports whether two results describe the same connection.
func (r Result) Equal(o Result) bool {
	if r.Hostname != o.Hostname || r.UseProxy != o.UseProxy {
		return false
	}
	if r.URI == nil || o.URI == nil {
		return r.URI == o.URI
	}
	return r.URI.String() == o.URI.String()
}

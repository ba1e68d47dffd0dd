package urlguard

import (
	"net/url"

	"github.com/tjfontaine/egress-gateway/internal/allowlist"
)

// Toggle is a flag that may be evaluated lazily, e.g. read from a live setting.
type Toggle func() bool

// Static returns a Toggle with a fixed value.
func Static(v bool) Toggle {
	return func() bool { return v }
}

// Enabled evaluates the toggle. A nil Toggle is disabled.
func (t Toggle) Enabled() bool {
	return t != nil && t()
}

// PolicyOptions is the per-request policy handed to the Guard.
// The zero value is NOT the default policy; use DefaultPolicyOptions.
type PolicyOptions struct {
	// Schemes lists the allowed URL schemes. Required.
	Schemes []string
	// Ports lists additional allowed ports below 1024.
	Ports []int

	AllowLocalhost    bool
	AllowLocalNetwork bool

	// ExtraAllowedURIs are exact scheme+host+port matches that bypass locality checks.
	ExtraAllowedURIs []*url.URL

	ASCIIOnly           bool
	EnforceUser         bool
	EnforceSanitization bool

	DenyAllRequestsExceptAllowed Toggle
	DNSRebindProtection          bool

	OutboundLocalRequestsAllowlist *allowlist.Allowlist
}

// DefaultPolicyOptions returns the default policy for the given schemes:
// localhost blocked, local network allowed, DNS rebinding protection on.
func DefaultPolicyOptions(schemes ...string) PolicyOptions {
	return PolicyOptions{
		Schemes:             schemes,
		AllowLocalNetwork:   true,
		DNSRebindProtection: true,
	}
}

// validatesIPs reports whether any option requires the resolved addresses.
func (o PolicyOptions) validatesIPs() bool {
	return o.DenyAllRequestsExceptAllowed.Enabled() ||
		o.DNSRebindProtection ||
		!o.AllowLocalNetwork ||
		!o.AllowLocalhost
}

// Package urlguard decides whether an outbound URL may be contacted and, when it
// may, which address the connection must be pinned to.
package urlguard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

// ErrSchemesRequired is returned when PolicyOptions.Schemes is empty.
var ErrSchemesRequired = errors.New("urlguard: schemes is a required argument")

// Config configures a Guard.
type Config struct {
	// Resolver resolves host names. Defaults to net.DefaultResolver.
	Resolver Resolver
	// InternalURIs are the application's own endpoints; they bypass locality checks.
	InternalURIs []*url.URL
	// Proxy reads the proxy environment. Defaults to EnvironmentProxy.
	Proxy *ProxyEnv
	// InterfaceAddrs lists local interface addresses. Defaults to the package function.
	InterfaceAddrs func() ([]netip.Addr, error)
	// LookupTimeout bounds name resolution. Defaults to DefaultLookupTimeout.
	LookupTimeout time.Duration
}

// Guard validates outbound URLs. It is safe for concurrent use.
type Guard struct {
	resolver       Resolver
	internal       []*url.URL
	proxy          *ProxyEnv
	interfaceAddrs func() ([]netip.Addr, error)
	lookupTimeout  time.Duration
}

// New creates a Guard.
func New(cfg Config) *Guard {
	g := &Guard{
		resolver:       cfg.Resolver,
		internal:       cfg.InternalURIs,
		proxy:          cfg.Proxy,
		interfaceAddrs: cfg.InterfaceAddrs,
		lookupTimeout:  cfg.LookupTimeout,
	}
	if g.resolver == nil {
		g.resolver = net.DefaultResolver
	}
	if g.proxy == nil {
		g.proxy = EnvironmentProxy()
	}
	if g.interfaceAddrs == nil {
		g.interfaceAddrs = InterfaceAddrs
	}
	if g.lookupTimeout <= 0 {
		g.lookupTimeout = DefaultLookupTimeout
	}
	return g
}

// Proxy returns the proxy environment the guard consults.
func (g *Guard) Proxy() *ProxyEnv {
	return g.proxy
}

// Validate parses raw and validates it. An empty raw yields a zero Result with
// UseProxy set and no error.
func (g *Guard) Validate(ctx context.Context, raw string, opts PolicyOptions) (Result, error) {
	if raw == "" {
		return Result{UseProxy: true}, nil
	}
	if len(opts.Schemes) == 0 {
		return Result{}, ErrSchemesRequired
	}

	u, err := parseTarget(raw)
	if err != nil {
		return Result{}, err
	}
	return g.validate(ctx, u, raw, opts)
}

// ValidateURL validates an already parsed URL. u is not modified.
func (g *Guard) ValidateURL(ctx context.Context, u *url.URL, opts PolicyOptions) (Result, error) {
	if u == nil {
		return Result{UseProxy: true}, nil
	}
	if len(opts.Schemes) == 0 {
		return Result{}, ErrSchemesRequired
	}

	text := u.String()
	if multilineBlocked(text, u.Scheme) || strings.ContainsAny(u.Host, "\r\n") || !validPort(u) {
		return Result{}, errInvalidURI()
	}
	cp := *u
	return g.validate(ctx, &cp, text, opts)
}

// Blocked reports whether raw would be rejected. Non-policy errors such as
// cancellation also report true.
func (g *Guard) Blocked(ctx context.Context, raw string, opts PolicyOptions) bool {
	_, err := g.Validate(ctx, raw, opts)
	return err != nil
}

// Internal reports whether u matches one of the configured internal URIs.
func (g *Guard) Internal(u *url.URL) bool {
	return matchesAny(u, g.internal)
}

func (g *Guard) validate(ctx context.Context, u *url.URL, text string, opts PolicyOptions) (Result, error) {
	if err := validateURI(u, text, opts, g.Internal(u)); err != nil {
		return Result{}, err
	}

	if !opts.validatesIPs() {
		return Result{URI: u, UseProxy: g.proxy.InUse(u, netip.Addr{})}, nil
	}

	addrs, err := g.resolve(ctx, u)
	if err != nil {
		if !errors.Is(err, errUnresolvable) {
			return Result{}, err
		}
		if g.enforceResolvable(u, opts) {
			return Result{}, domain.BlockedURL("Host cannot be resolved or invalid")
		}
		return Result{URI: u, UseProxy: g.proxy.InUse(u, netip.Addr{})}, nil
	}

	ip := addrs[0]
	useProxy := g.proxy.InUse(u, ip)
	rebind := opts.DNSRebindProtection && !useProxy
	port := EffectivePort(u)

	if opts.OutboundLocalRequestsAllowlist.DomainAllowed(u.Hostname(), port) {
		return Result{URI: u, UseProxy: useProxy}, nil
	}

	protected := pin(u, ip, rebind, useProxy)

	if opts.OutboundLocalRequestsAllowlist.IPAllowed(ip, port) {
		return protected, nil
	}
	if g.Internal(u) || matchesAny(u, opts.ExtraAllowedURIs) {
		return protected, nil
	}

	if opts.DenyAllRequestsExceptAllowed.Enabled() {
		return Result{}, domain.BlockedURL("Requests to hosts and IP addresses not on the Allow List are denied")
	}

	var local []netip.Addr
	if !opts.AllowLocalhost {
		local, _ = g.interfaceAddrs()
	}
	if err := localityError(addrs, local, opts); err != nil {
		return Result{}, err
	}

	return protected, nil
}

// enforceResolvable reports whether a resolution failure must block the request.
func (g *Guard) enforceResolvable(u *url.URL, opts PolicyOptions) bool {
	switch {
	case opts.OutboundLocalRequestsAllowlist.DomainAllowed(u.Hostname(), EffectivePort(u)):
		return false
	case opts.DenyAllRequestsExceptAllowed.Enabled():
		return true
	case !opts.DNSRebindProtection:
		return false
	case g.proxy.Enabled():
		return false
	default:
		return true
	}
}

// pin substitutes u's host with ip so the connection cannot be re-resolved.
func pin(u *url.URL, ip netip.Addr, rebind, useProxy bool) Result {
	host := u.Hostname()
	if !rebind || ip.String() == strings.TrimSuffix(strings.TrimPrefix(host, "["), "]") {
		return Result{URI: u, UseProxy: useProxy}
	}

	pinned := *u
	addr := ip.String()
	if ip.Is6() {
		addr = "[" + addr + "]"
	}
	if p := u.Port(); p != "" {
		addr = addr + ":" + p
	}
	pinned.Host = addr
	return Result{URI: &pinned, Hostname: host, UseProxy: useProxy}
}

func matchesAny(u *url.URL, candidates []*url.URL) bool {
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if strings.EqualFold(c.Scheme, u.Scheme) &&
			strings.EqualFold(c.Hostname(), u.Hostname()) &&
			EffectivePort(c) == EffectivePort(u) {
			return true
		}
	}
	return false
}

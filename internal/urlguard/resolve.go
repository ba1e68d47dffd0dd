package urlguard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/allowlist"
	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

const (
	// DefaultLookupTimeout bounds a single name resolution.
	DefaultLookupTimeout = 15 * time.Second

	maxHostLength = 1024
)

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ Resolver = (*net.Resolver)(nil)

// errUnresolvable marks a resolution failure that policy may choose to tolerate.
var errUnresolvable = errors.New("host cannot be resolved")

// resolve returns the addresses of u's host, unmapped, in resolver order.
// IP literals, including legacy IPv4 forms, are never sent to the resolver.
func (g *Guard) resolve(ctx context.Context, u *url.URL) ([]netip.Addr, error) {
	host := u.Hostname()
	if len(host) > maxHostLength {
		return nil, domain.BlockedURLf("Host is too long (maximum is %d characters)", maxHostLength)
	}
	if host == "" {
		return nil, errUnresolvable
	}
	if addr, ok := parseIPLiteral(host); ok {
		return []netip.Addr{addr.WithZone("")}, nil
	}
	if looksNumeric(host) {
		return nil, errUnresolvable
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	type lookupResult struct {
		addrs []netip.Addr
		err   error
	}
	ch := make(chan lookupResult, 1)
	go func() {
		addrs, err := g.resolver.LookupNetIP(lookupCtx, "ip", allowlist.NormalizeDomain(host))
		ch <- lookupResult{addrs, err}
	}()

	var res lookupResult
	select {
	case res = <-ch:
	case <-lookupCtx.Done():
		res.err = lookupCtx.Err()
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return nil, domain.BlockedURL("execution expired")
		}
		return nil, errUnresolvable
	}
	if len(res.addrs) == 0 {
		return nil, errUnresolvable
	}

	out := make([]netip.Addr, len(res.addrs))
	for i, a := range res.addrs {
		out[i] = a.Unmap().WithZone("")
	}
	return out, nil
}

// looksNumeric reports whether host is made only of digits and dots, which a
// resolver would otherwise interpret as a malformed address.
func looksNumeric(host string) bool {
	for i := 0; i < len(host); i++ {
		if c := host[i]; c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

package urlguard

import (
	"net"
	"net/netip"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

var (
	ipv4LinkLocal    = netip.MustParsePrefix("169.254.0.0/16")
	ipv6LinkLocal    = netip.MustParsePrefix("fe80::/10")
	ipv6SiteLocal    = netip.MustParsePrefix("fec0::/10")
	ipv6UniqueLocal  = netip.MustParsePrefix("fc00::/7")
	sharedAddrSpace  = netip.MustParsePrefix("100.64.0.0/10")
	limitedBroadcast = netip.MustParseAddr("255.255.255.255")
	ipv4Unspecified  = netip.IPv4Unspecified()
	ipv6Unspecified  = netip.IPv6Unspecified()
)

// InterfaceAddrs returns the addresses bound to local network interfaces.
func InterfaceAddrs() ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

// localityError checks addrs against the locality rules, returning the first violation.
func localityError(addrs []netip.Addr, local []netip.Addr, opts PolicyOptions) error {
	if opts.AllowLocalhost && opts.AllowLocalNetwork {
		return nil
	}

	if !opts.AllowLocalhost {
		for _, a := range addrs {
			if isLocalhost(a, local) {
				return domain.BlockedURL("Requests to localhost are not allowed")
			}
		}
		for _, a := range addrs {
			if a.IsLoopback() {
				return domain.BlockedURL("Requests to loopback addresses are not allowed")
			}
		}
	}

	if !opts.AllowLocalNetwork {
		for _, a := range addrs {
			if isPrivate(a) {
				return domain.BlockedURL("Requests to the local network are not allowed")
			}
		}
		for _, a := range addrs {
			if isLinkLocal(a) {
				return domain.BlockedURL("Requests to the link local network are not allowed")
			}
		}
		for _, a := range addrs {
			if sharedAddrSpace.Contains(a) {
				return domain.BlockedURL("Requests to the shared address space are not allowed")
			}
		}
		for _, a := range addrs {
			if a == limitedBroadcast {
				return domain.BlockedURL("Requests to the limited broadcast address are not allowed")
			}
		}
	}

	return nil
}

func isLocalhost(a netip.Addr, local []netip.Addr) bool {
	if a == ipv4Unspecified || a == ipv6Unspecified {
		return true
	}
	for _, l := range local {
		if l == a {
			return true
		}
	}
	return false
}

func isPrivate(a netip.Addr) bool {
	return a.IsPrivate() || ipv6SiteLocal.Contains(a) || ipv6UniqueLocal.Contains(a)
}

func isLinkLocal(a netip.Addr) bool {
	return ipv4LinkLocal.Contains(a) || ipv6LinkLocal.Contains(a)
}

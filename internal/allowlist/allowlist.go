// Package allowlist matches addresses and domains against the configured set of
// destinations that are always considered safe to contact.
package allowlist

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

var (
	bracketedWithPort = regexp.MustCompile(`^\[(.*)\]:(\d+)$`)
	hostWithPort      = regexp.MustCompile(`^([^:]+):(\d+)$`)
)

// IPEntry allows an address or address range, optionally on a single port.
type IPEntry struct {
	Prefix netip.Prefix
	// Port is zero when the entry matches any port.
	Port int
}

// Match reports whether addr and port are covered by the entry.
func (e IPEntry) Match(addr netip.Addr, port int) bool {
	if !e.Prefix.Contains(addr.Unmap().WithZone("")) {
		return false
	}
	return e.Port == 0 || e.Port == port
}

// DomainEntry allows an exact domain name, optionally on a single port.
type DomainEntry struct {
	Domain string
	// Port is zero when the entry matches any port.
	Port int
}

// Match reports whether name and port are covered by the entry.
// name must already be normalized with NormalizeDomain.
func (e DomainEntry) Match(name string, port int) bool {
	if e.Domain != name {
		return false
	}
	return e.Port == 0 || e.Port == port
}

// Allowlist is an immutable, parsed allowlist. It is safe for concurrent use.
type Allowlist struct {
	ips     []IPEntry
	domains []DomainEntry
}

// Parse builds an Allowlist from configuration strings of the form
// "address", "address:port", "[ipv6]:port", "cidr" or a bare domain.
// Strings that do not parse as an IP literal are treated as domains.
func Parse(entries []string) *Allowlist {
	a := &Allowlist{}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		host, port := splitAddrAndPort(raw)
		if prefix, ok := parsePrefix(host); ok {
			a.ips = append(a.ips, IPEntry{Prefix: prefix, Port: port})
			continue
		}

		a.domains = append(a.domains, DomainEntry{Domain: NormalizeDomain(host), Port: port})
	}
	return a
}

// IPAllowed reports whether addr on port matches any IP entry.
func (a *Allowlist) IPAllowed(addr netip.Addr, port int) bool {
	if a == nil || !addr.IsValid() {
		return false
	}
	for _, e := range a.ips {
		if e.Match(addr, port) {
			return true
		}
	}
	return false
}

// DomainAllowed reports whether name on port matches any domain entry.
func (a *Allowlist) DomainAllowed(name string, port int) bool {
	if a == nil || name == "" {
		return false
	}
	name = NormalizeDomain(name)
	for _, e := range a.domains {
		if e.Match(name, port) {
			return true
		}
	}
	return false
}

// IPEntries returns a copy of the parsed IP entries.
func (a *Allowlist) IPEntries() []IPEntry {
	if a == nil {
		return nil
	}
	return append([]IPEntry(nil), a.ips...)
}

// DomainEntries returns a copy of the parsed domain entries.
func (a *Allowlist) DomainEntries() []DomainEntry {
	if a == nil {
		return nil
	}
	return append([]DomainEntry(nil), a.domains...)
}

// Len returns the total number of entries.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.ips) + len(a.domains)
}

// NormalizeDomain lowercases name and converts it to its IDNA ASCII form.
// Names IDNA rejects are returned lowercased so they can still match verbatim.
func NormalizeDomain(name string) string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		return ascii
	}
	return name
}

func splitAddrAndPort(s string) (string, int) {
	if m := bracketedWithPort.FindStringSubmatch(s); m != nil {
		return m[1], atoiPort(m[2])
	}
	if m := hostWithPort.FindStringSubmatch(s); m != nil {
		return m[1], atoiPort(m[2])
	}
	return s, 0
}

func atoiPort(s string) int {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return 0
	}
	return p
}

func parsePrefix(s string) (netip.Prefix, bool) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, false
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), true
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap().WithZone("")
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

package urlguard

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strconv"

	"golang.org/x/net/http/httpproxy"
)

// ProxyEnv reads proxy settings from environment variables.
type ProxyEnv struct {
	getenv func(string) string
}

// EnvironmentProxy reads the process environment.
func EnvironmentProxy() *ProxyEnv {
	return NewProxyEnv(os.Getenv)
}

// NewProxyEnv reads proxy settings through getenv. A nil getenv means no proxy
// variable is ever set.
func NewProxyEnv(getenv func(string) string) *ProxyEnv {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	return &ProxyEnv{getenv: getenv}
}

func (p *ProxyEnv) first(keys ...string) string {
	for _, k := range keys {
		if v := p.getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Enabled reports whether any proxy variable is set.
func (p *ProxyEnv) Enabled() bool {
	return p != nil && p.first("http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY") != ""
}

func (p *ProxyEnv) config() *httpproxy.Config {
	return &httpproxy.Config{
		HTTPProxy:  p.first("http_proxy", "HTTP_PROXY"),
		HTTPSProxy: p.first("https_proxy", "HTTPS_PROXY"),
		NoProxy:    p.first("no_proxy", "NO_PROXY"),
	}
}

// InUse reports whether a request to u would go through the configured proxy.
// When ip is valid, the resolved address must not be excluded by no_proxy either.
func (p *ProxyEnv) InUse(u *url.URL, ip netip.Addr) bool {
	if !p.Enabled() || u == nil {
		return false
	}

	proxyFor := p.config().ProxyFunc()
	port := strconv.Itoa(EffectivePort(u))

	byName := &url.URL{Scheme: u.Scheme, Host: net.JoinHostPort(u.Hostname(), port)}
	if proxy, err := proxyFor(byName); err != nil || proxy == nil {
		return false
	}

	if ip.IsValid() {
		byAddr := &url.URL{Scheme: u.Scheme, Host: net.JoinHostPort(ip.String(), port)}
		if proxy, err := proxyFor(byAddr); err != nil || proxy == nil {
			return false
		}
	}
	return true
}

// ProxyFunc returns a function suitable for http.Transport.Proxy.
func (p *ProxyEnv) ProxyFunc() func(*http.Request) (*url.URL, error) {
	if !p.Enabled() {
		return nil
	}
	proxyFor := p.config().ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return proxyFor(req.URL)
	}
}

// Package safehttp builds HTTP transports that connect only to validated addresses
// and enforce per-connection time budgets.
package safehttp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/urlguard"
)

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithTLSConfig sets the base TLS configuration. It is cloned per connection.
func WithTLSConfig(cfg *tls.Config) BuilderOption {
	return func(b *Builder) {
		b.tlsConfig = cfg
	}
}

// WithClock overrides the clock used by the header-read guard.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// Builder creates one Transport per validated request.
type Builder struct {
	proxy     *urlguard.ProxyEnv
	tlsConfig *tls.Config
	now       func() time.Time
}

// NewBuilder creates a Builder that consults proxy when a Result asks for it.
func NewBuilder(proxy *urlguard.ProxyEnv, opts ...BuilderOption) *Builder {
	b := &Builder{proxy: proxy, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Transport is a single-use round tripper bound to a validated Result.
type Transport struct {
	base     *http.Transport
	result   urlguard.Result
	timeouts Timeouts
	tlsBase  *tls.Config
	proxyFor func(*http.Request) (*url.URL, error)
	now      func() time.Time

	mu    sync.Mutex
	conns []*guardedConn
}

// Build returns a Transport that dials the address pinned in res. The request
// passed to RoundTrip must still carry the original host name; it is used for
// the Host header and TLS verification.
func (b *Builder) Build(res urlguard.Result, t Timeouts) *Transport {
	tr := &Transport{
		result:   res,
		timeouts: t,
		tlsBase:  b.tlsConfig,
		now:      b.now,
	}

	base := &http.Transport{
		DialContext:       tr.dial,
		DialTLSContext:    tr.dialTLS,
		DisableKeepAlives: true,
		TLSClientConfig:   tr.tlsConfig(""),
	}
	if res.UseProxy && b.proxy != nil {
		tr.proxyFor = b.proxy.ProxyFunc()
	}
	if tr.proxyFor != nil {
		base.Proxy = tr.forwardProxy
	}
	tr.base = base
	return tr
}

// RoundTrip implements http.RoundTripper. Budget violations recorded on the
// connection take precedence over the transport's own error.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if f := t.Failure(); f != nil {
			return nil, f
		}
		return nil, err
	}
	return resp, nil
}

// Failure returns the first budget violation recorded on any connection.
func (t *Transport) Failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		if err := c.Failure(); err != nil {
			return err
		}
	}
	return nil
}

// CloseIdleConnections releases the underlying transport's connections.
func (t *Transport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

// target rewrites addr to the pinned IP. A pinned Result never goes through a
// proxy, so every dial is to the validated host.
func (t *Transport) target(addr string) string {
	if !t.result.Pinned() {
		return addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(t.result.ConnectHost(), port)
}

func (t *Transport) rawDial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.timeouts.Open}
	conn, err := dialer.DialContext(ctx, network, t.target(addr))
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return nil, &domain.Error{
				Kind:    domain.KindOpenTimeout,
				Message: fmt.Sprintf("Failed to open TCP connection to %s (execution expired)", addr),
				Err:     err,
			}
		}
		return nil, err
	}
	return conn, nil
}

func (t *Transport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := t.rawDial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return t.track(conn), nil
}

// forwardProxy sends plain http requests through the proxy. https requests are
// tunneled by dialTLS so the origin's headers travel over a guarded connection.
func (t *Transport) forwardProxy(req *http.Request) (*url.URL, error) {
	if req.URL.Scheme != "http" {
		return nil, nil
	}
	return t.proxyFor(req)
}

func (t *Transport) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split tls address: %w", err)
	}

	raw, err := t.dialOrigin(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(raw, t.tlsConfig(host))
	if err := t.handshake(ctx, tlsConn, addr); err != nil {
		raw.Close()
		return nil, err
	}
	return t.track(tlsConn), nil
}

func (t *Transport) handshake(ctx context.Context, conn *tls.Conn, addr string) error {
	hsCtx := ctx
	if t.timeouts.Open > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, t.timeouts.Open)
		defer cancel()
	}
	if err := conn.HandshakeContext(hsCtx); err != nil {
		if ctx.Err() == nil && hsCtx.Err() != nil {
			return &domain.Error{
				Kind:    domain.KindOpenTimeout,
				Message: fmt.Sprintf("TLS handshake with %s timed out", addr),
				Err:     err,
			}
		}
		return err
	}
	return nil
}

// dialOrigin connects to addr, through a CONNECT tunnel when a proxy applies.
func (t *Transport) dialOrigin(ctx context.Context, network, addr string) (net.Conn, error) {
	if t.proxyFor == nil {
		return t.rawDial(ctx, network, addr)
	}

	proxyURL, err := t.proxyFor(&http.Request{URL: &url.URL{Scheme: "https", Host: addr}})
	if err != nil {
		return nil, fmt.Errorf("resolve proxy: %w", err)
	}
	if proxyURL == nil {
		return t.rawDial(ctx, network, addr)
	}

	proxyAddr := net.JoinHostPort(proxyURL.Hostname(), strconv.Itoa(urlguard.EffectivePort(proxyURL)))
	conn, err := t.rawDial(ctx, network, proxyAddr)
	if err != nil {
		return nil, err
	}

	switch proxyURL.Scheme {
	case "http":
	case "https":
		cfg := t.tlsConfig(proxyURL.Hostname())
		cfg.ServerName = proxyURL.Hostname()
		pc := tls.Client(conn, cfg)
		if err := t.handshake(ctx, pc, proxyAddr); err != nil {
			conn.Close()
			return nil, err
		}
		conn = pc
	default:
		conn.Close()
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}

	tunnel, err := t.connect(conn, proxyURL, addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunnel, nil
}

// connect asks the proxy for a tunnel to addr. The proxy's reply is bounded by
// the header-read budget.
func (t *Transport) connect(conn net.Conn, proxyURL *url.URL, addr string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := proxyURL.User; u != nil {
		password, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if t.timeouts.Write > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.timeouts.Write))
	}
	if err := req.Write(conn); err != nil {
		if isTimeout(err) {
			return nil, &domain.Error{
				Kind:    domain.KindWriteTimeout,
				Message: fmt.Sprintf("Write timed out after %v seconds", t.timeouts.Write.Seconds()),
				Err:     err,
			}
		}
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	headerBound := t.timeouts.HeaderRead > 0 && (t.timeouts.Read <= 0 || t.timeouts.HeaderRead <= t.timeouts.Read)
	switch {
	case headerBound:
		conn.SetReadDeadline(time.Now().Add(t.timeouts.HeaderRead))
	case t.timeouts.Read > 0:
		conn.SetReadDeadline(time.Now().Add(t.timeouts.Read))
	}

	hr := NewHeaderReader(conn, t.timeouts.HeaderRead)
	if t.now != nil {
		hr.now = t.now
	}
	head, err := hr.ReadUntil(HeaderTerminator, false)
	if err != nil {
		if _, ok := domain.KindOf(err); ok {
			return nil, err
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("read CONNECT response: %w", err)
		}
		if headerBound {
			return nil, headerTimeout(t.timeouts.HeaderRead, err)
		}
		return nil, &domain.Error{
			Kind:    domain.KindReadTimeout,
			Message: fmt.Sprintf("Read timed out after %v seconds", t.timeouts.Read.Seconds()),
			Err:     err,
		}
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), req)
	if err != nil {
		return nil, fmt.Errorf("parse CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy refused tunnel to %s: %s", addr, resp.Status)
	}

	conn.SetDeadline(time.Time{})
	return &tunnelConn{Conn: conn, r: hr}, nil
}

// tunnelConn replays bytes the proxy sent after its CONNECT reply.
type tunnelConn struct {
	net.Conn
	r io.Reader
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (t *Transport) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if t.tlsBase != nil {
		cfg = t.tlsBase.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if cfg.ServerName == "" {
		if t.result.Pinned() {
			cfg.ServerName = asciiHost(t.result.Hostname)
		} else {
			cfg.ServerName = host
		}
	}
	cfg.NextProtos = []string{"http/1.1"}
	return cfg
}

func asciiHost(host string) string {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

func (t *Transport) track(conn net.Conn) net.Conn {
	gc := newGuardedConn(conn, t.timeouts, t.now)
	t.mu.Lock()
	t.conns = append(t.conns, gc)
	t.mu.Unlock()
	return gc
}

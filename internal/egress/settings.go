package egress

import (
	"net/http"
	"net/url"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/allowlist"
	"github.com/tjfontaine/egress-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/egress-gateway/internal/urlguard"
)

const (
	// DefaultReadTotalTimeout bounds body transfer when no request timeout is given.
	DefaultReadTotalTimeout = 30 * time.Second
	// DefaultMaxRedirects is the number of redirects followed before failing.
	DefaultMaxRedirects = 5
)

// Schemes the client may contact.
var Schemes = []string{"http", "https"}

// Settings is the application-wide configuration of a Client. A Client never
// mutates its Settings; reloads build a new Client.
type Settings struct {
	// InternalURIs are the application's own endpoints.
	InternalURIs []*url.URL
	// Allowlist holds destinations exempt from locality checks.
	Allowlist *allowlist.Allowlist

	AllowLocalRequests           bool
	DNSRebindProtection          bool
	DenyAllRequestsExceptAllowed urlguard.Toggle
	SilentMode                   urlguard.Toggle

	Timeouts         safehttp.Timeouts
	ReadTotalTimeout time.Duration
	MaxRedirects     int

	// LogResponseSizeThreshold enables a debug log for bodies larger than this many bytes.
	LogResponseSizeThreshold int64
}

// DefaultSettings returns the default client settings.
func DefaultSettings() Settings {
	return Settings{
		DNSRebindProtection: true,
		Timeouts:            safehttp.DefaultTimeouts(),
		ReadTotalTimeout:    DefaultReadTotalTimeout,
		MaxRedirects:        DefaultMaxRedirects,
	}
}

// ExtraLogInfoFunc computes extra log context for a failed request.
type ExtraLogInfoFunc func(err error, rawURL string, opts RequestOptions) map[string]any

// RequestOptions are the per-request options of Do.
type RequestOptions struct {
	Header http.Header
	Body   []byte

	// Timeout replaces the open, read and write timeouts and the total-read budget.
	Timeout time.Duration
	// OpenTimeout, ReadTimeout and WriteTimeout replace only their own default.
	OpenTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// StreamBody hands fragments to OnFragment without buffering and without
	// a total-read budget.
	StreamBody bool
	// OnFragment receives every body fragment as it arrives.
	OnFragment func([]byte) error
	// MaxBodySize caps a buffered body in bytes. Zero means no cap.
	MaxBodySize int64

	SilentModeEnabled bool

	// AllowLocalRequests overrides Settings.AllowLocalRequests when set.
	AllowLocalRequests *bool
	ExtraAllowedURIs   []*url.URL
	// DenyAllRequestsExceptAllowed and DNSRebindProtection override the
	// settings of the same name when set. A proxy still disables rebind
	// protection.
	DenyAllRequestsExceptAllowed *bool
	DNSRebindProtection          *bool

	// ExtraLogInfo is either a map[string]any or an ExtraLogInfoFunc.
	ExtraLogInfo any
}

// timeouts merges the request options over the configured defaults. Unset
// settings fall back to the safehttp defaults.
func (s Settings) timeouts(opts RequestOptions) safehttp.Timeouts {
	t := s.Timeouts
	def := safehttp.DefaultTimeouts()
	if t.Open <= 0 {
		t.Open = def.Open
	}
	if t.Read <= 0 {
		t.Read = def.Read
	}
	if t.Write <= 0 {
		t.Write = def.Write
	}
	if t.HeaderRead <= 0 {
		t.HeaderRead = def.HeaderRead
	}
	if opts.Timeout > 0 {
		t.Open, t.Read, t.Write = opts.Timeout, opts.Timeout, opts.Timeout
		return t
	}
	if opts.OpenTimeout > 0 {
		t.Open = opts.OpenTimeout
	}
	if opts.ReadTimeout > 0 {
		t.Read = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		t.Write = opts.WriteTimeout
	}
	return t
}

func (s Settings) readTotalTimeout(opts RequestOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if s.ReadTotalTimeout > 0 {
		return s.ReadTotalTimeout
	}
	return DefaultReadTotalTimeout
}

func (s Settings) maxRedirects() int {
	if s.MaxRedirects > 0 {
		return s.MaxRedirects
	}
	return DefaultMaxRedirects
}

// policy derives the validation policy for a request.
func (s Settings) policy(opts RequestOptions, proxy *urlguard.ProxyEnv) urlguard.PolicyOptions {
	allowLocal := s.AllowLocalRequests
	if opts.AllowLocalRequests != nil {
		allowLocal = *opts.AllowLocalRequests
	}

	rebind := s.DNSRebindProtection
	if opts.DNSRebindProtection != nil {
		rebind = *opts.DNSRebindProtection
	}

	p := urlguard.DefaultPolicyOptions(Schemes...)
	p.AllowLocalhost = allowLocal
	p.AllowLocalNetwork = allowLocal
	p.DNSRebindProtection = rebind && !proxy.Enabled()
	p.DenyAllRequestsExceptAllowed = s.DenyAllRequestsExceptAllowed
	if opts.DenyAllRequestsExceptAllowed != nil {
		p.DenyAllRequestsExceptAllowed = urlguard.Static(*opts.DenyAllRequestsExceptAllowed)
	}
	p.OutboundLocalRequestsAllowlist = s.Allowlist
	p.ExtraAllowedURIs = opts.ExtraAllowedURIs
	return p
}

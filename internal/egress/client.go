// Package egress performs outbound HTTP requests through the SSRF policy,
// enforcing silent mode, redirect limits and the request time budgets.
package egress

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/egress-gateway/internal/urlguard"
)

// Methods permitted while silent mode is on.
var silentModeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// ExceptionLogger receives failures in the HTTP error group.
type ExceptionLogger func(ctx context.Context, err error, extra map[string]any)

// SilentModeLogger receives silent mode refusals.
type SilentModeLogger func(ctx context.Context, message, method string)

// Response is a completed outbound response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	// Body is nil when the body was streamed.
	Body []byte
	// Size is the number of body bytes received.
	Size int64
	// URL is the final URL after redirects, with its original host name.
	URL string
}

// Client performs guarded outbound requests. It is safe for concurrent use.
type Client struct {
	settings Settings
	guard    *urlguard.Guard
	builder  *safehttp.Builder
	factory  TransportFactory

	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	events         ports.EventPublisher

	logException  ExceptionLogger
	logSilentMode SilentModeLogger

	now func() time.Time
}

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithGuard sets the policy engine.
func WithGuard(g *urlguard.Guard) Option {
	return func(c *Client) error {
		c.guard = g
		return nil
	}
}

// WithBuilder sets the connection builder.
func WithBuilder(b *safehttp.Builder) Option {
	return func(c *Client) error {
		c.builder = b
		return nil
	}
}

// WithTransportFactory replaces the connection builder for every hop. Validation
// still runs before the factory is called.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) error {
		c.factory = f
		return nil
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) error {
		c.tracerProvider = tp
		return nil
	}
}

// WithEventPublisher records silent mode refusals and request failures as audit events.
func WithEventPublisher(p ports.EventPublisher) Option {
	return func(c *Client) error {
		c.events = p
		return nil
	}
}

// WithExceptionLogger replaces the hook called for failed requests.
func WithExceptionLogger(fn ExceptionLogger) Option {
	return func(c *Client) error {
		c.logException = fn
		return nil
	}
}

// WithSilentModeLogger replaces the hook called for silent mode refusals.
func WithSilentModeLogger(fn SilentModeLogger) Option {
	return func(c *Client) error {
		c.logSilentMode = fn
		return nil
	}
}

// WithClock overrides the clock used for the total-read budget.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

// New creates a Client.
func New(settings Settings, opts ...Option) (*Client, error) {
	c := &Client{
		settings: settings,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if c.guard == nil {
		c.guard = urlguard.New(urlguard.Config{InternalURIs: settings.InternalURIs})
	}
	if c.builder == nil {
		c.builder = safehttp.NewBuilder(c.guard.Proxy())
	}
	if c.factory == nil {
		c.factory = func(res urlguard.Result, t safehttp.Timeouts) http.RoundTripper {
			return c.builder.Build(res, t)
		}
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	c.tracer = c.tracerProvider.Tracer("github.com/tjfontaine/egress-gateway/internal/egress")
	if c.logException == nil {
		c.logException = c.defaultLogException
	}
	if c.logSilentMode == nil {
		c.logSilentMode = c.defaultLogSilentMode
	}

	return c, nil
}

// Settings returns the client's settings.
func (c *Client) Settings() Settings {
	return c.settings
}

// Guard returns the policy engine used by the client.
func (c *Client) Guard() *urlguard.Guard {
	return c.guard
}

// Policy returns the validation policy the client applies for opts.
func (c *Client) Policy(opts RequestOptions) urlguard.PolicyOptions {
	return c.settings.policy(opts, c.guard.Proxy())
}

// Do performs a request. Every hop is validated before a connection is opened.
func (c *Client) Do(ctx context.Context, method, rawURL string, opts RequestOptions) (*Response, error) {
	method = strings.ToUpper(method)
	if err := c.checkSilentMode(ctx, method, opts); err != nil {
		c.auditFailure(ctx, domain.AuditSilentModeBlocked, method, rawURL, err, nil)
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "egress.request", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.request.method", method))

	resp, err := c.perform(ctx, method, rawURL, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if domain.IsHTTPError(err) {
			extra := c.extraLogInfo(err, rawURL, opts)
			c.logException(ctx, err, extra)
			c.auditFailure(ctx, domain.AuditRequestFailed, method, rawURL, err, extra)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.Int64("http.response.body.size", resp.Size),
	)
	return resp, nil
}

func (c *Client) perform(ctx context.Context, method, rawURL string, opts RequestOptions) (*Response, error) {
	gt := &guardedTransport{
		guard:    c.guard,
		policy:   c.Policy(opts),
		timeouts: c.settings.timeouts(opts),
		factory:  c.factory,
	}
	defer gt.close()

	var body *bytes.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := newRequest(ctx, method, rawURL, body)
	if err != nil {
		return nil, domain.BlockedURL("URI is invalid")
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	maxRedirects := c.settings.maxRedirects()
	client := &http.Client{
		Transport: otelhttp.NewTransport(gt, otelhttp.WithTracerProvider(c.tracerProvider)),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return domain.NewError(domain.KindRedirectionTooDeep, fmt.Sprintf("stopped after %d redirects", maxRedirects))
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, normalizeError(err, gt.failure())
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		URL:        resp.Request.URL.String(),
	}

	if opts.StreamBody {
		out.Size, err = streamBody(resp.Body, opts.OnFragment)
	} else {
		out.Body, err = c.readBody(resp.Body, c.settings.readTotalTimeout(opts), opts.MaxBodySize, opts.OnFragment)
		out.Size = int64(len(out.Body))
	}
	if err != nil {
		return nil, normalizeError(err, gt.failure())
	}

	c.logResponseSize(ctx, rawURL, out.Size)
	return out, nil
}

func newRequest(ctx context.Context, method, rawURL string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, rawURL, nil)
	}
	return http.NewRequestWithContext(ctx, method, rawURL, body)
}

func (c *Client) checkSilentMode(ctx context.Context, method string, opts RequestOptions) error {
	if !opts.SilentModeEnabled && !c.settings.SilentMode.Enabled() {
		return nil
	}
	if silentModeMethods[method] {
		return nil
	}

	c.logSilentMode(ctx, "Outbound HTTP request blocked", method)
	return domain.NewError(domain.KindSilentModeBlocked,
		fmt.Sprintf("only GET, HEAD, OPTIONS and TRACE are allowed in silent mode, got %s", method))
}

func (c *Client) extraLogInfo(err error, rawURL string, opts RequestOptions) map[string]any {
	switch extra := opts.ExtraLogInfo.(type) {
	case map[string]any:
		return extra
	case ExtraLogInfoFunc:
		return extra(err, rawURL, opts)
	case func(error, string, RequestOptions) map[string]any:
		return extra(err, rawURL, opts)
	default:
		return nil
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, opts)
}

// Head performs a HEAD request.
func (c *Client) Head(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodHead, rawURL, opts)
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPost, rawURL, opts)
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPut, rawURL, opts)
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, rawURL, opts)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, rawURL, opts)
}

// Options performs an OPTIONS request.
func (c *Client) Options(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodOptions, rawURL, opts)
}

// Try performs a request and swallows failures in the HTTP error group,
// returning a nil response instead. Other errors are returned.
func (c *Client) Try(ctx context.Context, method, rawURL string, opts RequestOptions) (*Response, error) {
	resp, err := c.Do(ctx, method, rawURL, opts)
	if domain.IsHTTPError(err) {
		return nil, nil
	}
	return resp, err
}

// TryGet is Try with GET.
func (c *Client) TryGet(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Try(ctx, http.MethodGet, rawURL, opts)
}

// TryPost is Try with POST.
func (c *Client) TryPost(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	return c.Try(ctx, http.MethodPost, rawURL, opts)
}

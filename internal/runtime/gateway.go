// Package runtime provides the core Gateway struct and lifecycle management
// for the egress gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/egress-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/egress-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/egress-gateway/internal/adapters/policy/basic"
	"github.com/tjfontaine/egress-gateway/internal/allowlist"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/egress"
	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
	"github.com/tjfontaine/egress-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/egress-gateway/internal/server"
	"github.com/tjfontaine/egress-gateway/internal/storage/memory"
	"github.com/tjfontaine/egress-gateway/internal/urlguard"
)

// Gateway is the main entry point for running the egress gateway.
// It manages configuration, the egress client, and the HTTP server lifecycle.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config  ports.ConfigProvider
	auth    ports.AuthProvider
	storage ports.StorageProvider
	events  ports.EventPublisher
	policy  ports.RequestPolicy

	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	resolver       urlguard.Resolver
	proxy          *urlguard.ProxyEnv
	clientOpts     []egress.Option
	serverDisabled bool
	auditDisabled  bool

	// Internal state
	client atomic.Pointer[egress.Client]
	server *server.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options.
// By default, audit events are kept in memory and every client may use every method.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	// Validate required dependencies
	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}

	// Set defaults for optional dependencies
	if gw.storage == nil && !gw.auditDisabled {
		gw.logger.Info("no storage provider specified, using in-memory audit store")
		gw.storage = memory.New(0)
	}
	if gw.events == nil && gw.storage != nil {
		publisher, err := direct.NewPublisher(gw.storage)
		if err != nil {
			return nil, fmt.Errorf("create default event publisher: %w", err)
		}
		gw.events = publisher
	}
	if gw.policy == nil {
		gw.policy = basic.NewPolicy(nil)
	}

	return gw, nil
}

// Client returns the current egress client. It is nil before Start.
func (g *Gateway) Client() *egress.Client {
	return g.client.Load()
}

// Storage returns the audit store.
func (g *Gateway) Storage() ports.StorageProvider {
	return g.storage
}

// Start loads configuration, builds the egress client and starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	// Load initial config
	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := g.buildClient(cfg)
	if err != nil {
		return fmt.Errorf("build egress client: %w", err)
	}
	g.client.Store(client)

	if g.auth == nil && cfg.RequiresAuth() {
		g.logger.Info("API keys configured, enabling API key auth")
		provider, err := apikey.NewProvider(cfg)
		if err != nil {
			return fmt.Errorf("create apikey auth provider: %w", err)
		}
		g.auth = provider
	}
	g.reloadAccess(cfg)
	if g.auth == nil {
		g.logger.Warn("no auth provider configured, control API is unauthenticated")
	} else if !cfg.RequiresAuth() {
		g.logger.Warn("auth enabled but no API keys configured, all control API requests will be rejected")
	}

	if !g.serverDisabled {
		g.server = server.New(server.Config{
			Port:           cfg.Server.Port,
			RequestTimeout: cfg.Server.RequestTimeout,
			MaxFetchBody:   cfg.Server.MaxFetchBodyBytes,
			Clients:        g,
			Auth:           g.auth,
			Policy:         g.policy,
			Audit:          g.storage,
			Events:         g.events,
			TracerProvider: g.tracerProvider,
		}, g.logger)

		srv := g.server
		go func() {
			if err := srv.Start(); err != nil {
				g.logger.Error("server failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Watch for config changes
	go g.watchConfig(g.ctx)

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("clients", len(cfg.Clients)),
		slog.Int("allowlist_entries", client.Settings().Allowlist.Len()))

	return nil
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	// Stop HTTP server
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	// Close resources
	if g.events != nil {
		if err := g.events.Close(); err != nil {
			g.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if g.storage != nil {
		if err := g.storage.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return nil
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig(ctx context.Context) {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload swaps in a client built from cfg. In-flight requests finish on the
// client they started with. The listen port is not reloaded.
func (g *Gateway) reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	client, err := g.buildClient(cfg)
	if err != nil {
		return fmt.Errorf("rebuild egress client: %w", err)
	}
	g.client.Store(client)
	g.reloadAccess(cfg)

	if g.server != nil && g.server.Port != cfg.Server.Port {
		g.logger.Warn("server port changed, restart required",
			slog.Int("current", g.server.Port),
			slog.Int("configured", cfg.Server.Port))
	}

	g.logger.Info("reload complete",
		slog.Int("clients", len(cfg.Clients)),
		slog.Int("allowlist_entries", client.Settings().Allowlist.Len()))

	return nil
}

// reloadAccess pushes client credentials and method lists to providers that support it.
func (g *Gateway) reloadAccess(cfg *config.Config) {
	if reloader, ok := g.auth.(interface{ ReloadFromConfig(*config.Config) }); ok {
		reloader.ReloadFromConfig(cfg)
	}
	if reloader, ok := g.policy.(interface{ Reload([]config.ClientConfig) }); ok {
		reloader.Reload(cfg.Clients)
	}
}

// buildClient creates an egress client from configuration.
func (g *Gateway) buildClient(cfg *config.Config) (*egress.Client, error) {
	settings, err := SettingsFromConfig(cfg.Egress)
	if err != nil {
		return nil, err
	}

	guard := urlguard.New(urlguard.Config{
		Resolver:     g.resolver,
		InternalURIs: settings.InternalURIs,
		Proxy:        g.proxy,
	})

	opts := []egress.Option{
		egress.WithGuard(guard),
		egress.WithLogger(g.logger),
		egress.WithEventPublisher(g.events),
	}
	if g.tracerProvider != nil {
		opts = append(opts, egress.WithTracerProvider(g.tracerProvider))
	}
	opts = append(opts, g.clientOpts...)

	return egress.New(settings, opts...)
}

// SettingsFromConfig converts the egress section of the configuration into client settings.
func SettingsFromConfig(cfg config.EgressConfig) (egress.Settings, error) {
	settings := egress.DefaultSettings()

	for _, raw := range cfg.InternalURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return egress.Settings{}, fmt.Errorf("invalid internal uri %q", raw)
		}
		settings.InternalURIs = append(settings.InternalURIs, u)
	}

	settings.Allowlist = allowlist.Parse(cfg.Allowlist)
	settings.AllowLocalRequests = cfg.AllowLocalRequests
	settings.DNSRebindProtection = cfg.DNSRebindProtection
	settings.DenyAllRequestsExceptAllowed = urlguard.Static(cfg.DenyAllRequestsExceptAllowed)
	settings.SilentMode = urlguard.Static(cfg.SilentMode)

	settings.Timeouts = mergeTimeouts(settings.Timeouts, cfg.Timeouts)
	if cfg.Timeouts.ReadTotal > 0 {
		settings.ReadTotalTimeout = cfg.Timeouts.ReadTotal
	}
	if cfg.MaxRedirects > 0 {
		settings.MaxRedirects = cfg.MaxRedirects
	}
	settings.LogResponseSizeThreshold = cfg.LogResponseSizeThreshold

	return settings, nil
}

// mergeTimeouts overrides the defaults with every configured, positive timeout.
func mergeTimeouts(t safehttp.Timeouts, cfg config.TimeoutsConfig) safehttp.Timeouts {
	if cfg.Open > 0 {
		t.Open = cfg.Open
	}
	if cfg.Read > 0 {
		t.Read = cfg.Read
	}
	if cfg.Write > 0 {
		t.Write = cfg.Write
	}
	if cfg.HeaderRead > 0 {
		t.HeaderRead = cfg.HeaderRead
	}
	return t
}

package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/egress-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/egress-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/egress-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/egress-gateway/internal/adapters/policy/basic"
	"github.com/tjfontaine/egress-gateway/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/egress"
	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
	"github.com/tjfontaine/egress-gateway/internal/storage/memory"
	"github.com/tjfontaine/egress-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/egress-gateway/internal/urlguard"
)

// DefaultSQLitePath is used when sqlite storage is selected without a path.
const DefaultSQLitePath = "egress-audit.db"

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration that never changes.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config required")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithAPIKeyAuth uses API key-based authentication (default when keys are configured).
// Keys are loaded from the clients section on Start and on every reload.
func WithAPIKeyAuth() Option {
	return func(g *Gateway) error {
		provider, err := apikey.NewProvider(&config.Config{})
		if err != nil {
			return fmt.Errorf("create apikey auth provider: %w", err)
		}
		g.auth = provider
		return nil
	}
}

// WithSQLite stores audit events in a SQLite database.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.storage = store
		return nil
	}
}

// WithDatabase stores audit events through any registered database/sql driver.
func WithDatabase(driver, dsn string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: dsn})
		if err != nil {
			return fmt.Errorf("create %s storage: %w", driver, err)
		}
		g.storage = store
		return nil
	}
}

// WithMemoryStorage keeps the most recent audit events in memory.
func WithMemoryStorage(capacity int) Option {
	return func(g *Gateway) error {
		g.storage = memory.New(capacity)
		return nil
	}
}

// WithStorageConfig selects storage from the storage section of the configuration.
func WithStorageConfig(cfg config.StorageConfig) Option {
	return func(g *Gateway) error {
		switch cfg.Type {
		case "sqlite":
			if cfg.Database.DSN != "" {
				driver := cfg.Database.Driver
				if driver == "" {
					driver = "sqlite"
				}
				return WithDatabase(driver, cfg.Database.DSN)(g)
			}
			path := cfg.SQLite.Path
			if path == "" {
				path = DefaultSQLitePath
			}
			return WithSQLite(path)(g)
		case "memory", "":
			return WithMemoryStorage(0)(g)
		case "none":
			return WithoutAudit()(g)
		default:
			return fmt.Errorf("unsupported storage type %q", cfg.Type)
		}
	}
}

// WithoutAudit disables audit persistence. The audit API answers 503.
func WithoutAudit() Option {
	return func(g *Gateway) error {
		g.storage = nil
		g.auditDisabled = true
		return nil
	}
}

// WithDirectEvents writes events directly to storage (default).
// No separate event bus, events are written synchronously to storage.
func WithDirectEvents() Option {
	return func(g *Gateway) error {
		if g.storage == nil {
			return fmt.Errorf("storage provider must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(g.storage)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		g.events = publisher
		return nil
	}
}

// WithBasicPolicy restricts clients to their configured methods (default).
func WithBasicPolicy() Option {
	return func(g *Gateway) error {
		g.policy = basic.NewPolicy(nil)
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithTracerProvider traces control API requests and outbound requests.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) error {
		g.tracerProvider = tp
		return nil
	}
}

// WithResolver replaces the DNS resolver used for destination checks.
func WithResolver(r urlguard.Resolver) Option {
	return func(g *Gateway) error {
		g.resolver = r
		return nil
	}
}

// WithProxyEnv replaces the proxy environment, which defaults to the process environment.
func WithProxyEnv(p *urlguard.ProxyEnv) Option {
	return func(g *Gateway) error {
		g.proxy = p
		return nil
	}
}

// WithClientOptions appends options to every egress client the gateway builds.
func WithClientOptions(opts ...egress.Option) Option {
	return func(g *Gateway) error {
		g.clientOpts = append(g.clientOpts, opts...)
		return nil
	}
}

// WithoutServer skips the HTTP control API. The egress client is still
// available through Client.
func WithoutServer() Option {
	return func(g *Gateway) error {
		g.serverDisabled = true
		return nil
	}
}

// WithConfigProvider uses a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithAuthProvider uses a custom auth provider.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(g *Gateway) error {
		g.auth = provider
		return nil
	}
}

// WithStorageProvider uses a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(g *Gateway) error {
		g.storage = provider
		return nil
	}
}

// WithEventPublisher uses a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(g *Gateway) error {
		g.events = publisher
		return nil
	}
}

// WithRequestPolicy uses a custom request policy.
func WithRequestPolicy(policy ports.RequestPolicy) Option {
	return func(g *Gateway) error {
		g.policy = policy
		return nil
	}
}

// staticConfig is a ports.ConfigProvider that never changes.
type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Load(ctx context.Context) (*config.Config, error) {
	return s.cfg, nil
}

func (s staticConfig) Watch(ctx context.Context, onChange func(*config.Config)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s staticConfig) Close() error {
	return nil
}

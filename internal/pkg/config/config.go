package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the configuration file read by Load.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides. EGRESS_SERVER__PORT sets server.port.
const EnvPrefix = "EGRESS_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Egress    EgressConfig    `koanf:"egress"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Clients   []ClientConfig  `koanf:"clients"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds a control API request, outbound fetch included.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// MaxFetchBodyBytes caps the upstream body /v1/fetch buffers and returns.
	MaxFetchBodyBytes int64 `koanf:"max_fetch_body_bytes"`
}

// EgressConfig holds the application-wide outbound request settings.
type EgressConfig struct {
	// InternalURIs are the application's own endpoints, allowed regardless of locality.
	InternalURIs []string `koanf:"internal_uris"`
	// Allowlist entries: address, address:port, [ipv6]:port, cidr or domain.
	Allowlist []string `koanf:"allowlist"`

	AllowLocalRequests           bool `koanf:"allow_local_requests"`
	DNSRebindProtection          bool `koanf:"dns_rebind_protection"`
	DenyAllRequestsExceptAllowed bool `koanf:"deny_all_requests_except_allowed"`
	SilentMode                   bool `koanf:"silent_mode"`

	Timeouts                 TimeoutsConfig `koanf:"timeouts"`
	MaxRedirects             int            `koanf:"max_redirects"`
	LogResponseSizeThreshold int64          `koanf:"log_response_size_threshold"`
}

type TimeoutsConfig struct {
	Open       time.Duration `koanf:"open"`
	Read       time.Duration `koanf:"read"`
	Write      time.Duration `koanf:"write"`
	HeaderRead time.Duration `koanf:"header_read"`
	ReadTotal  time.Duration `koanf:"read_total"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig selects a database/sql driver and DSN directly.
type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type TelemetryConfig struct {
	// Tracing exports spans to stdout when enabled.
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

// ClientConfig is an application allowed to use the control API.
type ClientConfig struct {
	ID      string         `koanf:"id"`
	Name    string         `koanf:"name"`
	APIKeys []APIKeyConfig `koanf:"api_keys"`
	// AllowedMethods restricts /v1/fetch. Empty allows every method.
	AllowedMethods []string `koanf:"allowed_methods"`
	// AllowPolicyOverrides lets the client send allow_local_requests and
	// extra_allowed_uris.
	AllowPolicyOverrides bool `koanf:"allow_policy_overrides"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath if it exists, then applies environment overrides.
func Load() (*Config, error) {
	return load(DefaultPath, false)
}

// LoadFile reads path, which must exist, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, required bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing default file is fine, env vars and defaults still apply
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment variables override the file
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.SQLite.Path = substituteEnvVars(cfg.Storage.SQLite.Path)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	for i := range cfg.Clients {
		for j := range cfg.Clients[i].APIKeys {
			cfg.Clients[i].APIKeys[j].KeyHash = substituteEnvVars(cfg.Clients[i].APIKeys[j].KeyHash)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                  8080,
		"server.request_timeout":       "90s",
		"server.max_fetch_body_bytes":  10 << 20,
		"egress.dns_rebind_protection": true,
		"egress.timeouts.open":         "10s",
		"egress.timeouts.read":         "20s",
		"egress.timeouts.write":        "30s",
		"egress.timeouts.header_read":  "20s",
		"egress.timeouts.read_total":   "30s",
		"egress.max_redirects":         5,
		"storage.type":                 "memory",
		"telemetry.service_name":       "egress-gateway",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "sqlite", "memory", "none", "":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
	if c.Server.MaxFetchBodyBytes < 0 {
		return fmt.Errorf("server.max_fetch_body_bytes must not be negative")
	}
	if c.Egress.MaxRedirects < 0 {
		return fmt.Errorf("egress.max_redirects must not be negative")
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if client.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
		if seen[client.ID] {
			return fmt.Errorf("clients[%d]: duplicate id %q", i, client.ID)
		}
		seen[client.ID] = true
	}
	return nil
}

// RequiresAuth reports whether the control API must authenticate callers.
func (c *Config) RequiresAuth() bool {
	for _, client := range c.Clients {
		if len(client.APIKeys) > 0 {
			return true
		}
	}
	return false
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

package ports

import (
	"context"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), remote API, etc.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider authenticates callers of the control API.
// Implementations: API key (default), OAuth2, OIDC, etc.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
}

// AuthContext identifies an authenticated caller.
type AuthContext struct {
	ClientID string
	Name     string
	Metadata map[string]string
}

// StorageProvider manages all storage operations.
// Implementations: SQLite (default), in-memory.
type StorageProvider interface {
	AuditStore
	Close() error
}

// EventPublisher publishes audit events.
// Implementations: direct storage (default), Kafka, NATS, etc.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.AuditEvent) error
	Close() error
}

// RequestPolicy decides whether a caller may send a request through the gateway.
// It runs before the SSRF checks and never replaces them.
// Implementations: basic (per-client methods).
type RequestPolicy interface {
	CheckRequest(ctx context.Context, req *PolicyRequest) (*PolicyDecision, error)
}

// PolicyRequest describes an outbound request made on behalf of a caller.
type PolicyRequest struct {
	ClientID string
	// Method is empty for validation-only requests.
	Method string
	URL    string
	// Overrides names the policy relaxations the caller asked for.
	Overrides []string
}

// PolicyDecision is the result of a policy check.
type PolicyDecision struct {
	Allow  bool
	Reason string
}

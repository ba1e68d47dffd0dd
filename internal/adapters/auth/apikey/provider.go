// Package apikey provides API key-based authentication.
package apikey

import (
	"context"
	"fmt"
	"sync"

	"github.com/tjfontaine/egress-gateway/internal/auth"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
)

// Provider implements ports.AuthProvider using API key authentication.
type Provider struct {
	mu            sync.RWMutex
	authenticator *auth.Authenticator
}

var _ ports.AuthProvider = (*Provider)(nil)

// NewProvider creates a new API key auth provider from configuration.
func NewProvider(cfg *config.Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}

	p := &Provider{}
	p.ReloadFromConfig(cfg)
	return p, nil
}

// Authenticate validates an API key and returns the client context.
func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	p.mu.RLock()
	authenticator := p.authenticator
	p.mu.RUnlock()

	client, err := authenticator.ValidateAPIKey(token)
	if err != nil {
		return nil, err
	}

	return &ports.AuthContext{
		ClientID: client.ID,
		Name:     client.Name,
		Metadata: map[string]string{
			"client_name": client.Name,
		},
	}, nil
}

// ReloadFromConfig replaces the known keys.
// This is called by the gateway when config changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) {
	a := auth.NewAuthenticator(auth.ClientsFromConfig(cfg.Clients))

	p.mu.Lock()
	p.authenticator = a
	p.mu.Unlock()
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	return auth.HashAPIKey(apiKey)
}

// Package auth validates control API keys against configured clients.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
)

// Client is an application allowed to call the control API.
type Client struct {
	ID             string
	Name           string
	KeyHashes      []string
	AllowedMethods []string
}

// ClientsFromConfig converts configured clients.
func ClientsFromConfig(cfgs []config.ClientConfig) []*Client {
	clients := make([]*Client, 0, len(cfgs))
	for _, c := range cfgs {
		client := &Client{
			ID:             c.ID,
			Name:           c.Name,
			AllowedMethods: c.AllowedMethods,
		}
		for _, k := range c.APIKeys {
			client.KeyHashes = append(client.KeyHashes, strings.ToLower(k.KeyHash))
		}
		clients = append(clients, client)
	}
	return clients
}

// Authenticator validates API keys and extracts client information
type Authenticator struct {
	clients map[string]*Client // keyhash -> client
}

// NewAuthenticator creates a new authenticator with client mappings
func NewAuthenticator(clients []*Client) *Authenticator {
	auth := &Authenticator{
		clients: make(map[string]*Client),
	}

	for _, c := range clients {
		for _, h := range c.KeyHashes {
			auth.clients[h] = c
		}
	}

	return auth
}

// Len returns the number of registered keys.
func (a *Authenticator) Len() int {
	return len(a.clients)
}

// ValidateAPIKey validates an API key and returns the associated client
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("invalid API key")
	}
	keyHash := HashAPIKey(apiKey)

	c, ok := a.clients[keyHash]
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	// Constant-time comparison to prevent timing attacks
	for _, h := range c.KeyHashes {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(h)) == 1 {
			return c, nil
		}
	}

	return nil, fmt.Errorf("invalid API key")
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// Package basic provides a request policy that limits the methods each client
// may use and which clients may relax the outbound policy.
package basic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
)

// Policy implements ports.RequestPolicy from per-client method lists.
// Clients without a list, and unknown clients, are allowed every method.
// Only clients configured with allow_policy_overrides may request overrides.
type Policy struct {
	mu        sync.RWMutex
	methods   map[string]map[string]bool // clientID -> method set
	overrides map[string]bool
}

var _ ports.RequestPolicy = (*Policy)(nil)

// NewPolicy creates a new basic policy.
func NewPolicy(clients []config.ClientConfig) *Policy {
	p := &Policy{}
	p.Reload(clients)
	return p
}

// Reload replaces the client method lists and override grants.
func (p *Policy) Reload(clients []config.ClientConfig) {
	methods := make(map[string]map[string]bool, len(clients))
	overrides := make(map[string]bool)
	for _, c := range clients {
		if c.AllowPolicyOverrides && c.ID != "" {
			overrides[c.ID] = true
		}
		if len(c.AllowedMethods) == 0 {
			continue
		}
		set := make(map[string]bool, len(c.AllowedMethods))
		for _, m := range c.AllowedMethods {
			set[strings.ToUpper(m)] = true
		}
		methods[c.ID] = set
	}

	p.mu.Lock()
	p.methods = methods
	p.overrides = overrides
	p.mu.Unlock()
}

// CheckRequest allows the request when the client may use its method.
func (p *Policy) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	if req == nil {
		return nil, fmt.Errorf("policy request required")
	}

	p.mu.RLock()
	allowed, restricted := p.methods[req.ClientID]
	mayOverride := p.overrides[req.ClientID]
	p.mu.RUnlock()

	if len(req.Overrides) > 0 && !mayOverride {
		who := req.ClientID
		if who == "" {
			who = "anonymous caller"
		} else {
			who = "client " + who
		}
		return &ports.PolicyDecision{
			Allow:  false,
			Reason: fmt.Sprintf("%s may not set %s", who, strings.Join(req.Overrides, ", ")),
		}, nil
	}
	if req.Method == "" {
		return &ports.PolicyDecision{Allow: true, Reason: "no method to check"}, nil
	}
	if !restricted {
		return &ports.PolicyDecision{Allow: true, Reason: "no method restrictions"}, nil
	}
	if allowed[strings.ToUpper(req.Method)] {
		return &ports.PolicyDecision{Allow: true, Reason: "method allowed"}, nil
	}
	return &ports.PolicyDecision{
		Allow:  false,
		Reason: fmt.Sprintf("client %s may not use %s", req.ClientID, strings.ToUpper(req.Method)),
	}, nil
}

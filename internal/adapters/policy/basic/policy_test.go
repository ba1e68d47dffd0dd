package basic

import (
	"context"
	"testing"

	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/pkg/config"
)

func TestNewPolicy(t *testing.T) {
	policy := NewPolicy(nil)
	if policy == nil {
		t.Fatal("NewPolicy() returned nil")
	}
}

func TestCheckRequest(t *testing.T) {
	policy := NewPolicy([]config.ClientConfig{
		{ID: "reader", AllowedMethods: []string{"get", "HEAD"}},
		{ID: "writer"},
	})
	ctx := context.Background()

	tests := []struct {
		name      string
		req       ports.PolicyRequest
		wantAllow bool
	}{
		{"restricted client allowed method", ports.PolicyRequest{ClientID: "reader", Method: "GET"}, true},
		{"method case ignored", ports.PolicyRequest{ClientID: "reader", Method: "head"}, true},
		{"restricted client other method", ports.PolicyRequest{ClientID: "reader", Method: "POST"}, false},
		{"unrestricted client", ports.PolicyRequest{ClientID: "writer", Method: "DELETE"}, true},
		{"unknown client", ports.PolicyRequest{ClientID: "", Method: "PUT"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := policy.CheckRequest(ctx, &tt.req)
			if err != nil {
				t.Fatalf("CheckRequest failed: %v", err)
			}
			if decision.Allow != tt.wantAllow {
				t.Errorf("Allow = %v, want %v (%s)", decision.Allow, tt.wantAllow, decision.Reason)
			}
			if decision.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestReload(t *testing.T) {
	policy := NewPolicy([]config.ClientConfig{{ID: "c", AllowedMethods: []string{"GET"}}})
	policy.Reload(nil)

	decision, err := policy.CheckRequest(context.Background(), &ports.PolicyRequest{ClientID: "c", Method: "POST"})
	if err != nil {
		t.Fatalf("CheckRequest failed: %v", err)
	}
	if !decision.Allow {
		t.Error("restriction survived reload")
	}
}

func TestCheckRequest_Nil(t *testing.T) {
	if _, err := NewPolicy(nil).CheckRequest(context.Background(), nil); err == nil {
		t.Error("CheckRequest(nil) error = nil")
	}
}

func TestCheckRequest_Overrides(t *testing.T) {
	policy := NewPolicy([]config.ClientConfig{
		{ID: "ops", AllowPolicyOverrides: true},
		{ID: "reader", AllowedMethods: []string{"GET"}, AllowPolicyOverrides: true},
		{ID: "app"},
	})
	ctx := context.Background()
	local := []string{"allow_local_requests"}

	tests := []struct {
		name      string
		req       ports.PolicyRequest
		wantAllow bool
	}{
		{"granted client", ports.PolicyRequest{ClientID: "ops", Method: "POST", Overrides: local}, true},
		{"granted client validating", ports.PolicyRequest{ClientID: "ops", Overrides: local}, true},
		{"grant does not lift method list", ports.PolicyRequest{ClientID: "reader", Method: "POST", Overrides: local}, false},
		{"client without grant", ports.PolicyRequest{ClientID: "app", Method: "GET", Overrides: local}, false},
		{"anonymous caller", ports.PolicyRequest{Method: "GET", Overrides: []string{"extra_allowed_uris"}}, false},
		{"no overrides requested", ports.PolicyRequest{ClientID: "app", Method: "GET"}, true},
		{"validation without method", ports.PolicyRequest{ClientID: "reader"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := policy.CheckRequest(ctx, &tt.req)
			if err != nil {
				t.Fatalf("CheckRequest failed: %v", err)
			}
			if decision.Allow != tt.wantAllow {
				t.Errorf("Allow = %v, want %v (%s)", decision.Allow, tt.wantAllow, decision.Reason)
			}
		})
	}

	policy.Reload([]config.ClientConfig{{ID: "ops"}})
	decision, err := policy.CheckRequest(ctx, &ports.PolicyRequest{ClientID: "ops", Overrides: local})
	if err != nil {
		t.Fatalf("CheckRequest failed: %v", err)
	}
	if decision.Allow {
		t.Error("override grant survived reload")
	}
}

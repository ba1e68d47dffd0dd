package sqlite

import (
	"context"
	"testing"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
)

func TestNewProvider(t *testing.T) {
	// Use in-memory SQLite for testing
	provider, err := NewProvider(":memory:")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if provider == nil {
		t.Fatal("NewProvider returned nil")
	}
	defer provider.Close()

	var _ ports.StorageProvider = provider
	var _ ports.AuditStore = provider

	ctx := context.Background()
	if err := provider.AppendAuditEvent(ctx, &domain.AuditEvent{ID: "a", Kind: domain.AuditRequestFailed}); err != nil {
		t.Fatalf("AppendAuditEvent failed: %v", err)
	}
	events, err := provider.ListAuditEvents(ctx, ports.ListOptions{})
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("ListAuditEvents len = %d, want 1", len(events))
	}
}

func TestNewProvider_InvalidPath(t *testing.T) {
	_, err := NewProvider("/invalid/path/that/does/not/exist/test.db")
	if err == nil {
		t.Error("Expected error for invalid path")
	}
}

func TestProvider_Close(t *testing.T) {
	provider, err := NewProvider(":memory:")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	if err := provider.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

package sqldb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLDBStore_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	events := []*domain.AuditEvent{
		{ID: "e1", Kind: domain.AuditSilentModeBlocked, Method: "POST", URL: "https://example.com/hook",
			ErrorKind: domain.KindSilentModeBlocked, Message: "blocked", CreatedAt: base},
		{ID: "e2", Kind: domain.AuditRequestFailed, Method: "GET", URL: "http://10.0.0.1/",
			ErrorKind: domain.KindBlockedURL, Message: "Requests to the local network are not allowed",
			Extra: map[string]any{"integration": "slack"}, CreatedAt: base.Add(time.Minute)},
		{ID: "e3", Kind: domain.AuditRequestFailed, Method: "GET", URL: "https://example.com/",
			ErrorKind: domain.KindReadTimeout, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range events {
		if err := store.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("AppendAuditEvent(%s) error = %v", e.ID, err)
		}
	}

	got, err := store.ListAuditEvents(ctx, ports.ListOptions{})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListAuditEvents() len = %d, want 3", len(got))
	}
	if got[0].ID != "e3" || got[2].ID != "e1" {
		t.Errorf("order = %s,%s,%s, want newest first", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[1].Extra["integration"] != "slack" {
		t.Errorf("Extra = %v, want integration=slack", got[1].Extra)
	}
	if got[1].ErrorKind != domain.KindBlockedURL {
		t.Errorf("ErrorKind = %q, want %q", got[1].ErrorKind, domain.KindBlockedURL)
	}
	if !got[2].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got[2].CreatedAt, base)
	}
}

func TestSQLDBStore_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		kind := domain.AuditRequestFailed
		if i%2 == 0 {
			kind = domain.AuditSilentModeBlocked
		}
		e := &domain.AuditEvent{ID: fmt.Sprintf("e%d", i), Kind: kind, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("AppendAuditEvent() error = %v", err)
		}
	}

	tests := []struct {
		name string
		opts ports.ListOptions
		want []string
	}{
		{"limit", ports.ListOptions{Limit: 2}, []string{"e4", "e3"}},
		{"offset", ports.ListOptions{Limit: 2, Offset: 2}, []string{"e2", "e1"}},
		{"kind", ports.ListOptions{Kind: domain.AuditSilentModeBlocked}, []string{"e4", "e2", "e0"}},
		{"since", ports.ListOptions{Since: base.Add(3 * time.Hour)}, []string{"e4", "e3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListAuditEvents(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListAuditEvents() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("got[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestSQLDBStore_RejectsMissingID(t *testing.T) {
	store := newTestStore(t)
	if err := store.AppendAuditEvent(context.Background(), &domain.AuditEvent{Kind: domain.AuditRequestFailed}); err == nil {
		t.Fatal("AppendAuditEvent() error = nil, want error for missing id")
	}
}

func TestSQLDBStore_DuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := &domain.AuditEvent{ID: "dup", Kind: domain.AuditRequestFailed}
	if err := store.AppendAuditEvent(ctx, e); err != nil {
		t.Fatalf("AppendAuditEvent() error = %v", err)
	}
	if err := store.AppendAuditEvent(ctx, e); err == nil {
		t.Fatal("second AppendAuditEvent() error = nil, want constraint error")
	}
}

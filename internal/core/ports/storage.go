package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

// AuditStore records gateway audit events.
type AuditStore interface {
	// AppendAuditEvent stores an event. Events are immutable once stored.
	AppendAuditEvent(ctx context.Context, event *domain.AuditEvent) error

	// ListAuditEvents returns events newest first.
	ListAuditEvents(ctx context.Context, opts ListOptions) ([]*domain.AuditEvent, error)
}

// ListOptions defines options for listing audit events.
type ListOptions struct {
	Kind   domain.AuditEventKind
	Since  time.Time
	Limit  int
	Offset int
}

// DefaultListLimit is used when ListOptions.Limit is not positive.
const DefaultListLimit = 100

// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store ports.AuditStore
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.AuditStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store required")
	}

	return &Publisher{
		store: store,
	}, nil
}

// Publish writes an audit event directly to storage.
func (p *Publisher) Publish(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit event required")
	}
	if err := p.store.AppendAuditEvent(ctx, event); err != nil {
		return fmt.Errorf("append audit event %s: %w", event.ID, err)
	}
	return nil
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}

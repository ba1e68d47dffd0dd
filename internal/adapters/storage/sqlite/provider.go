// Package sqlite stores the gateway's audit trail (blocked URLs, failed
// requests, silent-mode refusals, policy denials) in a local SQLite file.
package sqlite

import (
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/storage/sqldb"
)

// Provider implements ports.StorageProvider on a SQLite file. Audit events are
// appended by the event publisher and listed by GET /v1/audit.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens the audit database at path, creating it and its parent
// directory when missing.
func NewProvider(path string) (*Provider, error) {
	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Store: store,
	}, nil
}

// Ensure Provider implements ports.StorageProvider at compile time.
var _ ports.StorageProvider = (*Provider)(nil)

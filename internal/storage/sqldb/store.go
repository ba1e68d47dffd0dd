// Package sqldb stores audit events in a SQL database through sqlx.
package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
)

// Store is a SQL implementation of ports.AuditStore.
type Store struct {
	db *sqlx.DB
}

var _ ports.AuditStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // database/sql driver name, "sqlite" for modernc
	DSN    string // Data source name / connection string
}

// sqlitePragmas run on every new sqlite database.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" || driver == "sqlite3" {
		driver = "sqlite"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY under concurrent appends
		db.SetMaxOpenConns(1)
		for _, stmt := range sqlitePragmas {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute pragma: %w", err)
			}
		}
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	method TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	extra TEXT,
	created_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// auditRow is the stored form of domain.AuditEvent.
type auditRow struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	Method    string    `db:"method"`
	URL       string    `db:"url"`
	ErrorKind string    `db:"error_kind"`
	Message   string    `db:"message"`
	Extra     *string   `db:"extra"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendAuditEvent stores an audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("audit event id is required")
	}

	row := auditRow{
		ID:        event.ID,
		Kind:      string(event.Kind),
		Method:    event.Method,
		URL:       event.URL,
		ErrorKind: string(event.ErrorKind),
		Message:   event.Message,
		CreatedAt: event.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if len(event.Extra) > 0 {
		b, err := json.Marshal(event.Extra)
		if err != nil {
			return fmt.Errorf("failed to marshal extra: %w", err)
		}
		extra := string(b)
		row.Extra = &extra
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO audit_events
	(id, kind, method, url, error_kind, message, extra, created_at)
	VALUES (:id, :kind, :method, :url, :error_kind, :message, :extra, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns audit events newest first.
func (s *Store) ListAuditEvents(ctx context.Context, opts ports.ListOptions) ([]*domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if !opts.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	query := `SELECT id, kind, method, url, error_kind, message, extra, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"

	limit := opts.Limit
	if limit <= 0 {
		limit = ports.DefaultListLimit
	}
	args = append(args, limit, opts.Offset)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	events := make([]*domain.AuditEvent, 0, len(rows))
	for _, row := range rows {
		event := &domain.AuditEvent{
			ID:        row.ID,
			Kind:      domain.AuditEventKind(row.Kind),
			Method:    row.Method,
			URL:       row.URL,
			ErrorKind: domain.ErrorKind(row.ErrorKind),
			Message:   row.Message,
			CreatedAt: row.CreatedAt,
		}
		if row.Extra != nil && *row.Extra != "" {
			if err := json.Unmarshal([]byte(*row.Extra), &event.Extra); err != nil {
				return nil, fmt.Errorf("failed to unmarshal extra: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

package domain

import "time"

// AuditEventKind identifies why an audit event was recorded.
type AuditEventKind string

const (
	// AuditSilentModeBlocked is recorded whenever silent mode refuses a request.
	AuditSilentModeBlocked AuditEventKind = "silent_mode_blocked"

	// AuditRequestFailed is recorded when a request fails with an HTTP error group member.
	AuditRequestFailed AuditEventKind = "request_failed"

	// AuditPolicyDenied is recorded when a caller's request policy refuses a request.
	AuditPolicyDenied AuditEventKind = "policy_denied"
)

// AuditEvent is a persisted record of a refused or failed outbound request.
type AuditEvent struct {
	ID        string         `json:"id" db:"id"`
	Kind      AuditEventKind `json:"kind" db:"kind"`
	Method    string         `json:"method,omitempty" db:"method"`
	URL       string         `json:"url,omitempty" db:"url"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty" db:"error_kind"`
	Message   string         `json:"message,omitempty" db:"message"`
	Extra     map[string]any `json:"extra,omitempty" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

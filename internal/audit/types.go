// Package audit records who did what to which record. Entries are
// append-only; nothing in this package updates or deletes them except the
// retention sweep. Business writes are best-effort, the transactional
// path for high-risk mutations goes through NewEntry plus a store-side
// transaction.
package audit

import (
	"context"
	"time"

	"kassa.app/internal/authz"
)

// Action is the kind of operation an entry records.
type Action string

const (
	ActionCreate        Action = "CREATE"
	ActionUpdate        Action = "UPDATE"
	ActionDelete        Action = "DELETE"
	ActionLogin         Action = "LOGIN"
	ActionLogout        Action = "LOGOUT"
	ActionRefund        Action = "REFUND"
	ActionCancel        Action = "CANCEL"
	ActionSecurityEvent Action = "SECURITY_EVENT"
)

// Severity classifies an entry for alerting and retention. HIGH and
// CRITICAL form the long-retention band.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// LongRetention reports whether the severity belongs to the band kept
// for the extended retention window.
func (s Severity) LongRetention() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// SeverityForRisk maps a role-transition risk classification to the
// severity its audit entry carries.
func SeverityForRisk(risk authz.RiskLevel) Severity {
	switch risk {
	case authz.RiskHigh:
		return SeverityHigh
	case authz.RiskElevated:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// Security event codes recorded on the denial path.
const (
	EventPermissionDenied = "PERMISSION_DENIED"
	EventOwnershipDenied  = "OWNERSHIP_DENIED"
	EventCSRFRejected     = "CSRF_REJECTED"
	EventLoginFailed      = "LOGIN_FAILED"
	EventSessionRejected  = "SESSION_REJECTED"
	EventSelfActionDenied = "SELF_ACTION_DENIED"
	EventWebhookRejected  = "WEBHOOK_REJECTED"
)

// SecurityTable is the table name security events are filed under.
const SecurityTable = "security_events"

// SystemActor marks entries produced by background jobs rather than a
// request principal.
const SystemActor = "system"

// Entry is one immutable audit record.
type Entry struct {
	ID            string         `json:"id"`
	TableName     string         `json:"tableName"`
	RecordID      string         `json:"recordId"`
	Action        Action         `json:"action"`
	Severity      Severity       `json:"severity"`
	ActorID       string         `json:"actorId,omitempty"`
	ActorEmail    string         `json:"actorEmail,omitempty"`
	IP            string         `json:"ip,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
	OldValues     map[string]any `json:"oldValues,omitempty"`
	NewValues     map[string]any `json:"newValues,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Context identifies the request on whose behalf an entry is written.
// It is built once per request and passed explicitly; there is no
// process-global audit state.
type Context struct {
	ActorID    string
	ActorEmail string
	ActorRole  authz.Role
	SessionID  string
	RequestID  string
	IP         string
	UserAgent  string
}

// SystemContext is the context background jobs write entries with.
func SystemContext() Context {
	return Context{ActorID: SystemActor}
}

type ctxKey struct{}

// WithContext attaches an audit context to a request context.
func WithContext(ctx context.Context, actx Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, actx)
}

// FromContext returns the audit context attached by the middleware.
func FromContext(ctx context.Context) (Context, bool) {
	actx, ok := ctx.Value(ctxKey{}).(Context)
	return actx, ok
}

// QueryFilter selects entries for the audit export surface. Zero time
// bounds mean unbounded; empty slices mean no constraint.
type QueryFilter struct {
	From    time.Time
	To      time.Time
	Actions []Action
	ActorID string
	Table   string
	Limit   int
	Offset  int
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Normalize clamps pagination to sane bounds.
func (f QueryFilter) Normalize() QueryFilter {
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// CleanupPolicy bounds the retention sweep.
type CleanupPolicy struct {
	RetentionDays         int
	CriticalRetentionDays int
	BatchSize             int
}

// Store is the persistence surface for entries.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Trail(ctx context.Context, table, recordID string, limit int) ([]Entry, error)
	Query(ctx context.Context, f QueryFilter) ([]Entry, int, error)
	// DeleteOlderThan removes at most limit entries created before cutoff
	// whose severity is in band, returning the number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, band []Severity, limit int) (int64, error)
}

package auth

import (
	"time"

	"kassa.app/internal/audit"
	"kassa.app/internal/authz"
)

// User is an account holder. Role is the single source of permissions;
// there are no per-user grants.
type User struct {
	ID           string
	Email        string
	Name         string
	Role         authz.Role
	Active       bool
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Record returns the flat column view used for audit diffs and ownership
// checks. password_hash is included so the audit layer masks it.
func (u User) Record() map[string]any {
	return map[string]any{
		"id":            u.ID,
		"email":         u.Email,
		"name":          u.Name,
		"role":          string(u.Role),
		"active":        u.Active,
		"password_hash": u.PasswordHash,
		"created_at":    u.CreatedAt,
		"updated_at":    u.UpdatedAt,
	}
}

// Session is a persisted login. Only the SHA-256 hash of the token secret
// is stored; the plaintext token exists client-side only.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	IP        string
	UserAgent string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// StartedSession carries the plaintext session token back to the caller
// exactly once, at login or registration.
type StartedSession struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// Principal is a resolved, active account bound to the session that
// authenticated it.
type Principal struct {
	User      User
	SessionID string
}

// HasPermission reports whether the principal's role grants perm.
func (p Principal) HasPermission(perm authz.Permission) bool {
	return authz.HasPermission(p.User.Role, perm)
}

// AuditContext builds the audit context for requests made by this
// principal.
func (p Principal) AuditContext(requestID, ip, userAgent string) audit.Context {
	return audit.Context{
		ActorID:    p.User.ID,
		ActorEmail: p.User.Email,
		ActorRole:  p.User.Role,
		SessionID:  p.SessionID,
		RequestID:  requestID,
		IP:         ip,
		UserAgent:  userAgent,
	}
}

// RegisterInput creates a self-service customer account.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// CreateUserInput creates an account on behalf of someone else. Role
// defaults to CUSTOMER.
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
	Role     authz.Role
}

// UserUpdate applies only the fields that are set. The active flag is
// not part of it; activation state changes go through DeactivateUser and
// ActivateUser so session invalidation cannot be skipped.
type UserUpdate struct {
	Email    *string
	Name     *string
	Password *string
	Role     *authz.Role
}

// UserFilter selects users for listing.
type UserFilter struct {
	Role   authz.Role
	Active *bool
	Search string
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Normalize clamps pagination to sane bounds.
func (f UserFilter) Normalize() UserFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

package auth

import (
	"context"
	"time"

	"kassa.app/internal/audit"
)

// Store describes persistence operations required by the auth subsystem.
// Implementations map unique-email violations to ErrEmailTaken and
// missing rows to ErrNotFound.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]User, int, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	// UpdateUserAudited applies upd and inserts entry in one transaction;
	// neither persists if either fails.
	UpdateUserAudited(ctx context.Context, id string, upd UserUpdate, entry audit.Entry) (User, error)
	// SetUserActiveAudited flips the active flag and inserts entry in one
	// transaction. Deactivation also deletes the user's sessions; the
	// number of sessions removed is returned.
	SetUserActiveAudited(ctx context.Context, id string, active bool, entry audit.Entry) (User, int64, error)
	DeleteUser(ctx context.Context, id string) error

	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
	CountActiveSessions(ctx context.Context, now time.Time) (int64, error)
}

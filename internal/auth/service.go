package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kassa.app/internal/audit"
	"kassa.app/internal/authz"
	"kassa.app/internal/ids"
	"kassa.app/internal/logging"
)

const (
	defaultSessionTTL = 24 * time.Hour

	usersTable = "users"
)

// Service implements account lifecycle, session handling and the
// management operations that require an audited actor. Role changes and
// activation-state changes are written together with their audit entry
// in one store transaction; everything else audits best-effort.
type Service struct {
	store      Store
	audit      *audit.Logger
	now        func() time.Time
	sessionTTL time.Duration
	bcryptCost int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithBcryptCost configures the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, auditLog *audit.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if auditLog == nil {
		return nil, errors.New("auth: audit logger is required")
	}
	svc := &Service{
		store:      store,
		audit:      auditLog,
		now:        time.Now,
		sessionTTL: defaultSessionTTL,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Register creates a customer account and logs it in.
func (s *Service) Register(ctx context.Context, actx audit.Context, in RegisterInput) (User, StartedSession, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, StartedSession{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return User{}, StartedSession{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return User{}, StartedSession{}, err
	}

	now := s.now().UTC()
	u := User{
		ID:           ids.New(ids.PrefixUser),
		Email:        email,
		Name:         name,
		Role:         authz.RoleCustomer,
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return User{}, StartedSession{}, err
	}
	started, err := s.startSession(ctx, u, actx)
	if err != nil {
		return User{}, StartedSession{}, err
	}

	actorCtx := actx
	actorCtx.ActorID = u.ID
	actorCtx.ActorEmail = u.Email
	actorCtx.ActorRole = u.Role
	actorCtx.SessionID = started.SessionID
	s.audit.Record(ctx, actorCtx, audit.Record{
		Table:    usersTable,
		RecordID: u.ID,
		Action:   audit.ActionCreate,
		New:      u.Record(),
	})
	return u, started, nil
}

// Login authenticates credentials and starts a session. Failed attempts
// are recorded as security events; the caller only learns that the
// credentials were wrong, except for deactivated accounts.
func (s *Service) Login(ctx context.Context, actx audit.Context, email, password string) (User, StartedSession, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return User{}, StartedSession{}, ErrInvalidCredentials
	}
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.loginFailed(ctx, actx, email, "unknown email")
			return User{}, StartedSession{}, ErrInvalidCredentials
		}
		return User{}, StartedSession{}, err
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		s.loginFailed(ctx, actx, email, "password mismatch")
		return User{}, StartedSession{}, ErrInvalidCredentials
	}
	if !u.Active {
		s.loginFailed(ctx, actx, email, "account deactivated")
		return User{}, StartedSession{}, ErrAccountDeactivated
	}
	started, err := s.startSession(ctx, u, actx)
	if err != nil {
		return User{}, StartedSession{}, err
	}

	actorCtx := actx
	actorCtx.ActorID = u.ID
	actorCtx.ActorEmail = u.Email
	actorCtx.ActorRole = u.Role
	actorCtx.SessionID = started.SessionID
	s.audit.Record(ctx, actorCtx, audit.Record{
		Table:    usersTable,
		RecordID: u.ID,
		Action:   audit.ActionLogin,
	})
	return u, started, nil
}

func (s *Service) loginFailed(ctx context.Context, actx audit.Context, email, reason string) {
	s.audit.Security(ctx, actx, audit.SecurityEvent{
		Event:    audit.EventLoginFailed,
		Reason:   reason,
		Metadata: map[string]any{"email": email},
	})
}

// Resolve validates a session token and returns the principal behind it.
// Expired, forged or orphaned sessions are removed on sight.
func (s *Service) Resolve(ctx context.Context, token string) (Principal, error) {
	id, secret, err := splitSessionToken(token)
	if err != nil {
		return Principal{}, ErrNoSession
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrNoSession
		}
		return Principal{}, err
	}
	if s.now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, sess.ID)
		return Principal{}, ErrNoSession
	}
	if !secureCompareHash(sess.TokenHash, secret) {
		// Valid session ID with a wrong secret means the token was forged.
		_ = s.store.DeleteSession(ctx, sess.ID)
		return Principal{}, ErrNoSession
	}
	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = s.store.DeleteSession(ctx, sess.ID)
			return Principal{}, ErrNoSession
		}
		return Principal{}, err
	}
	if !u.Active {
		return Principal{}, ErrAccountDeactivated
	}
	return Principal{User: u, SessionID: sess.ID}, nil
}

// Logout removes the session named by the audit context. Removing an
// already-gone session is not an error.
func (s *Service) Logout(ctx context.Context, actx audit.Context) error {
	if actx.SessionID == "" {
		return ErrNoSession
	}
	if err := s.store.DeleteSession(ctx, actx.SessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    usersTable,
		RecordID: actx.ActorID,
		Action:   audit.ActionLogout,
	})
	return nil
}

// InvalidateUserSessions removes every session belonging to a user.
func (s *Service) InvalidateUserSessions(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.DeleteUserSessions(ctx, userID)
}

// CleanupExpiredSessions removes sessions past their expiry.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return n, err
	}
	if n > 0 {
		logging.Info().Int64("deleted", n).Msg("expired session sweep")
	}
	return n, nil
}

// ActiveSessionCount reports sessions that have not yet expired.
func (s *Service) ActiveSessionCount(ctx context.Context) (int64, error) {
	return s.store.CountActiveSessions(ctx, s.now())
}

// CreateUser creates an account on behalf of the acting principal. The
// actor must outrank the role being assigned, which means the highest
// role can only be created by the seed migration.
func (s *Service) CreateUser(ctx context.Context, actx audit.Context, in CreateUserInput) (User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	role := in.Role
	if role == "" {
		role = authz.RoleCustomer
	}
	if !role.Valid() {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if !authz.CanManageRole(actx.ActorRole, role) {
		s.denied(ctx, actx, audit.EventPermissionDenied,
			fmt.Sprintf("role %s cannot create accounts with role %s", actx.ActorRole, role),
			audit.SeverityForRisk(authz.TransitionRisk(authz.RoleCustomer, role)),
			map[string]any{"target_role": string(role)})
		return User{}, ErrForbiddenTransition
	}
	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return User{}, err
	}

	now := s.now().UTC()
	u := User{
		ID:           ids.New(ids.PrefixUser),
		Email:        email,
		Name:         name,
		Role:         role,
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return User{}, err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    usersTable,
		RecordID: u.ID,
		Action:   audit.ActionCreate,
		New:      u.Record(),
	})
	return u, nil
}

// UpdateUser applies the set fields of upd. Role changes are validated
// against the transition rules and persisted together with their audit
// entry in one transaction; other changes audit best-effort. An update
// that changes nothing writes nothing.
func (s *Service) UpdateUser(ctx context.Context, actx audit.Context, id string, upd UserUpdate) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if upd.Role != nil && actx.ActorID == id {
		s.denied(ctx, actx, audit.EventSelfActionDenied, "attempted to change own role",
			audit.SeverityHigh, map[string]any{"target_id": id})
		return User{}, ErrSelfAction
	}
	if upd.Email != nil {
		email, err := normalizeEmail(*upd.Email)
		if err != nil {
			return User{}, err
		}
		upd.Email = &email
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Password != nil {
		hash, err := HashPassword(*upd.Password, s.bcryptCost)
		if err != nil {
			return User{}, err
		}
		upd.Password = &hash
	}

	old, err := s.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if actx.ActorID != id && !authz.CanManageRole(actx.ActorRole, old.Role) {
		s.denied(ctx, actx, audit.EventPermissionDenied,
			fmt.Sprintf("role %s cannot manage accounts with role %s", actx.ActorRole, old.Role),
			audit.SeverityWarn, map[string]any{"target_id": id})
		return User{}, ErrCannotManage
	}

	roleRisk := authz.RiskNone
	roleChanged := false
	if upd.Role != nil {
		if *upd.Role == old.Role {
			upd.Role = nil
		} else {
			decision := authz.ValidateRoleTransition(old.Role, *upd.Role, actx.ActorRole)
			if !decision.Allowed {
				s.denied(ctx, actx, audit.EventPermissionDenied, decision.Reason,
					audit.SeverityForRisk(decision.Risk), map[string]any{
						"target_id": id,
						"old_role":  string(old.Role),
						"new_role":  string(*upd.Role),
					})
				return User{}, ErrForbiddenTransition
			}
			roleRisk = decision.Risk
			roleChanged = true
		}
	}

	next := old
	if upd.Email != nil {
		next.Email = *upd.Email
	}
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.Password != nil {
		next.PasswordHash = *upd.Password
	}
	if upd.Role != nil {
		next.Role = *upd.Role
	}
	changed := audit.ChangedFields(old.Record(), next.Record())
	if len(changed) == 0 {
		return old, nil
	}

	if roleChanged {
		entry := audit.NewEntry(actx, audit.Record{
			Table:    usersTable,
			RecordID: id,
			Action:   audit.ActionUpdate,
			Severity: audit.SeverityForRisk(roleRisk),
			Old:      old.Record(),
			New:      next.Record(),
			Changed:  changed,
		}, s.now())
		updated, err := s.store.UpdateUserAudited(ctx, id, upd, entry)
		if err != nil {
			return User{}, err
		}
		s.audit.Recorded(entry)
		return updated, nil
	}

	updated, err := s.store.UpdateUser(ctx, id, upd)
	if err != nil {
		return User{}, err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    usersTable,
		RecordID: id,
		Action:   audit.ActionUpdate,
		Old:      old.Record(),
		New:      updated.Record(),
	})
	return updated, nil
}

// DeactivateUser disables an account, invalidates its sessions and
// writes the audit entry in the same transaction.
func (s *Service) DeactivateUser(ctx context.Context, actx audit.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if actx.ActorID == id {
		s.denied(ctx, actx, audit.EventSelfActionDenied, "attempted to deactivate own account",
			audit.SeverityWarn, map[string]any{"target_id": id})
		return User{}, ErrSelfAction
	}
	old, err := s.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if !authz.CanManageRole(actx.ActorRole, old.Role) {
		s.denied(ctx, actx, audit.EventPermissionDenied,
			fmt.Sprintf("role %s cannot manage accounts with role %s", actx.ActorRole, old.Role),
			audit.SeverityWarn, map[string]any{"target_id": id})
		return User{}, ErrCannotManage
	}
	if !old.Active {
		return old, nil
	}

	next := old
	next.Active = false
	entry := audit.NewEntry(actx, audit.Record{
		Table:    usersTable,
		RecordID: id,
		Action:   audit.ActionUpdate,
		Severity: audit.SeverityWarn,
		Old:      old.Record(),
		New:      next.Record(),
	}, s.now())
	updated, sessions, err := s.store.SetUserActiveAudited(ctx, id, false, entry)
	if err != nil {
		return User{}, err
	}
	s.audit.Recorded(entry)
	if sessions > 0 {
		logging.Info().Str("user", id).Int64("sessions", sessions).Msg("account deactivated, sessions invalidated")
	}
	return updated, nil
}

// ActivateUser re-enables a deactivated account.
func (s *Service) ActivateUser(ctx context.Context, actx audit.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	old, err := s.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if !authz.CanManageRole(actx.ActorRole, old.Role) {
		s.denied(ctx, actx, audit.EventPermissionDenied,
			fmt.Sprintf("role %s cannot manage accounts with role %s", actx.ActorRole, old.Role),
			audit.SeverityWarn, map[string]any{"target_id": id})
		return User{}, ErrCannotManage
	}
	if old.Active {
		return old, nil
	}

	next := old
	next.Active = true
	entry := audit.NewEntry(actx, audit.Record{
		Table:    usersTable,
		RecordID: id,
		Action:   audit.ActionUpdate,
		Old:      old.Record(),
		New:      next.Record(),
	}, s.now())
	updated, _, err := s.store.SetUserActiveAudited(ctx, id, true, entry)
	if err != nil {
		return User{}, err
	}
	s.audit.Recorded(entry)
	return updated, nil
}

// DeleteUser removes an account permanently. Sessions go with it.
func (s *Service) DeleteUser(ctx context.Context, actx audit.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if actx.ActorID == id {
		s.denied(ctx, actx, audit.EventSelfActionDenied, "attempted to delete own account",
			audit.SeverityWarn, map[string]any{"target_id": id})
		return ErrSelfAction
	}
	old, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if !authz.CanManageRole(actx.ActorRole, old.Role) {
		s.denied(ctx, actx, audit.EventPermissionDenied,
			fmt.Sprintf("role %s cannot manage accounts with role %s", actx.ActorRole, old.Role),
			audit.SeverityWarn, map[string]any{"target_id": id})
		return ErrCannotManage
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    usersTable,
		RecordID: id,
		Action:   audit.ActionDelete,
		Severity: audit.SeverityWarn,
		Old:      old.Record(),
	})
	return nil
}

// GetUser loads one user.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, id)
}

// ListUsers returns users matching the filter plus the total match count.
func (s *Service) ListUsers(ctx context.Context, f UserFilter) ([]User, int, error) {
	if f.Role != "" && !f.Role.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, f.Role)
	}
	return s.store.ListUsers(ctx, f.Normalize())
}

func (s *Service) denied(ctx context.Context, actx audit.Context, event, reason string, sev audit.Severity, meta map[string]any) {
	s.audit.Security(ctx, actx, audit.SecurityEvent{
		Event:    event,
		Reason:   reason,
		Severity: sev,
		Metadata: meta,
	})
}

func (s *Service) startSession(ctx context.Context, u User, actx audit.Context) (StartedSession, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return StartedSession{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))

	now := s.now().UTC()
	sess := Session{
		ID:        ids.New(ids.PrefixSession),
		UserID:    u.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		IP:        actx.IP,
		UserAgent: actx.UserAgent,
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateSession(ctx, &sess); err != nil {
		return StartedSession{}, err
	}
	return StartedSession{
		Token:     sess.ID + "." + secret,
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

func splitSessionToken(raw string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(raw, ".")
	if !ok || id == "" || secret == "" {
		return "", "", errors.New("invalid session token format")
	}
	return id, secret, nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return email, nil
}

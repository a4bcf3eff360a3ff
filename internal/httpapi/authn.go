package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kassa.app/internal/audit"
	"kassa.app/internal/auth"
	"kassa.app/internal/authz"
	"kassa.app/internal/token"
)

// sessionCookieName holds the browser session credential. Unlike the
// CSRF cookie it is HttpOnly; scripts never need the raw token.
const sessionCookieName = "session_token"

// authState is what the session resolver leaves for the guards: either
// a principal, or the reason there is none. presented distinguishes "no
// credential at all" from "credential rejected", which is the line
// between a plain 401 and a security event.
type authState struct {
	principal auth.Principal
	err       error
	presented bool
}

func stateFromContext(ctx context.Context) authState {
	st, ok := ctx.Value(authStateKey).(authState)
	if !ok {
		return authState{err: auth.ErrNoSession}
	}
	return st
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(header[len("bearer "):])
	return raw, raw != ""
}

// resolveSession attaches the principal for a session cookie or a
// bearer service token. It never writes a response itself; denial is
// the guard's job, so public routes stay usable with a stale cookie.
func (s *Server) resolveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := authState{err: auth.ErrNoSession}

		if raw, ok := bearerToken(r); ok {
			st.presented = true
			st.principal, st.err = s.resolveBearer(r.Context(), raw)
		} else if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
			st.presented = true
			st.principal, st.err = s.auth.Resolve(r.Context(), c.Value)
		}

		ctx := context.WithValue(r.Context(), authStateKey, st)
		if st.err == nil {
			ctx = auth.ContextWithPrincipal(ctx, st.principal)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveBearer turns a service token into a principal. Claims only
// identify the subject; role and active flag come from the user row so
// revocation and demotion take effect immediately.
func (s *Server) resolveBearer(ctx context.Context, raw string) (auth.Principal, error) {
	if s.tokens == nil {
		return auth.Principal{}, auth.ErrNoSession
	}
	claims, err := s.tokens.ParseAndValidate(ctx, raw)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			return auth.Principal{}, auth.ErrNoSession
		}
		return auth.Principal{}, err
	}
	u, err := s.auth.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, auth.ErrNoSession
		}
		return auth.Principal{}, err
	}
	if !u.Active {
		return auth.Principal{}, auth.ErrAccountDeactivated
	}
	return auth.Principal{User: u}, nil
}

// principal returns the resolved principal, if any.
func (s *Server) principal(r *http.Request) (auth.Principal, bool) {
	st := stateFromContext(r.Context())
	return st.principal, st.err == nil
}

// auditContext builds the actor context for the current request,
// anonymous when no principal resolved.
func (s *Server) auditContext(r *http.Request) audit.Context {
	rid := RequestIDFromContext(r.Context())
	ip := clientIP(r)
	ua := r.UserAgent()
	if p, ok := s.principal(r); ok {
		return p.AuditContext(rid, ip, ua)
	}
	return audit.Context{RequestID: rid, IP: ip, UserAgent: ua}
}

func (s *Server) securityEvent(r *http.Request, event, reason string, meta map[string]any) {
	s.audit.Security(r.Context(), s.auditContext(r), audit.SecurityEvent{
		Event:    event,
		Reason:   reason,
		Method:   r.Method,
		Path:     r.URL.Path,
		Metadata: meta,
	})
}

// requireSession writes the denial response when no active principal is
// attached: 401 for missing or rejected credentials, 403 with the fixed
// message for a deactivated account.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	st := stateFromContext(r.Context())
	switch {
	case st.err == nil:
		return st.principal, true
	case errors.Is(st.err, auth.ErrAccountDeactivated):
		s.securityEvent(r, audit.EventSessionRejected, "credential for deactivated account", nil)
		s.respondError(w, r, http.StatusForbidden, "Account is deactivated")
	case errors.Is(st.err, auth.ErrNoSession):
		if st.presented {
			s.securityEvent(r, audit.EventSessionRejected, "session credential rejected", nil)
		}
		s.respondError(w, r, http.StatusUnauthorized, "authentication required")
	default:
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
	}
	return auth.Principal{}, false
}

// requirePermission gates a route on one static permission. Routes
// whose access depends on the concrete resource call checkOwnership in
// the handler instead.
func (s *Server) requirePermission(perm authz.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if !p.HasPermission(perm) {
				s.denyPermission(w, r, p, perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) denyPermission(w http.ResponseWriter, r *http.Request, p auth.Principal, perm authz.Permission) {
	s.securityEvent(r, audit.EventPermissionDenied,
		fmt.Sprintf("role %s lacks permission %s", p.User.Role, perm),
		map[string]any{"permission": string(perm)})
	s.respondError(w, r, http.StatusForbidden, "you do not have permission to perform this action")
}

// checkOwnership answers whether p may act on the resource, writing the
// 403 and the security event when it may not.
func (s *Server) checkOwnership(w http.ResponseWriter, r *http.Request, p auth.Principal, resource any, resourceType string, perm authz.Permission) bool {
	if authz.ValidateResourceAccess(p.User.Role, p.User.ID, resource, resourceType, perm) {
		return true
	}
	s.securityEvent(r, audit.EventOwnershipDenied,
		fmt.Sprintf("actor does not own this %s", resourceType),
		map[string]any{"permission": string(perm), "resource_type": resourceType})
	s.respondError(w, r, http.StatusForbidden, "you do not have access to this resource")
	return false
}

// setSessionCookie installs the login credential for the browser.
func (s *Server) setSessionCookie(w http.ResponseWriter, started auth.StartedSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    started.Token,
		Path:     "/",
		Expires:  started.ExpiresAt,
		MaxAge:   int(time.Until(started.ExpiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.IsProduction(),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.IsProduction(),
	})
}

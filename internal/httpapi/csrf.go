package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kassa.app/internal/audit"
)

// Double-submit CSRF: the token lives in a JS-readable cookie and must
// be echoed back in a header on every mutating request. Tokens are
// self-describing (<64 hex chars>.<unix ms issued>) so validity needs
// no server state.
const (
	csrfCookieDev  = "csrf-token"
	csrfCookieProd = "__Secure-csrf-token"
	csrfHeader     = "x-csrf-token"
	csrfHexLen     = 64
)

// csrfErrorCode is the machine-readable code in the 403 body; the
// frontend retries with a fresh token when it sees it.
const csrfErrorCode = "CSRF_TOKEN_INVALID"

type csrfError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (s *Server) csrfCookieName() string {
	if s.cfg.IsProduction() {
		return csrfCookieProd
	}
	return csrfCookieDev
}

func newCSRFToken(now time.Time) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf) + "." + strconv.FormatInt(now.UnixMilli(), 10), nil
}

// validCSRFToken accepts tokens whose hex part is well formed and whose
// issue time is neither in the future nor older than the configured
// TTL.
func (s *Server) validCSRFToken(raw string, now time.Time) bool {
	hexPart, msPart, ok := strings.Cut(raw, ".")
	if !ok || len(hexPart) != csrfHexLen {
		return false
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return false
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.UnixMilli(ms))
	return age >= 0 && age <= s.cfg.CSRF.TokenTTL
}

// issueCSRFCookie rotates the cookie and returns the fresh token.
func (s *Server) issueCSRFCookie(w http.ResponseWriter, now time.Time) (string, error) {
	token, err := newCSRFToken(now)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.csrfCookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.CSRF.TokenTTL.Seconds()),
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.IsProduction(),
		// Deliberately readable: the double-submit scheme needs JS to
		// copy the cookie value into the request header.
		HttpOnly: false,
	})
	return token, nil
}

func (s *Server) csrfExcluded(path string) bool {
	for _, prefix := range s.cfg.CSRF.ExcludePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isBearerRequest(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer ")
}

// csrfGuard enforces the double-submit contract on mutating cookie
// requests. Bearer requests carry no ambient browser credential, so
// they are exempt; safe methods only top up a missing or expired
// cookie.
func (s *Server) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.csrfExcluded(r.URL.Path) || isBearerRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now().UTC()
		if isSafeMethod(r.Method) {
			if c, err := r.Cookie(s.csrfCookieName()); err != nil || !s.validCSRFToken(c.Value, now) {
				_, _ = s.issueCSRFCookie(w, now)
			}
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(s.csrfCookieName())
		if err != nil {
			s.rejectCSRF(w, r, "csrf cookie missing")
			return
		}
		header := r.Header.Get(csrfHeader)
		if header == "" {
			s.rejectCSRF(w, r, "csrf header missing")
			return
		}
		if !s.validCSRFToken(cookie.Value, now) || !s.validCSRFToken(header, now) {
			s.rejectCSRF(w, r, "csrf token expired or malformed")
			return
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			s.rejectCSRF(w, r, "csrf cookie and header do not match")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rejectCSRF(w http.ResponseWriter, r *http.Request, reason string) {
	s.audit.Security(r.Context(), s.auditContext(r), audit.SecurityEvent{
		Event:  audit.EventCSRFRejected,
		Reason: reason,
		Method: r.Method,
		Path:   r.URL.Path,
	})
	writeJSON(w, http.StatusForbidden, csrfError{
		Error:   "invalid CSRF token",
		Message: "CSRF token is missing, expired, or does not match the cookie",
		Code:    csrfErrorCode,
	})
}

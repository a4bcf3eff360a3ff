package httpapi

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"kassa.app/internal/audit"
)

func TestRegisterFlow(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()

	resp := c.post("/api/auth/register", map[string]any{
		"email":    "Mixed@Example.COM",
		"name":     "Mixed Case",
		"password": testPassword,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}

	// The browser gets both credentials in one response: the HttpOnly
	// session cookie and the script-readable CSRF cookie.
	var sessionCookie, csrfCookie *http.Cookie
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case sessionCookieName:
			sessionCookie = cookie
		case csrfCookieDev:
			csrfCookie = cookie
		}
	}
	if sessionCookie == nil || !sessionCookie.HttpOnly {
		t.Fatalf("session cookie missing or readable: %+v", sessionCookie)
	}
	if csrfCookie == nil || csrfCookie.HttpOnly {
		t.Fatalf("csrf cookie missing or HttpOnly: %+v", csrfCookie)
	}

	sess := decode[sessionResponse](t, resp)
	if sess.User.Email != "mixed@example.com" {
		t.Errorf("email = %q, want normalized lowercase", sess.User.Email)
	}
	if sess.User.Role != "CUSTOMER" {
		t.Errorf("role = %q, want CUSTOMER", sess.User.Role)
	}
	if !sess.User.Active {
		t.Errorf("new account should be active")
	}
	if !sess.ExpiresAt.After(time.Now()) {
		t.Errorf("expiresAt = %v, want in the future", sess.ExpiresAt)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/users/"+sess.User.ID {
		t.Errorf("location = %q", loc)
	}

	// Registration is audited with the password hash masked.
	entries := ts.audits.byAction("users", audit.ActionCreate)
	if len(entries) != 1 {
		t.Fatalf("user CREATE entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.RecordID != sess.User.ID {
		t.Errorf("audit record = %q, want %q", e.RecordID, sess.User.ID)
	}
	hash, _ := e.NewValues["password_hash"].(string)
	if !strings.Contains(hash, "***") {
		t.Errorf("password_hash %q not masked", hash)
	}
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.client().post("/api/auth/register", map[string]any{
		"email":    "not-an-email",
		"name":     "X",
		"password": "short",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeAPIError(t, resp)
	if body.Error != "validation failed" {
		t.Errorf("error = %q", body.Error)
	}
	// Development mode surfaces the per-field hints.
	if body.Details == nil {
		t.Errorf("details missing in development mode")
	}

	// Unknown fields are rejected outright.
	resp = ts.client().post("/api/auth/register", map[string]any{
		"email":    "ok@example.com",
		"name":     "Ok",
		"password": testPassword,
		"admin":    true,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", resp.StatusCode)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ts := newTestServer(t)
	ts.client().register("taken@example.com", "First")

	resp := ts.client().post("/api/auth/register", map[string]any{
		"email":    "taken@example.com",
		"name":     "Second",
		"password": testPassword,
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "email is already registered" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	ts := newTestServer(t)
	ts.client().register("frank@example.com", "Frank")

	resp := ts.client().post("/api/auth/login", map[string]any{
		"email":    "frank@example.com",
		"password": "wrong-horse",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "invalid email or password" {
		t.Errorf("error = %q", body.Error)
	}

	events := ts.audits.security(audit.EventLoginFailed)
	if len(events) != 1 || events[0].Metadata["reason"] != "password mismatch" {
		t.Fatalf("expected one failed-login event, got %+v", events)
	}
}

func TestSessionReportsCurrentUser(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	registered := c.register("grace@example.com", "Grace")

	resp := c.get("/api/auth/session", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d, want 200", resp.StatusCode)
	}

	// The wire format is camelCase end to end.
	body := decode[map[string]any](t, resp)
	user, _ := body["user"].(map[string]any)
	if user == nil {
		t.Fatalf("no user object in session body: %v", body)
	}
	if user["id"] != registered.User.ID {
		t.Errorf("id = %v", user["id"])
	}
	if _, ok := user["createdAt"]; !ok {
		t.Errorf("createdAt missing; keys = %v", user)
	}
	if _, ok := user["created_at"]; ok {
		t.Errorf("snake_case key leaked into the response")
	}
}

package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"kassa.app/internal/audit"
	"kassa.app/internal/authz"
)

func csrfCookieFrom(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieDev {
			return c
		}
	}
	return nil
}

func TestCSRFTokenEndpointIssuesCookie(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()

	resp := c.get("/api/auth/csrf", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("csrf status: %d", resp.StatusCode)
	}
	cookie := csrfCookieFrom(t, resp)
	if cookie == nil {
		t.Fatalf("no %s cookie set", csrfCookieDev)
	}
	if cookie.Path != "/" {
		t.Errorf("cookie path = %q, want /", cookie.Path)
	}
	if cookie.MaxAge != 3600 {
		t.Errorf("cookie max-age = %d, want 3600", cookie.MaxAge)
	}
	if cookie.HttpOnly {
		t.Errorf("csrf cookie must stay readable by scripts")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie samesite = %v, want Lax", cookie.SameSite)
	}

	body := decode[map[string]any](t, resp)
	token, _ := body["csrfToken"].(string)
	if token != cookie.Value {
		t.Errorf("body token %q does not match cookie %q", token, cookie.Value)
	}
	hexPart, msPart, ok := strings.Cut(token, ".")
	if !ok || len(hexPart) != csrfHexLen {
		t.Fatalf("token %q is not <64 hex>.<ms>", token)
	}
	if _, err := strconv.ParseInt(msPart, 10, 64); err != nil {
		t.Fatalf("token timestamp %q: %v", msPart, err)
	}
}

func TestCSRFMissingCookieRejected(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()

	resp := c.post("/api/products", map[string]any{"name": "Widget", "price": 100}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body := decode[csrfError](t, resp)
	if body.Error != "invalid CSRF token" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Message != "CSRF token is missing, expired, or does not match the cookie" {
		t.Errorf("message = %q", body.Message)
	}
	if body.Code != csrfErrorCode {
		t.Errorf("code = %q, want %s", body.Code, csrfErrorCode)
	}

	events := ts.audits.security(audit.EventCSRFRejected)
	if len(events) != 1 {
		t.Fatalf("csrf security events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Metadata["reason"] != "csrf cookie missing" {
		t.Errorf("reason = %v", e.Metadata["reason"])
	}
	if e.Metadata["method"] != http.MethodPost || e.Metadata["path"] != "/api/products" {
		t.Errorf("method/path = %v %v", e.Metadata["method"], e.Metadata["path"])
	}
}

func TestCSRFHeaderMissingRejected(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	c.fetchCSRF()

	// Blank the header while the cookie still rides along.
	resp := c.post("/api/products", map[string]any{"name": "Widget"}, map[string]string{csrfHeader: ""})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	events := ts.audits.security(audit.EventCSRFRejected)
	if len(events) != 1 || events[0].Metadata["reason"] != "csrf header missing" {
		t.Fatalf("expected one rejection for the missing header, got %+v", events)
	}
}

func TestCSRFCookieHeaderMismatchRejected(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	c.fetchCSRF()

	other, err := newCSRFToken(time.Now().UTC())
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	resp := c.post("/api/products", map[string]any{"name": "Widget"}, map[string]string{csrfHeader: other})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body := decode[csrfError](t, resp); body.Code != csrfErrorCode {
		t.Errorf("code = %q", body.Code)
	}
	events := ts.audits.security(audit.EventCSRFRejected)
	if len(events) != 1 || events[0].Metadata["reason"] != "csrf cookie and header do not match" {
		t.Fatalf("expected a mismatch rejection, got %+v", events)
	}
}

func TestCSRFExpiredTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()

	stale := strings.Repeat("ab", 32) + "." + strconv.FormatInt(time.Now().Add(-2*time.Hour).UnixMilli(), 10)
	c.csrf = stale

	resp := c.post("/api/products", map[string]any{"name": "Widget"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	events := ts.audits.security(audit.EventCSRFRejected)
	if len(events) != 1 || events[0].Metadata["reason"] != "csrf token expired or malformed" {
		t.Fatalf("expected an expiry rejection, got %+v", events)
	}
}

func TestCSRFExcludedPaths(t *testing.T) {
	ts := newTestServer(t)

	// Login never needs a CSRF token; a wrong password must surface as
	// 401, not as a CSRF failure.
	resp := ts.client().post("/api/auth/login", map[string]any{
		"email":    "nobody@example.com",
		"password": "wrong-password",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want 401", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "invalid email or password" {
		t.Errorf("login error = %q", body.Error)
	}

	// Webhooks authenticate with an HMAC signature instead.
	resp = ts.client().post("/api/webhooks/payments", map[string]any{"id": "evt_1", "type": "noop"}, map[string]string{
		"kassa-signature": "deadbeef",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("webhook status = %d, want 401", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "invalid webhook signature" {
		t.Errorf("webhook error = %q", body.Error)
	}

	if events := ts.audits.security(audit.EventCSRFRejected); len(events) != 0 {
		t.Fatalf("excluded paths produced csrf events: %+v", events)
	}
}

func TestCSRFSafeMethodTopsUpCookie(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()

	// First visit has no cookie; any GET plants one.
	resp := c.get("/api/products", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status: %d", resp.StatusCode)
	}
	first := csrfCookieFrom(t, resp)
	if first == nil {
		t.Fatalf("expected a csrf cookie on the first safe request")
	}

	// With a valid cookie in hand the server leaves it alone.
	resp = c.get("/api/products", nil, nil)
	resp.Body.Close()
	if again := csrfCookieFrom(t, resp); again != nil {
		t.Fatalf("valid cookie was rotated: %q", again.Value)
	}
}

func TestCSRFBearerRequestsExempt(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()

	// No cookie, no header; a bearer credential bypasses the guard and
	// the rejection comes from authentication instead.
	resp := c.post("/api/products", map[string]any{"name": "Widget"}, map[string]string{
		"Authorization": "Bearer not-a-real-token",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "authentication required" {
		t.Errorf("error = %q", body.Error)
	}
	if events := ts.audits.security(audit.EventCSRFRejected); len(events) != 0 {
		t.Fatalf("bearer request tripped the csrf guard: %+v", events)
	}
}

func TestCSRFValidRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser("admin@example.com", authz.RoleAdmin, true)
	c := ts.loginAs("admin@example.com")

	resp := c.post("/api/tags", map[string]any{"name": "Featured"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create tag status = %d, want 201", resp.StatusCode)
	}
	tag := decode[tagDTO](t, resp)
	if tag.Slug != "featured" {
		t.Errorf("slug = %q, want featured", tag.Slug)
	}
}

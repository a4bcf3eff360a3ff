package httpapi

import (
	"net/http"
	"testing"

	"kassa.app/internal/audit"
	"kassa.app/internal/authz"
)

func TestSessionEndpointRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.client().get("/api/auth/session", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body := decodeAPIError(t, resp)
	if body.Error != "authentication required" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", body.Code)
	}
	if body.Timestamp == "" {
		t.Errorf("timestamp missing from error body")
	}

	// A request that never presented a credential is not an attack;
	// nothing lands in the security trail.
	if events := ts.audits.security(audit.EventSessionRejected); len(events) != 0 {
		t.Fatalf("anonymous request produced session events: %+v", events)
	}
}

func TestGarbageSessionCookieRejected(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	c.session = "ses_forged.deadbeef"

	resp := c.get("/api/auth/session", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	events := ts.audits.security(audit.EventSessionRejected)
	if len(events) != 1 {
		t.Fatalf("session events = %d, want 1", len(events))
	}
	if events[0].Metadata["reason"] != "session credential rejected" {
		t.Errorf("reason = %v", events[0].Metadata["reason"])
	}
}

func TestDeactivatedAccountBlockedMidSession(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	sess := c.register("dana@example.com", "Dana")

	// Support pulls the plug while the session is still live.
	ts.users.setActive(sess.User.ID, false)

	resp := c.get("/api/auth/session", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "Account is deactivated" {
		t.Errorf("error = %q, want the fixed deactivation message", body.Error)
	}

	events := ts.audits.security(audit.EventSessionRejected)
	if len(events) != 1 || events[0].Metadata["reason"] != "credential for deactivated account" {
		t.Fatalf("expected one deactivation rejection, got %+v", events)
	}
}

func TestDeactivatedAccountCannotLogIn(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser("gone@example.com", authz.RoleCustomer, false)

	resp := ts.client().post("/api/auth/login", map[string]any{
		"email":    "gone@example.com",
		"password": testPassword,
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "Account is deactivated" {
		t.Errorf("error = %q", body.Error)
	}

	events := ts.audits.security(audit.EventLoginFailed)
	if len(events) != 1 || events[0].Metadata["reason"] != "account deactivated" {
		t.Fatalf("expected one failed-login event, got %+v", events)
	}
}

func TestPermissionDeniedRecordsSecurityEvent(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	sess := c.register("carol@example.com", "Carol")

	resp := c.post("/api/products", map[string]any{"name": "Widget", "price": 500}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "you do not have permission to perform this action" {
		t.Errorf("error = %q", body.Error)
	}

	events := ts.audits.security(audit.EventPermissionDenied)
	if len(events) != 1 {
		t.Fatalf("permission events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Metadata["permission"] != string(authz.PermProductWrite) {
		t.Errorf("permission = %v, want %s", e.Metadata["permission"], authz.PermProductWrite)
	}
	if e.ActorID != sess.User.ID {
		t.Errorf("actor = %q, want %q", e.ActorID, sess.User.ID)
	}
}

func TestUserReadsAreOwnershipScoped(t *testing.T) {
	ts := newTestServer(t)

	alice := ts.client()
	aliceSess := alice.register("alice@example.com", "Alice")
	bob := ts.client()
	bobSess := bob.register("bob@example.com", "Bob")

	// A customer reads their own account.
	resp := alice.get("/api/users/"+aliceSess.User.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own read status = %d, want 200", resp.StatusCode)
	}
	if u := decode[userDTO](t, resp); u.ID != aliceSess.User.ID {
		t.Errorf("got user %q", u.ID)
	}

	// But not anyone else's.
	resp = alice.get("/api/users/"+bobSess.User.ID, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross read status = %d, want 403", resp.StatusCode)
	}
	if body := decodeAPIError(t, resp); body.Error != "you do not have access to this resource" {
		t.Errorf("error = %q", body.Error)
	}
	events := ts.audits.security(audit.EventOwnershipDenied)
	if len(events) != 1 {
		t.Fatalf("ownership events = %d, want 1", len(events))
	}
	if events[0].Metadata["resource_type"] != authz.ResourceUser {
		t.Errorf("resource_type = %v", events[0].Metadata["resource_type"])
	}

	// The global permission reads across ownership lines.
	ts.seedUser("root@example.com", authz.RoleAdmin, true)
	admin := ts.loginAs("root@example.com")
	resp = admin.get("/api/users/"+bobSess.User.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin read status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Support can read accounts too, but cannot list-create-delete what
	// needs user:write.
	ts.seedUser("desk@example.com", authz.RoleSupport, true)
	support := ts.loginAs("desk@example.com")
	resp = support.get("/api/users/"+aliceSess.User.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("support read status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLogoutClearsSession(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	sess := c.register("leaver@example.com", "Leaver")

	if n := ts.users.sessionCount(sess.User.ID); n != 1 {
		t.Fatalf("sessions after register = %d, want 1", n)
	}

	resp := c.post("/api/auth/logout", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	if n := ts.users.sessionCount(sess.User.ID); n != 0 {
		t.Fatalf("sessions after logout = %d, want 0", n)
	}
	if c.session != "" {
		t.Errorf("client still holds a session cookie: %q", c.session)
	}

	resp = c.get("/api/auth/session", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-logout session status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

// Command smoke drives a running API end to end: staff login, catalog
// round trip, the guarded tag delete, the audit trail, and a signed
// webhook delivery. It exits non-zero on the first failed step.
//
// Environment:
//
//	KASSA_API_URL                  target, default http://localhost:8080
//	KASSA_SMOKE_EMAIL / _PASSWORD  staff account with catalog and audit access
//	KASSA_PAYMENTS_WEBHOOK_SECRET  enables the webhook step when set
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"kassa.app/internal/billing"
)

type client struct {
	base string
	http *http.Client
	csrf string
}

func (c *client) do(method, path string, body, out any, want int) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" && method != http.MethodGet && method != http.MethodHead {
		req.Header.Set("x-csrf-token", c.csrf)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, data)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func main() {
	base := os.Getenv("KASSA_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("KASSA_SMOKE_EMAIL")
	password := os.Getenv("KASSA_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("KASSA_SMOKE_EMAIL and KASSA_SMOKE_PASSWORD are required")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatalf("cookie jar: %v", err)
	}
	c := &client{base: base, http: &http.Client{Jar: jar, Timeout: 10 * time.Second}}

	if err := c.do(http.MethodGet, "/api/health", nil, nil, http.StatusOK); err != nil {
		log.Fatalf("health: %v", err)
	}

	if err := c.do(http.MethodPost, "/api/auth/login",
		map[string]any{"email": email, "password": password}, nil, http.StatusOK); err != nil {
		log.Fatalf("login: %v", err)
	}
	var csrf struct {
		Token string `json:"csrfToken"`
	}
	if err := c.do(http.MethodGet, "/api/auth/csrf", nil, &csrf, http.StatusOK); err != nil {
		log.Fatalf("csrf token: %v", err)
	}
	c.csrf = csrf.Token

	// Catalog round trip with a unique tag so reruns do not collide.
	suffix := time.Now().UnixNano()
	var tag struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
	}
	if err := c.do(http.MethodPost, "/api/tags",
		map[string]any{"name": fmt.Sprintf("Smoke %d", suffix)}, &tag, http.StatusCreated); err != nil {
		log.Fatalf("create tag: %v", err)
	}
	var product struct {
		ID string `json:"id"`
	}
	if err := c.do(http.MethodPost, "/api/products", map[string]any{
		"name":   fmt.Sprintf("Smoke Product %d", suffix),
		"price":  12900,
		"tagIds": []string{tag.ID},
	}, &product, http.StatusCreated); err != nil {
		log.Fatalf("create product: %v", err)
	}

	var page struct {
		Total int `json:"total"`
	}
	if err := c.do(http.MethodGet, "/api/products?tag="+tag.Slug, nil, &page, http.StatusOK); err != nil {
		log.Fatalf("storefront list: %v", err)
	}
	if page.Total != 1 {
		log.Fatalf("storefront list by tag: total %d, want 1", page.Total)
	}

	// A tag with products refuses a plain delete and requires force.
	if err := c.do(http.MethodDelete, "/api/tags/"+tag.ID, nil, nil, http.StatusBadRequest); err != nil {
		log.Fatalf("guarded tag delete: %v", err)
	}
	var deleted struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(http.MethodDelete, "/api/tags/"+tag.ID+"?force=true", nil, &deleted, http.StatusOK); err != nil {
		log.Fatalf("forced tag delete: %v", err)
	}
	if !deleted.Deleted {
		log.Fatal("forced tag delete did not confirm")
	}

	// The forced delete must be on the audit trail, flagged as forced.
	var audit struct {
		Items []struct {
			RecordID string         `json:"recordId"`
			Metadata map[string]any `json:"metadata"`
		} `json:"items"`
	}
	if err := c.do(http.MethodGet, "/api/audit?table=tags&action=DELETE&limit=10", nil, &audit, http.StatusOK); err != nil {
		log.Fatalf("audit query: %v", err)
	}
	found := false
	for _, item := range audit.Items {
		if item.RecordID == tag.ID && item.Metadata["forced"] == true {
			found = true
			break
		}
	}
	if !found {
		log.Fatalf("forced delete of %s missing from audit trail", tag.ID)
	}

	// Signed webhook delivery, when the secret is available.
	if secret := os.Getenv("KASSA_PAYMENTS_WEBHOOK_SECRET"); secret != "" {
		runWebhookStep(c, secret, suffix)
	}

	if err := c.do(http.MethodPost, "/api/auth/logout", nil, nil, http.StatusNoContent); err != nil {
		log.Fatalf("logout: %v", err)
	}

	fmt.Printf("✅ api smoke test passed: product=%s tag=%s\n", product.ID, tag.ID)
}

func runWebhookStep(c *client, secret string, suffix int64) {
	var me struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := c.do(http.MethodGet, "/api/auth/session", nil, &me, http.StatusOK); err != nil {
		log.Fatalf("session lookup: %v", err)
	}

	payload, err := json.Marshal(map[string]any{
		"id":   fmt.Sprintf("evt_smoke_%d", suffix),
		"type": "payment.succeeded",
		"data": map[string]any{
			"charge_id": fmt.Sprintf("ch_smoke_%d", suffix),
			"user_id":   me.User.ID,
			"amount":    990,
			"currency":  "KZT",
		},
	})
	if err != nil {
		log.Fatalf("marshal webhook: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.base+"/api/webhooks/payments", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(billing.SignatureHeader, billing.SignBody(secret, payload))
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("deliver webhook: %v", err)
	}
	defer resp.Body.Close()

	var ack struct {
		Applied bool `json:"applied"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		log.Fatalf("decode webhook ack: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !ack.Applied {
		log.Fatalf("webhook: status %d applied %v", resp.StatusCode, ack.Applied)
	}
}

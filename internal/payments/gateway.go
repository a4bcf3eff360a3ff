package payments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const defaultGatewayTimeout = 10 * time.Second

// GatewayClient implements Provider against a remote gateway over HTTP.
// Requests carry a bearer credential and the idempotency key both in
// the body and the Idempotency-Key header.
type GatewayClient struct {
	baseURL    string
	credential string
	client     *http.Client
}

// GatewayOption configures GatewayClient.
type GatewayOption func(*GatewayClient)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *GatewayClient) {
		if c != nil {
			g.client = c
		}
	}
}

// WithGatewayTimeout sets the per-request timeout.
func WithGatewayTimeout(d time.Duration) GatewayOption {
	return func(g *GatewayClient) {
		if d > 0 {
			g.client.Timeout = d
		}
	}
}

// NewGatewayClient creates a client for the gateway at baseURL.
func NewGatewayClient(baseURL, credential string, opts ...GatewayOption) (*GatewayClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("payments: gateway base URL is required")
	}
	g := &GatewayClient{
		baseURL:    baseURL,
		credential: credential,
		client:     &http.Client{Timeout: defaultGatewayTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *GatewayClient) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var res ChargeResult
	if err := g.post(ctx, "/v1/charges", req, req.IdempotencyKey, &res); err != nil {
		return ChargeResult{}, err
	}
	return res, nil
}

func (g *GatewayClient) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var res RefundResult
	if err := g.post(ctx, "/v1/refunds", req, req.IdempotencyKey, &res); err != nil {
		return RefundResult{}, err
	}
	return res, nil
}

func (g *GatewayClient) post(ctx context.Context, path string, payload any, idemKey string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payments: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.credential != "" {
		req.Header.Set("Authorization", "Bearer "+g.credential)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("payments: gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return gatewayError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: decode response: %w", err)
	}
	return nil
}

// gatewayError maps the gateway's {"error": "..."} bodies onto the
// package sentinels where the condition is recognizable.
func gatewayError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)

	msg := body.Error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrChargeNotFound
	case strings.Contains(msg, "exceeds captured"):
		return ErrRefundExceedsCharge
	case msg != "":
		return fmt.Errorf("payments: gateway: %s", msg)
	default:
		return fmt.Errorf("payments: gateway: %s", resp.Status)
	}
}

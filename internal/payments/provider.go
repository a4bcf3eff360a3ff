// Package payments is the boundary to the payment gateway. The rest of
// the app talks to the Provider interface; a deterministic in-memory
// implementation backs dev mode and tests, and GatewayClient speaks to
// a real gateway over HTTP.
package payments

import (
	"context"
	"errors"
)

// Charge and refund results carry the gateway's status strings.
const (
	StatusSucceeded = "succeeded"
)

var (
	ErrChargeNotFound      = errors.New("payments: charge not found")
	ErrRefundExceedsCharge = errors.New("payments: refund exceeds captured amount")
	ErrInvalidAmount       = errors.New("payments: amount must be positive")
	ErrInvalidCurrency     = errors.New("payments: currency is required")
)

// ChargeRequest captures funds for an order. Amounts are minor units.
type ChargeRequest struct {
	OrderID        string `json:"order_id"`
	UserID         string `json:"user_id"`
	AmountCents    int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ChargeResult is the gateway's record of a capture.
type ChargeResult struct {
	ChargeID    string `json:"charge_id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// RefundRequest returns part or all of a captured charge.
type RefundRequest struct {
	ChargeID       string `json:"charge_id"`
	AmountCents    int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RefundResult is the gateway's record of a refund.
type RefundResult struct {
	RefundID    string `json:"refund_id"`
	ChargeID    string `json:"charge_id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount"`
}

// Provider is the payment gateway seen from the app. Both operations
// honor idempotency keys: replaying a key returns the original result
// without moving money again.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

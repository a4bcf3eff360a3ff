// Package billing manages orders and subscriptions. Money enters
// through the payment gateway; this package tracks the resulting
// orders, handles refunds through the provider, and applies gateway
// webhook events.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kassa.app/internal/audit"
	"kassa.app/internal/payments"
)

const (
	ordersTable        = "orders"
	subscriptionsTable = "subscriptions"
)

// Store describes persistence for orders, subscriptions and webhook
// events. Implementations map missing rows to ErrNotFound and a
// duplicate provider event id to ErrEventSeen.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByChargeID(ctx context.Context, chargeID string) (Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, int, error)
	UpdateOrderRefund(ctx context.Context, id string, refundedCents int64, status OrderStatus) (Order, error)
	SetOrderStatus(ctx context.Context, id string, status OrderStatus) (Order, error)

	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, int, error)
	SetSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus) (Subscription, error)

	InsertWebhookEvent(ctx context.Context, ev WebhookEvent) error
}

// Service implements billing operations with audited writes.
type Service struct {
	store    Store
	provider payments.Provider
	audit    *audit.Logger
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs Service.
func NewService(store Store, provider payments.Provider, auditLog *audit.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("billing: store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing: payment provider is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("billing: audit logger is required")
	}
	svc := &Service{store: store, provider: provider, audit: auditLog, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// GetOrder loads one order.
func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	return s.store.GetOrder(ctx, id)
}

// ListOrders returns orders matching the filter plus the total count.
func (s *Service) ListOrders(ctx context.Context, f OrderFilter) ([]Order, int, error) {
	return s.store.ListOrders(ctx, f.Normalize())
}

// RefundOrder returns amountCents of the order's charge through the
// payment provider and records the new refunded total. Only PAID and
// PARTIALLY_REFUNDED orders can be refunded, and never beyond what
// remains captured. An empty idempotency key gets a generated one so
// a retried request cannot double-refund at the provider.
func (s *Service) RefundOrder(ctx context.Context, actx audit.Context, orderID string, amountCents int64, idemKey string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if amountCents <= 0 {
		return Order{}, fmt.Errorf("%w: refund amount must be positive", ErrInvalidInput)
	}

	old, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if old.Status != OrderPaid && old.Status != OrderPartiallyRefunded {
		return Order{}, fmt.Errorf("%w: status %s", ErrOrderNotRefundable, old.Status)
	}
	if old.ProviderChargeID == "" {
		return Order{}, fmt.Errorf("%w: order has no captured charge", ErrOrderNotRefundable)
	}
	if amountCents > old.RemainingCents() {
		return Order{}, fmt.Errorf("%w: %d requested, %d remaining", ErrRefundExceedsCharge, amountCents, old.RemainingCents())
	}

	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	res, err := s.provider.Refund(ctx, payments.RefundRequest{
		ChargeID:       old.ProviderChargeID,
		AmountCents:    amountCents,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		if errors.Is(err, payments.ErrRefundExceedsCharge) {
			return Order{}, ErrRefundExceedsCharge
		}
		return Order{}, fmt.Errorf("billing: provider refund: %w", err)
	}

	refunded := old.RefundedCents + amountCents
	status := OrderPartiallyRefunded
	if refunded >= old.TotalCents {
		status = OrderRefunded
	}
	updated, err := s.store.UpdateOrderRefund(ctx, orderID, refunded, status)
	if err != nil {
		return Order{}, err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    ordersTable,
		RecordID: orderID,
		Action:   audit.ActionRefund,
		Severity: audit.SeverityWarn,
		Old:      old.Record(),
		New:      updated.Record(),
		Metadata: map[string]any{
			"amount_cents":       amountCents,
			"provider_refund_id": res.RefundID,
			"idempotency_key":    idemKey,
		},
	})
	return updated, nil
}

// GetSubscription loads one subscription.
func (s *Service) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Subscription{}, fmt.Errorf("%w: subscription id is required", ErrInvalidInput)
	}
	return s.store.GetSubscription(ctx, id)
}

// ListSubscriptions returns subscriptions matching the filter plus the
// total count.
func (s *Service) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, int, error) {
	return s.store.ListSubscriptions(ctx, f.Normalize())
}

// CancelSubscription cancels a subscription. Canceling an already
// canceled subscription is a no-op.
func (s *Service) CancelSubscription(ctx context.Context, actx audit.Context, id string) (Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Subscription{}, fmt.Errorf("%w: subscription id is required", ErrInvalidInput)
	}
	old, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return Subscription{}, err
	}
	if old.Status == SubscriptionCanceled {
		return old, nil
	}
	updated, err := s.store.SetSubscriptionStatus(ctx, id, SubscriptionCanceled)
	if err != nil {
		return Subscription{}, err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    subscriptionsTable,
		RecordID: id,
		Action:   audit.ActionCancel,
		Old:      old.Record(),
		New:      updated.Record(),
	})
	return updated, nil
}

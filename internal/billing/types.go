package billing

import "time"

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderPending           OrderStatus = "PENDING"
	OrderPaid              OrderStatus = "PAID"
	OrderRefunded          OrderStatus = "REFUNDED"
	OrderPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
)

// SubscriptionStatus is the subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
	SubscriptionPastDue  SubscriptionStatus = "PAST_DUE"
)

// Order is a captured purchase. Amounts are minor units.
type Order struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Status           OrderStatus `json:"status"`
	TotalCents       int64       `json:"total_cents"`
	RefundedCents    int64       `json:"refunded_cents"`
	Currency         string      `json:"currency"`
	ProviderChargeID string      `json:"provider_charge_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// RemainingCents is the amount still refundable.
func (o Order) RemainingCents() int64 {
	return o.TotalCents - o.RefundedCents
}

// Record renders the order for audit diffs.
func (o Order) Record() map[string]any {
	return map[string]any{
		"id":                 o.ID,
		"user_id":            o.UserID,
		"status":             string(o.Status),
		"total_cents":        o.TotalCents,
		"refunded_cents":     o.RefundedCents,
		"currency":           o.Currency,
		"provider_charge_id": o.ProviderChargeID,
		"created_at":         o.CreatedAt,
		"updated_at":         o.UpdatedAt,
	}
}

// Subscription is a recurring plan attached to a user.
type Subscription struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	Plan             string             `json:"plan"`
	Status           SubscriptionStatus `json:"status"`
	CurrentPeriodEnd time.Time          `json:"current_period_end"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Record renders the subscription for audit diffs.
func (s Subscription) Record() map[string]any {
	return map[string]any{
		"id":                 s.ID,
		"user_id":            s.UserID,
		"plan":               s.Plan,
		"status":             string(s.Status),
		"current_period_end": s.CurrentPeriodEnd,
		"created_at":         s.CreatedAt,
		"updated_at":         s.UpdatedAt,
	}
}

// OrderFilter narrows order listings. UserID scopes customers to their
// own orders.
type OrderFilter struct {
	UserID string
	Status OrderStatus
	Limit  int
	Offset int
}

// Normalize clamps pagination.
func (f OrderFilter) Normalize() OrderFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// SubscriptionFilter narrows subscription listings.
type SubscriptionFilter struct {
	UserID string
	Status SubscriptionStatus
	Limit  int
	Offset int
}

// Normalize clamps pagination.
func (f SubscriptionFilter) Normalize() SubscriptionFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// WebhookEvent is a persisted gateway notification. ProviderEventID is
// unique; a replayed event is acknowledged without being applied again.
type WebhookEvent struct {
	ID              string    `json:"id"`
	ProviderEventID string    `json:"provider_event_id"`
	Type            string    `json:"type"`
	Payload         []byte    `json:"payload"`
	ReceivedAt      time.Time `json:"received_at"`
}

package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"kassa.app/internal/audit"
	"kassa.app/internal/ids"
	"kassa.app/internal/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with the webhook secret shared with the gateway.
const SignatureHeader = "kassa-signature"

// Gateway event types the webhook applies. Anything else is persisted
// and acknowledged without effect.
const (
	EventPaymentSucceeded     = "payment.succeeded"
	EventPaymentRefunded      = "payment.refunded"
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionCanceled = "subscription.canceled"
)

// Event is a gateway notification as it arrives on the wire.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventData struct {
	OrderID          string    `json:"order_id,omitempty"`
	SubscriptionID   string    `json:"subscription_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	ChargeID         string    `json:"charge_id,omitempty"`
	AmountCents      int64     `json:"amount,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	Plan             string    `json:"plan,omitempty"`
	CurrentPeriodEnd time.Time `json:"current_period_end,omitempty"`
}

// SignBody computes the signature for a payload. The smoke client and
// tests use it to forge valid deliveries.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body. The compare
// is constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// ProcessWebhook records and applies one gateway event. The raw event
// is persisted first and deduplicated by the provider's event id:
// a replay returns applied=false with no error and no second
// application. An application failure leaves the raw event on record
// for manual replay.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte) (Event, bool, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, false, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	err := s.store.InsertWebhookEvent(ctx, WebhookEvent{
		ID:              ids.New(ids.PrefixWebhookEvent),
		ProviderEventID: ev.ID,
		Type:            ev.Type,
		Payload:         payload,
		ReceivedAt:      s.now().UTC(),
	})
	if errors.Is(err, ErrEventSeen) {
		logging.Debug().Str("event", ev.ID).Str("type", ev.Type).Msg("webhook replay acknowledged")
		return ev, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}

	if err := s.applyEvent(ctx, ev); err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func (s *Service) applyEvent(ctx context.Context, ev Event) error {
	var data eventData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}

	switch ev.Type {
	case EventPaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, data)
	case EventPaymentRefunded:
		return s.applyPaymentRefunded(ctx, data)
	case EventSubscriptionCreated:
		return s.applySubscriptionCreated(ctx, data)
	case EventSubscriptionCanceled:
		return s.applySubscriptionCanceled(ctx, data)
	default:
		logging.Debug().Str("type", ev.Type).Msg("webhook event type ignored")
		return nil
	}
}

// applyPaymentSucceeded marks the matching order paid, or creates a
// paid order when the charge is new to us (gateway-hosted checkout).
func (s *Service) applyPaymentSucceeded(ctx context.Context, data eventData) error {
	if data.ChargeID == "" || data.AmountCents <= 0 {
		return fmt.Errorf("%w: payment.succeeded needs charge_id and amount", ErrMalformedEvent)
	}

	existing, err := s.store.GetOrderByChargeID(ctx, data.ChargeID)
	switch {
	case err == nil:
		if existing.Status != OrderPending {
			return nil
		}
		updated, err := s.store.SetOrderStatus(ctx, existing.ID, OrderPaid)
		if err != nil {
			return err
		}
		s.audit.Record(ctx, audit.SystemContext(), audit.Record{
			Table:    ordersTable,
			RecordID: existing.ID,
			Action:   audit.ActionUpdate,
			Old:      existing.Record(),
			New:      updated.Record(),
		})
		return nil
	case errors.Is(err, ErrNotFound):
		if data.UserID == "" || data.Currency == "" {
			return fmt.Errorf("%w: payment.succeeded for unknown charge needs user_id and currency", ErrMalformedEvent)
		}
		now := s.now().UTC()
		order := Order{
			ID:               ids.New(ids.PrefixOrder),
			UserID:           data.UserID,
			Status:           OrderPaid,
			TotalCents:       data.AmountCents,
			Currency:         strings.ToUpper(data.Currency),
			ProviderChargeID: data.ChargeID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.store.CreateOrder(ctx, &order); err != nil {
			return err
		}
		s.audit.Record(ctx, audit.SystemContext(), audit.Record{
			Table:    ordersTable,
			RecordID: order.ID,
			Action:   audit.ActionCreate,
			New:      order.Record(),
		})
		return nil
	default:
		return err
	}
}

// applyPaymentRefunded records a gateway-initiated refund (dispute,
// support console on the gateway side). The refunded total is capped
// at the captured amount.
func (s *Service) applyPaymentRefunded(ctx context.Context, data eventData) error {
	if data.ChargeID == "" || data.AmountCents <= 0 {
		return fmt.Errorf("%w: payment.refunded needs charge_id and amount", ErrMalformedEvent)
	}
	old, err := s.store.GetOrderByChargeID(ctx, data.ChargeID)
	if errors.Is(err, ErrNotFound) {
		logging.Warn().Str("charge", data.ChargeID).Msg("refund event for unknown charge acknowledged")
		return nil
	}
	if err != nil {
		return err
	}

	refunded := old.RefundedCents + data.AmountCents
	if refunded > old.TotalCents {
		refunded = old.TotalCents
	}
	status := OrderPartiallyRefunded
	if refunded >= old.TotalCents {
		status = OrderRefunded
	}
	updated, err := s.store.UpdateOrderRefund(ctx, old.ID, refunded, status)
	if err != nil {
		return err
	}
	s.audit.Record(ctx, audit.SystemContext(), audit.Record{
		Table:    ordersTable,
		RecordID: old.ID,
		Action:   audit.ActionRefund,
		Severity: audit.SeverityWarn,
		Old:      old.Record(),
		New:      updated.Record(),
		Metadata: map[string]any{"source": "webhook", "amount_cents": data.AmountCents},
	})
	return nil
}

// applySubscriptionCreated registers a subscription started on the
// gateway's hosted pages. The gateway's subscription id becomes the
// record id.
func (s *Service) applySubscriptionCreated(ctx context.Context, data eventData) error {
	if data.SubscriptionID == "" || data.UserID == "" || data.Plan == "" {
		return fmt.Errorf("%w: subscription.created needs subscription_id, user_id and plan", ErrMalformedEvent)
	}
	if _, err := s.store.GetSubscription(ctx, data.SubscriptionID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	now := s.now().UTC()
	sub := Subscription{
		ID:               data.SubscriptionID,
		UserID:           data.UserID,
		Plan:             data.Plan,
		Status:           SubscriptionActive,
		CurrentPeriodEnd: data.CurrentPeriodEnd,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateSubscription(ctx, &sub); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.SystemContext(), audit.Record{
		Table:    subscriptionsTable,
		RecordID: sub.ID,
		Action:   audit.ActionCreate,
		New:      sub.Record(),
	})
	return nil
}

func (s *Service) applySubscriptionCanceled(ctx context.Context, data eventData) error {
	if data.SubscriptionID == "" {
		return fmt.Errorf("%w: subscription.canceled needs subscription_id", ErrMalformedEvent)
	}
	old, err := s.store.GetSubscription(ctx, data.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		logging.Warn().Str("subscription", data.SubscriptionID).Msg("cancel event for unknown subscription acknowledged")
		return nil
	}
	if err != nil {
		return err
	}
	if old.Status == SubscriptionCanceled {
		return nil
	}
	updated, err := s.store.SetSubscriptionStatus(ctx, old.ID, SubscriptionCanceled)
	if err != nil {
		return err
	}
	s.audit.Record(ctx, audit.SystemContext(), audit.Record{
		Table:    subscriptionsTable,
		RecordID: old.ID,
		Action:   audit.ActionCancel,
		Old:      old.Record(),
		New:      updated.Record(),
	})
	return nil
}

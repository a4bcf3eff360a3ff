package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kassa.app/internal/billing"
)

const orderColumns = `id, user_id, status, total_cents, refunded_cents, currency, provider_charge_id, created_at, updated_at`

const subscriptionColumns = `id, user_id, plan, status, current_period_end, created_at, updated_at`

func scanOrder(row rowScanner) (billing.Order, error) {
	var o billing.Order
	var status string
	var chargeID sql.NullString
	err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &o.RefundedCents, &o.Currency, &chargeID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return billing.Order{}, err
	}
	o.Status = billing.OrderStatus(status)
	o.ProviderChargeID = chargeID.String
	return o, nil
}

func scanSubscription(row rowScanner) (billing.Subscription, error) {
	var sub billing.Subscription
	var status string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Plan, &status, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return billing.Subscription{}, err
	}
	sub.Status = billing.SubscriptionStatus(status)
	return sub, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *billing.Order) error {
	_, err := s.db.ExecContext(ctx, `
		insert into orders (id, user_id, status, total_cents, refunded_cents, currency, provider_charge_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, o.ID, o.UserID, string(o.Status), o.TotalCents, o.RefundedCents, o.Currency,
		nullIfEmpty(o.ProviderChargeID), o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (billing.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`select `+orderColumns+` from orders where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Order{}, billing.ErrNotFound
	}
	return o, err
}

func (s *Store) GetOrderByChargeID(ctx context.Context, chargeID string) (billing.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`select `+orderColumns+` from orders where provider_charge_id = $1`, chargeID))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Order{}, billing.ErrNotFound
	}
	return o, err
}

func (s *Store) ListOrders(ctx context.Context, f billing.OrderFilter) ([]billing.Order, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, f.UserID)
		idx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	cond := ""
	if len(where) > 0 {
		cond = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from orders`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`select `+orderColumns+` from orders%s order by created_at desc limit $%d offset $%d`, cond, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []billing.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *Store) UpdateOrderRefund(ctx context.Context, id string, refundedCents int64, status billing.OrderStatus) (billing.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `
		update orders set refunded_cents = $1, status = $2, updated_at = now()
		where id = $3
		returning `+orderColumns, refundedCents, string(status), id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Order{}, billing.ErrNotFound
	}
	return o, err
}

func (s *Store) SetOrderStatus(ctx context.Context, id string, status billing.OrderStatus) (billing.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `
		update orders set status = $1, updated_at = now()
		where id = $2
		returning `+orderColumns, string(status), id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Order{}, billing.ErrNotFound
	}
	return o, err
}

func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		insert into subscriptions (id, user_id, plan, status, current_period_end, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.UserID, sub.Plan, string(sub.Status), sub.CurrentPeriodEnd, sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, id string) (billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`select `+subscriptionColumns+` from subscriptions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return sub, err
}

func (s *Store) ListSubscriptions(ctx context.Context, f billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, f.UserID)
		idx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	cond := ""
	if len(where) > 0 {
		cond = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from subscriptions`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`select `+subscriptionColumns+` from subscriptions%s order by created_at desc limit $%d offset $%d`, cond, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (s *Store) SetSubscriptionStatus(ctx context.Context, id string, status billing.SubscriptionStatus) (billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		update subscriptions set status = $1, updated_at = now()
		where id = $2
		returning `+subscriptionColumns, string(status), id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return sub, err
}

// InsertWebhookEvent records a raw provider event. A replayed provider
// event id trips the unique index and reports ErrEventSeen.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev billing.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		insert into webhook_events (id, provider_event_id, type, payload, received_at)
		values ($1, $2, $3, $4, $5)
	`, ev.ID, ev.ProviderEventID, ev.Type, ev.Payload, ev.ReceivedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return billing.ErrEventSeen
		}
		return err
	}
	return nil
}

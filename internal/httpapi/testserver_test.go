package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kassa.app/internal/anomaly"
	"kassa.app/internal/audit"
	"kassa.app/internal/auth"
	"kassa.app/internal/authz"
	"kassa.app/internal/billing"
	"kassa.app/internal/catalog"
	"kassa.app/internal/config"
	"kassa.app/internal/ids"
	"kassa.app/internal/payments"
	"kassa.app/internal/stream"
)

const testPassword = "correct-horse"

// memAuditStore keeps entries in insertion order; newest-first reads
// walk the slice backwards, which matches the created_at DESC ordering
// of the SQL store without depending on distinct timestamps.
type memAuditStore struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func newMemAuditStore() *memAuditStore {
	return &memAuditStore{}
}

func (m *memAuditStore) Insert(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAuditStore) Trail(_ context.Context, table, recordID string, limit int) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.TableName != table || e.RecordID != recordID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memAuditStore) Query(_ context.Context, f audit.QueryFilter) ([]audit.Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []audit.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.CreatedAt.After(f.To) {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Table != "" && e.TableName != f.Table {
			continue
		}
		if len(f.Actions) > 0 {
			found := false
			for _, a := range f.Actions {
				if e.Action == a {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *memAuditStore) DeleteOlderThan(_ context.Context, cutoff time.Time, band []audit.Severity, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inBand := func(s audit.Severity) bool {
		for _, b := range band {
			if s == b {
				return true
			}
		}
		return false
	}
	var kept []audit.Entry
	var deleted int64
	for _, e := range m.entries {
		if deleted < int64(limit) && e.CreatedAt.Before(cutoff) && inBand(e.Severity) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

func (m *memAuditStore) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *memAuditStore) byAction(table string, action audit.Action) []audit.Entry {
	var out []audit.Entry
	for _, e := range m.all() {
		if e.TableName == table && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// security returns the security events with the given event code,
// oldest first.
func (m *memAuditStore) security(event string) []audit.Entry {
	var out []audit.Entry
	for _, e := range m.all() {
		if e.TableName != audit.SecurityTable {
			continue
		}
		if e.Metadata["event"] == event {
			out = append(out, e)
		}
	}
	return out
}

// memUserStore is a map-backed auth.Store. The *Audited methods land
// their entry in the shared audit store, mirroring the transactional
// write of the SQL store so audit queries over HTTP see them.
type memUserStore struct {
	mu       sync.Mutex
	users    map[string]auth.User
	sessions map[string]auth.Session
	audits   *memAuditStore
}

func newMemUserStore(audits *memAuditStore) *memUserStore {
	return &memUserStore{
		users:    make(map[string]auth.User),
		sessions: make(map[string]auth.Session),
		audits:   audits,
	}
}

func (m *memUserStore) CreateUser(_ context.Context, u *auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return auth.ErrEmailTaken
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *memUserStore) GetUser(_ context.Context, id string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (m *memUserStore) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (m *memUserStore) ListUsers(_ context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []auth.User
	for _, u := range m.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.Active != nil && u.Active != *f.Active {
			continue
		}
		if f.Search != "" {
			s := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(u.Email), s) && !strings.Contains(strings.ToLower(u.Name), s) {
				continue
			}
		}
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *memUserStore) applyUpdate(id string, upd auth.UserUpdate) (auth.User, error) {
	u, ok := m.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	if upd.Email != nil {
		for uid, existing := range m.users {
			if uid != id && existing.Email == *upd.Email {
				return auth.User{}, auth.ErrEmailTaken
			}
		}
		u.Email = *upd.Email
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Password != nil {
		u.PasswordHash = *upd.Password
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return u, nil
}

func (m *memUserStore) UpdateUser(_ context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyUpdate(id, upd)
}

func (m *memUserStore) UpdateUserAudited(ctx context.Context, id string, upd auth.UserUpdate, entry audit.Entry) (auth.User, error) {
	m.mu.Lock()
	u, err := m.applyUpdate(id, upd)
	m.mu.Unlock()
	if err != nil {
		return auth.User{}, err
	}
	_ = m.audits.Insert(ctx, entry)
	return u, nil
}

func (m *memUserStore) SetUserActiveAudited(ctx context.Context, id string, active bool, entry audit.Entry) (auth.User, int64, error) {
	m.mu.Lock()
	u, ok := m.users[id]
	if !ok {
		m.mu.Unlock()
		return auth.User{}, 0, auth.ErrNotFound
	}
	u.Active = active
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	var removed int64
	if !active {
		for sid, sess := range m.sessions {
			if sess.UserID == id {
				delete(m.sessions, sid)
				removed++
			}
		}
	}
	m.mu.Unlock()
	_ = m.audits.Insert(ctx, entry)
	return u, removed, nil
}

func (m *memUserStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(m.users, id)
	for sid, sess := range m.sessions {
		if sess.UserID == id {
			delete(m.sessions, sid)
		}
	}
	return nil
}

func (m *memUserStore) CreateSession(_ context.Context, sess *auth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = *sess
	return nil
}

func (m *memUserStore) GetSession(_ context.Context, id string) (auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (m *memUserStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memUserStore) DeleteUserSessions(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for sid, sess := range m.sessions {
		if sess.UserID == userID {
			delete(m.sessions, sid)
			n++
		}
	}
	return n, nil
}

func (m *memUserStore) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for sid, sess := range m.sessions {
		if sess.ExpiresAt.Before(cutoff) {
			delete(m.sessions, sid)
			n++
		}
	}
	return n, nil
}

func (m *memUserStore) CountActiveSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, sess := range m.sessions {
		if sess.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *memUserStore) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.Active = active
	m.users[id] = u
}

func (m *memUserStore) sessionCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			n++
		}
	}
	return n
}

// memCatalogStore is a map-backed catalog.Store. Tag links live in a
// product -> tag-id set map, the shape the product_tags join table has.
type memCatalogStore struct {
	mu       sync.Mutex
	products map[string]catalog.Product
	tags     map[string]catalog.Tag
	links    map[string]map[string]struct{}
}

func newMemCatalogStore() *memCatalogStore {
	return &memCatalogStore{
		products: make(map[string]catalog.Product),
		tags:     make(map[string]catalog.Tag),
		links:    make(map[string]map[string]struct{}),
	}
}

func (m *memCatalogStore) attachTags(p catalog.Product) catalog.Product {
	var tags []catalog.Tag
	for tagID := range m.links[p.ID] {
		if t, ok := m.tags[tagID]; ok {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Slug < tags[j].Slug })
	p.Tags = tags
	return p
}

func (m *memCatalogStore) CreateProduct(_ context.Context, p *catalog.Product, tagIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = *p
	set := make(map[string]struct{}, len(tagIDs))
	for _, id := range tagIDs {
		set[id] = struct{}{}
	}
	m.links[p.ID] = set
	return nil
}

func (m *memCatalogStore) GetProduct(_ context.Context, id string) (catalog.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return m.attachTags(p), nil
}

func (m *memCatalogStore) ListProducts(_ context.Context, f catalog.ProductFilter) ([]catalog.Product, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []catalog.Product
	for _, p := range m.products {
		p = m.attachTags(p)
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		if f.TagSlug != "" {
			found := false
			for _, t := range p.Tags {
				if t.Slug == f.TagSlug {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if f.Search != "" {
			s := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(p.Name), s) && !strings.Contains(strings.ToLower(p.Description), s) {
				continue
			}
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *memCatalogStore) UpdateProduct(_ context.Context, id string, upd catalog.ProductUpdate) (catalog.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Price != nil {
		p.Price = *upd.Price
	}
	if upd.Currency != nil {
		p.Currency = *upd.Currency
	}
	if upd.Active != nil {
		p.Active = *upd.Active
	}
	p.UpdatedAt = time.Now().UTC()
	m.products[id] = p
	return m.attachTags(p), nil
}

func (m *memCatalogStore) DeleteProduct(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(m.products, id)
	delete(m.links, id)
	return nil
}

func (m *memCatalogStore) SetProductTags(_ context.Context, productID string, tagIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return catalog.ErrNotFound
	}
	set := make(map[string]struct{}, len(tagIDs))
	for _, id := range tagIDs {
		set[id] = struct{}{}
	}
	m.links[productID] = set
	return nil
}

func (m *memCatalogStore) CreateTag(_ context.Context, t *catalog.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tags {
		if existing.Slug == t.Slug {
			return catalog.ErrSlugTaken
		}
	}
	m.tags[t.ID] = *t
	return nil
}

func (m *memCatalogStore) GetTag(_ context.Context, id string) (catalog.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[id]
	if !ok {
		return catalog.Tag{}, catalog.ErrNotFound
	}
	return t, nil
}

func (m *memCatalogStore) GetTagsByIDs(_ context.Context, tagIDs []string) ([]catalog.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalog.Tag
	for _, id := range tagIDs {
		if t, ok := m.tags[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memCatalogStore) ListTags(_ context.Context) ([]catalog.TagWithCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalog.TagWithCount
	for id, t := range m.tags {
		count := 0
		for _, set := range m.links {
			if _, ok := set[id]; ok {
				count++
			}
		}
		out = append(out, catalog.TagWithCount{Tag: t, ProductCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *memCatalogStore) UpdateTag(_ context.Context, id string, upd catalog.TagUpdate) (catalog.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[id]
	if !ok {
		return catalog.Tag{}, catalog.ErrNotFound
	}
	if upd.Slug != nil {
		for tid, existing := range m.tags {
			if tid != id && existing.Slug == *upd.Slug {
				return catalog.Tag{}, catalog.ErrSlugTaken
			}
		}
		t.Slug = *upd.Slug
	}
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	t.UpdatedAt = time.Now().UTC()
	m.tags[id] = t
	return t, nil
}

func (m *memCatalogStore) DeleteTag(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(m.tags, id)
	for _, set := range m.links {
		delete(set, id)
	}
	return nil
}

func (m *memCatalogStore) CountProductsWithTag(_ context.Context, tagID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, set := range m.links {
		if _, ok := set[tagID]; ok {
			count++
		}
	}
	return count, nil
}

// memBillingStore is a map-backed billing.Store.
type memBillingStore struct {
	mu       sync.Mutex
	orders   map[string]billing.Order
	byCharge map[string]string
	subs     map[string]billing.Subscription
	events   map[string]billing.WebhookEvent
}

func newMemBillingStore() *memBillingStore {
	return &memBillingStore{
		orders:   make(map[string]billing.Order),
		byCharge: make(map[string]string),
		subs:     make(map[string]billing.Subscription),
		events:   make(map[string]billing.WebhookEvent),
	}
}

func (m *memBillingStore) CreateOrder(_ context.Context, o *billing.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	if o.ProviderChargeID != "" {
		m.byCharge[o.ProviderChargeID] = o.ID
	}
	return nil
}

func (m *memBillingStore) GetOrder(_ context.Context, id string) (billing.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return billing.Order{}, billing.ErrNotFound
	}
	return o, nil
}

func (m *memBillingStore) GetOrderByChargeID(_ context.Context, chargeID string) (billing.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCharge[chargeID]
	if !ok {
		return billing.Order{}, billing.ErrNotFound
	}
	return m.orders[id], nil
}

func (m *memBillingStore) ListOrders(_ context.Context, f billing.OrderFilter) ([]billing.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []billing.Order
	for _, o := range m.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *memBillingStore) UpdateOrderRefund(_ context.Context, id string, refundedCents int64, status billing.OrderStatus) (billing.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return billing.Order{}, billing.ErrNotFound
	}
	o.RefundedCents = refundedCents
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return o, nil
}

func (m *memBillingStore) SetOrderStatus(_ context.Context, id string, status billing.OrderStatus) (billing.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return billing.Order{}, billing.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return o, nil
}

func (m *memBillingStore) CreateSubscription(_ context.Context, sub *billing.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = *sub
	return nil
}

func (m *memBillingStore) GetSubscription(_ context.Context, id string) (billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return sub, nil
}

func (m *memBillingStore) ListSubscriptions(_ context.Context, f billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []billing.Subscription
	for _, sub := range m.subs {
		if f.UserID != "" && sub.UserID != f.UserID {
			continue
		}
		if f.Status != "" && sub.Status != f.Status {
			continue
		}
		all = append(all, sub)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *memBillingStore) SetSubscriptionStatus(_ context.Context, id string, status billing.SubscriptionStatus) (billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return billing.Subscription{}, billing.ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	m.subs[id] = sub
	return sub, nil
}

func (m *memBillingStore) InsertWebhookEvent(_ context.Context, ev billing.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.ProviderEventID == ev.ProviderEventID {
			return billing.ErrEventSeen
		}
	}
	m.events[ev.ID] = ev
	return nil
}

// testServer wires the full HTTP stack onto map-backed stores. Tokens
// and DB stay nil so the degradation paths are what the token and
// readiness tests see.
type testServer struct {
	t        *testing.T
	baseURL  string
	http     *http.Client
	cfg      *config.Config
	users    *memUserStore
	catalog  *memCatalogStore
	billing  *memBillingStore
	audits   *memAuditStore
	provider *payments.InMemoryProvider
	feed     *stream.Broker
	detector *anomaly.Detector
}

func newTestServer(t *testing.T, opts ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Session.BcryptCost = bcrypt.MinCost
	cfg.RateLimit = config.RateLimitConfig{Burst: 1000, PerSecond: 1000}
	cfg.Payments.WebhookSecret = "whsec_test"
	for _, opt := range opts {
		opt(cfg)
	}

	audits := newMemAuditStore()
	feed := stream.New()
	detector := anomaly.New()
	auditLog := audit.NewLogger(audits,
		audit.WithSink(feed.Publish),
		audit.WithSink(detector.Observe))

	users := newMemUserStore(audits)
	authSvc, err := auth.NewService(users, auditLog,
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithBcryptCost(cfg.Session.BcryptCost))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	catalogStore := newMemCatalogStore()
	catalogSvc, err := catalog.NewService(catalogStore, auditLog)
	if err != nil {
		t.Fatalf("catalog service: %v", err)
	}

	billingStore := newMemBillingStore()
	provider := payments.NewInMemoryProvider()
	billingSvc, err := billing.NewService(billingStore, provider, auditLog)
	if err != nil {
		t.Fatalf("billing service: %v", err)
	}

	srv, err := New(Deps{
		Config:  *cfg,
		Auth:    authSvc,
		Catalog: catalogSvc,
		Billing: billingSvc,
		Audit:   auditLog,
		Feed:    feed,
		Anomaly: detector,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testServer{
		t:        t,
		baseURL:  hs.URL,
		http:     hs.Client(),
		cfg:      cfg,
		users:    users,
		catalog:  catalogStore,
		billing:  billingStore,
		audits:   audits,
		provider: provider,
		feed:     feed,
		detector: detector,
	}
}

// seedUser inserts an account directly, bypassing the registration
// endpoint so roles other than CUSTOMER can exist.
func (ts *testServer) seedUser(email string, role authz.Role, active bool) auth.User {
	ts.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		ts.t.Fatalf("hash password: %v", err)
	}
	now := time.Now().UTC()
	u := auth.User{
		ID:           ids.New(ids.PrefixUser),
		Email:        email,
		Name:         strings.Split(email, "@")[0],
		Role:         role,
		Active:       active,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := ts.users.CreateUser(context.Background(), &u); err != nil {
		ts.t.Fatalf("seed user: %v", err)
	}
	return u
}

// client returns an unauthenticated API client against this server.
func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL: ts.baseURL,
		client:  ts.http,
		t:       ts.t,
	}
}

// loginAs logs the seeded account in and primes a CSRF token, returning
// a client ready to mutate.
func (ts *testServer) loginAs(email string) *apiClient {
	ts.t.Helper()
	c := ts.client()
	c.login(email, testPassword)
	return c
}

// apiClient drives the server like a browser would: it carries the
// session cookie and echoes the CSRF cookie into the header on every
// mutating request.
type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	session string
	csrf    string
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: c.session})
	}
	if c.csrf != "" {
		req.AddCookie(&http.Cookie{Name: csrfCookieDev, Value: c.csrf})
		if !isSafeMethod(method) {
			req.Header.Set(csrfHeader, c.csrf)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	c.captureCookies(resp)
	return resp
}

// captureCookies picks up rotated session and CSRF cookies the way a
// browser's cookie jar would.
func (c *apiClient) captureCookies(resp *http.Response) {
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case sessionCookieName:
			if cookie.MaxAge < 0 {
				c.session = ""
			} else {
				c.session = cookie.Value
			}
		case csrfCookieDev:
			c.csrf = cookie.Value
		}
	}
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) put(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPut, path, body, headers)
}

func (c *apiClient) del(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodDelete, path, nil, headers)
}

// register creates a customer account through the API and leaves the
// client logged in with a fresh CSRF token.
func (c *apiClient) register(email, name string) sessionResponse {
	c.t.Helper()
	resp := c.post("/api/auth/register", map[string]any{
		"email":    email,
		"name":     name,
		"password": testPassword,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register status: %d", resp.StatusCode)
	}
	return decode[sessionResponse](c.t, resp)
}

func (c *apiClient) login(email, password string) sessionResponse {
	c.t.Helper()
	resp := c.post("/api/auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	return decode[sessionResponse](c.t, resp)
}

// fetchCSRF pulls a fresh token from the token endpoint and returns the
// body copy.
func (c *apiClient) fetchCSRF() string {
	c.t.Helper()
	resp := c.get("/api/auth/csrf", nil, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("csrf status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](c.t, resp)
	token, _ := body["csrfToken"].(string)
	if token == "" {
		c.t.Fatalf("empty csrf token issued")
	}
	c.csrf = token
	return token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// decodeAPIError reads the standard error body.
func decodeAPIError(t *testing.T, r *http.Response) apiError {
	t.Helper()
	return decode[apiError](t, r)
}

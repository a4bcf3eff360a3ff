// Package catalog manages products and the tags that group them.
// Mutations are audited; deleting a tag that is still in use requires
// an explicit force and is flagged for review.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"kassa.app/internal/audit"
	"kassa.app/internal/ids"
)

const (
	defaultCurrency = "KZT"

	productsTable = "products"
	tagsTable     = "tags"
)

// Store describes persistence operations required by the catalog.
// Implementations map unique-slug violations to ErrSlugTaken and missing
// rows to ErrNotFound. Product reads include tags sorted by slug.
type Store interface {
	CreateProduct(ctx context.Context, p *Product, tagIDs []string) error
	GetProduct(ctx context.Context, id string) (Product, error)
	ListProducts(ctx context.Context, f ProductFilter) ([]Product, int, error)
	UpdateProduct(ctx context.Context, id string, upd ProductUpdate) (Product, error)
	DeleteProduct(ctx context.Context, id string) error
	SetProductTags(ctx context.Context, productID string, tagIDs []string) error

	CreateTag(ctx context.Context, t *Tag) error
	GetTag(ctx context.Context, id string) (Tag, error)
	GetTagsByIDs(ctx context.Context, tagIDs []string) ([]Tag, error)
	ListTags(ctx context.Context) ([]TagWithCount, error)
	UpdateTag(ctx context.Context, id string, upd TagUpdate) (Tag, error)
	DeleteTag(ctx context.Context, id string) error
	CountProductsWithTag(ctx context.Context, tagID string) (int, error)
}

// Service implements catalog operations with audited writes.
type Service struct {
	store Store
	audit *audit.Logger
	now   func() time.Time
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
func NewService(store Store, auditLog *audit.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("catalog: store is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("catalog: audit logger is required")
	}
	svc := &Service{store: store, audit: auditLog, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateProduct creates a product, optionally attached to tags.
func (s *Service) CreateProduct(ctx context.Context, actx audit.Context, in CreateProductInput) (Product, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Product{}, fmt.Errorf("%w: product name is required", ErrInvalidInput)
	}
	if in.Price < 0 {
		return Product{}, fmt.Errorf("%w: price cannot be negative", ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if !validCurrency(currency) {
		return Product{}, fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, in.Currency)
	}
	tagIDs := dedupeStrings(in.TagIDs)
	if len(tagIDs) > 0 {
		tags, err := s.store.GetTagsByIDs(ctx, tagIDs)
		if err != nil {
			return Product{}, err
		}
		if len(tags) != len(tagIDs) {
			return Product{}, fmt.Errorf("%w: unknown tag in %v", ErrNotFound, tagIDs)
		}
	}

	now := s.now().UTC()
	p := Product{
		ID:          ids.New(ids.PrefixProduct),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Price:       in.Price,
		Currency:    currency,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProduct(ctx, &p, tagIDs); err != nil {
		return Product{}, err
	}
	created, err := s.store.GetProduct(ctx, p.ID)
	if err != nil {
		return Product{}, err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    productsTable,
		RecordID: created.ID,
		Action:   audit.ActionCreate,
		New:      created.Record(),
	})
	return created, nil
}

// GetProduct loads one product with its tags.
func (s *Service) GetProduct(ctx context.Context, id string) (Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	return s.store.GetProduct(ctx, id)
}

// ListProducts returns products matching the filter plus the total count.
func (s *Service) ListProducts(ctx context.Context, f ProductFilter) ([]Product, int, error) {
	return s.store.ListProducts(ctx, f.Normalize())
}

// UpdateProduct applies the set fields of upd. An update that changes
// nothing writes nothing.
func (s *Service) UpdateProduct(ctx context.Context, actx audit.Context, id string, upd ProductUpdate) (Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Product{}, fmt.Errorf("%w: product name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Price != nil && *upd.Price < 0 {
		return Product{}, fmt.Errorf("%w: price cannot be negative", ErrInvalidInput)
	}
	if upd.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*upd.Currency))
		if !validCurrency(currency) {
			return Product{}, fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, *upd.Currency)
		}
		upd.Currency = &currency
	}

	old, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return Product{}, err
	}
	updated, err := s.store.UpdateProduct(ctx, id, upd)
	if err != nil {
		return Product{}, err
	}
	changed := audit.ChangedFields(old.Record(), updated.Record())
	if len(changed) == 0 {
		return updated, nil
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    productsTable,
		RecordID: id,
		Action:   audit.ActionUpdate,
		Old:      old.Record(),
		New:      updated.Record(),
		Changed:  changed,
	})
	return updated, nil
}

// SetProductTags replaces the product's tag set.
func (s *Service) SetProductTags(ctx context.Context, actx audit.Context, productID string, tagIDs []string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	tagIDs = dedupeStrings(tagIDs)
	if len(tagIDs) > 0 {
		tags, err := s.store.GetTagsByIDs(ctx, tagIDs)
		if err != nil {
			return Product{}, err
		}
		if len(tags) != len(tagIDs) {
			return Product{}, fmt.Errorf("%w: unknown tag in %v", ErrNotFound, tagIDs)
		}
	}

	old, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	if err := s.store.SetProductTags(ctx, productID, tagIDs); err != nil {
		return Product{}, err
	}
	updated, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	changed := audit.ChangedFields(old.Record(), updated.Record())
	if len(changed) == 0 {
		return updated, nil
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    productsTable,
		RecordID: productID,
		Action:   audit.ActionUpdate,
		Old:      old.Record(),
		New:      updated.Record(),
		Changed:  changed,
	})
	return updated, nil
}

// DeleteProduct removes a product and its tag links.
func (s *Service) DeleteProduct(ctx context.Context, actx audit.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	old, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    productsTable,
		RecordID: id,
		Action:   audit.ActionDelete,
		Severity: audit.SeverityWarn,
		Old:      old.Record(),
	})
	return nil
}

// CreateTag creates a tag; the slug is derived from the name.
func (s *Service) CreateTag(ctx context.Context, actx audit.Context, name string) (Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, fmt.Errorf("%w: tag name is required", ErrInvalidInput)
	}
	slug := slugify(name)
	if slug == "" {
		return Tag{}, fmt.Errorf("%w: tag name %q has no usable characters", ErrInvalidInput, name)
	}

	now := s.now().UTC()
	t := Tag{
		ID:        ids.New(ids.PrefixTag),
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTag(ctx, &t); err != nil {
		return Tag{}, err
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    tagsTable,
		RecordID: t.ID,
		Action:   audit.ActionCreate,
		New:      t.Record(),
	})
	return t, nil
}

// ListTags returns all tags with their product counts.
func (s *Service) ListTags(ctx context.Context) ([]TagWithCount, error) {
	return s.store.ListTags(ctx)
}

// UpdateTag renames a tag, regenerating its slug.
func (s *Service) UpdateTag(ctx context.Context, actx audit.Context, id string, upd TagUpdate) (Tag, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Tag{}, fmt.Errorf("%w: tag id is required", ErrInvalidInput)
	}
	if upd.Name == nil {
		return s.store.GetTag(ctx, id)
	}
	name := strings.TrimSpace(*upd.Name)
	if name == "" {
		return Tag{}, fmt.Errorf("%w: tag name is required", ErrInvalidInput)
	}
	slug := slugify(name)
	if slug == "" {
		return Tag{}, fmt.Errorf("%w: tag name %q has no usable characters", ErrInvalidInput, name)
	}
	upd.Name = &name
	upd.Slug = &slug

	old, err := s.store.GetTag(ctx, id)
	if err != nil {
		return Tag{}, err
	}
	updated, err := s.store.UpdateTag(ctx, id, upd)
	if err != nil {
		return Tag{}, err
	}
	changed := audit.ChangedFields(old.Record(), updated.Record())
	if len(changed) == 0 {
		return updated, nil
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    tagsTable,
		RecordID: id,
		Action:   audit.ActionUpdate,
		Old:      old.Record(),
		New:      updated.Record(),
		Changed:  changed,
	})
	return updated, nil
}

// DeleteTag removes a tag. A tag still attached to products is refused
// unless force is set; forced removal detaches the products and is
// flagged WARN.
func (s *Service) DeleteTag(ctx context.Context, actx audit.Context, id string, force bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: tag id is required", ErrInvalidInput)
	}
	old, err := s.store.GetTag(ctx, id)
	if err != nil {
		return err
	}
	count, err := s.store.CountProductsWithTag(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 && !force {
		return &TagInUseError{TagID: id, Count: count}
	}
	if err := s.store.DeleteTag(ctx, id); err != nil {
		return err
	}

	severity := audit.SeverityInfo
	meta := map[string]any{}
	if count > 0 {
		severity = audit.SeverityWarn
		meta["forced"] = true
		meta["products_detached"] = count
	}
	s.audit.Record(ctx, actx, audit.Record{
		Table:    tagsTable,
		RecordID: id,
		Action:   audit.ActionDelete,
		Severity: severity,
		Old:      old.Record(),
		Metadata: meta,
	})
	return nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

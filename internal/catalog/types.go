package catalog

import "time"

// Product is a sellable item. Price is in minor currency units.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       int64
	Currency    string
	Active      bool
	Tags        []Tag
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Record returns the flat column view used for audit diffs. Tags are
// sorted slugs so the diff stays stable.
func (p Product) Record() map[string]any {
	slugs := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		slugs = append(slugs, t.Slug)
	}
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"price":       p.Price,
		"currency":    p.Currency,
		"active":      p.Active,
		"tags":        slugs,
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
	}
}

// Tag labels products. Slug is derived from the name and unique.
type Tag struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record returns the flat column view used for audit diffs.
func (t Tag) Record() map[string]any {
	return map[string]any{
		"id":         t.ID,
		"name":       t.Name,
		"slug":       t.Slug,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
}

// TagWithCount is a tag plus how many products carry it.
type TagWithCount struct {
	Tag
	ProductCount int
}

// CreateProductInput creates a product. Currency defaults to KZT.
type CreateProductInput struct {
	Name        string
	Description string
	Price       int64
	Currency    string
	TagIDs      []string
}

// ProductUpdate applies only the fields that are set.
type ProductUpdate struct {
	Name        *string
	Description *string
	Price       *int64
	Currency    *string
	Active      *bool
}

// TagUpdate applies only the fields that are set. Slug is filled in by
// the service whenever Name is set.
type TagUpdate struct {
	Name *string
	Slug *string
}

// ProductFilter selects products for listing.
type ProductFilter struct {
	TagSlug string
	Active  *bool
	Search  string
	Limit   int
	Offset  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Normalize clamps pagination to sane bounds.
func (f ProductFilter) Normalize() ProductFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

package httpapi

import (
	"time"

	"kassa.app/internal/auth"
	"kassa.app/internal/billing"
	"kassa.app/internal/catalog"
)

// Wire shapes for domain records. Field names are camelCase across the
// whole API; domain structs stay free of transport concerns.

type userDTO struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toUserDTO(u auth.User) userDTO {
	return userDTO{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      string(u.Role),
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func toUserDTOs(users []auth.User) []userDTO {
	out := make([]userDTO, len(users))
	for i, u := range users {
		out[i] = toUserDTO(u)
	}
	return out
}

type tagDTO struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	ProductCount *int      `json:"productCount,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toTagDTO(t catalog.Tag) tagDTO {
	return tagDTO{
		ID:        t.ID,
		Name:      t.Name,
		Slug:      t.Slug,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func toTagWithCountDTO(t catalog.TagWithCount) tagDTO {
	dto := toTagDTO(t.Tag)
	count := t.ProductCount
	dto.ProductCount = &count
	return dto
}

type productDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	Currency    string    `json:"currency"`
	Active      bool      `json:"active"`
	Tags        []tagDTO  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toProductDTO(p catalog.Product) productDTO {
	tags := make([]tagDTO, len(p.Tags))
	for i, t := range p.Tags {
		tags[i] = toTagDTO(t)
	}
	return productDTO{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Currency:    p.Currency,
		Active:      p.Active,
		Tags:        tags,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toProductDTOs(products []catalog.Product) []productDTO {
	out := make([]productDTO, len(products))
	for i, p := range products {
		out[i] = toProductDTO(p)
	}
	return out
}

type orderDTO struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Status           string    `json:"status"`
	TotalCents       int64     `json:"totalCents"`
	RefundedCents    int64     `json:"refundedCents"`
	Currency         string    `json:"currency"`
	ProviderChargeID string    `json:"providerChargeId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func toOrderDTO(o billing.Order) orderDTO {
	return orderDTO{
		ID:               o.ID,
		UserID:           o.UserID,
		Status:           string(o.Status),
		TotalCents:       o.TotalCents,
		RefundedCents:    o.RefundedCents,
		Currency:         o.Currency,
		ProviderChargeID: o.ProviderChargeID,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func toOrderDTOs(orders []billing.Order) []orderDTO {
	out := make([]orderDTO, len(orders))
	for i, o := range orders {
		out[i] = toOrderDTO(o)
	}
	return out
}

type subscriptionDTO struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Plan             string    `json:"plan"`
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func toSubscriptionDTO(sub billing.Subscription) subscriptionDTO {
	return subscriptionDTO{
		ID:               sub.ID,
		UserID:           sub.UserID,
		Plan:             sub.Plan,
		Status:           string(sub.Status),
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		CreatedAt:        sub.CreatedAt,
		UpdatedAt:        sub.UpdatedAt,
	}
}

func toSubscriptionDTOs(subs []billing.Subscription) []subscriptionDTO {
	out := make([]subscriptionDTO, len(subs))
	for i, sub := range subs {
		out[i] = toSubscriptionDTO(sub)
	}
	return out
}

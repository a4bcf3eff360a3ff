package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"kassa.app/internal/authz"
	"kassa.app/internal/billing"
	"kassa.app/internal/validation"
)

type refundRequest struct {
	AmountCents    int64  `json:"amountCents" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=128"`
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	f := billing.OrderFilter{
		Status: billing.OrderStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	switch {
	case p.HasPermission(authz.PermOrderRead):
		f.UserID = r.URL.Query().Get("userId")
	case p.HasPermission(authz.PermOrderReadOwn):
		// Customers only ever see their own orders.
		f.UserID = p.User.ID
	default:
		s.denyPermission(w, r, p, authz.PermOrderRead)
		return
	}

	orders, total, err := s.billing.ListOrders(r.Context(), f)
	if err != nil {
		s.handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": toOrderDTOs(orders),
		"total": total,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	o, err := s.billing.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleBillingError(w, r, err)
		return
	}
	if !s.checkOwnership(w, r, p, o, authz.ResourceOrder, authz.PermOrderReadOwn) {
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (s *Server) handleRefundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			s.respondError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}

	o, err := s.billing.RefundOrder(r.Context(), s.auditContext(r), chi.URLParam(r, "id"), req.AmountCents, idem)
	if err != nil {
		s.handleBillingError(w, r, err)
		return
	}
	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	f := billing.SubscriptionFilter{
		Status: billing.SubscriptionStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	switch {
	case p.HasPermission(authz.PermSubscriptionRead):
		f.UserID = r.URL.Query().Get("userId")
	case p.HasPermission(authz.PermSubscriptionReadOwn):
		f.UserID = p.User.ID
	default:
		s.denyPermission(w, r, p, authz.PermSubscriptionRead)
		return
	}

	subs, total, err := s.billing.ListSubscriptions(r.Context(), f)
	if err != nil {
		s.handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": toSubscriptionDTOs(subs),
		"total": total,
	})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	sub, err := s.billing.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleBillingError(w, r, err)
		return
	}
	if !s.checkOwnership(w, r, p, sub, authz.ResourceSubscription, authz.PermSubscriptionReadOwn) {
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(sub))
}

// handleCancelSubscription serves both self-service cancellation and
// staff cancellation; the ownership check folds the two permissions.
func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	sub, err := s.billing.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleBillingError(w, r, err)
		return
	}
	if !s.checkOwnership(w, r, p, sub, authz.ResourceSubscription, authz.PermSubscriptionCancelOwn) {
		return
	}

	canceled, err := s.billing.CancelSubscription(r.Context(), s.auditContext(r), sub.ID)
	if err != nil {
		s.handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(canceled))
}

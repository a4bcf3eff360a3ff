package httpapi

import (
	"errors"
	"io"
	"net/http"

	"kassa.app/internal/audit"
	"kassa.app/internal/billing"
)

// handlePaymentWebhook takes gateway deliveries. The raw body is
// HMAC-checked before anything is parsed, and replayed event ids are
// acknowledged without being applied twice.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "could not read request body")
		return
	}

	sig := r.Header.Get(billing.SignatureHeader)
	if !billing.VerifySignature(s.cfg.Payments.WebhookSecret, body, sig) {
		s.securityEvent(r, audit.EventWebhookRejected, "webhook signature mismatch", nil)
		s.respondError(w, r, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	ev, applied, err := s.billing.ProcessWebhook(r.Context(), body)
	if err != nil {
		if errors.Is(err, billing.ErrMalformedEvent) {
			s.respondError(w, r, http.StatusBadRequest, "malformed webhook event")
			return
		}
		// A 5xx keeps the delivery retriable on the gateway side.
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"type":     ev.Type,
		"applied":  applied,
	})
}

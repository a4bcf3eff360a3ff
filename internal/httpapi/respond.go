package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"kassa.app/internal/auth"
	"kassa.app/internal/billing"
	"kassa.app/internal/catalog"
)

// apiError is the single error body every endpoint returns. Code
// repeats the HTTP status so browser clients never have to reach into
// transport metadata. Details carries validation hints in development
// only.
type apiError struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Timestamp string `json:"timestamp"`
	Details   any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	s.respondDetails(w, r, code, msg, nil)
}

func (s *Server) respondDetails(w http.ResponseWriter, r *http.Request, code int, msg string, details any) {
	body := apiError{
		Error:     msg,
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if !s.cfg.IsProduction() {
		body.Details = details
	}
	writeJSON(w, code, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// handleAuthError maps auth sentinels onto the error contract. The
// deactivated-account message is fixed; the frontend matches on it.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		s.respondDetails(w, r, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.respondError(w, r, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, auth.ErrNoSession):
		s.respondError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrAccountDeactivated):
		s.respondError(w, r, http.StatusForbidden, "Account is deactivated")
	case errors.Is(err, auth.ErrEmailTaken):
		s.respondError(w, r, http.StatusConflict, "email is already registered")
	case errors.Is(err, auth.ErrSelfAction):
		s.respondError(w, r, http.StatusBadRequest, "you cannot perform this action on your own account")
	case errors.Is(err, auth.ErrCannotManage), errors.Is(err, auth.ErrForbiddenTransition):
		s.respondError(w, r, http.StatusForbidden, "you cannot manage this account")
	case errors.Is(err, auth.ErrNotFound):
		s.respondError(w, r, http.StatusNotFound, "user not found")
	default:
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCatalogError(w http.ResponseWriter, r *http.Request, err error) {
	var inUse *catalog.TagInUseError
	switch {
	case errors.As(err, &inUse):
		s.respondDetails(w, r, http.StatusBadRequest, inUse.Error(),
			map[string]any{"product_count": inUse.Count})
	case errors.Is(err, catalog.ErrInvalidInput):
		s.respondDetails(w, r, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, catalog.ErrSlugTaken):
		s.respondError(w, r, http.StatusConflict, "a tag with this name already exists")
	case errors.Is(err, catalog.ErrNotFound):
		s.respondError(w, r, http.StatusNotFound, "not found")
	default:
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleBillingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		s.respondDetails(w, r, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, billing.ErrOrderNotRefundable):
		s.respondError(w, r, http.StatusConflict, "order is not in a refundable state")
	case errors.Is(err, billing.ErrRefundExceedsCharge):
		s.respondError(w, r, http.StatusBadRequest, "refund amount exceeds the remaining charge")
	case errors.Is(err, billing.ErrNotFound):
		s.respondError(w, r, http.StatusNotFound, "not found")
	default:
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

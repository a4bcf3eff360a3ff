package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"kassa.app/internal/audit"
	"kassa.app/internal/authz"
	"kassa.app/internal/validation"
)

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
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

	f := audit.QueryFilter{
		ActorID: r.URL.Query().Get("actorId"),
		Table:   r.URL.Query().Get("table"),
		Limit:   limit,
		Offset:  offset,
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, "from must be an RFC3339 timestamp")
			return
		}
		f.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, "to must be an RFC3339 timestamp")
			return
		}
		f.To = t
	}
	if raw := r.URL.Query().Get("action"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				f.Actions = append(f.Actions, audit.Action(strings.ToUpper(a)))
			}
		}
	}

	entries, total, err := s.audit.Query(r.Context(), f)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"total": total,
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.audit.Trail(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "record"), limit)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type cleanupRequest struct {
	RetentionDays         int `json:"retentionDays" validate:"omitempty,gte=1"`
	CriticalRetentionDays int `json:"criticalRetentionDays" validate:"omitempty,gte=1"`
	BatchSize             int `json:"batchSize" validate:"omitempty,gte=1,lte=10000"`
}

// handleAuditCleanup runs a retention sweep on demand. The purge itself
// is audited: removing trail history is exactly the kind of action the
// trail exists to remember.
func (s *Server) handleAuditCleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{
		RetentionDays:         s.cfg.Audit.RetentionDays,
		CriticalRetentionDays: s.cfg.Audit.CriticalRetentionDays,
		BatchSize:             s.cfg.Audit.CleanupBatchSize,
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.respondError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if fields, err := validation.Struct(req); err != nil {
			s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
			return
		}
	}

	deleted, err := s.audit.Cleanup(r.Context(), audit.CleanupPolicy{
		RetentionDays:         req.RetentionDays,
		CriticalRetentionDays: req.CriticalRetentionDays,
		BatchSize:             req.BatchSize,
	})
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit.Record(r.Context(), s.auditContext(r), audit.Record{
		Table:    "audit_logs",
		RecordID: "retention",
		Action:   audit.ActionDelete,
		Severity: audit.SeverityWarn,
		Metadata: map[string]any{
			"deleted":                 deleted,
			"retention_days":          req.RetentionDays,
			"critical_retention_days": req.CriticalRetentionDays,
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type mintTokenRequest struct {
	Subject    string `json:"subject" validate:"required,max=64"`
	Role       string `json:"role" validate:"required,oneof=CUSTOMER SUPPORT ADMIN"`
	TTLMinutes int    `json:"ttlMinutes" validate:"omitempty,gte=1,lte=1440"`
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "service tokens are not enabled")
		return
	}

	var req mintTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}
	role, err := authz.ParseRole(req.Role)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "unknown role")
		return
	}
	ttl := time.Hour
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	raw, expiresAt, err := s.tokens.Mint(r.Context(), req.Subject, role, ttl)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit.Record(r.Context(), s.auditContext(r), audit.Record{
		Table:    "service_tokens",
		RecordID: req.Subject,
		Action:   audit.ActionCreate,
		Severity: audit.SeverityHigh,
		Metadata: map[string]any{
			"role":       string(role),
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     raw,
		"expiresAt": expiresAt.UTC(),
	})
}

func (s *Server) handleSecuritySummary(w http.ResponseWriter, r *http.Request) {
	if s.anomaly == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "anomaly detection is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.anomaly.Summary())
}

// handleEvents streams audit entries over Server-Sent Events, starting
// with the broker's replay ring so a dashboard joining late still has
// context.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "event streaming is not enabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.feed.Subscribe(r.Context())

	// Establish the stream, then replay before going live.
	_, _ = w.Write([]byte(": stream started\n\n"))
	for _, e := range s.feed.Recent() {
		writeSSE(w, e)
	}
	flusher.Flush()

	for e := range ch {
		writeSSE(w, e)
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, e audit.Entry) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

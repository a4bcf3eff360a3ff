// Package httpapi is the HTTP boundary: routing, session resolution,
// CSRF, permission guards, and the error contract. Handlers stay thin;
// domain rules live in the services.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kassa.app/internal/anomaly"
	"kassa.app/internal/auth"
	"kassa.app/internal/authz"
	"kassa.app/internal/billing"
	"kassa.app/internal/catalog"
	"kassa.app/internal/config"
	"kassa.app/internal/obs"
	"kassa.app/internal/stream"
	"kassa.app/internal/token"

	auditpkg "kassa.app/internal/audit"
)

// Deps are the collaborators the HTTP layer serves. Tokens, Feed,
// Anomaly and DB are optional; the matching endpoints degrade when
// absent.
type Deps struct {
	Config  config.Config
	Auth    *auth.Service
	Catalog *catalog.Service
	Billing *billing.Service
	Audit   *auditpkg.Logger
	Tokens  *token.Service
	Feed    *stream.Broker
	Anomaly *anomaly.Detector
	DB      *sql.DB
	Version string
}

// Server is the HTTP layer.
type Server struct {
	cfg     config.Config
	auth    *auth.Service
	catalog *catalog.Service
	billing *billing.Service
	audit   *auditpkg.Logger
	tokens  *token.Service
	feed    *stream.Broker
	anomaly *anomaly.Detector
	db      *sql.DB
	version string
	limiter *ipLimiter
}

func New(d Deps) (*Server, error) {
	if d.Auth == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	if d.Catalog == nil {
		return nil, errors.New("httpapi: catalog service is required")
	}
	if d.Billing == nil {
		return nil, errors.New("httpapi: billing service is required")
	}
	if d.Audit == nil {
		return nil, errors.New("httpapi: audit logger is required")
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		cfg:     d.Config,
		auth:    d.Auth,
		catalog: d.Catalog,
		billing: d.Billing,
		audit:   d.Audit,
		tokens:  d.Tokens,
		feed:    d.Feed,
		anomaly: d.Anomaly,
		db:      d.DB,
		version: version,
		limiter: newIPLimiter(d.Config.RateLimit.Burst, d.Config.RateLimit.PerSecond),
	}, nil
}

// Handler builds the router. Every /api request passes request id,
// logging, metrics, recovery, CSRF, and session resolution; permission
// guards sit per route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(logRequests)
	r.Use(obs.Instrument)
	r.Use(s.recoverPanics)
	r.Use(securityHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/metrics", obs.Handler().ServeHTTP)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.csrfGuard)
		api.Use(s.resolveSession)

		api.Get("/health", s.handleHealth)
		api.Get("/ready", s.handleReady)

		api.Route("/auth", func(ar chi.Router) {
			ar.Use(s.rateLimit)
			ar.Post("/register", s.handleRegister)
			ar.Post("/login", s.handleLogin)
			ar.Post("/logout", s.handleLogout)
			ar.Get("/session", s.handleSession)
			ar.Get("/csrf", s.handleCSRFToken)
		})

		api.Post("/webhooks/payments", s.handlePaymentWebhook)

		// Storefront reads are public.
		api.Get("/products", s.handleListProducts)
		api.Get("/products/{id}", s.handleGetProduct)

		api.With(s.requirePermission(authz.PermProductWrite)).Post("/products", s.handleCreateProduct)
		api.With(s.requirePermission(authz.PermProductWrite)).Put("/products/{id}", s.handleUpdateProduct)
		api.With(s.requirePermission(authz.PermProductWrite)).Put("/products/{id}/tags", s.handleSetProductTags)
		api.With(s.requirePermission(authz.PermProductDelete)).Delete("/products/{id}", s.handleDeleteProduct)

		api.With(s.requirePermission(authz.PermTagRead)).Get("/tags", s.handleListTags)
		api.With(s.requirePermission(authz.PermTagWrite)).Post("/tags", s.handleCreateTag)
		api.With(s.requirePermission(authz.PermTagWrite)).Put("/tags/{id}", s.handleUpdateTag)
		api.With(s.requirePermission(authz.PermTagDelete)).Delete("/tags/{id}", s.handleDeleteTag)

		api.Route("/users", func(ur chi.Router) {
			ur.With(s.requirePermission(authz.PermUserRead)).Get("/", s.handleListUsers)
			ur.With(s.requirePermission(authz.PermUserWrite)).Post("/", s.handleCreateUser)
			ur.Get("/{id}", s.handleGetUser)
			ur.Put("/{id}", s.handleUpdateUser)
			ur.With(s.requirePermission(authz.PermUserDelete)).Delete("/{id}", s.handleDeleteUser)
			ur.With(s.requirePermission(authz.PermUserWrite)).Post("/{id}/activate", s.handleActivateUser)
			ur.With(s.requirePermission(authz.PermUserWrite)).Post("/{id}/deactivate", s.handleDeactivateUser)
		})

		api.Route("/orders", func(or chi.Router) {
			or.Get("/", s.handleListOrders)
			or.Get("/{id}", s.handleGetOrder)
			or.With(s.requirePermission(authz.PermOrderRefund)).Post("/{id}/refund", s.handleRefundOrder)
		})

		api.Route("/subscriptions", func(sr chi.Router) {
			sr.Get("/", s.handleListSubscriptions)
			sr.Get("/{id}", s.handleGetSubscription)
			sr.Post("/{id}/cancel", s.handleCancelSubscription)
		})

		api.Route("/audit", func(adr chi.Router) {
			adr.Use(s.requirePermission(authz.PermAuditRead))
			adr.Get("/", s.handleQueryAudit)
			adr.Get("/{table}/{record}", s.handleAuditTrail)
		})

		api.Route("/admin", func(mr chi.Router) {
			mr.With(s.requirePermission(authz.PermAuditPurge)).Post("/audit/cleanup", s.handleAuditCleanup)
			mr.With(s.requirePermission(authz.PermTokenWrite)).Post("/tokens", s.handleMintToken)
			mr.With(s.requirePermission(authz.PermAuditRead)).Get("/security/summary", s.handleSecuritySummary)
			mr.With(s.requirePermission(authz.PermAuditRead)).Get("/events", s.handleEvents)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "kassa-api",
		"version": s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		s.respondError(w, r, http.StatusNotFound, "service tokens are not enabled")
		return
	}
	body, err := s.tokens.JWKS(r.Context())
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

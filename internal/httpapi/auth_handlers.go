package httpapi

import (
	"net/http"
	"time"

	"kassa.app/internal/auth"
	"kassa.app/internal/validation"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	User      userDTO   `json:"user"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	u, started, err := s.auth.Register(r.Context(), s.auditContext(r), auth.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}

	s.setSessionCookie(w, started)
	_, _ = s.issueCSRFCookie(w, time.Now().UTC())

	w.Header().Set("Location", "/api/users/"+u.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{
		User:      toUserDTO(u),
		ExpiresAt: started.ExpiresAt,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	u, started, err := s.auth.Login(r.Context(), s.auditContext(r), req.Email, req.Password)
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}

	// A fresh session gets a fresh CSRF token so the client can mutate
	// immediately after login.
	s.setSessionCookie(w, started)
	_, _ = s.issueCSRFCookie(w, time.Now().UTC())

	writeJSON(w, http.StatusOK, sessionResponse{
		User:      toUserDTO(u),
		ExpiresAt: started.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	if err := s.auth.Logout(r.Context(), s.auditContext(r)); err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{User: toUserDTO(p.User)})
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	token, err := s.issueCSRFCookie(w, now)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrfToken": token,
		"expiresAt": now.Add(s.cfg.CSRF.TokenTTL).UTC(),
	})
}

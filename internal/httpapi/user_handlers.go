package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"kassa.app/internal/auth"
	"kassa.app/internal/authz"
	"kassa.app/internal/validation"
)

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Role     string `json:"role" validate:"required,oneof=CUSTOMER SUPPORT ADMIN"`
}

type updateUserRequest struct {
	Email    *string `json:"email" validate:"omitempty,email"`
	Name     *string `json:"name" validate:"omitempty,max=100"`
	Password *string `json:"password" validate:"omitempty,min=8,max=128"`
	Role     *string `json:"role" validate:"omitempty,oneof=CUSTOMER SUPPORT ADMIN"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
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

	f := auth.UserFilter{
		Role:   authz.Role(r.URL.Query().Get("role")),
		Search: r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active := raw == "true"
		f.Active = &active
	}

	users, total, err := s.auth.ListUsers(r.Context(), f)
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": toUserDTOs(users),
		"total": total,
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
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

	u, err := s.auth.CreateUser(r.Context(), s.auditContext(r), auth.CreateUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Role:     role,
	})
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/users/"+u.ID)
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	// The user's owner field is its own id, so the check needs no fetch.
	if !s.checkOwnership(w, r, p, map[string]any{"id": id}, authz.ResourceUser, authz.PermUserReadOwn) {
		return
	}

	u, err := s.auth.GetUser(r.Context(), id)
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if !s.checkOwnership(w, r, p, map[string]any{"id": id}, authz.ResourceUser, authz.PermUserWriteOwn) {
		return
	}

	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	upd := auth.UserUpdate{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	}
	if req.Role != nil {
		role, err := authz.ParseRole(*req.Role)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, "unknown role")
			return
		}
		upd.Role = &role
	}

	u, err := s.auth.UpdateUser(r.Context(), s.auditContext(r), id, upd)
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.DeleteUser(r.Context(), s.auditContext(r), chi.URLParam(r, "id")); err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.auth.ActivateUser(r.Context(), s.auditContext(r), chi.URLParam(r, "id"))
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.auth.DeactivateUser(r.Context(), s.auditContext(r), chi.URLParam(r, "id"))
	if err != nil {
		s.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"kassa.app/internal/authz"
	"kassa.app/internal/catalog"
	"kassa.app/internal/validation"
)

type createProductRequest struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=2000"`
	Price       int64    `json:"price" validate:"gte=0"`
	Currency    string   `json:"currency" validate:"omitempty,len=3"`
	TagIDs      []string `json:"tagIds"`
}

type updateProductRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=200"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	Price       *int64  `json:"price" validate:"omitempty,gte=0"`
	Currency    *string `json:"currency" validate:"omitempty,len=3"`
	Active      *bool   `json:"active"`
}

type setProductTagsRequest struct {
	TagIDs []string `json:"tagIds"`
}

type tagRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// staffView reports whether the requester may see inactive products.
func (s *Server) staffView(r *http.Request) bool {
	p, ok := s.principal(r)
	return ok && p.HasPermission(authz.PermProductWrite)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
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

	f := catalog.ProductFilter{
		TagSlug: r.URL.Query().Get("tag"),
		Search:  r.URL.Query().Get("q"),
		Limit:   limit,
		Offset:  offset,
	}
	if s.staffView(r) {
		if raw := r.URL.Query().Get("active"); raw != "" {
			active := raw == "true"
			f.Active = &active
		}
	} else {
		// The storefront never lists drafts or retired products.
		active := true
		f.Active = &active
	}

	products, total, err := s.catalog.ListProducts(r.Context(), f)
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": toProductDTOs(products),
		"total": total,
	})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	if !p.Active && !s.staffView(r) {
		s.respondError(w, r, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	p, err := s.catalog.CreateProduct(r.Context(), s.auditContext(r), catalog.CreateProductInput{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Currency:    req.Currency,
		TagIDs:      req.TagIDs,
	})
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/products/"+p.ID)
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req updateProductRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	p, err := s.catalog.UpdateProduct(r.Context(), s.auditContext(r), chi.URLParam(r, "id"), catalog.ProductUpdate{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Currency:    req.Currency,
		Active:      req.Active,
	})
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

func (s *Server) handleSetProductTags(w http.ResponseWriter, r *http.Request) {
	var req setProductTagsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.catalog.SetProductTags(r.Context(), s.auditContext(r), chi.URLParam(r, "id"), req.TagIDs)
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteProduct(r.Context(), s.auditContext(r), chi.URLParam(r, "id")); err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.catalog.ListTags(r.Context())
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	items := make([]tagDTO, len(tags))
	for i, t := range tags {
		items[i] = toTagWithCountDTO(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	t, err := s.catalog.CreateTag(r.Context(), s.auditContext(r), req.Name)
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/tags/"+t.ID)
	writeJSON(w, http.StatusCreated, toTagDTO(t))
}

func (s *Server) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if fields, err := validation.Struct(req); err != nil {
		s.respondDetails(w, r, http.StatusBadRequest, "validation failed", fields)
		return
	}

	t, err := s.catalog.UpdateTag(r.Context(), s.auditContext(r), chi.URLParam(r, "id"), catalog.TagUpdate{Name: &req.Name})
	if err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTagDTO(t))
}

// handleDeleteTag refuses to drop a tag that products still use unless
// the caller passes ?force=true; the forced path detaches everything
// and leaves a WARN audit entry with the detach count.
func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.catalog.DeleteTag(r.Context(), s.auditContext(r), chi.URLParam(r, "id"), force); err != nil {
		s.handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

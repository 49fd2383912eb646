package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tobira-shop/storefront/internal/platform/httpx"
	"github.com/tobira-shop/storefront/internal/services"
)

// CatalogHandlers exposes the storefront's read-only product views.
type CatalogHandlers struct {
	catalog *services.CatalogService
}

// NewCatalogHandlers constructs the catalog endpoints.
func NewCatalogHandlers(catalog *services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

// Routes wires the catalog endpoints onto the provided router.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/product/{id}", h.getProduct)
}

func (h *CatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	products, err := h.catalog.ListProducts(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	detail, err := h.catalog.GetProduct(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, detail)
}

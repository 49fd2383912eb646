package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tobira-shop/storefront/internal/platform/httpx"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/services"
)

// CartHandlers exposes the session cart.
type CartHandlers struct {
	carts    *services.CartService
	sessions *session.Manager
}

// NewCartHandlers constructs the cart endpoints.
func NewCartHandlers(carts *services.CartService, sessions *session.Manager) *CartHandlers {
	return &CartHandlers{carts: carts, sessions: sessions}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Post("/", h.postCart)
}

type cartView struct {
	Items    []cartItemView `json:"items"`
	Subtotal int64          `json:"subtotal"`
}

type cartItemView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Recurring bool   `json:"recurring"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCartView(handle))
}

// postCart mutates one cart line from a form submission. An absent
// quantity field increments; quantity 0 removes.
func (h *CartHandlers) postCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed form body", http.StatusBadRequest))
		return
	}
	itemID := strings.TrimSpace(r.PostFormValue("item"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item is required", http.StatusBadRequest))
		return
	}

	// A submitted-but-empty quantity is an explicit zero: forms clear a line
	// by blanking the field. Only an absent field means increment.
	var quantity *int64
	if _, present := r.PostForm["quantity"]; present {
		parsed := int64(0)
		if raw := strings.TrimSpace(r.PostFormValue("quantity")); raw != "" {
			var err error
			parsed, err = strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must be a non-negative integer", http.StatusBadRequest))
				return
			}
		}
		quantity = &parsed
	}

	added, err := h.carts.AddOrSet(ctx, &handle.Data, itemID, quantity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if err := h.sessions.Save(ctx, handle); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	view := buildCartView(handle)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"added":    added,
		"items":    view.Items,
		"subtotal": view.Subtotal,
	})
}

func buildCartView(handle *session.Handle) cartView {
	view := cartView{Items: []cartItemView{}}
	for id, qty := range handle.Data.Cart {
		if qty <= 0 {
			continue
		}
		meta := handle.Data.Meta[id]
		view.Items = append(view.Items, cartItemView{
			ID:        id,
			Name:      meta.Name,
			Quantity:  qty,
			UnitPrice: meta.UnitPrice,
			Recurring: meta.Recurring(),
		})
	}
	view.Subtotal = handle.Data.Cart.Subtotal(handle.Data.Meta)
	return view
}

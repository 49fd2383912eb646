package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/platform/httpx"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/services"
)

// CheckoutHandlers drives the one-time purchase flow.
type CheckoutHandlers struct {
	checkout *services.CheckoutService
	sessions *session.Manager
}

// NewCheckoutHandlers constructs the checkout endpoints.
func NewCheckoutHandlers(checkout *services.CheckoutService, sessions *session.Manager) *CheckoutHandlers {
	return &CheckoutHandlers{checkout: checkout, sessions: sessions}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCheckout)
	r.Post("/", h.postCheckout)
	r.Get("/pay", h.pay)
	r.Get("/success", h.success)
	r.Get("/cancel", h.cancel)
}

func (h *CheckoutHandlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"cart":     buildCartView(handle),
		"shipping": handle.Data.Shipping,
		"email":    handle.Data.Email,
	})
}

// postCheckout takes the shipping form, runs the checkout state machine and
// reports either the re-render flags or the payment redirect.
func (h *CheckoutHandlers) postCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed form body", http.StatusBadRequest))
		return
	}
	form := shippingFormFromRequest(r)

	result, err := h.checkout.Begin(ctx, &handle.Data, form)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if result.InvalidAddress {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"invalidAddress": true})
		return
	}
	if err := h.sessions.Save(ctx, handle); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"addressChanged": result.AddressChanged,
		"redirectUrl":    result.RedirectURL,
		"sessionId":      result.SessionID,
	})
}

// pay re-runs the state machine from the stored shipping details and sends
// the browser straight to the hosted payment page.
func (h *CheckoutHandlers) pay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	if handle.Data.Shipping == nil || handle.Data.Email == "" {
		httpx.WriteError(ctx, w, httpx.NewError("missing_shipping", "complete the shipping form first", http.StatusBadRequest))
		return
	}
	form := services.ShippingForm{
		Name:    handle.Data.Shipping.Name,
		Email:   handle.Data.Email,
		Address: handle.Data.Shipping.Address,
	}
	result, err := h.checkout.Begin(ctx, &handle.Data, form)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if result.InvalidAddress {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_address", "stored shipping address is no longer verifiable", http.StatusBadRequest))
		return
	}
	if err := h.sessions.Save(ctx, handle); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusSeeOther)
}

func (h *CheckoutHandlers) success(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	handle.Data.ClearCheckout()
	if err := h.sessions.Save(ctx, handle); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "complete"})
}

func (h *CheckoutHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	// The cart survives a cancelled payment.
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func shippingFormFromRequest(r *http.Request) services.ShippingForm {
	return services.ShippingForm{
		Name:  strings.TrimSpace(r.PostFormValue("name")),
		Email: strings.TrimSpace(r.PostFormValue("email")),
		Address: domain.Address{
			Line1:      strings.TrimSpace(r.PostFormValue("line1")),
			Line2:      strings.TrimSpace(r.PostFormValue("line2")),
			City:       strings.TrimSpace(r.PostFormValue("city")),
			State:      strings.TrimSpace(r.PostFormValue("state")),
			PostalCode: strings.TrimSpace(r.PostFormValue("postal_code")),
			Country:    strings.TrimSpace(r.PostFormValue("country")),
		},
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tobira-shop/storefront/internal/platform/httpx"
	"github.com/tobira-shop/storefront/internal/services"
)

// BillingHandlers exposes the passwordless billing self-service flows.
type BillingHandlers struct {
	billing *services.BillingService
}

// NewBillingHandlers constructs the billing endpoints.
func NewBillingHandlers(billing *services.BillingService) *BillingHandlers {
	return &BillingHandlers{billing: billing}
}

// Routes wires the /billing endpoints onto the provided router.
func (h *BillingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/manage", h.requestAccess)
	r.Get("/manage", h.manage)
	r.Get("/update", h.checkToken)
	r.Post("/update", h.updateCard)
}

// requestAccess mails a sign-in link. The response does not reveal whether
// the email matches a customer.
func (h *BillingHandlers) requestAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed form body", http.StatusBadRequest))
		return
	}
	if err := h.billing.RequestAccess(ctx, r.PostFormValue("email")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sent": true})
}

// manage exchanges a valid token for emailed portal links. Expired and
// invalid tokens re-prompt for email instead of granting access.
func (h *BillingHandlers) manage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.billing.SendPortalLinks(ctx, email); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sent": true})
}

// checkToken validates the token ahead of the card form so the client can
// re-prompt for email before collecting payment details.
func (h *BillingHandlers) checkToken(w http.ResponseWriter, r *http.Request) {
	email, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"email": email})
}

func (h *BillingHandlers) updateCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed form body", http.StatusBadRequest))
		return
	}
	email, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.billing.UpdateCard(ctx, email, r.PostFormValue("payment_method")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"updated": true})
}

// authenticate verifies the request token and returns the embedded email.
// Token problems are flags for the caller to re-prompt, not errors.
func (h *BillingHandlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(r.PostFormValue("token"))
	}
	email, err := h.billing.VerifyToken(token)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTokenExpired):
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"tokenExpired": true})
		default:
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"tokenInvalid": true})
		}
		return "", false
	}
	return email, true
}

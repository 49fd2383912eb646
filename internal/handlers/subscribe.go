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

// SubscribeHandlers drives the subscription signup sub-states.
type SubscribeHandlers struct {
	subscriptions *services.SubscriptionService
	sessions      *session.Manager
}

// NewSubscribeHandlers constructs the signup endpoints.
func NewSubscribeHandlers(subscriptions *services.SubscriptionService, sessions *session.Manager) *SubscribeHandlers {
	return &SubscribeHandlers{subscriptions: subscriptions, sessions: sessions}
}

// Routes wires the /subscribe endpoints onto the provided router.
func (h *SubscribeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getState)
	r.Post("/", h.selectPlan)
	r.Post("/address", h.setAddress)
	r.Post("/email", h.setEmailAndPay)
}

func (h *SubscribeHandlers) getState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"plan":  handle.Data.Plan,
		"email": handle.Data.Email,
	})
}

func (h *SubscribeHandlers) selectPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed form body", http.StatusBadRequest))
		return
	}
	priceID := strings.TrimSpace(r.PostFormValue("plan"))
	if priceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "plan is required", http.StatusBadRequest))
		return
	}

	plan, err := h.subscriptions.SelectPlan(ctx, &handle.Data, priceID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if err := h.sessions.Save(ctx, handle); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"plan":         plan,
		"needsAddress": plan.Shipped,
	})
}

func (h *SubscribeHandlers) setAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed form body", http.StatusBadRequest))
		return
	}
	name := strings.TrimSpace(r.PostFormValue("name"))
	addr := domain.Address{
		Line1:      strings.TrimSpace(r.PostFormValue("line1")),
		Line2:      strings.TrimSpace(r.PostFormValue("line2")),
		City:       strings.TrimSpace(r.PostFormValue("city")),
		State:      strings.TrimSpace(r.PostFormValue("state")),
		PostalCode: strings.TrimSpace(r.PostFormValue("postal_code")),
		Country:    strings.TrimSpace(r.PostFormValue("country")),
	}

	result, err := h.subscriptions.SetAddress(ctx, &handle.Data, name, addr)
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
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"addressChanged": result.AddressChanged})
}

// setEmailAndPay records the signup email and creates the payment session
// in one step; email is the last sub-state before payment.
func (h *SubscribeHandlers) setEmailAndPay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := sessionHandle(ctx, w)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed form body", http.StatusBadRequest))
		return
	}
	if err := h.subscriptions.SetEmail(ctx, &handle.Data, r.PostFormValue("email")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	result, err := h.subscriptions.Subscribe(ctx, &handle.Data)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if err := h.sessions.Save(ctx, handle); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"redirectUrl": result.RedirectURL,
		"sessionId":   result.SessionID,
	})
}

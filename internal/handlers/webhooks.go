package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/platform/httpx"
	"github.com/tobira-shop/storefront/internal/services"
)

// Webhook payloads carry full session/invoice objects; the platform caps
// events well below this.
const maxWebhookBodySize = 256 * 1024

// WebhookVerifier checks an event signature before any field is trusted.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signatureHeader, secret string) (stripe.Event, error)
}

// WebhookSecrets holds the per-event-type shared secrets.
type WebhookSecrets struct {
	CheckoutCompleted string
	InvoiceCreated    string
}

// WebhookHandlers receives the payment platform's asynchronous events.
// Responses are terse: the event source only cares about the status code,
// and idempotent no-ops must read as success to stop redelivery.
type WebhookHandlers struct {
	verifier    WebhookVerifier
	fulfillment *services.FulfillmentService
	secrets     WebhookSecrets
}

// NewWebhookHandlers constructs the webhook endpoints.
func NewWebhookHandlers(verifier WebhookVerifier, fulfillment *services.FulfillmentService, secrets WebhookSecrets) *WebhookHandlers {
	return &WebhookHandlers{verifier: verifier, fulfillment: fulfillment, secrets: secrets}
}

// Routes wires the webhook endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout-completed", h.checkoutCompleted)
	r.Post("/invoice-created", h.invoiceCreated)
}

func (h *WebhookHandlers) checkoutCompleted(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.secrets.CheckoutCompleted, h.fulfillment.HandleCheckoutCompleted)
}

func (h *WebhookHandlers) invoiceCreated(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.secrets.InvoiceCreated, h.fulfillment.HandleInvoiceCreated)
}

func (h *WebhookHandlers) handle(w http.ResponseWriter, r *http.Request, secret string, process func(context.Context, stripe.Event) error) {
	ctx := r.Context()
	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "could not read event payload", http.StatusBadRequest))
		return
	}
	event, err := h.verifier.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"), secret)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "event signature verification failed", http.StatusBadRequest))
		return
	}
	if err := process(ctx, event); err != nil {
		// Non-2xx makes the event source retry; handler errors here are
		// upstream failures worth retrying.
		httpx.WriteError(ctx, w, httpx.NewError("processing_failed", "event processing failed", http.StatusBadGateway))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

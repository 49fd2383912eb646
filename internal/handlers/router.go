package handlers

import (
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tobira-shop/storefront/internal/platform/observability"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/services"
)

// RouterDeps collects everything the HTTP surface needs.
type RouterDeps struct {
	Logger   *zap.Logger
	Sessions *session.Manager

	Catalog       *services.CatalogService
	Carts         *services.CartService
	Checkout      *services.CheckoutService
	Subscriptions *services.SubscriptionService
	Billing       *services.BillingService
	Fulfillment   *services.FulfillmentService

	WebhookVerifier WebhookVerifier
	WebhookSecrets  WebhookSecrets

	// PathPrefix mounts the storefront under a sub-path, e.g. "/shop".
	PathPrefix string
}

// NewRouter assembles the full storefront router. Browser routes carry the
// session middleware; webhook routes do not, they authenticate by event
// signature instead.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogging(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", Healthz)

	prefix := normalizePrefix(deps.PathPrefix)
	mount := func(fn func(chi.Router)) {
		if prefix == "/" {
			fn(r)
			return
		}
		r.Route(prefix, fn)
	}
	mount(func(shop chi.Router) {
		shop.Group(func(browser chi.Router) {
			browser.Use(deps.Sessions.Middleware())

			NewCatalogHandlers(deps.Catalog).Routes(browser)
			browser.Route("/cart", NewCartHandlers(deps.Carts, deps.Sessions).Routes)
			browser.Route("/checkout", NewCheckoutHandlers(deps.Checkout, deps.Sessions).Routes)
			browser.Route("/subscribe", NewSubscribeHandlers(deps.Subscriptions, deps.Sessions).Routes)
			browser.Route("/billing", NewBillingHandlers(deps.Billing).Routes)
		})

		shop.Route("/webhooks", NewWebhookHandlers(deps.WebhookVerifier, deps.Fulfillment, deps.WebhookSecrets).Routes)
	})

	return r
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}

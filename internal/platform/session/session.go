package session

import (
	"context"
	"errors"
	"time"

	"github.com/tobira-shop/storefront/internal/domain"
)

// DefaultTTL is the default duration a browser session is retained.
const DefaultTTL = 72 * time.Hour

// ErrNotFound is returned when no live session exists for an id.
var ErrNotFound = errors.New("session: not found")

// Data is the per-browser-session state. Every field has a defined
// read/write contract: Cart and Meta are mutated together by the cart
// operations, Plan tracks an in-progress subscription signup, Shipping and
// Email are set by the checkout forms, and PaymentSessionID records the
// last created payment session.
type Data struct {
	Cart             domain.Cart                    `json:"cart,omitempty"`
	Meta             map[string]domain.LineItemMeta `json:"meta,omitempty"`
	Plan             *domain.PlanSelection          `json:"plan,omitempty"`
	Shipping         *domain.ShippingInfo           `json:"shipping,omitempty"`
	Email            string                         `json:"email,omitempty"`
	PaymentSessionID string                         `json:"paymentSessionId,omitempty"`
}

// EnsureCart initialises the cart maps in place.
func (d *Data) EnsureCart() {
	if d.Cart == nil {
		d.Cart = domain.Cart{}
	}
	if d.Meta == nil {
		d.Meta = map[string]domain.LineItemMeta{}
	}
}

// ClearCheckout drops all checkout-scoped state after a successful payment.
func (d *Data) ClearCheckout() {
	d.Cart = nil
	d.Meta = nil
	d.Plan = nil
	d.Shipping = nil
	d.PaymentSessionID = ""
}

// Store persists session data keyed by session id.
type Store interface {
	Get(ctx context.Context, id string) (Data, error)
	Put(ctx context.Context, id string, data Data, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

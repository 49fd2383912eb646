package shipping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tobira-shop/storefront/internal/domain"
)

var (
	// ErrNoRatesAvailable indicates a backend returned an empty candidate
	// rate list; the cheapest of an empty set is undefined and callers must
	// surface a user-facing error rather than fault.
	ErrNoRatesAvailable = errors.New("shipping: no rates available")
	// ErrUnknownBackend indicates configuration named a backend that was
	// never registered.
	ErrUnknownBackend = errors.New("shipping: unknown backend")
	// ErrInternationalNotSupported indicates the backend only ships
	// domestically.
	ErrInternationalNotSupported = errors.New("shipping: international delivery not supported")
)

// Quote is a priced shipping estimate plus the context a backend needs to
// complete the purchase later. The metadata must survive a round trip
// through the payment platform's flat string store, potentially days after
// quoting.
type Quote struct {
	AmountCents int64
	Metadata    map[string]string
}

// Purchase is the outcome of buying a shipment.
type Purchase struct {
	LabelURL    string
	TrackingURL string
}

// Backend is the capability contract each shipping provider implements.
type Backend interface {
	// Name returns the registry key for this backend.
	Name() string
	// QuoteRate estimates the cheapest rate for the given items. It must not
	// purchase anything.
	QuoteRate(ctx context.Context, items []domain.ProductQuantity, dest domain.ShippingInfo) (Quote, error)
	// BuyShipment completes a previously quoted shipment from its metadata.
	// Backends that cannot guarantee at-most-once purchase rely on the
	// caller's completion marker.
	BuyShipment(ctx context.Context, meta map[string]string) (Purchase, error)
	// ShipmentExists reports whether a shipment reference was already
	// purchased, with its tracking URL when available.
	ShipmentExists(ctx context.Context, ref string) (bool, string, error)
}

// PriceSource resolves a product's unit price for customs declarations and
// fulfilment payloads.
type PriceSource interface {
	UnitPriceCents(ctx context.Context, productID string) (int64, error)
}

// Notifier alerts a human operator about degraded-but-not-fatal conditions,
// such as products missing the physical metadata a backend needs.
type Notifier interface {
	NotifyOperator(ctx context.Context, subject, message string) error
}

// NopNotifier discards operator notifications.
type NopNotifier struct{}

// NotifyOperator implements the Notifier interface.
func (NopNotifier) NotifyOperator(context.Context, string, string) error { return nil }

// Registry resolves configured backend names to implementations. All
// backends are registered once at startup; there is no dynamic loading.
type Registry struct {
	backends       map[string]Backend
	defaultBackend string
}

// NewRegistry constructs a Registry over the supplied backends.
func NewRegistry(defaultBackend string, backends ...Backend) (*Registry, error) {
	if len(backends) == 0 {
		return nil, errors.New("shipping: at least one backend is required")
	}
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		if b == nil {
			return nil, errors.New("shipping: nil backend registration")
		}
		key := strings.ToLower(strings.TrimSpace(b.Name()))
		if key == "" {
			return nil, errors.New("shipping: backend with empty name")
		}
		byName[key] = b
	}
	def := strings.ToLower(strings.TrimSpace(defaultBackend))
	if _, ok := byName[def]; !ok {
		return nil, fmt.Errorf("shipping: default backend %q: %w", defaultBackend, ErrUnknownBackend)
	}
	return &Registry{backends: byName, defaultBackend: def}, nil
}

// Resolve returns the named backend, or the default when name is empty.
func (r *Registry) Resolve(name string) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = r.defaultBackend
	}
	backend, ok := r.backends[key]
	if !ok {
		return nil, fmt.Errorf("shipping: backend %q: %w", name, ErrUnknownBackend)
	}
	return backend, nil
}

// Default returns the configured default backend.
func (r *Registry) Default() Backend {
	return r.backends[r.defaultBackend]
}

// DefaultName returns the default backend's registry key.
func (r *Registry) DefaultName() string {
	return r.defaultBackend
}

package shipping

import (
	"context"
	"errors"
	"testing"

	"github.com/tobira-shop/storefront/internal/domain"
)

type stubBackend struct {
	name          string
	quoteFunc     func(ctx context.Context, items []domain.ProductQuantity, dest domain.ShippingInfo) (Quote, error)
	buyFunc       func(ctx context.Context, meta map[string]string) (Purchase, error)
	existsFunc    func(ctx context.Context, ref string) (bool, string, error)
	quoteCalls    int
	buyCalls      int
	existsCalls   int
	lastBoughtRef map[string]string
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) QuoteRate(ctx context.Context, items []domain.ProductQuantity, dest domain.ShippingInfo) (Quote, error) {
	s.quoteCalls++
	if s.quoteFunc != nil {
		return s.quoteFunc(ctx, items, dest)
	}
	return Quote{}, nil
}

func (s *stubBackend) BuyShipment(ctx context.Context, meta map[string]string) (Purchase, error) {
	s.buyCalls++
	s.lastBoughtRef = meta
	if s.buyFunc != nil {
		return s.buyFunc(ctx, meta)
	}
	return Purchase{}, nil
}

func (s *stubBackend) ShipmentExists(ctx context.Context, ref string) (bool, string, error) {
	s.existsCalls++
	if s.existsFunc != nil {
		return s.existsFunc(ctx, ref)
	}
	return false, "", nil
}

func TestNewRegistryRejectsUnknownDefault(t *testing.T) {
	_, err := NewRegistry("missing", &stubBackend{name: "easypost"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestNewRegistryRequiresBackends(t *testing.T) {
	if _, err := NewRegistry("easypost"); err == nil {
		t.Fatalf("expected an error for an empty registry")
	}
}

func TestRegistryResolveEmptyNameUsesDefault(t *testing.T) {
	easypost := &stubBackend{name: "easypost"}
	shipbob := &stubBackend{name: "shipbob"}
	registry, err := NewRegistry("easypost", easypost, shipbob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backend, err := registry.Resolve("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != easypost {
		t.Fatalf("expected the default backend")
	}

	backend, err = registry.Resolve(" ShipBob ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != shipbob {
		t.Fatalf("expected name lookup to be case-insensitive")
	}

	if registry.DefaultName() != "easypost" {
		t.Fatalf("unexpected default name %q", registry.DefaultName())
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	registry, err := NewRegistry("easypost", &stubBackend{name: "easypost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := registry.Resolve("printapi"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

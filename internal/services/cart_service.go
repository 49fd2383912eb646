package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/stripeapi"
)

// legacySKUPrefix marks one-time line items carried over from the old
// catalog identifiers. They resolve through price lookup keys.
const legacySKUPrefix = "sku_"

// CartPriceAPI is the payment-platform surface cart mutation needs.
type CartPriceAPI interface {
	GetPrice(ctx context.Context, id string) (*stripe.Price, error)
	GetPriceByLookupKey(ctx context.Context, key string) (*stripe.Price, error)
}

// CartDeps wires the cart service dependencies.
type CartDeps struct {
	API    CartPriceAPI
	Logger Logger
}

// CartService mutates the session cart. Prices are snapshotted into the
// session at the moment an item is added; upstream price changes do not
// move an already-added line.
type CartService struct {
	api    CartPriceAPI
	logger Logger
}

// NewCartService constructs the service validating dependencies.
func NewCartService(deps CartDeps) (*CartService, error) {
	if deps.API == nil {
		return nil, errors.New("services: cart price api is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &CartService{api: deps.API, logger: logger}, nil
}

// AddOrSet mutates one cart line. A nil quantity increments the line by
// one and reports added=true; an explicit quantity sets it and reports
// added=false; zero deletes the line together with its metadata snapshot.
func (s *CartService) AddOrSet(ctx context.Context, data *session.Data, itemID string, quantity *int64) (bool, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return false, fmt.Errorf("cart item id: %w", ErrNotFound)
	}
	data.EnsureCart()

	added := false
	var qty int64
	if quantity == nil {
		qty = data.Cart[itemID] + 1
		added = true
	} else {
		qty = *quantity
	}

	if qty == 0 {
		delete(data.Cart, itemID)
		delete(data.Meta, itemID)
		s.logger(ctx, "cart.removed", map[string]any{"itemId": itemID})
		return added, nil
	}
	if qty < 0 {
		return false, fmt.Errorf("cart quantity %d for %s is negative", qty, itemID)
	}

	if _, ok := data.Meta[itemID]; !ok {
		meta, err := s.snapshot(ctx, itemID)
		if err != nil {
			return false, err
		}
		data.Meta[itemID] = meta
	}
	data.Cart[itemID] = qty
	s.logger(ctx, "cart.updated", map[string]any{"itemId": itemID, "quantity": qty})
	return added, nil
}

// Subtotal sums the cart against its metadata snapshots.
func (s *CartService) Subtotal(data *session.Data) int64 {
	return data.Cart.Subtotal(data.Meta)
}

// snapshot resolves the current price of a line item. Legacy sku ids map
// onto price lookup keys; everything else is a price id.
func (s *CartService) snapshot(ctx context.Context, itemID string) (domain.LineItemMeta, error) {
	var price *stripe.Price
	var err error
	if strings.HasPrefix(itemID, legacySKUPrefix) {
		price, err = s.api.GetPriceByLookupKey(ctx, itemID)
	} else {
		price, err = s.api.GetPrice(ctx, itemID)
	}
	if err != nil {
		if stripeapi.IsNotFound(err) {
			return domain.LineItemMeta{}, fmt.Errorf("cart item %s: %w", itemID, ErrNotFound)
		}
		return domain.LineItemMeta{}, err
	}
	if !price.Active {
		return domain.LineItemMeta{}, fmt.Errorf("cart item %s: %w", itemID, ErrNotFound)
	}

	meta := domain.LineItemMeta{
		UnitPrice:  price.UnitAmount,
		Interval:   priceInterval(price),
		ExcludeTax: metaTruthy(price.Metadata["exclude_tax"]),
	}
	if price.Product != nil {
		meta.ProductID = price.Product.ID
		meta.Name = price.Product.Name
	}
	if meta.Name == "" {
		meta.Name = price.Nickname
	}
	return meta, nil
}

package services

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v78"
)

// ProductPriceSource resolves a product's unit price through its default
// price. Customs declarations use it to value each line.
type ProductPriceSource struct {
	API interface {
		GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	}
}

// UnitPriceCents implements the shipping.PriceSource contract.
func (s *ProductPriceSource) UnitPriceCents(ctx context.Context, productID string) (int64, error) {
	product, err := s.API.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if product.DefaultPrice == nil {
		return 0, fmt.Errorf("product %s has no default price: %w", productID, ErrNotFound)
	}
	return product.DefaultPrice.UnitAmount, nil
}

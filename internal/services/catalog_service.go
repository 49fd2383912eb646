package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/stripeapi"
)

// CatalogAPI is the payment-platform surface the catalog reads need.
type CatalogAPI interface {
	ListProducts(ctx context.Context) ([]*stripe.Product, error)
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	ListPrices(ctx context.Context, productID string) ([]*stripe.Price, error)
}

// ProductView is the storefront-facing shape of a catalog product.
type ProductView struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	PriceID     string                  `json:"priceId,omitempty"`
	UnitAmount  int64                   `json:"unitAmount"`
	Currency    string                  `json:"currency,omitempty"`
	Interval    *domain.BillingInterval `json:"interval,omitempty"`
	SoldOut     bool                    `json:"soldOut"`
	Shipped     bool                    `json:"shipped"`
}

// ProductDetail adds the full price list to the product view.
type ProductDetail struct {
	ProductView
	Prices []PriceView `json:"prices"`
}

// PriceView is one purchasable price attached to a product.
type PriceView struct {
	ID         string                  `json:"id"`
	LookupKey  string                  `json:"lookupKey,omitempty"`
	UnitAmount int64                   `json:"unitAmount"`
	Currency   string                  `json:"currency"`
	Interval   *domain.BillingInterval `json:"interval,omitempty"`
}

// CatalogDeps wires the catalog service dependencies.
type CatalogDeps struct {
	API    CatalogAPI
	Logger Logger
}

// CatalogService serves the storefront's read-only product views. The
// payment platform is the system of record; nothing is cached here.
type CatalogService struct {
	api    CatalogAPI
	logger Logger
}

// NewCatalogService constructs the service validating dependencies.
func NewCatalogService(deps CatalogDeps) (*CatalogService, error) {
	if deps.API == nil {
		return nil, errors.New("services: catalog api is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &CatalogService{api: deps.API, logger: logger}, nil
}

// ListProducts returns every active product with its default price.
func (s *CatalogService) ListProducts(ctx context.Context) ([]ProductView, error) {
	products, err := s.api.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ProductView, 0, len(products))
	for _, product := range products {
		if product == nil || !product.Active {
			continue
		}
		views = append(views, productView(product))
	}
	return views, nil
}

// GetProduct returns one product with all its active prices. Missing and
// inactive products are both reported as ErrNotFound.
func (s *CatalogService) GetProduct(ctx context.Context, id string) (*ProductDetail, error) {
	product, err := s.api.GetProduct(ctx, id)
	if err != nil {
		if stripeapi.IsNotFound(err) {
			return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if !product.Active {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}

	prices, err := s.api.ListPrices(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &ProductDetail{ProductView: productView(product)}
	for _, price := range prices {
		if price == nil || !price.Active {
			continue
		}
		detail.Prices = append(detail.Prices, PriceView{
			ID:         price.ID,
			LookupKey:  price.LookupKey,
			UnitAmount: price.UnitAmount,
			Currency:   string(price.Currency),
			Interval:   priceInterval(price),
		})
	}
	return detail, nil
}

func productView(product *stripe.Product) ProductView {
	view := ProductView{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		SoldOut:     metaTruthy(product.Metadata["sold_out"]),
		Shipped:     metaTruthy(product.Metadata["shipped"]),
	}
	if price := product.DefaultPrice; price != nil {
		view.PriceID = price.ID
		view.UnitAmount = price.UnitAmount
		view.Currency = string(price.Currency)
		view.Interval = priceInterval(price)
	}
	return view
}

func priceInterval(price *stripe.Price) *domain.BillingInterval {
	if price.Recurring == nil {
		return nil
	}
	return &domain.BillingInterval{
		Unit:  string(price.Recurring.Interval),
		Count: price.Recurring.IntervalCount,
	}
}

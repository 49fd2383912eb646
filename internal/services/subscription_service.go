package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/shipping"
	"github.com/tobira-shop/storefront/internal/stripeapi"
)

// SubscriptionAPI is the payment-platform surface the signup path needs.
type SubscriptionAPI interface {
	GetPrice(ctx context.Context, id string) (*stripe.Price, error)
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error)
	ListTaxRates(ctx context.Context) ([]*stripe.TaxRate, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// SubscriptionConfig carries the signup policy switches.
type SubscriptionConfig struct {
	Currency              string
	DomesticCountry       string
	InternationalShipping bool

	// ShippingPerCycle defers shipping cost and tax to each invoice. When
	// false both are charged upfront on the first payment.
	ShippingPerCycle bool

	SuccessURL string
	CancelURL  string
}

// SubscriptionDeps wires the signup service dependencies.
type SubscriptionDeps struct {
	API        SubscriptionAPI
	Normalizer AddressNormalizer
	Shippers   *shipping.Registry
	Config     SubscriptionConfig
	Logger     Logger
}

// SubscriptionService drives the subscription signup sub-states: plan
// selection, address collection for shipped plans, email collection and
// payment session creation.
type SubscriptionService struct {
	api        SubscriptionAPI
	normalizer AddressNormalizer
	shippers   *shipping.Registry
	cfg        SubscriptionConfig
	logger     Logger
}

// NewSubscriptionService constructs the service validating dependencies.
func NewSubscriptionService(deps SubscriptionDeps) (*SubscriptionService, error) {
	if deps.API == nil {
		return nil, errors.New("services: subscription api is required")
	}
	if deps.Normalizer == nil {
		return nil, errors.New("services: address normalizer is required")
	}
	if deps.Shippers == nil {
		return nil, errors.New("services: shipping registry is required")
	}
	cfg := deps.Config
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.DomesticCountry == "" {
		cfg.DomesticCountry = "US"
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &SubscriptionService{
		api:        deps.API,
		normalizer: deps.Normalizer,
		shippers:   deps.Shippers,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// SelectPlan snapshots a recurring price into the session as the plan
// being signed up for.
func (s *SubscriptionService) SelectPlan(ctx context.Context, data *session.Data, priceID string) (*domain.PlanSelection, error) {
	price, err := s.api.GetPrice(ctx, priceID)
	if err != nil {
		if stripeapi.IsNotFound(err) {
			return nil, fmt.Errorf("plan %s: %w", priceID, ErrNotFound)
		}
		return nil, err
	}
	if !price.Active || price.Recurring == nil || price.Product == nil {
		return nil, fmt.Errorf("plan %s: %w", priceID, ErrNotFound)
	}

	plan := &domain.PlanSelection{
		Name:      price.Product.Name,
		Amount:    price.UnitAmount,
		ProductID: price.Product.ID,
		PriceID:   price.ID,
		Shipped:   metaTruthy(price.Product.Metadata["shipped"]),
	}
	data.Plan = plan
	s.logger(ctx, "subscription.plan_selected", map[string]any{
		"priceId": plan.PriceID,
		"shipped": plan.Shipped,
	})
	return plan, nil
}

// AddressResult reports the outcome of the address sub-state.
type AddressResult struct {
	InvalidAddress bool `json:"invalidAddress,omitempty"`
	AddressChanged bool `json:"addressChanged,omitempty"`
}

// SetAddress normalizes and stores the delivery address on the in-progress
// plan. An unverifiable address leaves the plan untouched.
func (s *SubscriptionService) SetAddress(ctx context.Context, data *session.Data, name string, addr domain.Address) (*AddressResult, error) {
	if data.Plan == nil {
		return nil, ErrNoPlanSelected
	}
	if !s.cfg.InternationalShipping {
		addr.Country = s.cfg.DomesticCountry
	}
	normalized, changed, err := s.normalizer.Normalize(ctx, addr)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		return &AddressResult{InvalidAddress: true}, nil
	}
	data.Plan.Shipping = &domain.ShippingInfo{Name: name, Address: *normalized}
	return &AddressResult{AddressChanged: changed}, nil
}

// SetEmail records the signup email on the session.
func (s *SubscriptionService) SetEmail(ctx context.Context, data *session.Data, email string) error {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrMissingEmail
	}
	data.Email = email
	return nil
}

// Subscribe creates the subscription payment session for the selected
// plan. Shipped plans must have completed the address sub-state first.
func (s *SubscriptionService) Subscribe(ctx context.Context, data *session.Data) (*BeginResult, error) {
	plan := data.Plan
	if plan == nil {
		return nil, ErrNoPlanSelected
	}
	email := strings.TrimSpace(data.Email)
	if email == "" {
		return nil, ErrMissingEmail
	}
	if plan.Shipped && plan.Shipping == nil {
		return nil, ErrMissingShipping
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(plan.PriceID),
			Quantity: stripe.Int64(1),
		}},
	}

	customers, err := s.api.SearchCustomersByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if len(customers) > 0 {
		params.Customer = stripe.String(customers[0].ID)
	} else {
		params.CustomerEmail = stripe.String(email)
	}

	if plan.Shipped {
		if err := s.attachShippedExtras(ctx, params, plan); err != nil {
			return nil, err
		}
	}

	sess, err := s.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	data.PaymentSessionID = sess.ID
	s.logger(ctx, "subscription.session_created", map[string]any{
		"sessionId": sess.ID,
		"priceId":   plan.PriceID,
	})
	return &BeginResult{RedirectURL: sess.URL, SessionID: sess.ID}, nil
}

// attachShippedExtras carries the delivery context on the subscription and
// charges shipping and tax upfront unless per-cycle invoicing is on, in
// which case the invoice webhook handles both each cycle.
func (s *SubscriptionService) attachShippedExtras(ctx context.Context, params *stripe.CheckoutSessionParams, plan *domain.PlanSelection) error {
	product, err := s.api.GetProduct(ctx, plan.ProductID)
	if err != nil {
		return err
	}
	items := []domain.ProductQuantity{{Product: domainProduct(product), Quantity: 1}}

	meta := map[string]string{}
	shipping.Merge(meta, shipping.EncodeShippingInfo(*plan.Shipping))

	if s.cfg.ShippingPerCycle {
		backendName := strings.ToLower(domainProduct(product).MetaValue(shipperMetaKey))
		if backendName == "" {
			backendName = s.shippers.DefaultName()
		}
		shipping.Merge(meta, shipping.EncodeBackends([]string{backendName}))
	} else {
		shippingCents, shipMeta, err := quoteForProducts(ctx, s.shippers, items, *plan.Shipping)
		if err != nil {
			return err
		}
		shipping.Merge(meta, shipMeta)
		params.LineItems = append(params.LineItems, checkoutLineItem(domain.LineItem{
			Name:     "Shipping",
			Amount:   shippingCents,
			Quantity: 1,
			Currency: s.cfg.Currency,
		}))

		if !metaTruthy(product.Metadata["exclude_tax"]) {
			rates, err := s.api.ListTaxRates(ctx)
			if err != nil {
				return err
			}
			if rate := matchTaxRate(rates, plan.Shipping.Address.State); rate != nil {
				if amount := taxAmount(rate.Percentage, plan.Amount); amount > 0 {
					params.LineItems = append(params.LineItems, checkoutLineItem(domain.LineItem{
						Name:     fmt.Sprintf("%s tax (%.4g%%)", rate.Jurisdiction, rate.Percentage),
						Amount:   amount,
						Quantity: 1,
						Currency: s.cfg.Currency,
					}))
				}
			}
		}
	}

	params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	return nil
}

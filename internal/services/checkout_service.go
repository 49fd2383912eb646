package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/shipping"
)

// shipperMetaKey is the product metadata field routing a product to a
// specific shipping backend. Empty routes to the configured default.
const shipperMetaKey = "shipper"

// AddressNormalizer validates and canonicalizes a shipping address.
type AddressNormalizer interface {
	Normalize(ctx context.Context, addr domain.Address) (*domain.Address, bool, error)
}

// CheckoutAPI is the payment-platform surface the checkout path needs.
type CheckoutAPI interface {
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error)
	ListTaxRates(ctx context.Context) ([]*stripe.TaxRate, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// CheckoutConfig carries the policy switches the orchestrator honours.
type CheckoutConfig struct {
	Currency              string
	DomesticCountry       string
	InternationalShipping bool
	SuccessURL            string
	CancelURL             string
}

// CheckoutDeps wires the checkout orchestrator dependencies.
type CheckoutDeps struct {
	API        CheckoutAPI
	Normalizer AddressNormalizer
	Shippers   *shipping.Registry
	Config     CheckoutConfig
	Logger     Logger
}

// CheckoutService drives the one-time purchase path: cart validation,
// address normalization, shipping quote, tax computation and payment
// session creation.
type CheckoutService struct {
	api        CheckoutAPI
	normalizer AddressNormalizer
	shippers   *shipping.Registry
	cfg        CheckoutConfig
	logger     Logger
}

// NewCheckoutService constructs the orchestrator validating dependencies.
func NewCheckoutService(deps CheckoutDeps) (*CheckoutService, error) {
	if deps.API == nil {
		return nil, errors.New("services: checkout api is required")
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
	return &CheckoutService{
		api:        deps.API,
		normalizer: deps.Normalizer,
		shippers:   deps.Shippers,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// ShippingForm is the buyer-submitted checkout form.
type ShippingForm struct {
	Name    string
	Email   string
	Address domain.Address
}

// BeginResult reports the outcome of starting a payment. InvalidAddress
// means the form must be re-rendered; nothing in the session advanced.
type BeginResult struct {
	InvalidAddress bool   `json:"invalidAddress,omitempty"`
	AddressChanged bool   `json:"addressChanged,omitempty"`
	RedirectURL    string `json:"redirectUrl,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
}

// Begin runs the one-time checkout state machine over the session cart.
func (s *CheckoutService) Begin(ctx context.Context, data *session.Data, form ShippingForm) (*BeginResult, error) {
	if len(data.Cart) == 0 {
		return nil, ErrEmptyCart
	}
	email := strings.TrimSpace(form.Email)
	if email == "" {
		return nil, ErrMissingEmail
	}

	if !s.cfg.InternationalShipping {
		form.Address.Country = s.cfg.DomesticCountry
	}
	normalized, changed, err := s.normalizer.Normalize(ctx, form.Address)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		s.logger(ctx, "checkout.invalid_address", map[string]any{"email": email})
		return &BeginResult{InvalidAddress: true}, nil
	}
	dest := domain.ShippingInfo{Name: form.Name, Address: *normalized}

	lines, products, err := s.cartLines(ctx, data)
	if err != nil {
		return nil, err
	}

	shippingCents, shipMeta, err := quoteForProducts(ctx, s.shippers, products, dest)
	if err != nil {
		return nil, err
	}
	lines = append(lines, domain.LineItem{
		Name:       "Shipping",
		Amount:     shippingCents,
		Quantity:   1,
		Currency:   s.cfg.Currency,
		ExcludeTax: true,
	})

	taxLine, err := s.taxLine(ctx, lines, normalized.State)
	if err != nil {
		return nil, err
	}
	if taxLine != nil {
		lines = append(lines, *taxLine)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
	}
	if err := s.attachCustomer(ctx, params, email); err != nil {
		return nil, err
	}
	for _, line := range lines {
		params.LineItems = append(params.LineItems, checkoutLineItem(line))
	}
	meta := map[string]string{}
	shipping.Merge(meta, shipMeta)
	shipping.Merge(meta, shipping.EncodeShippingInfo(dest))
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	sess, err := s.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}

	data.Shipping = &dest
	data.Email = email
	data.PaymentSessionID = sess.ID
	s.logger(ctx, "checkout.session_created", map[string]any{
		"sessionId": sess.ID,
		"lines":     len(lines),
		"changed":   changed,
	})
	return &BeginResult{
		AddressChanged: changed,
		RedirectURL:    sess.URL,
		SessionID:      sess.ID,
	}, nil
}

// cartLines materialises the cart against its metadata snapshots and
// resolves the parent products for shipping computation.
func (s *CheckoutService) cartLines(ctx context.Context, data *session.Data) ([]domain.LineItem, []domain.ProductQuantity, error) {
	ids := make([]string, 0, len(data.Cart))
	for id, qty := range data.Cart {
		if qty > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil, ErrEmptyCart
	}
	sort.Strings(ids)

	lines := make([]domain.LineItem, 0, len(ids))
	products := make([]domain.ProductQuantity, 0, len(ids))
	for _, id := range ids {
		meta, ok := data.Meta[id]
		if !ok {
			return nil, nil, fmt.Errorf("cart item %s: %w", id, ErrMissingCartMeta)
		}
		lines = append(lines, domain.LineItem{
			Name:       meta.Name,
			Amount:     meta.UnitPrice,
			Quantity:   data.Cart[id],
			Currency:   s.cfg.Currency,
			ExcludeTax: meta.ExcludeTax,
		})
		product, err := s.api.GetProduct(ctx, meta.ProductID)
		if err != nil {
			return nil, nil, err
		}
		products = append(products, domain.ProductQuantity{
			Product:  domainProduct(product),
			Quantity: data.Cart[id],
		})
	}
	return lines, products, nil
}

// taxLine computes the tax over non-exempt lines by exact jurisdiction
// match. No match means no line, not a zero-amount line.
func (s *CheckoutService) taxLine(ctx context.Context, lines []domain.LineItem, region string) (*domain.LineItem, error) {
	rates, err := s.api.ListTaxRates(ctx)
	if err != nil {
		return nil, err
	}
	rate := matchTaxRate(rates, region)
	if rate == nil {
		return nil, nil
	}
	var taxable int64
	for _, line := range lines {
		if !line.ExcludeTax {
			taxable += line.Total()
		}
	}
	amount := taxAmount(rate.Percentage, taxable)
	if amount <= 0 {
		return nil, nil
	}
	return &domain.LineItem{
		Name:       fmt.Sprintf("%s tax (%.4g%%)", rate.Jurisdiction, rate.Percentage),
		Amount:     amount,
		Quantity:   1,
		Currency:   s.cfg.Currency,
		ExcludeTax: true,
	}, nil
}

// attachCustomer reuses the first customer matching the checkout email,
// otherwise lets the platform create one from the email.
func (s *CheckoutService) attachCustomer(ctx context.Context, params *stripe.CheckoutSessionParams, email string) error {
	customers, err := s.api.SearchCustomersByEmail(ctx, email)
	if err != nil {
		return err
	}
	if len(customers) > 0 {
		params.Customer = stripe.String(customers[0].ID)
		return nil
	}
	params.CustomerEmail = stripe.String(email)
	return nil
}

func checkoutLineItem(line domain.LineItem) *stripe.CheckoutSessionLineItemParams {
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(line.Quantity),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(line.Currency),
			UnitAmount: stripe.Int64(line.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(line.Name),
			},
		},
	}
}

// quoteForProducts groups products by their routed backend, sums the
// cheapest rate of each group and merges the shipment contexts.
func quoteForProducts(ctx context.Context, registry *shipping.Registry, products []domain.ProductQuantity, dest domain.ShippingInfo) (int64, map[string]string, error) {
	groups := map[string][]domain.ProductQuantity{}
	for _, pq := range products {
		name := strings.ToLower(pq.Product.MetaValue(shipperMetaKey))
		if name == "" {
			name = registry.DefaultName()
		}
		groups[name] = append(groups[name], pq)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	meta := map[string]string{}
	for _, name := range names {
		backend, err := registry.Resolve(name)
		if err != nil {
			return 0, nil, err
		}
		quote, err := backend.QuoteRate(ctx, groups[name], dest)
		if err != nil {
			return 0, nil, err
		}
		total += quote.AmountCents
		shipping.Merge(meta, quote.Metadata)
	}
	shipping.Merge(meta, shipping.EncodeBackends(names))
	return total, meta, nil
}

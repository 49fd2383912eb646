package stripeapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const listPageLimit = 100

// Logger defines the logging contract for payment platform operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the Client.
type Config struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   Logger

	// MaxTaxRates caps the tax-rate listing; CustomerSearchPageLimit caps
	// customer search pages. Zero values fall back to the default page size.
	MaxTaxRates             int64
	CustomerSearchPageLimit int64
}

// Client wraps the payment platform API surface the storefront consumes. It
// is constructed once at startup and passed explicitly to the components
// that need it; there is no package-level credential.
type Client struct {
	api            *client.API
	logger         Logger
	taxRateLimit   int64
	customerSearch int64
}

// NewClient constructs a Client using the given configuration.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("stripeapi: api key is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	taxRateLimit := cfg.MaxTaxRates
	if taxRateLimit <= 0 {
		taxRateLimit = listPageLimit
	}
	customerSearch := cfg.CustomerSearchPageLimit
	if customerSearch <= 0 {
		customerSearch = listPageLimit
	}

	return &Client{
		api:            client.New(apiKey, cfg.Backends),
		logger:         logger,
		taxRateLimit:   taxRateLimit,
		customerSearch: customerSearch,
	}, nil
}

// ListProducts returns all active products with their default price expanded.
func (c *Client) ListProducts(ctx context.Context) ([]*stripe.Product, error) {
	params := &stripe.ProductListParams{Active: stripe.Bool(true)}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageLimit)
	params.AddExpand("data.default_price")

	var products []*stripe.Product
	iter := c.api.Products.List(params)
	for iter.Next() {
		products = append(products, iter.Product())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripeapi: list products: %w", err)
	}
	return products, nil
}

// GetProduct retrieves one product with its default price expanded.
func (c *Client) GetProduct(ctx context.Context, id string) (*stripe.Product, error) {
	params := &stripe.ProductParams{}
	params.Context = ctx
	params.AddExpand("default_price")
	product, err := c.api.Products.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: get product %s: %w", id, err)
	}
	return product, nil
}

// ListPrices returns the active prices attached to a product.
func (c *Client) ListPrices(ctx context.Context, productID string) ([]*stripe.Price, error) {
	params := &stripe.PriceListParams{
		Product: stripe.String(productID),
		Active:  stripe.Bool(true),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageLimit)

	var prices []*stripe.Price
	iter := c.api.Prices.List(params)
	for iter.Next() {
		prices = append(prices, iter.Price())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripeapi: list prices for %s: %w", productID, err)
	}
	return prices, nil
}

// GetPrice retrieves a price by id with its product expanded.
func (c *Client) GetPrice(ctx context.Context, id string) (*stripe.Price, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	params.AddExpand("product")
	price, err := c.api.Prices.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: get price %s: %w", id, err)
	}
	return price, nil
}

// GetPriceByLookupKey resolves a price through its lookup key. Legacy
// one-time SKU identifiers are mapped onto price lookup keys upstream.
func (c *Client) GetPriceByLookupKey(ctx context.Context, key string) (*stripe.Price, error) {
	params := &stripe.PriceListParams{
		LookupKeys: stripe.StringSlice([]string{key}),
		Active:     stripe.Bool(true),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.AddExpand("data.product")

	iter := c.api.Prices.List(params)
	for iter.Next() {
		return iter.Price(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripeapi: lookup price %s: %w", key, err)
	}
	return nil, fmt.Errorf("stripeapi: lookup price %s: %w", key, ErrNotFound)
}

// SearchCustomersByEmail lists every customer record matching an email.
func (c *Client) SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(c.customerSearch)

	var customers []*stripe.Customer
	iter := c.api.Customers.List(params)
	for iter.Next() {
		customers = append(customers, iter.Customer())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripeapi: search customers: %w", err)
	}
	return customers, nil
}

// GetCustomer retrieves a customer by id.
func (c *Client) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	customer, err := c.api.Customers.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: get customer %s: %w", id, err)
	}
	return customer, nil
}

// UpdateCustomer applies the given params to a customer record.
func (c *Client) UpdateCustomer(ctx context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	if params == nil {
		params = &stripe.CustomerParams{}
	}
	params.Context = ctx
	customer, err := c.api.Customers.Update(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: update customer %s: %w", id, err)
	}
	c.logger(ctx, "stripeapi.customer.updated", map[string]any{"customerId": id})
	return customer, nil
}

// CreateCheckoutSession creates a hosted checkout session.
func (c *Client) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if params == nil {
		return nil, errors.New("stripeapi: checkout session params are required")
	}
	params.Context = ctx
	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: create checkout session: %w", err)
	}
	c.logger(ctx, "stripeapi.session.created", map[string]any{"sessionId": session.ID})
	return session, nil
}

// ListSessionLineItems returns the line items charged on a checkout session.
func (c *Client) ListSessionLineItems(ctx context.Context, sessionID string) ([]*stripe.LineItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageLimit)

	var items []*stripe.LineItem
	iter := c.api.CheckoutSessions.ListLineItems(params)
	for iter.Next() {
		items = append(items, iter.LineItem())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripeapi: list session line items: %w", err)
	}
	return items, nil
}

// GetSubscription retrieves a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: get subscription %s: %w", id, err)
	}
	return sub, nil
}

// ListSubscriptionsByCustomer lists a customer's subscriptions.
func (c *Client) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageLimit)

	var subs []*stripe.Subscription
	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripeapi: list subscriptions for %s: %w", customerID, err)
	}
	return subs, nil
}

// GetInvoice retrieves the authoritative invoice state. Webhook handlers must
// use this rather than trusting event payloads, which may be stale.
func (c *Client) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := c.api.Invoices.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: get invoice %s: %w", id, err)
	}
	return inv, nil
}

// UpdateInvoice applies the given params to an invoice.
func (c *Client) UpdateInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	if params == nil {
		params = &stripe.InvoiceParams{}
	}
	params.Context = ctx
	inv, err := c.api.Invoices.Update(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: update invoice %s: %w", id, err)
	}
	c.logger(ctx, "stripeapi.invoice.updated", map[string]any{"invoiceId": id})
	return inv, nil
}

// CreateInvoiceItem attaches a one-off line to a draft invoice.
func (c *Client) CreateInvoiceItem(ctx context.Context, params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
	if params == nil {
		return nil, errors.New("stripeapi: invoice item params are required")
	}
	params.Context = ctx
	item, err := c.api.InvoiceItems.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: create invoice item: %w", err)
	}
	return item, nil
}

// ListTaxRates returns the configured tax rates.
func (c *Client) ListTaxRates(ctx context.Context) ([]*stripe.TaxRate, error) {
	params := &stripe.TaxRateListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(c.taxRateLimit)

	var rates []*stripe.TaxRate
	iter := c.api.TaxRates.List(params)
	for iter.Next() {
		rates = append(rates, iter.TaxRate())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripeapi: list tax rates: %w", err)
	}
	return rates, nil
}

// GetPaymentIntent retrieves a payment intent with its latest charge.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	intent, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: get payment intent %s: %w", id, err)
	}
	return intent, nil
}

// UpdatePaymentIntent applies the given params to a payment intent.
func (c *Client) UpdatePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if params == nil {
		params = &stripe.PaymentIntentParams{}
	}
	params.Context = ctx
	intent, err := c.api.PaymentIntents.Update(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: update payment intent %s: %w", id, err)
	}
	c.logger(ctx, "stripeapi.intent.updated", map[string]any{"paymentIntent": id})
	return intent, nil
}

// CreateBillingPortalSession creates a self-serve portal session for a customer.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	session, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripeapi: create billing portal session: %w", err)
	}
	return session, nil
}

// VerifyWebhook checks the event signature against the per-event-type secret
// before any payload field is trusted.
func (c *Client) VerifyWebhook(payload []byte, signatureHeader, secret string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, secret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripeapi: verify webhook: %w", err)
	}
	return event, nil
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/mail"
	"github.com/tobira-shop/storefront/internal/shipping"
)

// completedMetaKey is the idempotency marker written on the payment object
// after fulfilment side effects ran. Webhook redelivery checks it first.
const completedMetaKey = "completed"

// FulfillmentAPI is the payment-platform surface the webhook handlers need.
// Handlers re-fetch every mutable object they act on; the event payload is
// a trigger, never a source of truth.
type FulfillmentAPI interface {
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	UpdateCustomer(ctx context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListSessionLineItems(ctx context.Context, sessionID string) ([]*stripe.LineItem, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
	UpdateInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
	CreateInvoiceItem(ctx context.Context, params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
	ListTaxRates(ctx context.Context) ([]*stripe.TaxRate, error)
}

// Mailer delivers templated messages.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// FulfillmentConfig carries the operator contacts and policy switches.
type FulfillmentConfig struct {
	ShopName           string
	Currency           string
	OperatorRecipients []string
	ReplyTo            string
	ManageURL          string
	ShippingPerCycle   bool
}

// FulfillmentDeps wires the webhook handler dependencies.
type FulfillmentDeps struct {
	API      FulfillmentAPI
	Shippers *shipping.Registry
	Mailer   Mailer
	Config   FulfillmentConfig
	Logger   Logger
}

// FulfillmentService processes the asynchronous payment-platform events:
// completed checkouts and freshly-created subscription invoices. All side
// effects are idempotent under event redelivery.
type FulfillmentService struct {
	api      FulfillmentAPI
	shippers *shipping.Registry
	mailer   Mailer
	cfg      FulfillmentConfig
	logger   Logger
}

// NewFulfillmentService constructs the service validating dependencies.
func NewFulfillmentService(deps FulfillmentDeps) (*FulfillmentService, error) {
	if deps.API == nil {
		return nil, errors.New("services: fulfillment api is required")
	}
	if deps.Shippers == nil {
		return nil, errors.New("services: shipping registry is required")
	}
	if deps.Mailer == nil {
		return nil, errors.New("services: mailer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &FulfillmentService{
		api:      deps.API,
		shippers: deps.Shippers,
		mailer:   deps.Mailer,
		cfg:      deps.Config,
		logger:   logger,
	}, nil
}

// shipmentOutcome records what one backend produced during fulfilment.
type shipmentOutcome struct {
	Backend     string
	LabelURL    string
	TrackingURL string
}

// HandleCheckoutCompleted processes a checkout.session.completed event.
func (s *FulfillmentService) HandleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("services: decode checkout session event: %w", err)
	}
	if sess.Mode == stripe.CheckoutSessionModeSubscription || sess.Subscription != nil {
		return s.completeSubscription(ctx, &sess)
	}
	return s.completeOrder(ctx, &sess)
}

func (s *FulfillmentService) completeSubscription(ctx context.Context, sess *stripe.CheckoutSession) error {
	if sess.Subscription == nil {
		return nil
	}
	sub, err := s.api.GetSubscription(ctx, sess.Subscription.ID)
	if err != nil {
		return err
	}

	var customerEmail string
	if sess.CustomerDetails != nil {
		customerEmail = sess.CustomerDetails.Email
	}

	info, hasAddress := shipping.DecodeShippingInfo(sub.Metadata)
	if hasAddress && sub.Customer != nil {
		customer, err := s.api.GetCustomer(ctx, sub.Customer.ID)
		if err != nil {
			return err
		}
		if customerEmail == "" {
			customerEmail = customer.Email
		}
		// Copy the delivery address onto the customer once, at the first
		// completed checkout.
		if customer.Shipping == nil {
			if _, err := s.api.UpdateCustomer(ctx, customer.ID, customerShippingParams(info)); err != nil {
				return err
			}
		}
	}

	outcomes := s.buyShipments(ctx, sub.Metadata)

	planName := "subscription"
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil && item.Price.Product != nil {
			if product, err := s.api.GetProduct(ctx, item.Price.Product.ID); err == nil {
				planName = product.Name
			}
		}
	}

	operatorData := map[string]any{
		"ShopName": s.cfg.ShopName,
		"PlanName": planName,
		"Email":    customerEmail,
		"Labels":   outcomes,
	}
	if hasAddress {
		operatorData["Shipping"] = info
	}
	s.sendLogged(ctx, mail.Message{
		To:       s.cfg.OperatorRecipients,
		Subject:  fmt.Sprintf("[%s] New subscription: %s", s.cfg.ShopName, planName),
		Template: mail.TemplateNewSubscription,
		Data:     operatorData,
	})
	if customerEmail != "" {
		s.sendLogged(ctx, mail.Message{
			To:       []string{customerEmail},
			ReplyTo:  s.cfg.ReplyTo,
			Subject:  fmt.Sprintf("Welcome to %s", planName),
			Template: mail.TemplateCompleteSubscription,
			Data: map[string]any{
				"ShopName":  s.cfg.ShopName,
				"PlanName":  planName,
				"ManageURL": s.cfg.ManageURL,
				"Tracking":  trackingURLs(outcomes),
			},
		})
	}

	s.logger(ctx, "fulfillment.subscription_completed", map[string]any{
		"subscriptionId": sub.ID,
		"shipments":      len(outcomes),
	})
	return nil
}

func (s *FulfillmentService) completeOrder(ctx context.Context, sess *stripe.CheckoutSession) error {
	if sess.PaymentIntent == nil {
		return nil
	}
	intent, err := s.api.GetPaymentIntent(ctx, sess.PaymentIntent.ID)
	if err != nil {
		return err
	}

	// At-most-once guard: an unpaid, refunded or already-marked payment is
	// a successful no-op so the event source stops retrying.
	switch {
	case intent.Status != stripe.PaymentIntentStatusSucceeded:
		s.logger(ctx, "fulfillment.skipped", map[string]any{
			"paymentIntent": intent.ID,
			"reason":        "not_succeeded",
		})
		return nil
	case intent.LatestCharge != nil && intent.LatestCharge.Refunded:
		s.logger(ctx, "fulfillment.skipped", map[string]any{
			"paymentIntent": intent.ID,
			"reason":        "refunded",
		})
		return nil
	case metaTruthy(intent.Metadata[completedMetaKey]):
		s.logger(ctx, "fulfillment.skipped", map[string]any{
			"paymentIntent": intent.ID,
			"reason":        "already_completed",
		})
		return nil
	}

	outcomes := s.buyShipments(ctx, sess.Metadata)

	items, err := s.api.ListSessionLineItems(ctx, sess.ID)
	if err != nil {
		return err
	}
	emailItems, total := emailLineItems(items, s.cfg.Currency)

	var customerEmail string
	if sess.CustomerDetails != nil {
		customerEmail = sess.CustomerDetails.Email
	}
	if customerEmail == "" && sess.Customer != nil {
		customer, err := s.api.GetCustomer(ctx, sess.Customer.ID)
		if err != nil {
			return err
		}
		customerEmail = customer.Email
	}
	info, hasAddress := shipping.DecodeShippingInfo(sess.Metadata)

	// Every step that can fail retryably must run before the marker: once it
	// is written a redelivery short-circuits. The shipment-exists checks keep
	// a pre-marker retry safe, and email delivery after it is best-effort.
	markParams := &stripe.PaymentIntentParams{}
	markParams.AddMetadata(completedMetaKey, "true")
	if _, err := s.api.UpdatePaymentIntent(ctx, intent.ID, markParams); err != nil {
		return err
	}

	operatorData := map[string]any{
		"ShopName": s.cfg.ShopName,
		"Email":    customerEmail,
		"Items":    emailItems,
		"Total":    formatAmount(total, s.cfg.Currency),
		"Labels":   outcomes,
	}
	if hasAddress {
		operatorData["Shipping"] = info
	}
	s.sendLogged(ctx, mail.Message{
		To:       s.cfg.OperatorRecipients,
		Subject:  fmt.Sprintf("[%s] New order", s.cfg.ShopName),
		Template: mail.TemplateNewOrder,
		Data:     operatorData,
	})
	if customerEmail != "" {
		s.sendLogged(ctx, mail.Message{
			To:       []string{customerEmail},
			ReplyTo:  s.cfg.ReplyTo,
			Subject:  fmt.Sprintf("Your %s order", s.cfg.ShopName),
			Template: mail.TemplateCompleteOrder,
			Data: map[string]any{
				"ShopName": s.cfg.ShopName,
				"Items":    emailItems,
				"Total":    formatAmount(total, s.cfg.Currency),
				"Tracking": trackingURLs(outcomes),
			},
		})
	}

	s.logger(ctx, "fulfillment.order_completed", map[string]any{
		"paymentIntent": intent.ID,
		"shipments":     len(outcomes),
	})
	return nil
}

// HandleInvoiceCreated processes an invoice.created event for recurring
// subscription billing: tax attachment and, when configured, the per-cycle
// shipping line.
func (s *FulfillmentService) HandleInvoiceCreated(ctx context.Context, event stripe.Event) error {
	var payload stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return fmt.Errorf("services: decode invoice event: %w", err)
	}
	if payload.ID == "" {
		return nil
	}
	invoice, err := s.api.GetInvoice(ctx, payload.ID)
	if err != nil {
		return err
	}
	if invoice.Status != stripe.InvoiceStatusDraft {
		s.logger(ctx, "fulfillment.invoice_skipped", map[string]any{
			"invoiceId": invoice.ID,
			"reason":    "not_draft",
		})
		return nil
	}
	if invoice.Subscription == nil || invoice.Customer == nil {
		return nil
	}

	customer, err := s.api.GetCustomer(ctx, invoice.Customer.ID)
	if err != nil {
		return err
	}
	sub, err := s.api.GetSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return err
	}
	if !hasPaymentMethod(customer, sub) {
		s.logger(ctx, "fulfillment.invoice_skipped", map[string]any{
			"invoiceId": invoice.ID,
			"reason":    "no_payment_method",
		})
		return nil
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	item := sub.Items.Data[0]
	if item.Price == nil || item.Price.Product == nil {
		return nil
	}
	product, err := s.api.GetProduct(ctx, item.Price.Product.ID)
	if err != nil {
		return err
	}
	if !metaTruthy(product.Metadata["shipped"]) {
		return nil
	}

	dest, ok := invoiceDestination(customer, sub)
	if !ok {
		s.logger(ctx, "fulfillment.invoice_skipped", map[string]any{
			"invoiceId": invoice.ID,
			"reason":    "no_address",
		})
		return nil
	}

	if !metaTruthy(product.Metadata["exclude_tax"]) {
		rates, err := s.api.ListTaxRates(ctx)
		if err != nil {
			return err
		}
		if rate := matchTaxRate(rates, dest.Address.State); rate != nil {
			params := &stripe.InvoiceParams{
				DefaultTaxRates: stripe.StringSlice([]string{rate.ID}),
			}
			if _, err := s.api.UpdateInvoice(ctx, invoice.ID, params); err != nil {
				return err
			}
		}
	}

	if s.cfg.ShippingPerCycle {
		if err := s.attachShippingItem(ctx, invoice, customer.ID, product, dest); err != nil {
			return err
		}
	}

	s.logger(ctx, "fulfillment.invoice_prepared", map[string]any{"invoiceId": invoice.ID})
	return nil
}

// attachShippingItem quotes this cycle's shipping and adds it to the draft
// invoice before it finalizes.
func (s *FulfillmentService) attachShippingItem(ctx context.Context, invoice *stripe.Invoice, customerID string, product *stripe.Product, dest domain.ShippingInfo) error {
	items := []domain.ProductQuantity{{Product: domainProduct(product), Quantity: 1}}
	cents, _, err := quoteForProducts(ctx, s.shippers, items, dest)
	if err != nil {
		return err
	}
	_, err = s.api.CreateInvoiceItem(ctx, &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Invoice:     stripe.String(invoice.ID),
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(s.cfg.Currency),
		Description: stripe.String("Shipping"),
	})
	return err
}

// buyShipments completes every backend's shipment recorded in the quote
// metadata, reusing shipments that already exist. Failures are logged and
// skipped; the operator email carries whatever succeeded.
func (s *FulfillmentService) buyShipments(ctx context.Context, meta map[string]string) []shipmentOutcome {
	var outcomes []shipmentOutcome
	for _, name := range shipping.DecodeBackends(meta) {
		backend, err := s.shippers.Resolve(name)
		if err != nil {
			s.logger(ctx, "fulfillment.shipment_failed", map[string]any{
				"backend": name,
				"error":   err.Error(),
			})
			continue
		}
		if ref := strings.TrimSpace(meta[shipping.ShipmentIDKey(name)]); ref != "" {
			exists, tracking, err := backend.ShipmentExists(ctx, ref)
			if err != nil {
				s.logger(ctx, "fulfillment.shipment_failed", map[string]any{
					"backend": name,
					"error":   err.Error(),
				})
				continue
			}
			if exists {
				outcomes = append(outcomes, shipmentOutcome{Backend: name, TrackingURL: tracking})
				continue
			}
		}
		purchase, err := backend.BuyShipment(ctx, meta)
		if err != nil {
			s.logger(ctx, "fulfillment.shipment_failed", map[string]any{
				"backend": name,
				"error":   err.Error(),
			})
			continue
		}
		outcomes = append(outcomes, shipmentOutcome{
			Backend:     name,
			LabelURL:    purchase.LabelURL,
			TrackingURL: purchase.TrackingURL,
		})
	}
	return outcomes
}

// trackingURLs collects the customer-facing tracking links out of the
// shipment outcomes.
func trackingURLs(outcomes []shipmentOutcome) []string {
	var urls []string
	for _, outcome := range outcomes {
		if outcome.TrackingURL != "" {
			urls = append(urls, outcome.TrackingURL)
		}
	}
	return urls
}

// sendLogged delivers a notification best-effort. Email failure never
// fails the webhook response; the event source must not retry over it.
func (s *FulfillmentService) sendLogged(ctx context.Context, msg mail.Message) {
	if len(msg.To) == 0 {
		return
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger(ctx, "fulfillment.email_failed", map[string]any{
			"template": msg.Template,
			"error":    err.Error(),
		})
	}
}

// emailItem is one charged line rendered into a notification.
type emailItem struct {
	Name     string
	Quantity int64
	Price    string
}

func emailLineItems(items []*stripe.LineItem, currency string) ([]emailItem, int64) {
	out := make([]emailItem, 0, len(items))
	var total int64
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, emailItem{
			Name:     item.Description,
			Quantity: item.Quantity,
			Price:    formatAmount(item.AmountTotal, currency),
		})
		total += item.AmountTotal
	}
	return out, total
}

func customerShippingParams(info domain.ShippingInfo) *stripe.CustomerParams {
	return &stripe.CustomerParams{
		Shipping: &stripe.CustomerShippingParams{
			Name: stripe.String(info.Name),
			Address: &stripe.AddressParams{
				Line1:      stripe.String(info.Address.Line1),
				Line2:      stripe.String(info.Address.Line2),
				City:       stripe.String(info.Address.City),
				State:      stripe.String(info.Address.State),
				PostalCode: stripe.String(info.Address.PostalCode),
				Country:    stripe.String(info.Address.Country),
			},
		},
	}
}

func hasPaymentMethod(customer *stripe.Customer, sub *stripe.Subscription) bool {
	if customer.InvoiceSettings != nil && customer.InvoiceSettings.DefaultPaymentMethod != nil {
		return true
	}
	if customer.DefaultSource != nil {
		return true
	}
	return sub.DefaultPaymentMethod != nil
}

// invoiceDestination prefers the customer's stored shipping address and
// falls back to the subscription metadata written at signup.
func invoiceDestination(customer *stripe.Customer, sub *stripe.Subscription) (domain.ShippingInfo, bool) {
	if customer.Shipping != nil && customer.Shipping.Address != nil && customer.Shipping.Address.Line1 != "" {
		addr := customer.Shipping.Address
		return domain.ShippingInfo{
			Name: customer.Shipping.Name,
			Address: domain.Address{
				Line1:      addr.Line1,
				Line2:      addr.Line2,
				City:       addr.City,
				State:      addr.State,
				PostalCode: addr.PostalCode,
				Country:    addr.Country,
			},
		}, true
	}
	return shipping.DecodeShippingInfo(sub.Metadata)
}

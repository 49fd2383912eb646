package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/mail"
	"github.com/tobira-shop/storefront/internal/shipping"
)

type stubFulfillmentAPI struct {
	getProductFunc          func(ctx context.Context, id string) (*stripe.Product, error)
	getCustomerFunc         func(ctx context.Context, id string) (*stripe.Customer, error)
	updateCustomerFunc      func(ctx context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	getSubscriptionFunc     func(ctx context.Context, id string) (*stripe.Subscription, error)
	listSessionItemsFunc    func(ctx context.Context, sessionID string) ([]*stripe.LineItem, error)
	getPaymentIntentFunc    func(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	updatePaymentIntentFunc func(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getInvoiceFunc          func(ctx context.Context, id string) (*stripe.Invoice, error)
	updateInvoiceFunc       func(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
	createInvoiceItemFunc   func(ctx context.Context, params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
	listTaxRatesFunc        func(ctx context.Context) ([]*stripe.TaxRate, error)

	markCalls           int
	updateCustomerCalls int
}

func (s *stubFulfillmentAPI) GetProduct(ctx context.Context, id string) (*stripe.Product, error) {
	if s.getProductFunc != nil {
		return s.getProductFunc(ctx, id)
	}
	return &stripe.Product{ID: id, Name: "Product", Active: true}, nil
}

func (s *stubFulfillmentAPI) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	if s.getCustomerFunc != nil {
		return s.getCustomerFunc(ctx, id)
	}
	return &stripe.Customer{ID: id}, nil
}

func (s *stubFulfillmentAPI) UpdateCustomer(ctx context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	s.updateCustomerCalls++
	if s.updateCustomerFunc != nil {
		return s.updateCustomerFunc(ctx, id, params)
	}
	return &stripe.Customer{ID: id}, nil
}

func (s *stubFulfillmentAPI) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if s.getSubscriptionFunc != nil {
		return s.getSubscriptionFunc(ctx, id)
	}
	return &stripe.Subscription{ID: id}, nil
}

func (s *stubFulfillmentAPI) ListSessionLineItems(ctx context.Context, sessionID string) ([]*stripe.LineItem, error) {
	if s.listSessionItemsFunc != nil {
		return s.listSessionItemsFunc(ctx, sessionID)
	}
	return nil, nil
}

func (s *stubFulfillmentAPI) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	if s.getPaymentIntentFunc != nil {
		return s.getPaymentIntentFunc(ctx, id)
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func (s *stubFulfillmentAPI) UpdatePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.markCalls++
	if s.updatePaymentIntentFunc != nil {
		return s.updatePaymentIntentFunc(ctx, id, params)
	}
	return &stripe.PaymentIntent{ID: id}, nil
}

func (s *stubFulfillmentAPI) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	if s.getInvoiceFunc != nil {
		return s.getInvoiceFunc(ctx, id)
	}
	return &stripe.Invoice{ID: id, Status: stripe.InvoiceStatusDraft}, nil
}

func (s *stubFulfillmentAPI) UpdateInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	if s.updateInvoiceFunc != nil {
		return s.updateInvoiceFunc(ctx, id, params)
	}
	return &stripe.Invoice{ID: id}, nil
}

func (s *stubFulfillmentAPI) CreateInvoiceItem(ctx context.Context, params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
	if s.createInvoiceItemFunc != nil {
		return s.createInvoiceItemFunc(ctx, params)
	}
	return &stripe.InvoiceItem{}, nil
}

func (s *stubFulfillmentAPI) ListTaxRates(ctx context.Context) ([]*stripe.TaxRate, error) {
	if s.listTaxRatesFunc != nil {
		return s.listTaxRatesFunc(ctx)
	}
	return nil, nil
}

type recordingMailer struct {
	messages []mail.Message
	err      error
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.messages = append(m.messages, msg)
	return m.err
}

func checkoutCompletedEvent(t *testing.T, payload map[string]any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode event payload: %v", err)
	}
	return stripe.Event{
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: raw},
	}
}

func orderSessionPayload() map[string]any {
	meta := map[string]string{
		"shippers":             "easypost",
		"easypost_shipment_id": "shp_1",
	}
	shipping.Merge(meta, shipping.EncodeShippingInfo(domesticShipTo()))
	return map[string]any{
		"id":               "cs_1",
		"mode":             "payment",
		"payment_intent":   map[string]any{"id": "pi_1"},
		"customer_details": map[string]any{"email": "buyer@example.com"},
		"metadata":         meta,
	}
}

func domesticShipTo() domain.ShippingInfo {
	return domain.ShippingInfo{
		Name: "Jane Buyer",
		Address: domain.Address{
			Line1:      "123 Main St",
			City:       "Springfield",
			State:      "IL",
			PostalCode: "62701",
			Country:    "US",
		},
	}
}

func newFulfillmentUnderTest(t *testing.T, api FulfillmentAPI, registry *shipping.Registry, mailer Mailer, perCycle bool) *FulfillmentService {
	t.Helper()
	service, err := NewFulfillmentService(FulfillmentDeps{
		API:      api,
		Shippers: registry,
		Mailer:   mailer,
		Config: FulfillmentConfig{
			ShopName:           "Tobira Shop",
			Currency:           "usd",
			OperatorRecipients: []string{"ops@example.com"},
			ReplyTo:            "hello@example.com",
			ManageURL:          "https://shop.example/shop/billing/manage",
			ShippingPerCycle:   perCycle,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return service
}

func TestCheckoutCompletedOrderBuysAndNotifies(t *testing.T) {
	api := &stubFulfillmentAPI{
		listSessionItemsFunc: func(_ context.Context, sessionID string) ([]*stripe.LineItem, error) {
			if sessionID != "cs_1" {
				t.Fatalf("unexpected session id %q", sessionID)
			}
			return []*stripe.LineItem{
				{Description: "Green Tea", Quantity: 2, AmountTotal: 1000},
				{Description: "Shipping", Quantity: 1, AmountTotal: 350},
			}, nil
		},
	}
	backend := &stubShippingBackend{
		name: "easypost",
		buyFunc: func(_ context.Context, meta map[string]string) (shipping.Purchase, error) {
			if meta["easypost_shipment_id"] != "shp_1" {
				t.Fatalf("expected the quoted shipment reference, got %v", meta)
			}
			return shipping.Purchase{
				LabelURL:    "https://labels.example/shp_1.png",
				TrackingURL: "https://track.example/shp_1",
			}, nil
		},
	}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, orderSessionPayload()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if backend.buyCalls != 1 {
		t.Fatalf("expected exactly one purchase, got %d", backend.buyCalls)
	}
	if api.markCalls != 1 {
		t.Fatalf("expected the completion marker written once, got %d", api.markCalls)
	}
	if len(mailer.messages) != 2 {
		t.Fatalf("expected operator and customer emails, got %d", len(mailer.messages))
	}
	operator, customer := mailer.messages[0], mailer.messages[1]
	if operator.Template != mail.TemplateNewOrder || operator.To[0] != "ops@example.com" {
		t.Fatalf("unexpected operator message %#v", operator)
	}
	if customer.Template != mail.TemplateCompleteOrder || customer.To[0] != "buyer@example.com" {
		t.Fatalf("unexpected customer message %#v", customer)
	}
	customerData, _ := customer.Data.(map[string]any)
	if customerData["Total"] != "13.50 USD" {
		t.Fatalf("unexpected total %v", customerData["Total"])
	}
}

func TestCheckoutCompletedAlreadyMarkedIsNoop(t *testing.T) {
	api := &stubFulfillmentAPI{
		getPaymentIntentFunc: func(_ context.Context, id string) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{
				ID:       id,
				Status:   stripe.PaymentIntentStatusSucceeded,
				Metadata: map[string]string{"completed": "true"},
			}, nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, orderSessionPayload()))
	if err != nil {
		t.Fatalf("expected a successful no-op, got %v", err)
	}
	if backend.buyCalls != 0 || api.markCalls != 0 || len(mailer.messages) != 0 {
		t.Fatalf("expected no side effects on redelivery, got buys=%d marks=%d mails=%d",
			backend.buyCalls, api.markCalls, len(mailer.messages))
	}
}

func TestCheckoutCompletedRedeliveryReusesShipment(t *testing.T) {
	api := &stubFulfillmentAPI{}
	backend := &stubShippingBackend{
		name: "easypost",
		existsFunc: func(_ context.Context, ref string) (bool, string, error) {
			if ref != "shp_1" {
				t.Fatalf("unexpected reference %q", ref)
			}
			return true, "https://track.example/shp_1", nil
		},
	}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, orderSessionPayload()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.buyCalls != 0 {
		t.Fatalf("expected no second purchase for an existing shipment, got %d", backend.buyCalls)
	}
	if api.markCalls != 1 {
		t.Fatalf("expected the marker still written, got %d", api.markCalls)
	}
}

func TestCheckoutCompletedRefundedIsNoop(t *testing.T) {
	api := &stubFulfillmentAPI{
		getPaymentIntentFunc: func(_ context.Context, id string) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{
				ID:           id,
				Status:       stripe.PaymentIntentStatusSucceeded,
				LatestCharge: &stripe.Charge{Refunded: true},
			}, nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, orderSessionPayload()))
	if err != nil {
		t.Fatalf("expected a successful no-op, got %v", err)
	}
	if backend.buyCalls != 0 || len(mailer.messages) != 0 {
		t.Fatalf("expected no side effects for a refunded payment")
	}
}

func TestCheckoutCompletedMarkerFailureSurfaces(t *testing.T) {
	wantErr := errors.New("platform down")
	api := &stubFulfillmentAPI{
		updatePaymentIntentFunc: func(_ context.Context, _ string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return nil, wantErr
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, orderSessionPayload()))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the marker failure to surface for retry, got %v", err)
	}
	if len(mailer.messages) != 0 {
		t.Fatalf("expected no emails before the marker is written")
	}
}

func TestCheckoutCompletedEmailFailureDoesNotFailEvent(t *testing.T) {
	api := &stubFulfillmentAPI{}
	backend := &stubShippingBackend{name: "easypost"}
	mailer := &recordingMailer{err: errors.New("smtp down")}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, orderSessionPayload()))
	if err != nil {
		t.Fatalf("expected email failure to be swallowed, got %v", err)
	}
}

func TestCheckoutCompletedSubscriptionCopiesAddressOnce(t *testing.T) {
	subMeta := map[string]string{"shippers": "easypost", "easypost_shipment_id": "shp_9"}
	shipping.Merge(subMeta, shipping.EncodeShippingInfo(domesticShipTo()))

	api := &stubFulfillmentAPI{
		getSubscriptionFunc: func(_ context.Context, id string) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID:       id,
				Customer: &stripe.Customer{ID: "cus_1"},
				Metadata: subMeta,
				Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
					{Price: &stripe.Price{Product: &stripe.Product{ID: "prod_club"}}},
				}},
			}, nil
		},
		getProductFunc: func(_ context.Context, id string) (*stripe.Product, error) {
			return &stripe.Product{ID: id, Name: "Tea Club"}, nil
		},
	}
	backend := &stubShippingBackend{
		name: "easypost",
		buyFunc: func(_ context.Context, _ map[string]string) (shipping.Purchase, error) {
			return shipping.Purchase{
				LabelURL:    "https://labels.example/shp_9.png",
				TrackingURL: "https://track.example/shp_9",
			}, nil
		},
	}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	event := checkoutCompletedEvent(t, map[string]any{
		"id":               "cs_sub",
		"mode":             "subscription",
		"subscription":     map[string]any{"id": "sub_1"},
		"customer_details": map[string]any{"email": "buyer@example.com"},
	})
	if err := service.HandleCheckoutCompleted(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if api.updateCustomerCalls != 1 {
		t.Fatalf("expected the address copied to the customer, got %d updates", api.updateCustomerCalls)
	}
	if backend.buyCalls != 1 {
		t.Fatalf("expected the signup shipment purchased, got %d", backend.buyCalls)
	}
	if len(mailer.messages) != 2 {
		t.Fatalf("expected operator and welcome emails, got %d", len(mailer.messages))
	}
	if mailer.messages[0].Template != mail.TemplateNewSubscription {
		t.Fatalf("unexpected operator template %q", mailer.messages[0].Template)
	}
	operatorData, _ := mailer.messages[0].Data.(map[string]any)
	labels, ok := operatorData["Labels"].([]shipmentOutcome)
	if !ok || len(labels) != 1 || labels[0].LabelURL != "https://labels.example/shp_9.png" {
		t.Fatalf("expected the label URL in the operator email, got %v", operatorData["Labels"])
	}
	welcome := mailer.messages[1]
	welcomeData, _ := welcome.Data.(map[string]any)
	if welcome.Template != mail.TemplateCompleteSubscription || welcomeData["PlanName"] != "Tea Club" {
		t.Fatalf("unexpected welcome message %#v", welcome)
	}
	tracking, ok := welcomeData["Tracking"].([]string)
	if !ok || len(tracking) != 1 || tracking[0] != "https://track.example/shp_9" {
		t.Fatalf("expected the tracking URL in the welcome email, got %v", welcomeData["Tracking"])
	}
}

func TestCheckoutCompletedLineItemFailureKeepsEventRetryable(t *testing.T) {
	wantErr := errors.New("stripe down")
	api := &stubFulfillmentAPI{
		listSessionItemsFunc: func(_ context.Context, _ string) ([]*stripe.LineItem, error) {
			return nil, wantErr
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, orderSessionPayload()))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the line item failure to surface, got %v", err)
	}
	if api.markCalls != 0 {
		t.Fatalf("expected no completion marker before the failing fetch, got %d", api.markCalls)
	}
	if len(mailer.messages) != 0 {
		t.Fatalf("expected no emails for a failed delivery, got %d", len(mailer.messages))
	}
}

func TestCheckoutCompletedFallsBackToCustomerEmail(t *testing.T) {
	payload := orderSessionPayload()
	delete(payload, "customer_details")
	payload["customer"] = map[string]any{"id": "cus_1"}

	api := &stubFulfillmentAPI{
		getCustomerFunc: func(_ context.Context, id string) (*stripe.Customer, error) {
			if id != "cus_1" {
				t.Fatalf("unexpected customer id %q", id)
			}
			return &stripe.Customer{ID: id, Email: "stored@example.com"}, nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	err := service.HandleCheckoutCompleted(context.Background(), checkoutCompletedEvent(t, payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mailer.messages) != 2 {
		t.Fatalf("expected operator and customer emails, got %d", len(mailer.messages))
	}
	customer := mailer.messages[1]
	if customer.Template != mail.TemplateCompleteOrder || customer.To[0] != "stored@example.com" {
		t.Fatalf("expected the stored customer email used, got %#v", customer)
	}
}

func TestCheckoutCompletedSubscriptionExistingAddressKept(t *testing.T) {
	subMeta := map[string]string{}
	shipping.Merge(subMeta, shipping.EncodeShippingInfo(domesticShipTo()))

	api := &stubFulfillmentAPI{
		getSubscriptionFunc: func(_ context.Context, id string) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID:       id,
				Customer: &stripe.Customer{ID: "cus_1"},
				Metadata: subMeta,
			}, nil
		},
		getCustomerFunc: func(_ context.Context, id string) (*stripe.Customer, error) {
			return &stripe.Customer{
				ID:       id,
				Email:    "buyer@example.com",
				Shipping: &stripe.ShippingDetails{Name: "Jane Buyer"},
			}, nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, false)

	event := checkoutCompletedEvent(t, map[string]any{
		"id":           "cs_sub",
		"mode":         "subscription",
		"subscription": map[string]any{"id": "sub_1"},
	})
	if err := service.HandleCheckoutCompleted(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.updateCustomerCalls != 0 {
		t.Fatalf("expected the stored address left alone, got %d updates", api.updateCustomerCalls)
	}
}

func invoiceCreatedEvent(t *testing.T, invoiceID string) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": invoiceID})
	if err != nil {
		t.Fatalf("failed to encode event payload: %v", err)
	}
	return stripe.Event{Type: "invoice.created", Data: &stripe.EventData{Raw: raw}}
}

func draftInvoiceAPI(shippedProduct bool) *stubFulfillmentAPI {
	return &stubFulfillmentAPI{
		getInvoiceFunc: func(_ context.Context, id string) (*stripe.Invoice, error) {
			return &stripe.Invoice{
				ID:           id,
				Status:       stripe.InvoiceStatusDraft,
				Customer:     &stripe.Customer{ID: "cus_1"},
				Subscription: &stripe.Subscription{ID: "sub_1"},
			}, nil
		},
		getCustomerFunc: func(_ context.Context, id string) (*stripe.Customer, error) {
			return &stripe.Customer{
				ID: id,
				InvoiceSettings: &stripe.CustomerInvoiceSettings{
					DefaultPaymentMethod: &stripe.PaymentMethod{ID: "pm_1"},
				},
				Shipping: &stripe.ShippingDetails{
					Name: "Jane Buyer",
					Address: &stripe.Address{
						Line1:      "123 Main St",
						City:       "Springfield",
						State:      "IL",
						PostalCode: "62701",
						Country:    "US",
					},
				},
			}, nil
		},
		getSubscriptionFunc: func(_ context.Context, id string) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID: id,
				Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
					{Price: &stripe.Price{Product: &stripe.Product{ID: "prod_club"}}},
				}},
			}, nil
		},
		getProductFunc: func(_ context.Context, id string) (*stripe.Product, error) {
			product := &stripe.Product{ID: id, Name: "Tea Club", Active: true}
			if shippedProduct {
				product.Metadata = map[string]string{"shipped": "true"}
			}
			return product, nil
		},
	}
}

func TestInvoiceCreatedAttachesTaxAndShipping(t *testing.T) {
	api := draftInvoiceAPI(true)
	api.listTaxRatesFunc = func(_ context.Context) ([]*stripe.TaxRate, error) {
		return []*stripe.TaxRate{{ID: "txr_il", Jurisdiction: "IL", Percentage: 8, Active: true}}, nil
	}

	var taxedInvoice string
	var taxRates []*string
	api.updateInvoiceFunc = func(_ context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
		taxedInvoice = id
		taxRates = params.DefaultTaxRates
		return &stripe.Invoice{ID: id}, nil
	}
	var shippingItem *stripe.InvoiceItemParams
	api.createInvoiceItemFunc = func(_ context.Context, params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
		shippingItem = params
		return &stripe.InvoiceItem{}, nil
	}

	backend := &stubShippingBackend{
		name: "easypost",
		quoteFunc: func(_ context.Context, _ []domain.ProductQuantity, _ domain.ShippingInfo) (shipping.Quote, error) {
			return shipping.Quote{AmountCents: 420}, nil
		},
	}
	mailer := &recordingMailer{}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), mailer, true)

	if err := service.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, "in_1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if taxedInvoice != "in_1" || len(taxRates) != 1 || *taxRates[0] != "txr_il" {
		t.Fatalf("expected the IL rate attached, got %q %v", taxedInvoice, taxRates)
	}
	if shippingItem == nil || *shippingItem.Amount != 420 || *shippingItem.Description != "Shipping" {
		t.Fatalf("unexpected shipping item %#v", shippingItem)
	}
	if *shippingItem.Invoice != "in_1" || *shippingItem.Customer != "cus_1" {
		t.Fatalf("expected the item pinned to the draft invoice, got %#v", shippingItem)
	}
}

func TestInvoiceCreatedNonDraftSkipped(t *testing.T) {
	api := draftInvoiceAPI(true)
	api.getInvoiceFunc = func(_ context.Context, id string) (*stripe.Invoice, error) {
		return &stripe.Invoice{ID: id, Status: stripe.InvoiceStatusOpen}, nil
	}
	api.createInvoiceItemFunc = func(_ context.Context, _ *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
		t.Fatalf("expected no invoice item for a finalized invoice")
		return nil, nil
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), &recordingMailer{}, true)

	if err := service.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, "in_2")); err != nil {
		t.Fatalf("expected a successful no-op, got %v", err)
	}
}

func TestInvoiceCreatedUnshippedProductSkipsShipping(t *testing.T) {
	api := draftInvoiceAPI(false)
	api.createInvoiceItemFunc = func(_ context.Context, _ *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
		t.Fatalf("expected no shipping item for an unshipped product")
		return nil, nil
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), &recordingMailer{}, true)

	if err := service.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, "in_3")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvoiceCreatedNoPaymentMethodSkipped(t *testing.T) {
	api := draftInvoiceAPI(true)
	api.getCustomerFunc = func(_ context.Context, id string) (*stripe.Customer, error) {
		return &stripe.Customer{ID: id}, nil
	}
	api.createInvoiceItemFunc = func(_ context.Context, _ *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
		t.Fatalf("expected no work without a payment method")
		return nil, nil
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newFulfillmentUnderTest(t, api, singleBackendRegistry(t, backend), &recordingMailer{}, true)

	if err := service.HandleInvoiceCreated(context.Background(), invoiceCreatedEvent(t, "in_4")); err != nil {
		t.Fatalf("expected a successful no-op, got %v", err)
	}
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/shipping"
	"github.com/tobira-shop/storefront/internal/stripeapi"
)

type stubSubscriptionAPI struct {
	getPriceFunc        func(ctx context.Context, id string) (*stripe.Price, error)
	getProductFunc      func(ctx context.Context, id string) (*stripe.Product, error)
	searchCustomersFunc func(ctx context.Context, email string) ([]*stripe.Customer, error)
	listTaxRatesFunc    func(ctx context.Context) ([]*stripe.TaxRate, error)
	createSessionFunc   func(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func (s *stubSubscriptionAPI) GetPrice(ctx context.Context, id string) (*stripe.Price, error) {
	if s.getPriceFunc != nil {
		return s.getPriceFunc(ctx, id)
	}
	return nil, stripeapi.ErrNotFound
}

func (s *stubSubscriptionAPI) GetProduct(ctx context.Context, id string) (*stripe.Product, error) {
	if s.getProductFunc != nil {
		return s.getProductFunc(ctx, id)
	}
	return &stripe.Product{ID: id, Active: true}, nil
}

func (s *stubSubscriptionAPI) SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error) {
	if s.searchCustomersFunc != nil {
		return s.searchCustomersFunc(ctx, email)
	}
	return nil, nil
}

func (s *stubSubscriptionAPI) ListTaxRates(ctx context.Context) ([]*stripe.TaxRate, error) {
	if s.listTaxRatesFunc != nil {
		return s.listTaxRatesFunc(ctx)
	}
	return nil, nil
}

func (s *stubSubscriptionAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.createSessionFunc != nil {
		return s.createSessionFunc(ctx, params)
	}
	return &stripe.CheckoutSession{ID: "cs_sub", URL: "https://pay.example/cs_sub"}, nil
}

func recurringPlanPrice(shipped bool) *stripe.Price {
	product := &stripe.Product{ID: "prod_club", Name: "Tea Club", Active: true}
	if shipped {
		product.Metadata = map[string]string{"shipped": "true"}
	}
	return &stripe.Price{
		ID:         "price_club",
		Active:     true,
		UnitAmount: 1500,
		Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth, IntervalCount: 1},
		Product:    product,
	}
}

func newSubscriptionUnderTest(t *testing.T, api SubscriptionAPI, registry *shipping.Registry, perCycle bool) *SubscriptionService {
	t.Helper()
	service, err := NewSubscriptionService(SubscriptionDeps{
		API:        api,
		Normalizer: passthroughNormalizer{},
		Shippers:   registry,
		Config: SubscriptionConfig{
			Currency:         "usd",
			DomesticCountry:  "US",
			ShippingPerCycle: perCycle,
			SuccessURL:       "https://shop.example/shop/checkout/success",
			CancelURL:        "https://shop.example/shop/checkout/cancel",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return service
}

func planSessionData(t *testing.T, service *SubscriptionService) *session.Data {
	t.Helper()
	data := &session.Data{}
	if _, err := service.SelectPlan(context.Background(), data, "price_club"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return data
}

func TestSelectPlanSnapshotsRecurringPrice(t *testing.T) {
	api := &stubSubscriptionAPI{
		getPriceFunc: func(_ context.Context, id string) (*stripe.Price, error) {
			if id != "price_club" {
				t.Fatalf("unexpected price id %q", id)
			}
			return recurringPlanPrice(true), nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newSubscriptionUnderTest(t, api, singleBackendRegistry(t, backend), false)

	data := &session.Data{}
	plan, err := service.SelectPlan(context.Background(), data, "price_club")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Name != "Tea Club" || plan.Amount != 1500 || !plan.Shipped {
		t.Fatalf("unexpected plan %#v", plan)
	}
	if data.Plan == nil || data.Plan.PriceID != "price_club" {
		t.Fatalf("expected the plan stored on the session, got %#v", data.Plan)
	}
}

func TestSelectPlanRejectsOneTimePrice(t *testing.T) {
	api := &stubSubscriptionAPI{
		getPriceFunc: func(_ context.Context, _ string) (*stripe.Price, error) {
			price := recurringPlanPrice(false)
			price.Recurring = nil
			return price, nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newSubscriptionUnderTest(t, api, singleBackendRegistry(t, backend), false)

	_, err := service.SelectPlan(context.Background(), &session.Data{}, "price_club")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a one-time price, got %v", err)
	}
}

func TestSetAddressRequiresPlan(t *testing.T) {
	backend := &stubShippingBackend{name: "easypost"}
	service := newSubscriptionUnderTest(t, &stubSubscriptionAPI{}, singleBackendRegistry(t, backend), false)

	_, err := service.SetAddress(context.Background(), &session.Data{}, "Jane", domain.Address{})
	if !errors.Is(err, ErrNoPlanSelected) {
		t.Fatalf("expected ErrNoPlanSelected, got %v", err)
	}
}

func TestSetAddressStoresNormalized(t *testing.T) {
	api := &stubSubscriptionAPI{
		getPriceFunc: func(_ context.Context, _ string) (*stripe.Price, error) {
			return recurringPlanPrice(true), nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newSubscriptionUnderTest(t, api, singleBackendRegistry(t, backend), false)
	data := planSessionData(t, service)

	result, err := service.SetAddress(context.Background(), data, "Jane Buyer", domain.Address{
		Line1:      "123 Main St",
		City:       "Springfield",
		State:      "IL",
		PostalCode: "62701",
		Country:    "FR",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.InvalidAddress {
		t.Fatalf("unexpected invalid-address flag")
	}
	if data.Plan.Shipping == nil || data.Plan.Shipping.Address.Country != "US" {
		t.Fatalf("expected the country forced domestic, got %#v", data.Plan.Shipping)
	}
}

func TestSetEmailValidation(t *testing.T) {
	backend := &stubShippingBackend{name: "easypost"}
	service := newSubscriptionUnderTest(t, &stubSubscriptionAPI{}, singleBackendRegistry(t, backend), false)
	data := &session.Data{}

	if err := service.SetEmail(context.Background(), data, "not-an-email"); !errors.Is(err, ErrMissingEmail) {
		t.Fatalf("expected ErrMissingEmail, got %v", err)
	}
	if err := service.SetEmail(context.Background(), data, " buyer@example.com "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Email != "buyer@example.com" {
		t.Fatalf("expected the trimmed email stored, got %q", data.Email)
	}
}

func TestSubscribeShippedPlanRequiresAddress(t *testing.T) {
	api := &stubSubscriptionAPI{
		getPriceFunc: func(_ context.Context, _ string) (*stripe.Price, error) {
			return recurringPlanPrice(true), nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newSubscriptionUnderTest(t, api, singleBackendRegistry(t, backend), false)
	data := planSessionData(t, service)
	data.Email = "buyer@example.com"

	_, err := service.Subscribe(context.Background(), data)
	if !errors.Is(err, ErrMissingShipping) {
		t.Fatalf("expected ErrMissingShipping, got %v", err)
	}
}

func TestSubscribeUpfrontChargesShippingAndTax(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	api := &stubSubscriptionAPI{
		getPriceFunc: func(_ context.Context, _ string) (*stripe.Price, error) {
			return recurringPlanPrice(true), nil
		},
		getProductFunc: func(_ context.Context, id string) (*stripe.Product, error) {
			return &stripe.Product{ID: id, Name: "Tea Club", Active: true, Metadata: map[string]string{"shipped": "true"}}, nil
		},
		listTaxRatesFunc: func(_ context.Context) ([]*stripe.TaxRate, error) {
			return []*stripe.TaxRate{{ID: "txr_il", Jurisdiction: "IL", Percentage: 8, Active: true}}, nil
		},
		createSessionFunc: func(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			captured = params
			return &stripe.CheckoutSession{ID: "cs_up", URL: "https://pay.example/cs_up"}, nil
		},
	}
	backend := &stubShippingBackend{
		name: "easypost",
		quoteFunc: func(_ context.Context, items []domain.ProductQuantity, _ domain.ShippingInfo) (shipping.Quote, error) {
			if len(items) != 1 || items[0].Quantity != 1 {
				t.Fatalf("expected one unit quoted, got %v", items)
			}
			return shipping.Quote{AmountCents: 350, Metadata: map[string]string{"easypost_shipment_id": "shp_up"}}, nil
		},
	}
	service := newSubscriptionUnderTest(t, api, singleBackendRegistry(t, backend), false)
	data := planSessionData(t, service)
	data.Email = "buyer@example.com"
	if _, err := service.SetAddress(context.Background(), data, "Jane Buyer", domain.Address{
		Line1: "123 Main St", City: "Springfield", State: "IL", PostalCode: "62701", Country: "US",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := service.Subscribe(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RedirectURL != "https://pay.example/cs_up" {
		t.Fatalf("unexpected result %#v", result)
	}
	if data.PaymentSessionID != "cs_up" {
		t.Fatalf("expected the payment session recorded, got %q", data.PaymentSessionID)
	}

	// Plan line plus upfront shipping plus tax over the 1500 plan base.
	if len(captured.LineItems) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(captured.LineItems))
	}
	if *captured.LineItems[0].Price != "price_club" {
		t.Fatalf("expected the plan price first, got %v", captured.LineItems[0])
	}
	if *captured.LineItems[1].PriceData.UnitAmount != 350 {
		t.Fatalf("expected a 350 shipping line, got %v", captured.LineItems[1])
	}
	if *captured.LineItems[2].PriceData.UnitAmount != 120 {
		t.Fatalf("expected a 120 tax line, got %v", captured.LineItems[2])
	}

	if captured.SubscriptionData == nil || captured.SubscriptionData.Metadata["address_city"] != "Springfield" {
		t.Fatalf("expected the destination on the subscription metadata")
	}
	if captured.SubscriptionData.Metadata["easypost_shipment_id"] != "shp_up" {
		t.Fatalf("expected the quote context carried, got %v", captured.SubscriptionData.Metadata)
	}
}

func TestSubscribePerCycleDefersShipping(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	api := &stubSubscriptionAPI{
		getPriceFunc: func(_ context.Context, _ string) (*stripe.Price, error) {
			return recurringPlanPrice(true), nil
		},
		getProductFunc: func(_ context.Context, id string) (*stripe.Product, error) {
			return &stripe.Product{ID: id, Name: "Tea Club", Active: true, Metadata: map[string]string{"shipped": "true"}}, nil
		},
		createSessionFunc: func(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			captured = params
			return &stripe.CheckoutSession{ID: "cs_pc"}, nil
		},
	}
	backend := &stubShippingBackend{
		name: "easypost",
		quoteFunc: func(_ context.Context, _ []domain.ProductQuantity, _ domain.ShippingInfo) (shipping.Quote, error) {
			t.Fatalf("expected no upfront quote in per-cycle mode")
			return shipping.Quote{}, nil
		},
	}
	service := newSubscriptionUnderTest(t, api, singleBackendRegistry(t, backend), true)
	data := planSessionData(t, service)
	data.Email = "buyer@example.com"
	if _, err := service.SetAddress(context.Background(), data, "Jane Buyer", domain.Address{
		Line1: "123 Main St", City: "Springfield", State: "IL", PostalCode: "62701", Country: "US",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.Subscribe(context.Background(), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(captured.LineItems) != 1 {
		t.Fatalf("expected only the plan line, got %d", len(captured.LineItems))
	}
	if captured.SubscriptionData.Metadata["shippers"] != "easypost" {
		t.Fatalf("expected the backend recorded for the invoice webhook, got %v", captured.SubscriptionData.Metadata)
	}
	if captured.SubscriptionData.Metadata["address_line1"] != "123 Main St" {
		t.Fatalf("expected the destination carried, got %v", captured.SubscriptionData.Metadata)
	}
}

func TestSubscribeUnshippedPlanSkipsExtras(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	api := &stubSubscriptionAPI{
		getPriceFunc: func(_ context.Context, _ string) (*stripe.Price, error) {
			return recurringPlanPrice(false), nil
		},
		createSessionFunc: func(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			captured = params
			return &stripe.CheckoutSession{ID: "cs_plain"}, nil
		},
	}
	backend := &stubShippingBackend{name: "easypost"}
	service := newSubscriptionUnderTest(t, api, singleBackendRegistry(t, backend), false)
	data := planSessionData(t, service)
	data.Email = "buyer@example.com"

	if _, err := service.Subscribe(context.Background(), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.LineItems) != 1 || captured.SubscriptionData != nil {
		t.Fatalf("expected a bare plan checkout, got %#v", captured)
	}
}

package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/tobira-shop/storefront/internal/domain"
)

const (
	shipbobBackendName     = "shipbob"
	shipbobProductsMetaKey = "shipbob_products"
)

// ShipBobConfig configures the fulfilment-warehouse backend.
type ShipBobConfig struct {
	Token     string
	ChannelID string
	BaseURL   string
	Timeout   time.Duration
}

// ShipBobBackend quotes and places orders against a fulfilment warehouse
// that ships from its own facilities. Orders are correlated by a reference
// id minted at quote time, since the warehouse assigns its own order ids.
type ShipBobBackend struct {
	http   *resty.Client
	cfg    ShipBobConfig
	logger func(ctx context.Context, event string, fields map[string]any)
}

// ShipBobDeps wires the dependencies required by the backend.
type ShipBobDeps struct {
	Config ShipBobConfig
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// NewShipBobBackend constructs the backend validating required settings.
func NewShipBobBackend(deps ShipBobDeps) (*ShipBobBackend, error) {
	cfg := deps.Config
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("shipbob: api token is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = "https://api.shipbob.com/1.0"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetAuthToken(cfg.Token)
	if strings.TrimSpace(cfg.ChannelID) != "" {
		httpClient.SetHeader("shipbob_channel_id", cfg.ChannelID)
	}
	return &ShipBobBackend{http: httpClient, cfg: cfg, logger: logger}, nil
}

// Name implements the Backend interface.
func (b *ShipBobBackend) Name() string { return shipbobBackendName }

type shipbobProduct struct {
	ID          int64  `json:"id"`
	ReferenceID string `json:"reference_id"`
	Name        string `json:"name"`
}

type shipbobOrderProduct struct {
	ID       int64 `json:"id"`
	Quantity int64 `json:"quantity"`
}

type shipbobAddress struct {
	Address1 string `json:"address1"`
	Address2 string `json:"address2,omitempty"`
	City     string `json:"city"`
	State    string `json:"state"`
	ZipCode  string `json:"zip_code"`
	Country  string `json:"country"`
}

type shipbobRecipient struct {
	Name    string         `json:"name"`
	Address shipbobAddress `json:"address"`
}

type shipbobEstimate struct {
	ShippingMethod string  `json:"shipping_method"`
	EstimatedPrice float64 `json:"estimated_price"`
}

type shipbobEstimateResponse struct {
	Estimates []shipbobEstimate `json:"estimates"`
}

type shipbobOrder struct {
	ID          int64  `json:"id"`
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	Shipments   []struct {
		TrackingURL string `json:"tracking_url"`
	} `json:"shipments"`
}

// QuoteRate implements the Backend interface. Store products are matched to
// warehouse products by reference id; unknown products are registered on the
// fly so the estimate never fails on a fresh catalog entry.
func (b *ShipBobBackend) QuoteRate(ctx context.Context, items []domain.ProductQuantity, dest domain.ShippingInfo) (Quote, error) {
	orderProducts, err := b.resolveProducts(ctx, items)
	if err != nil {
		return Quote{}, err
	}

	body := map[string]any{
		"address":  toShipbobAddress(dest),
		"products": orderProducts,
	}
	var estimate shipbobEstimateResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&estimate).
		Post("/order/estimate")
	if err != nil {
		return Quote{}, fmt.Errorf("shipbob: estimate order: %w", err)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("shipbob: estimate order: status %d: %s", resp.StatusCode(), resp.String())
	}

	amount, err := cheapestShipbobEstimate(estimate.Estimates)
	if err != nil {
		return Quote{}, err
	}

	productsJSON, err := json.Marshal(orderProducts)
	if err != nil {
		return Quote{}, fmt.Errorf("shipbob: encode product list: %w", err)
	}
	reference := strings.ReplaceAll(uuid.NewString(), "-", "")

	b.logger(ctx, "shipping.shipbob.quoted", map[string]any{
		"reference": reference,
		"cents":     amount,
	})
	return Quote{
		AmountCents: amount,
		Metadata: map[string]string{
			ShipmentIDKey(shipbobBackendName): reference,
			shipbobProductsMetaKey:            string(productsJSON),
		},
	}, nil
}

// BuyShipment implements the Backend interface. The order is reconstructed
// entirely from checkout metadata since no warehouse order exists yet.
func (b *ShipBobBackend) BuyShipment(ctx context.Context, meta map[string]string) (Purchase, error) {
	reference := strings.TrimSpace(meta[ShipmentIDKey(shipbobBackendName)])
	if reference == "" {
		return Purchase{}, errors.New("shipbob: order reference missing from metadata")
	}
	info, ok := DecodeShippingInfo(meta)
	if !ok {
		return Purchase{}, errors.New("shipbob: shipping address missing from metadata")
	}
	var orderProducts []shipbobOrderProduct
	if err := json.Unmarshal([]byte(meta[shipbobProductsMetaKey]), &orderProducts); err != nil {
		return Purchase{}, fmt.Errorf("shipbob: decode product list: %w", err)
	}

	body := map[string]any{
		"reference_id": reference,
		"recipient": shipbobRecipient{
			Name:    info.Name,
			Address: toShipbobAddress(info),
		},
		"products": orderProducts,
	}
	var order shipbobOrder
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&order).
		Post("/order")
	if err != nil {
		return Purchase{}, fmt.Errorf("shipbob: create order %s: %w", reference, err)
	}
	if resp.IsError() {
		return Purchase{}, fmt.Errorf("shipbob: create order %s: status %d: %s", reference, resp.StatusCode(), resp.String())
	}

	b.logger(ctx, "shipping.shipbob.ordered", map[string]any{
		"reference": reference,
		"orderId":   order.ID,
	})
	return Purchase{TrackingURL: firstShipbobTracking(order)}, nil
}

// ShipmentExists implements the Backend interface. The warehouse list
// endpoint filters by reference id, so any hit means the order was placed.
func (b *ShipBobBackend) ShipmentExists(ctx context.Context, ref string) (bool, string, error) {
	if strings.TrimSpace(ref) == "" {
		return false, "", nil
	}
	var orders []shipbobOrder
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("ReferenceIds", ref).
		SetResult(&orders).
		Get("/order")
	if err != nil {
		return false, "", fmt.Errorf("shipbob: list orders for %s: %w", ref, err)
	}
	if resp.IsError() {
		return false, "", fmt.Errorf("shipbob: list orders for %s: status %d", ref, resp.StatusCode())
	}
	for _, order := range orders {
		if order.ReferenceID == ref {
			return true, firstShipbobTracking(order), nil
		}
	}
	return false, "", nil
}

// resolveProducts maps store products to warehouse product ids, registering
// missing products before estimating.
func (b *ShipBobBackend) resolveProducts(ctx context.Context, items []domain.ProductQuantity) ([]shipbobOrderProduct, error) {
	known, err := b.listProducts(ctx)
	if err != nil {
		return nil, err
	}
	byReference := make(map[string]int64, len(known))
	for _, product := range known {
		if product.ReferenceID != "" {
			byReference[product.ReferenceID] = product.ID
		}
	}

	orderProducts := make([]shipbobOrderProduct, 0, len(items))
	for _, item := range items {
		id, ok := byReference[item.Product.ID]
		if !ok {
			created, err := b.createProduct(ctx, item.Product)
			if err != nil {
				return nil, err
			}
			id = created.ID
		}
		quantity := item.Quantity
		if quantity < 1 {
			quantity = 1
		}
		orderProducts = append(orderProducts, shipbobOrderProduct{ID: id, Quantity: quantity})
	}
	return orderProducts, nil
}

func (b *ShipBobBackend) listProducts(ctx context.Context) ([]shipbobProduct, error) {
	var products []shipbobProduct
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&products).
		Get("/product")
	if err != nil {
		return nil, fmt.Errorf("shipbob: list products: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("shipbob: list products: status %d", resp.StatusCode())
	}
	return products, nil
}

func (b *ShipBobBackend) createProduct(ctx context.Context, product domain.Product) (shipbobProduct, error) {
	var created shipbobProduct
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"reference_id": product.ID,
			"name":         product.Name,
		}).
		SetResult(&created).
		Post("/product")
	if err != nil {
		return shipbobProduct{}, fmt.Errorf("shipbob: create product %s: %w", product.ID, err)
	}
	if resp.IsError() {
		return shipbobProduct{}, fmt.Errorf("shipbob: create product %s: status %d: %s", product.ID, resp.StatusCode(), resp.String())
	}
	b.logger(ctx, "shipping.shipbob.product_registered", map[string]any{
		"productId":   product.ID,
		"warehouseId": created.ID,
	})
	return created, nil
}

func cheapestShipbobEstimate(estimates []shipbobEstimate) (int64, error) {
	if len(estimates) == 0 {
		return 0, ErrNoRatesAvailable
	}
	best := math.MaxFloat64
	for _, estimate := range estimates {
		if estimate.EstimatedPrice < best {
			best = estimate.EstimatedPrice
		}
	}
	return int64(math.Ceil(best * 100)), nil
}

func firstShipbobTracking(order shipbobOrder) string {
	for _, shipment := range order.Shipments {
		if shipment.TrackingURL != "" {
			return shipment.TrackingURL
		}
	}
	return ""
}

func toShipbobAddress(info domain.ShippingInfo) shipbobAddress {
	return shipbobAddress{
		Address1: info.Address.Line1,
		Address2: info.Address.Line2,
		City:     info.Address.City,
		State:    info.Address.State,
		ZipCode:  info.Address.PostalCode,
		Country:  info.Address.Country,
	}
}

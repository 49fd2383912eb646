package shipping

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tobira-shop/storefront/internal/domain"
)

const easypostBackendName = "easypost"

// EasyPostConfig configures the label-broker backend.
type EasyPostConfig struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	ShipFrom domain.ShippingInfo

	// Customs declarations are only assembled when the destination country
	// differs from the ship-from country and these fields are populated.
	CustomsContentsType string
	CustomsSigner       string
	CustomsCertify      bool
}

// EasyPostBackend quotes and purchases labels through a label-broker API.
type EasyPostBackend struct {
	http     *resty.Client
	cfg      EasyPostConfig
	prices   PriceSource
	notifier Notifier
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// EasyPostDeps wires the dependencies required by the backend.
type EasyPostDeps struct {
	Config   EasyPostConfig
	Prices   PriceSource
	Notifier Notifier
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewEasyPostBackend constructs the backend validating required settings.
func NewEasyPostBackend(deps EasyPostDeps) (*EasyPostBackend, error) {
	cfg := deps.Config
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("easypost: api key is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = "https://api.easypost.com/v2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetBasicAuth(cfg.APIKey, "")
	return &EasyPostBackend{
		http:     httpClient,
		cfg:      cfg,
		prices:   deps.Prices,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Name implements the Backend interface.
func (b *EasyPostBackend) Name() string { return easypostBackendName }

type easypostAddress struct {
	Name    string `json:"name,omitempty"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type easypostParcel struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Weight float64 `json:"weight"`
}

type easypostCustomsItem struct {
	Description   string  `json:"description"`
	Quantity      int64   `json:"quantity"`
	Value         float64 `json:"value"`
	Weight        float64 `json:"weight"`
	Code          string  `json:"code"`
	OriginCountry string  `json:"origin_country"`
}

type easypostCustomsInfo struct {
	ContentsType   string                `json:"contents_type"`
	CustomsSigner  string                `json:"customs_signer"`
	CustomsCertify bool                  `json:"customs_certify"`
	CustomsItems   []easypostCustomsItem `json:"customs_items"`
}

type easypostRate struct {
	ID   string `json:"id"`
	Rate string `json:"rate"`
}

type easypostShipment struct {
	ID           string         `json:"id"`
	Rates        []easypostRate `json:"rates"`
	PostageLabel *struct {
		LabelURL string `json:"label_url"`
	} `json:"postage_label"`
	Tracker *struct {
		PublicURL string `json:"public_url"`
	} `json:"tracker"`
}

type easypostShipmentRequest struct {
	Shipment struct {
		ToAddress   easypostAddress      `json:"to_address"`
		FromAddress easypostAddress      `json:"from_address"`
		Parcel      easypostParcel       `json:"parcel"`
		CustomsInfo *easypostCustomsInfo `json:"customs_info,omitempty"`
	} `json:"shipment"`
}

// QuoteRate implements the Backend interface. The quote context is just the
// broker's shipment id; the shipment itself holds the rates until purchase.
func (b *EasyPostBackend) QuoteRate(ctx context.Context, items []domain.ProductQuantity, dest domain.ShippingInfo) (Quote, error) {
	parcel, missing := AggregateParcel(items)
	if len(missing) > 0 {
		b.reportMissingMetadata(ctx, missing)
	}

	request := easypostShipmentRequest{}
	request.Shipment.ToAddress = toEasypostAddress(dest)
	request.Shipment.FromAddress = toEasypostAddress(b.cfg.ShipFrom)
	request.Shipment.Parcel = easypostParcel(parcel)

	if b.customsRequired(dest) {
		customs, err := b.buildCustomsInfo(ctx, items, parcel)
		if err != nil {
			return Quote{}, err
		}
		request.Shipment.CustomsInfo = customs
	}

	var shipment easypostShipment
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&shipment).
		Post("/shipments")
	if err != nil {
		return Quote{}, fmt.Errorf("easypost: create shipment: %w", err)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("easypost: create shipment: status %d: %s", resp.StatusCode(), resp.String())
	}

	amount, _, err := cheapestEasypostRate(shipment.Rates)
	if err != nil {
		return Quote{}, err
	}

	b.logger(ctx, "shipping.easypost.quoted", map[string]any{
		"shipmentId": shipment.ID,
		"cents":      amount,
	})
	return Quote{
		AmountCents: amount,
		Metadata:    map[string]string{ShipmentIDKey(easypostBackendName): shipment.ID},
	}, nil
}

// BuyShipment implements the Backend interface.
func (b *EasyPostBackend) BuyShipment(ctx context.Context, meta map[string]string) (Purchase, error) {
	shipmentID := strings.TrimSpace(meta[ShipmentIDKey(easypostBackendName)])
	if shipmentID == "" {
		return Purchase{}, errors.New("easypost: shipment id missing from metadata")
	}

	var shipment easypostShipment
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&shipment).
		Get("/shipments/" + shipmentID)
	if err != nil {
		return Purchase{}, fmt.Errorf("easypost: retrieve shipment %s: %w", shipmentID, err)
	}
	if resp.IsError() {
		return Purchase{}, fmt.Errorf("easypost: retrieve shipment %s: status %d", shipmentID, resp.StatusCode())
	}

	_, rateID, err := cheapestEasypostRate(shipment.Rates)
	if err != nil {
		return Purchase{}, err
	}

	var bought easypostShipment
	resp, err = b.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"rate": map[string]string{"id": rateID}}).
		SetResult(&bought).
		Post("/shipments/" + shipmentID + "/buy")
	if err != nil {
		return Purchase{}, fmt.Errorf("easypost: buy shipment %s: %w", shipmentID, err)
	}
	if resp.IsError() {
		return Purchase{}, fmt.Errorf("easypost: buy shipment %s: status %d: %s", shipmentID, resp.StatusCode(), resp.String())
	}

	purchase := Purchase{}
	if bought.PostageLabel != nil {
		purchase.LabelURL = bought.PostageLabel.LabelURL
	}
	if bought.Tracker != nil {
		purchase.TrackingURL = bought.Tracker.PublicURL
	}
	b.logger(ctx, "shipping.easypost.purchased", map[string]any{"shipmentId": shipmentID})
	return purchase, nil
}

// ShipmentExists implements the Backend interface. A purchased shipment has
// a postage label attached; a quoted-but-unbought one does not.
func (b *EasyPostBackend) ShipmentExists(ctx context.Context, ref string) (bool, string, error) {
	if strings.TrimSpace(ref) == "" {
		return false, "", nil
	}
	var shipment easypostShipment
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&shipment).
		Get("/shipments/" + ref)
	if err != nil {
		return false, "", fmt.Errorf("easypost: retrieve shipment %s: %w", ref, err)
	}
	if resp.StatusCode() == 404 {
		return false, "", nil
	}
	if resp.IsError() {
		return false, "", fmt.Errorf("easypost: retrieve shipment %s: status %d", ref, resp.StatusCode())
	}
	if shipment.PostageLabel == nil {
		return false, "", nil
	}
	tracking := ""
	if shipment.Tracker != nil {
		tracking = shipment.Tracker.PublicURL
	}
	return true, tracking, nil
}

func (b *EasyPostBackend) customsRequired(dest domain.ShippingInfo) bool {
	if strings.TrimSpace(b.cfg.CustomsContentsType) == "" || strings.TrimSpace(b.cfg.CustomsSigner) == "" {
		return false
	}
	return !strings.EqualFold(dest.Address.Country, b.cfg.ShipFrom.Address.Country)
}

func (b *EasyPostBackend) buildCustomsInfo(ctx context.Context, items []domain.ProductQuantity, parcel Parcel) (*easypostCustomsInfo, error) {
	if b.prices == nil {
		return nil, errors.New("easypost: price source required for customs declarations")
	}
	customs := &easypostCustomsInfo{
		ContentsType:   b.cfg.CustomsContentsType,
		CustomsSigner:  b.cfg.CustomsSigner,
		CustomsCertify: b.cfg.CustomsCertify,
	}
	for _, item := range items {
		cents, err := b.prices.UnitPriceCents(ctx, item.Product.ID)
		if err != nil {
			return nil, fmt.Errorf("easypost: customs value for %s: %w", item.Product.ID, err)
		}
		dims, _ := productDimensions(item.Product)
		weight := dims.Weight
		if weight == 0 {
			weight = parcel.Weight
		}
		customs.CustomsItems = append(customs.CustomsItems, easypostCustomsItem{
			Description:   item.Product.Description,
			Quantity:      item.Quantity,
			Value:         float64(cents) / 100,
			Weight:        weight,
			Code:          item.Product.ID,
			OriginCountry: b.cfg.ShipFrom.Address.Country,
		})
	}
	return customs, nil
}

func (b *EasyPostBackend) reportMissingMetadata(ctx context.Context, productIDs []string) {
	message := fmt.Sprintf(
		"Products missing dimension/weight metadata, shipping was estimated with incomplete data: %s",
		strings.Join(productIDs, ", "))
	if err := b.notifier.NotifyOperator(ctx, "Missing product metadata", message); err != nil {
		b.logger(ctx, "shipping.easypost.notify_failed", map[string]any{"error": err.Error()})
	}
}

// cheapestEasypostRate selects the lowest rate, returning cents and rate id.
func cheapestEasypostRate(rates []easypostRate) (int64, string, error) {
	if len(rates) == 0 {
		return 0, "", ErrNoRatesAvailable
	}
	best := math.MaxFloat64
	bestID := ""
	for _, rate := range rates {
		value, err := strconv.ParseFloat(rate.Rate, 64)
		if err != nil {
			continue
		}
		if value < best {
			best = value
			bestID = rate.ID
		}
	}
	if bestID == "" {
		return 0, "", ErrNoRatesAvailable
	}
	return int64(math.Ceil(best * 100)), bestID, nil
}

func toEasypostAddress(info domain.ShippingInfo) easypostAddress {
	return easypostAddress{
		Name:    info.Name,
		Street1: info.Address.Line1,
		Street2: info.Address.Line2,
		City:    info.Address.City,
		State:   info.Address.State,
		Zip:     info.Address.PostalCode,
		Country: info.Address.Country,
	}
}

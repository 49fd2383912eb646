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

	"github.com/tobira-shop/storefront/internal/domain"
)

const (
	printapiBackendName = "printapi"

	printapiMetaSKU       = "sku"
	printapiMetaPageCount = "pagecount"
	printapiMetaGutsPDF   = "guts_pdf"
	printapiMetaCoverPDF  = "cover_pdf"
)

// PrintAPIConfig configures the print-on-demand backend.
type PrintAPIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// DomesticCountry is the only destination the print shop ships to.
	DomesticCountry string
}

// PrintAPIBackend sends book orders to a print-on-demand service. The
// service prints and ships directly, so there is nothing to buy beyond
// placing the order itself.
type PrintAPIBackend struct {
	http     *resty.Client
	cfg      PrintAPIConfig
	notifier Notifier
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// PrintAPIDeps wires the dependencies required by the backend.
type PrintAPIDeps struct {
	Config   PrintAPIConfig
	Notifier Notifier
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewPrintAPIBackend constructs the backend validating required settings.
func NewPrintAPIBackend(deps PrintAPIDeps) (*PrintAPIBackend, error) {
	cfg := deps.Config
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("printapi: api key is required")
	}
	if strings.TrimSpace(cfg.DomesticCountry) == "" {
		cfg.DomesticCountry = "US"
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("printapi: base url is required")
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
		SetAuthToken(cfg.APIKey)
	return &PrintAPIBackend{http: httpClient, cfg: cfg, notifier: notifier, logger: logger}, nil
}

// Name implements the Backend interface.
func (b *PrintAPIBackend) Name() string { return printapiBackendName }

// printapiItem is the order line snapshot carried through checkout metadata
// so the order can be reconstructed at fulfilment time.
type printapiItem struct {
	SKU       string `json:"sku"`
	PageCount string `json:"pagecount"`
	GutsPDF   string `json:"guts_pdf"`
	CoverPDF  string `json:"cover_pdf"`
	Quantity  int64  `json:"quantity"`
}

type printapiAddress struct {
	Name       string `json:"name"`
	Street1    string `json:"street1"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type printapiEstimateResponse struct {
	Rates []struct {
		Service string  `json:"service"`
		Cost    float64 `json:"cost"`
	} `json:"rates"`
}

type printapiOrder struct {
	ID string `json:"id"`
}

// QuoteRate implements the Backend interface. The print shop only ships
// domestically. Products missing print metadata are reported to the
// operator and left out of the estimate.
func (b *PrintAPIBackend) QuoteRate(ctx context.Context, items []domain.ProductQuantity, dest domain.ShippingInfo) (Quote, error) {
	if !strings.EqualFold(dest.Address.Country, b.cfg.DomesticCountry) {
		return Quote{}, fmt.Errorf("printapi: destination %s: %w", dest.Address.Country, ErrInternationalNotSupported)
	}

	printItems, missing := b.collectItems(items)
	if len(missing) > 0 {
		b.reportMissingMetadata(ctx, missing)
	}
	if len(printItems) == 0 {
		return Quote{}, ErrNoRatesAvailable
	}

	var estimate printapiEstimateResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"address": toPrintapiAddress(dest),
			"items":   printItems,
		}).
		SetResult(&estimate).
		Post("/orders/shipping/estimate")
	if err != nil {
		return Quote{}, fmt.Errorf("printapi: estimate shipping: %w", err)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("printapi: estimate shipping: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(estimate.Rates) == 0 {
		return Quote{}, ErrNoRatesAvailable
	}

	best := math.MaxFloat64
	for _, rate := range estimate.Rates {
		if rate.Cost < best {
			best = rate.Cost
		}
	}
	amount := int64(math.Ceil(best * 100))

	meta := make(map[string]string, len(printItems))
	for i, item := range printItems {
		encoded, err := json.Marshal(item)
		if err != nil {
			return Quote{}, fmt.Errorf("printapi: encode item %d: %w", i, err)
		}
		meta[fmt.Sprintf("%s_product_%d", printapiBackendName, i)] = string(encoded)
	}

	b.logger(ctx, "shipping.printapi.quoted", map[string]any{
		"items": len(printItems),
		"cents": amount,
	})
	return Quote{AmountCents: amount, Metadata: meta}, nil
}

// BuyShipment implements the Backend interface by placing the print order.
func (b *PrintAPIBackend) BuyShipment(ctx context.Context, meta map[string]string) (Purchase, error) {
	info, ok := DecodeShippingInfo(meta)
	if !ok {
		return Purchase{}, errors.New("printapi: shipping address missing from metadata")
	}
	items := decodePrintapiItems(meta)
	if len(items) == 0 {
		return Purchase{}, errors.New("printapi: no order items in metadata")
	}

	var order printapiOrder
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"address": toPrintapiAddress(info),
			"items":   items,
		}).
		SetResult(&order).
		Post("/orders")
	if err != nil {
		return Purchase{}, fmt.Errorf("printapi: create order: %w", err)
	}
	if resp.IsError() {
		return Purchase{}, fmt.Errorf("printapi: create order: status %d: %s", resp.StatusCode(), resp.String())
	}

	b.logger(ctx, "shipping.printapi.ordered", map[string]any{"orderId": order.ID})
	return Purchase{}, nil
}

// ShipmentExists implements the Backend interface. The print shop assigns
// order ids only at creation, so there is never a prior shipment to find.
// Callers rely on their own replay guard before purchasing.
func (b *PrintAPIBackend) ShipmentExists(ctx context.Context, ref string) (bool, string, error) {
	return false, "", nil
}

func (b *PrintAPIBackend) collectItems(items []domain.ProductQuantity) ([]printapiItem, []string) {
	printItems := make([]printapiItem, 0, len(items))
	var missing []string
	for _, item := range items {
		printItem := printapiItem{
			SKU:       item.Product.MetaValue(printapiMetaSKU),
			PageCount: item.Product.MetaValue(printapiMetaPageCount),
			GutsPDF:   item.Product.MetaValue(printapiMetaGutsPDF),
			CoverPDF:  item.Product.MetaValue(printapiMetaCoverPDF),
			Quantity:  item.Quantity,
		}
		if printItem.Quantity < 1 {
			printItem.Quantity = 1
		}
		if printItem.SKU == "" || printItem.PageCount == "" || printItem.GutsPDF == "" || printItem.CoverPDF == "" {
			missing = append(missing, item.Product.ID)
			continue
		}
		printItems = append(printItems, printItem)
	}
	return printItems, missing
}

func (b *PrintAPIBackend) reportMissingMetadata(ctx context.Context, productIDs []string) {
	message := fmt.Sprintf(
		"Products missing print metadata (sku, pagecount, guts_pdf, cover_pdf) were excluded from an order: %s",
		strings.Join(productIDs, ", "))
	if err := b.notifier.NotifyOperator(ctx, "Missing print metadata", message); err != nil {
		b.logger(ctx, "shipping.printapi.notify_failed", map[string]any{"error": err.Error()})
	}
}

func decodePrintapiItems(meta map[string]string) []printapiItem {
	var items []printapiItem
	for i := 0; ; i++ {
		raw, ok := meta[fmt.Sprintf("%s_product_%d", printapiBackendName, i)]
		if !ok {
			break
		}
		var item printapiItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			break
		}
		items = append(items, item)
	}
	return items
}

func toPrintapiAddress(info domain.ShippingInfo) printapiAddress {
	return printapiAddress{
		Name:       info.Name,
		Street1:    info.Address.Line1,
		Street2:    info.Address.Line2,
		City:       info.Address.City,
		State:      info.Address.State,
		PostalCode: info.Address.PostalCode,
		Country:    info.Address.Country,
	}
}

package shipping

import (
	"sort"
	"strings"

	"github.com/tobira-shop/storefront/internal/domain"
)

// The payment platform only stores flat string metadata, so the shipment
// context quoted at checkout has to survive as namespaced flat keys and be
// reconstructed at fulfilment time. These keys are a wire format: both
// sides of the round trip depend on them.
const (
	metaKeyName      = "name"
	metaKeyShippers  = "shippers"
	addressKeyPrefix = "address_"
	shipmentIDSuffix = "_shipment_id"
)

// ShipmentIDKey returns the metadata key carrying a backend's shipment
// reference.
func ShipmentIDKey(backend string) string {
	return strings.ToLower(strings.TrimSpace(backend)) + shipmentIDSuffix
}

// EncodeShippingInfo flattens a recipient into metadata keys.
func EncodeShippingInfo(info domain.ShippingInfo) map[string]string {
	meta := map[string]string{
		metaKeyName:                      info.Name,
		addressKeyPrefix + "line1":       info.Address.Line1,
		addressKeyPrefix + "city":        info.Address.City,
		addressKeyPrefix + "state":       info.Address.State,
		addressKeyPrefix + "postal_code": info.Address.PostalCode,
		addressKeyPrefix + "country":     info.Address.Country,
	}
	if info.Address.Line2 != "" {
		meta[addressKeyPrefix+"line2"] = info.Address.Line2
	}
	return meta
}

// DecodeShippingInfo reconstructs a recipient from flattened metadata. The
// second return value reports whether a usable address was present.
func DecodeShippingInfo(meta map[string]string) (domain.ShippingInfo, bool) {
	info := domain.ShippingInfo{
		Name: strings.TrimSpace(meta[metaKeyName]),
		Address: domain.Address{
			Line1:      strings.TrimSpace(meta[addressKeyPrefix+"line1"]),
			Line2:      strings.TrimSpace(meta[addressKeyPrefix+"line2"]),
			City:       strings.TrimSpace(meta[addressKeyPrefix+"city"]),
			State:      strings.TrimSpace(meta[addressKeyPrefix+"state"]),
			PostalCode: strings.TrimSpace(meta[addressKeyPrefix+"postal_code"]),
			Country:    strings.TrimSpace(meta[addressKeyPrefix+"country"]),
		},
	}
	ok := info.Address.Line1 != "" && info.Address.City != "" && info.Address.PostalCode != ""
	return info, ok
}

// EncodeBackends records which backends participated in a quote.
func EncodeBackends(names []string) map[string]string {
	cleaned := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	sort.Strings(cleaned)
	return map[string]string{metaKeyShippers: strings.Join(cleaned, " ")}
}

// DecodeBackends lists the backends recorded by EncodeBackends.
func DecodeBackends(meta map[string]string) []string {
	raw := strings.TrimSpace(meta[metaKeyShippers])
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// Merge copies src entries into dst, skipping empty keys and values so the
// platform never receives blank metadata entries.
func Merge(dst, src map[string]string) {
	for k, v := range src {
		key := strings.TrimSpace(k)
		if key == "" || strings.TrimSpace(v) == "" {
			continue
		}
		dst[key] = v
	}
}

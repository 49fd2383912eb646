package domain

import "strings"

// Address is a postal address. Country carries an ISO-3166 alpha-2 code.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Equal compares two addresses field by field, ignoring case.
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(a.Line1, other.Line1) &&
		strings.EqualFold(a.Line2, other.Line2) &&
		strings.EqualFold(a.City, other.City) &&
		strings.EqualFold(a.State, other.State) &&
		strings.EqualFold(a.PostalCode, other.PostalCode) &&
		strings.EqualFold(a.Country, other.Country)
}

// IsZero reports whether every field of the address is empty.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ShippingInfo couples a recipient name with a destination address.
type ShippingInfo struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
}

// BillingInterval describes the cadence of a recurring price.
type BillingInterval struct {
	Unit  string `json:"unit"`
	Count int64  `json:"count"`
}

// LineItemMeta is the pricing metadata snapshotted at the moment an item is
// added to the cart. Upstream price changes after that moment do not affect
// an already-added line.
type LineItemMeta struct {
	Name       string           `json:"name"`
	UnitPrice  int64            `json:"unitPrice"`
	Interval   *BillingInterval `json:"interval,omitempty"`
	ProductID  string           `json:"productId"`
	ExcludeTax bool             `json:"excludeTax"`
}

// Recurring reports whether the line bills on an interval.
func (m LineItemMeta) Recurring() bool {
	return m.Interval != nil && m.Interval.Unit != ""
}

// Cart maps line-item identifiers to quantities.
type Cart map[string]int64

// Subtotal sums unit price times quantity over all entries with a positive
// quantity and known metadata.
func (c Cart) Subtotal(meta map[string]LineItemMeta) int64 {
	var total int64
	for id, qty := range c {
		if qty <= 0 {
			continue
		}
		if m, ok := meta[id]; ok {
			total += m.UnitPrice * qty
		}
	}
	return total
}

// PlanSelection is an in-progress subscription signup held in the session.
type PlanSelection struct {
	Name      string        `json:"name"`
	Amount    int64         `json:"amount"`
	ProductID string        `json:"productId"`
	PriceID   string        `json:"priceId"`
	Shipped   bool          `json:"shipped"`
	Shipping  *ShippingInfo `json:"shipping,omitempty"`
}

// LineItem is one priced, quantity-bearing entry submitted to the payment
// platform when a checkout session is created.
type LineItem struct {
	Name       string `json:"name"`
	Amount     int64  `json:"amount"`
	Quantity   int64  `json:"quantity"`
	Currency   string `json:"currency"`
	ExcludeTax bool   `json:"-"`
}

// Total returns amount times quantity.
func (l LineItem) Total() int64 {
	return l.Amount * l.Quantity
}

// Product is the subset of a catalog product the shipping layer needs.
type Product struct {
	ID          string
	Name        string
	Description string
	Metadata    map[string]string
}

// MetaValue returns the named metadata field or the empty string.
func (p Product) MetaValue(key string) string {
	if p.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(p.Metadata[key])
}

// ProductQuantity pairs a product with an ordered quantity.
type ProductQuantity struct {
	Product  Product
	Quantity int64
}

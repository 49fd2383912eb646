package shipping

import (
	"strconv"

	"github.com/tobira-shop/storefront/internal/domain"
)

// Parcel describes the single package a multi-item shipment is estimated as.
// Dimensions are inches, weight is ounces, matching the product metadata.
type Parcel struct {
	Length float64
	Width  float64
	Height float64
	Weight float64
}

// AggregateParcel folds the items into one estimated parcel: the product
// with the largest length-by-width footprint supplies the bounding box, and
// weights are summed across items times quantity. This is a deliberate
// approximation, not true 3D bin packing. Products missing dimension or
// weight metadata are reported in the second return value so an operator can
// be notified; their known fields still contribute to the estimate.
func AggregateParcel(items []domain.ProductQuantity) (Parcel, []string) {
	var parcel Parcel
	var missing []string
	bestFootprint := -1.0

	for _, item := range items {
		dims, ok := productDimensions(item.Product)
		if !ok {
			missing = append(missing, item.Product.ID)
		}
		footprint := dims.Length * dims.Width
		if footprint > bestFootprint {
			bestFootprint = footprint
			parcel.Length = dims.Length
			parcel.Width = dims.Width
			parcel.Height = dims.Height
		}
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		parcel.Weight += dims.Weight * float64(qty)
	}
	return parcel, missing
}

func productDimensions(p domain.Product) (Parcel, bool) {
	complete := true
	read := func(key string) float64 {
		raw := p.MetaValue(key)
		if raw == "" {
			complete = false
			return 0
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			complete = false
			return 0
		}
		return value
	}
	dims := Parcel{
		Length: read("length"),
		Width:  read("width"),
		Height: read("height"),
		Weight: read("weight"),
	}
	return dims, complete
}

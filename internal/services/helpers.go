package services

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/domain"
)

// Logger is the logging callback services receive through their Deps.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

// metaTruthy interprets a catalog metadata flag the way operators write
// them by hand.
func metaTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// taxAmount applies a percentage to a taxable base, rounding up to the
// nearest minor currency unit.
func taxAmount(percentage float64, taxable int64) int64 {
	if taxable <= 0 {
		return 0
	}
	return int64(math.Ceil(percentage / 100 * float64(taxable)))
}

// matchTaxRate finds the tax rate whose jurisdiction exactly equals the
// destination region. No match means no tax line at all.
func matchTaxRate(rates []*stripe.TaxRate, region string) *stripe.TaxRate {
	for _, rate := range rates {
		if rate == nil || !rate.Active {
			continue
		}
		if rate.Jurisdiction == region {
			return rate
		}
	}
	return nil
}

// formatAmount renders a minor-unit amount for email bodies.
func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}

// domainProduct converts a catalog product into the slim shipping view.
func domainProduct(p *stripe.Product) domain.Product {
	if p == nil {
		return domain.Product{}
	}
	return domain.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Metadata:    p.Metadata,
	}
}

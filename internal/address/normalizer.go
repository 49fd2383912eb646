package address

import (
	"context"
	"errors"
	"strings"

	"github.com/tobira-shop/storefront/internal/domain"
)

// Normalizer canonicalizes domestic shipping addresses through a Verifier.
// Addresses in any other country pass through unchanged.
type Normalizer struct {
	verifier Verifier
	domestic string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NormalizerDeps wires the dependencies required by the normalizer.
type NormalizerDeps struct {
	Verifier        Verifier
	DomesticCountry string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// NewNormalizer constructs a Normalizer validating required dependencies.
func NewNormalizer(deps NormalizerDeps) (*Normalizer, error) {
	if deps.Verifier == nil {
		return nil, errors.New("address: verifier is required")
	}
	domestic := strings.ToUpper(strings.TrimSpace(deps.DomesticCountry))
	if domestic == "" {
		domestic = "US"
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Normalizer{verifier: deps.Verifier, domestic: domestic, logger: logger}, nil
}

// Normalize validates and canonicalizes a shipping address.
//
// Non-domestic addresses are returned verbatim with changed=false. For
// domestic addresses the verifier's canonical form is returned, with
// changed=true when any field differs case-insensitively from the input.
// A nil address with changed=true signals an invalid/unverifiable address;
// the caller must re-prompt the buyer rather than trust the changed flag.
func (n *Normalizer) Normalize(ctx context.Context, addr domain.Address) (*domain.Address, bool, error) {
	if !strings.EqualFold(strings.TrimSpace(addr.Country), n.domestic) {
		return &addr, false, nil
	}

	verified, err := n.verifier.Verify(ctx, addr)
	if errors.Is(err, ErrUnverifiable) {
		n.logger(ctx, "address.unverifiable", map[string]any{
			"postalCode": addr.PostalCode,
			"reason":     err.Error(),
		})
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	verified.Country = n.domestic
	changed := !verified.Equal(domain.Address{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    n.domestic,
	})
	return &verified, changed, nil
}

package stripeapi

import (
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v78"
)

// ErrNotFound marks lookups that matched no platform record.
var ErrNotFound = errors.New("stripeapi: not found")

// IsNotFound reports whether err represents a missing or invalid platform
// record (deleted product, dead price id, and so on).
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusNotFound {
			return true
		}
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return true
		}
		// Malformed ids surface as invalid_request_error.
		if stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			return true
		}
	}
	return false
}

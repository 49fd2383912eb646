package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/tobira-shop/storefront/internal/platform/httpx"
	"github.com/tobira-shop/storefront/internal/platform/session"
	"github.com/tobira-shop/storefront/internal/services"
	"github.com/tobira-shop/storefront/internal/shipping"
)

var errBodyTooLarge = errors.New("request body too large")

// readLimitedBody reads the request body up to limit bytes.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// sessionHandle resolves the request's session or writes a 500. The session
// middleware always installs one; its absence is a wiring bug.
func sessionHandle(ctx context.Context, w http.ResponseWriter) (*session.Handle, bool) {
	handle, ok := session.FromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("session_unavailable", "session middleware not configured", http.StatusInternalServerError))
		return nil, false
	}
	return handle, true
}

// writeServiceError maps service failures onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "not found", http.StatusNotFound))
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrMissingCartMeta):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_cart", "cart entry lost its pricing snapshot", http.StatusBadRequest))
	case errors.Is(err, services.ErrNoPlanSelected):
		httpx.WriteError(ctx, w, httpx.NewError("no_plan", "no plan selected", http.StatusBadRequest))
	case errors.Is(err, services.ErrMissingShipping):
		httpx.WriteError(ctx, w, httpx.NewError("missing_shipping", "shipping address required", http.StatusBadRequest))
	case errors.Is(err, services.ErrMissingEmail):
		httpx.WriteError(ctx, w, httpx.NewError("missing_email", "a valid email is required", http.StatusBadRequest))
	case errors.Is(err, shipping.ErrNoRatesAvailable):
		httpx.WriteError(ctx, w, httpx.NewError("no_shipping_rates", "no shipping rates available for this address", http.StatusBadGateway))
	case errors.Is(err, shipping.ErrInternationalNotSupported):
		httpx.WriteError(ctx, w, httpx.NewError("international_not_supported", "items in the cart cannot ship internationally", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("upstream_error", "an upstream service failed", http.StatusBadGateway))
	}
}

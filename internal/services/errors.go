package services

import "errors"

var (
	// ErrNotFound marks a missing or inactive catalog entity.
	ErrNotFound = errors.New("services: not found")

	// ErrEmptyCart is returned when checkout starts with nothing to buy.
	ErrEmptyCart = errors.New("services: cart is empty")

	// ErrMissingCartMeta marks a cart entry whose pricing snapshot is gone.
	// A cart id without metadata is a defect state, not a valid empty cart.
	ErrMissingCartMeta = errors.New("services: cart entry has no pricing metadata")

	// ErrNoPlanSelected is returned when a subscription step runs before a
	// plan was chosen.
	ErrNoPlanSelected = errors.New("services: no plan selected")

	// ErrMissingShipping is returned when a shipped plan reaches payment
	// without a collected address.
	ErrMissingShipping = errors.New("services: shipping address required")

	// ErrMissingEmail is returned when a signup reaches payment without an
	// email on file.
	ErrMissingEmail = errors.New("services: email required")

	// ErrTokenExpired marks a billing self-service token past its window.
	ErrTokenExpired = errors.New("services: token expired")

	// ErrTokenInvalid marks a billing self-service token that fails
	// signature or shape checks.
	ErrTokenInvalid = errors.New("services: token invalid")
)

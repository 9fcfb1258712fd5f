// Package services implements the business logic of the entitlement sync
// backend: webhook processing, on-demand resync, and checkout token
// issuance. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// Translation into HTTP status codes is performed at the handler layer.
package services

import "errors"

var (
	// ErrEmptyBody is returned when a webhook delivery has no body at all.
	// Signature verification needs the exact raw bytes, so an empty body
	// can never be authenticated or processed.
	ErrEmptyBody = errors.New("empty request body")

	// ErrMalformedPayload is returned when a webhook body is not valid JSON.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUserNotFound indicates that the requested user record does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrCheckoutDisabled is returned when checkout token issuance is
	// requested while the payment feature flag is off.
	ErrCheckoutDisabled = errors.New("checkout disabled")
)

package invoices

import "errors"

var (
	// ErrPaymentRejected is returned for every payment the authenticator
	// refuses, whatever the cause. The cause is only logged.
	ErrPaymentRejected = errors.New("payment rejected")

	// ErrAPIMisuse is returned when a preimage is requested for a payment
	// whose hash was supplied by the user, or for a secret that doesn't
	// decode to a known payment method.
	ErrAPIMisuse = errors.New("inbound payment api misuse")

	// ErrAmountTooLarge is returned when the minimum amount of a new
	// payment exceeds the total supply of bitcoin.
	ErrAmountTooLarge = errors.New("minimum amount exceeds max value")

	// ErrInvalidExpiry is returned when the expiry of a new payment is
	// negative or doesn't fit in 32 bits of seconds.
	ErrInvalidExpiry = errors.New("invalid payment expiry")
)

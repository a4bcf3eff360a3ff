package billing

import "errors"

var (
	ErrNotFound            = errors.New("billing: not found")
	ErrOrderNotRefundable  = errors.New("billing: order is not in a refundable state")
	ErrRefundExceedsCharge = errors.New("billing: refund exceeds remaining charge")
	ErrInvalidInput        = errors.New("billing: invalid input")
	ErrEventSeen           = errors.New("billing: webhook event already processed")
	ErrBadSignature        = errors.New("billing: webhook signature mismatch")
	ErrMalformedEvent      = errors.New("billing: malformed webhook event")
)

package paygate

import "time"

// PaymentEventType classifies payment lifecycle events.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent describes one step of a client-side payment flow. The paying
// transport emits these for logging and monitoring.
type PaymentEvent struct {
	// Type is the event type.
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// URL is the resource being accessed.
	URL string

	// Scheme is the payment scheme in use.
	Scheme string

	// Network is the CAIP-2 network identifier.
	Network string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token address or mint.
	Asset string

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the paying address (set on success).
	Payer string

	// Transaction is the settlement reference (set on success).
	Transaction string

	// Error holds failure details (set on failure).
	Error error

	// Duration is the time taken for the payment flow so far.
	Duration time.Duration
}

// PaymentCallback handles payment events. Callbacks run synchronously inside
// the payment flow and should return quickly.
type PaymentCallback func(PaymentEvent)

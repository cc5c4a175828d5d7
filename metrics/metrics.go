// Package metrics defines the recorder interface the gate reports payment
// outcomes through, with prometheus and no-op implementations.
package metrics

import "time"

// Event names recorded by the resource gate.
const (
	EventChallenge      = "challenge"
	EventVerifyOK       = "verify_ok"
	EventVerifyInvalid  = "verify_invalid"
	EventVerifyError    = "verify_error"
	EventSettleOK       = "settle_ok"
	EventSettleError    = "settle_error"
	EventReplayRejected = "replay_rejected"
)

// Recorder receives payment events and operation latencies.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

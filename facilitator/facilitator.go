// Package facilitator defines the contract with the external service that
// verifies and settles payment proofs against the underlying ledger. Keeping
// this behind an interface means a resource gate never needs chain access of
// its own: its control flow stays a plain state machine over results.
package facilitator

import (
	"context"
	"time"

	"github.com/meterpay/paygate"
)

// Interface is the facilitator contract for verification and settlement.
type Interface interface {
	// Verify checks a payment proof against the requirement it claims to
	// satisfy, without executing the payment.
	Verify(ctx context.Context, proof paygate.PaymentProof, req paygate.PaymentRequirement) (*paygate.VerifyResult, error)

	// Settle executes a verified payment. Called only after a successful
	// Verify for the same proof.
	Settle(ctx context.Context, proof paygate.PaymentProof, req paygate.PaymentRequirement) (*paygate.SettlementResult, error)

	// Supported reports the payment kinds the facilitator can handle.
	Supported(ctx context.Context) (*paygate.SupportedResponse, error)
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	// Version is the wire protocol version.
	Version int `json:"version"`

	// PaymentProof is the client's signed payment data.
	PaymentProof paygate.PaymentProof `json:"paymentProof"`

	// PaymentRequirement is the option the proof claims to satisfy.
	PaymentRequirement paygate.PaymentRequirement `json:"paymentRequirement"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	// Version is the wire protocol version.
	Version int `json:"version"`

	// PaymentProof is the client's signed payment data.
	PaymentProof paygate.PaymentProof `json:"paymentProof"`

	// PaymentRequirement is the option the proof claims to satisfy.
	PaymentRequirement paygate.PaymentRequirement `json:"paymentRequirement"`
}

// Handler adapts a facilitator into a server-side paygate.SchemeHandler for
// one scheme identifier. Any scheme the facilitator supports can be gated
// this way without scheme-specific server code.
type Handler struct {
	scheme      string
	facilitator Interface
}

// NewHandler creates a SchemeHandler that delegates to the facilitator.
func NewHandler(scheme string, f Interface) *Handler {
	return &Handler{scheme: scheme, facilitator: f}
}

// SchemeID implements paygate.SchemeHandler.
func (h *Handler) SchemeID() string {
	return h.scheme
}

// Verify implements paygate.SchemeHandler.
func (h *Handler) Verify(ctx context.Context, proof *paygate.PaymentProof, req *paygate.PaymentRequirement) (*paygate.VerifyResult, error) {
	return h.facilitator.Verify(ctx, *proof, *req)
}

// Settle implements paygate.SchemeHandler. The result is stamped with the
// scheme and settlement time so response metadata is complete even when the
// facilitator omits them.
func (h *Handler) Settle(ctx context.Context, proof *paygate.PaymentProof, req *paygate.PaymentRequirement) (*paygate.SettlementResult, error) {
	result, err := h.facilitator.Settle(ctx, *proof, *req)
	if err != nil {
		return nil, err
	}
	if result.Scheme == "" {
		result.Scheme = h.scheme
	}
	if result.Network == "" {
		result.Network = req.Network
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	return result, nil
}

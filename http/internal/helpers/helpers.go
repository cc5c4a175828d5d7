// Package helpers provides internal HTTP utilities for the paygate wire
// protocol: header codecs and 402 challenge responses.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/encoding"
)

// Header names carrying the payment proof and the settlement confirmation.
const (
	PaymentHeader         = "X-PAYMENT"
	SettlementHeader      = "X-PAYMENT-RESPONSE"
	SettlementErrorHeader = "X-PAYMENT-SETTLEMENT-ERROR"
)

// ErrNilSettlement is returned when a nil settlement is attached.
var ErrNilSettlement = errors.New("settlement is nil")

// ErrNilProof is returned when a nil proof is encoded.
var ErrNilProof = errors.New("proof is nil")

// ParseProofHeader extracts and decodes a PaymentProof from the X-PAYMENT
// header. Returns paygate.ErrMalformedHeader when the header is absent.
func ParseProofHeader(r *http.Request) (*paygate.PaymentProof, error) {
	header := r.Header.Get(PaymentHeader)
	if header == "" {
		return nil, paygate.ErrMalformedHeader
	}

	proof, err := encoding.DecodeProof(header)
	if err != nil {
		return nil, paygate.NewPaymentError(paygate.CodeInvalidProof, "failed to decode payment header", err)
	}

	if proof.Version != paygate.ProtocolVersion {
		return nil, paygate.NewPaymentError(paygate.CodeUnsupportedVersion, "unsupported protocol version", paygate.ErrUnsupportedVersion)
	}

	return &proof, nil
}

// SendChallenge writes a 402 Payment Required response with the given
// requirements. A fresh challenge is built per call; errMsg is empty on
// first contact and carries the rejection reason after a failed attempt.
func SendChallenge(w http.ResponseWriter, description string, requirements []paygate.PaymentRequirement, errMsg string) error {
	challenge := paygate.PaymentChallenge{
		Version:     paygate.ProtocolVersion,
		Error:       errMsg,
		Description: description,
		Accepts:     requirements,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(challenge); err != nil {
		return fmt.Errorf("encoding challenge response: %w", err)
	}
	return nil
}

// AddSettlementHeader attaches the settlement confirmation to a response.
func AddSettlementHeader(w http.ResponseWriter, settlement *paygate.SettlementResult) error {
	if settlement == nil {
		return fmt.Errorf("AddSettlementHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddSettlementHeader: encode settlement: %w", err)
	}
	w.Header().Set(SettlementHeader, encoded)
	return nil
}

// ParseChallenge extracts a PaymentChallenge from a 402 response body.
func ParseChallenge(resp *http.Response) (*paygate.PaymentChallenge, error) {
	if resp == nil || resp.Body == nil {
		return nil, paygate.NewPaymentError(paygate.CodeInvalidChallenge, "missing response or body", paygate.ErrInvalidChallenge)
	}

	var challenge paygate.PaymentChallenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, paygate.NewPaymentError(paygate.CodeInvalidChallenge, "failed to decode payment challenge", err)
	}

	if len(challenge.Accepts) == 0 {
		return nil, paygate.NewPaymentError(paygate.CodeInvalidChallenge, "no payment requirements in challenge", paygate.ErrInvalidChallenge)
	}

	return &challenge, nil
}

// ParseSettlement extracts settlement information from the
// X-PAYMENT-RESPONSE header value. Returns nil if absent or unparseable.
func ParseSettlement(headerValue string) *paygate.SettlementResult {
	if headerValue == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}

	return &settlement
}

// BuildProofHeader creates the X-PAYMENT header value from a proof.
func BuildProofHeader(proof *paygate.PaymentProof) (string, error) {
	if proof == nil {
		return "", fmt.Errorf("BuildProofHeader: %w", ErrNilProof)
	}
	encoded, err := encoding.EncodeProof(*proof)
	if err != nil {
		return "", fmt.Errorf("BuildProofHeader: encode proof: %w", err)
	}
	return encoded, nil
}

// BuildResourceURL reconstructs the full URL of the requested resource.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}

// Package encoding converts protocol payloads to and from their wire form:
// JSON serialized and base64 encoded, as carried in the X-PAYMENT and
// X-PAYMENT-RESPONSE headers.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/meterpay/paygate"
)

// EncodeProof converts a PaymentProof to a base64-encoded JSON string for
// the X-PAYMENT request header.
func EncodeProof(proof paygate.PaymentProof) (string, error) {
	data, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeProof converts a base64-encoded JSON string back to a PaymentProof.
func DecodeProof(encoded string) (paygate.PaymentProof, error) {
	var proof paygate.PaymentProof

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return proof, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &proof); err != nil {
		return proof, fmt.Errorf("failed to unmarshal proof: %w", err)
	}

	return proof, nil
}

// EncodeSettlement converts a SettlementResult to a base64-encoded JSON
// string for the X-PAYMENT-RESPONSE response header.
func EncodeSettlement(settlement paygate.SettlementResult) (string, error) {
	data, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement converts a base64-encoded JSON string back to a
// SettlementResult.
func DecodeSettlement(encoded string) (paygate.SettlementResult, error) {
	var settlement paygate.SettlementResult

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}

// EncodeChallenge converts a PaymentChallenge to base64-encoded JSON. The 402
// body itself is plain JSON; the encoded form is used where a challenge must
// ride in a header or a log field.
func EncodeChallenge(challenge paygate.PaymentChallenge) (string, error) {
	data, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeChallenge converts base64-encoded JSON back to a PaymentChallenge.
func DecodeChallenge(encoded string) (paygate.PaymentChallenge, error) {
	var challenge paygate.PaymentChallenge

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return challenge, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &challenge); err != nil {
		return challenge, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	return challenge, nil
}

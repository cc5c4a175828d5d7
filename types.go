// Package paygate implements a pay-per-request challenge protocol for HTTP
// resources: a server answers unauthenticated requests to a gated resource
// with a 402 challenge listing acceptable payments, and a client retries once
// with a signed payment proof attached.
//
// The package is transport- and chain-agnostic. Payment schemes are pluggable
// capabilities selected by a string identifier carried in both the
// requirement and the proof; verification and settlement are delegated to an
// external facilitator service so resource servers never need chain access.
//
// Server middleware and the paying client live in the http subpackage; proof
// builders for concrete chains live under schemes.
package paygate

import "time"

// ProtocolVersion is the wire protocol version carried in challenges and proofs.
const ProtocolVersion = 1

// PaymentRequirement describes one acceptable way to pay for a resource.
// It is an element of the "accepts" array in a PaymentChallenge. Requirements
// are constructed once at route registration and treated as immutable.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme" validate:"required"`

	// Network is the chain-namespaced network identifier in CAIP-2 format
	// (e.g., "eip155:8453").
	Network string `json:"network" validate:"required"`

	// MaxAmountRequired is the price in the asset's atomic units, encoded as
	// a decimal integer string. Never a decimal fraction: conversion from
	// human-readable amounts happens once, at configuration time.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset" validate:"required"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo" validate:"required"`

	// MaxTimeoutSeconds is the validity window for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`

	// Extra carries scheme-specific parameters the client needs to construct
	// a valid proof, e.g. EIP-3009 signing-domain name and version, or the
	// Solana feePayer.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Matches reports whether two requirements agree on every field a proof is
// bound to: scheme, network, asset, amount, and recipient. A proof for a
// different (possibly cheaper) requirement must never satisfy this one.
func (r PaymentRequirement) Matches(o PaymentRequirement) bool {
	return r.Scheme == o.Scheme &&
		r.Network == o.Network &&
		r.Asset == o.Asset &&
		r.MaxAmountRequired == o.MaxAmountRequired &&
		r.PayTo == o.PayTo
}

// PaymentChallenge is the 402 response body sent by resource gates.
type PaymentChallenge struct {
	// Version is the wire protocol version.
	Version int `json:"version"`

	// Error is a human-readable reason when the challenge follows a failed
	// payment attempt. Empty on first contact.
	Error string `json:"error,omitempty"`

	// Description is a human-readable description of the gated resource.
	Description string `json:"description,omitempty"`

	// Accepts is the ordered list of payment options the gate will accept.
	// Clients may satisfy any one of them.
	Accepts []PaymentRequirement `json:"accepts"`
}

// PaymentProof is the client-produced artifact bound to exactly one
// PaymentRequirement. It travels base64(JSON)-encoded in the X-PAYMENT header
// and is consumed exactly once by the gate.
type PaymentProof struct {
	// Version is the wire protocol version.
	Version int `json:"version"`

	// Scheme is the payment scheme identifier used to dispatch verification.
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 network the payment is made on.
	Network string `json:"network"`

	// Payer is the paying address, when the scheme can derive it locally.
	Payer string `json:"payer,omitempty"`

	// Accepted echoes the requirement the proof claims to satisfy, so the
	// gate can re-derive what was agreed to and match it strictly against
	// its configuration.
	Accepted PaymentRequirement `json:"accepted"`

	// Payload is the scheme-specific signed payment data, opaque to the gate.
	// For EVM schemes this is an EVMPayload; for Solana an SVMPayload.
	Payload interface{} `json:"payload"`
}

// EVMPayload carries an EIP-3009 authorization and its signature.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature over the typed data.
	Signature string `json:"signature"`

	// Authorization holds the transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization holds EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string preventing authorization reuse.
	Nonce string `json:"nonce"`
}

// SVMPayload carries a partially signed Solana transaction. The client signs
// with its own key; the facilitator adds the fee payer signature at settlement.
type SVMPayload struct {
	// Transaction is the base64-encoded partially signed transaction.
	Transaction string `json:"transaction"`
}

// VerifyResult is the outcome of verifying a proof against a requirement.
type VerifyResult struct {
	// IsValid indicates whether the payment proof is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason is a short machine-readable code when invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// InvalidMessage is a human-readable explanation when invalid.
	InvalidMessage string `json:"invalidMessage,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SettlementResult is the outcome of settling a verified proof. It is
// attached base64(JSON)-encoded to successful responses in the
// X-PAYMENT-RESPONSE header.
type SettlementResult struct {
	// Success indicates whether settlement completed.
	Success bool `json:"success"`

	// Scheme is the payment scheme that settled the proof.
	Scheme string `json:"scheme,omitempty"`

	// Network is the network the payment settled on.
	Network string `json:"network,omitempty"`

	// Transaction is the settlement reference, e.g. a transaction hash.
	Transaction string `json:"transaction,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// ErrorReason is a short machine-readable code on failure.
	ErrorReason string `json:"errorReason,omitempty"`

	// ErrorMessage is a human-readable explanation on failure.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Timestamp is when settlement completed.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SupportedKind describes one payment type a facilitator supports.
type SupportedKind struct {
	// Version is the protocol version supported.
	Version int `json:"version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 network identifier.
	Network string `json:"network"`

	// Extra carries scheme-specific data the gate should advertise to
	// clients, e.g. the Solana feePayer.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by a facilitator's /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types the facilitator can verify and settle.
	Kinds []SupportedKind `json:"kinds"`

	// Signers maps network patterns to facilitator signer addresses.
	Signers map[string][]string `json:"signers,omitempty"`
}

// TokenConfig describes a token a proof builder can pay with.
type TokenConfig struct {
	// Address is the token contract address (EVM) or mint address (Solana).
	Address string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority orders tokens within a builder. Lower is preferred.
	Priority int

	// Name is an optional human-readable token name.
	Name string
}

// Package validation checks protocol data before it is trusted: requirement
// structure, atomic amounts, CAIP-2 networks, and chain-appropriate address
// formats. Struct-level presence checks use go-playground/validator tags on
// the wire types; the chain-aware rules live here.
package validation

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/meterpay/paygate"
)

var (
	// evmAddressRegex matches 0x-prefixed 20-byte hex addresses.
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches base58 addresses of 32-44 chars.
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

var validate = validator.New()

// ValidateAmount checks that an amount string is a non-negative atomic
// integer. Zero is allowed for free-with-signature flows.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	if _, err := paygate.ParseAtomic(amount); err != nil {
		return err
	}
	return nil
}

// ValidateNetwork checks a CAIP-2 network identifier.
func ValidateNetwork(network string) error {
	_, err := paygate.ValidateNetwork(network)
	return err
}

// ValidateAddress checks an address against the format its network expects.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := paygate.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case paygate.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address: %s", address)
		}
		return nil
	case paygate.NetworkTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address: %s", address)
		}
		return nil
	default:
		return fmt.Errorf("unsupported network type for address validation")
	}
}

// ValidateRequirement performs full validation of one payment requirement:
// struct tags first, then amount, network, and address rules.
func ValidateRequirement(req paygate.PaymentRequirement) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	// The EIP-3009 signing-domain parameters are optional, but empty values
	// would produce unverifiable signatures.
	networkType, _ := paygate.ValidateNetwork(req.Network)
	if networkType == paygate.NetworkTypeEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirement: signing domain name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirement: signing domain version cannot be empty")
		}
	}

	return nil
}

// ValidateProof checks the structure of an incoming payment proof.
func ValidateProof(proof paygate.PaymentProof) error {
	if proof.Version != paygate.ProtocolVersion {
		return fmt.Errorf("%w: version %d", paygate.ErrUnsupportedVersion, proof.Version)
	}
	if proof.Scheme == "" {
		return fmt.Errorf("proof scheme cannot be empty")
	}
	if proof.Network == "" {
		return fmt.Errorf("proof network cannot be empty")
	}
	if _, err := paygate.ValidateNetwork(proof.Network); err != nil {
		return fmt.Errorf("invalid proof network: %w", err)
	}
	if proof.Payload == nil {
		return fmt.Errorf("proof payload cannot be nil")
	}
	return nil
}

// ValidateChallenge checks a full 402 challenge body.
func ValidateChallenge(challenge paygate.PaymentChallenge) error {
	if challenge.Version != paygate.ProtocolVersion {
		return fmt.Errorf("%w: version %d", paygate.ErrUnsupportedVersion, challenge.Version)
	}
	if len(challenge.Accepts) == 0 {
		return fmt.Errorf("challenge accepts cannot be empty")
	}
	for i, req := range challenge.Accepts {
		if err := ValidateRequirement(req); err != nil {
			return fmt.Errorf("accepts[%d]: %w", i, err)
		}
	}
	return nil
}

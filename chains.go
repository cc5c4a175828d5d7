package paygate

import (
	"fmt"
	"strconv"
	"strings"
)

// NetworkType is the virtual-machine family of a network.
type NetworkType int

const (
	// NetworkTypeUnknown is an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM is an Ethereum-compatible chain.
	NetworkTypeEVM
	// NetworkTypeSVM is a Solana chain.
	NetworkTypeSVM
)

// CAIP-2 network identifiers for the chains with bundled configurations.
const (
	NetworkEthereum    = "eip155:1"
	NetworkBase        = "eip155:8453"
	NetworkPolygon     = "eip155:137"
	NetworkSepolia     = "eip155:11155111"
	NetworkBaseSepolia = "eip155:84532"

	// Solana networks use the genesis hash as the CAIP-2 reference.
	NetworkSolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

// ChainConfig bundles the per-chain constants needed to price a resource in
// USDC and to parameterize EIP-3009 signing on EVM chains.
type ChainConfig struct {
	// Network is the CAIP-2 network identifier.
	Network string

	// USDCAddress is the Circle USDC contract or mint address.
	USDCAddress string

	// Decimals is the USDC decimal count (always 6).
	Decimals int32

	// SigningDomainName is the EIP-3009 domain "name" (empty on non-EVM chains).
	SigningDomainName string

	// SigningDomainVersion is the EIP-3009 domain "version" (empty on non-EVM chains).
	SigningDomainVersion string
}

var (
	// EthereumMainnet is the Ethereum mainnet configuration.
	EthereumMainnet = ChainConfig{
		Network:              NetworkEthereum,
		USDCAddress:          "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:             6,
		SigningDomainName:    "USD Coin",
		SigningDomainVersion: "2",
	}

	// BaseMainnet is the Base mainnet configuration.
	BaseMainnet = ChainConfig{
		Network:              NetworkBase,
		USDCAddress:          "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:             6,
		SigningDomainName:    "USD Coin",
		SigningDomainVersion: "2",
	}

	// PolygonMainnet is the Polygon PoS mainnet configuration.
	PolygonMainnet = ChainConfig{
		Network:              NetworkPolygon,
		USDCAddress:          "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:             6,
		SigningDomainName:    "USD Coin",
		SigningDomainVersion: "2",
	}

	// Sepolia is the Ethereum Sepolia testnet configuration.
	Sepolia = ChainConfig{
		Network:              NetworkSepolia,
		USDCAddress:          "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:             6,
		SigningDomainName:    "USDC",
		SigningDomainVersion: "2",
	}

	// BaseSepolia is the Base Sepolia testnet configuration.
	BaseSepolia = ChainConfig{
		Network:              NetworkBaseSepolia,
		USDCAddress:          "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:             6,
		SigningDomainName:    "USDC",
		SigningDomainVersion: "2",
	}

	// SolanaMainnet is the Solana mainnet configuration.
	SolanaMainnet = ChainConfig{
		Network:     NetworkSolanaMainnet,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
	}

	// SolanaDevnet is the Solana devnet configuration.
	SolanaDevnet = ChainConfig{
		Network:     NetworkSolanaDevnet,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    6,
	}
)

var chainConfigs = map[string]ChainConfig{
	NetworkEthereum:      EthereumMainnet,
	NetworkBase:          BaseMainnet,
	NetworkPolygon:       PolygonMainnet,
	NetworkSepolia:       Sepolia,
	NetworkBaseSepolia:   BaseSepolia,
	NetworkSolanaMainnet: SolanaMainnet,
	NetworkSolanaDevnet:  SolanaDevnet,
}

// GetChainConfig returns the bundled configuration for a CAIP-2 network.
func GetChainConfig(network string) (ChainConfig, error) {
	cfg, ok := chainConfigs[network]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return cfg, nil
}

// ValidateNetwork checks a CAIP-2 network identifier and reports its type.
func ValidateNetwork(network string) (NetworkType, error) {
	if network == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}

	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}

	switch parts[0] {
	case "eip155":
		if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
			return NetworkTypeUnknown, fmt.Errorf("%w: invalid EIP-155 chain ID: %s", ErrInvalidNetwork, parts[1])
		}
		return NetworkTypeEVM, nil
	case "solana":
		// Genesis hashes are base58 strings of 32-44 chars.
		if len(parts[1]) < 32 || len(parts[1]) > 44 {
			return NetworkTypeUnknown, fmt.Errorf("%w: invalid Solana genesis hash: %s", ErrInvalidNetwork, parts[1])
		}
		return NetworkTypeSVM, nil
	default:
		return NetworkTypeUnknown, fmt.Errorf("%w: unsupported namespace: %s", ErrInvalidNetwork, parts[0])
	}
}

// ChainID extracts the numeric chain ID from an eip155 network identifier.
func ChainID(network string) (int64, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return 0, fmt.Errorf("%w: not an EVM network: %s", ErrInvalidNetwork, network)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chain ID: %s", ErrInvalidNetwork, parts[1])
	}
	return id, nil
}

// SolanaGenesisHash extracts the genesis hash from a solana network identifier.
func SolanaGenesisHash(network string) (string, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "solana" {
		return "", fmt.Errorf("%w: not a Solana network: %s", ErrInvalidNetwork, network)
	}
	return parts[1], nil
}

// USDCToken builds a TokenConfig for USDC on the given chain.
func USDCToken(chain ChainConfig, priority int) TokenConfig {
	return TokenConfig{
		Address:  chain.USDCAddress,
		Symbol:   "USDC",
		Decimals: int(chain.Decimals),
		Priority: priority,
		Name:     "USD Coin",
	}
}

// USDCRequirement builds a PaymentRequirement priced in USDC on the given
// chain. The price is a human-readable decimal (e.g. "0.10"); conversion to
// atomic units happens here, once, at configuration time.
func USDCRequirement(chain ChainConfig, price, payTo string, timeoutSeconds int) (PaymentRequirement, error) {
	atomic, err := ParseAmount(price, chain.Decimals)
	if err != nil {
		return PaymentRequirement{}, err
	}

	req := PaymentRequirement{
		Scheme:            "exact",
		Network:           chain.Network,
		MaxAmountRequired: atomic,
		Asset:             chain.USDCAddress,
		PayTo:             payTo,
		MaxTimeoutSeconds: timeoutSeconds,
	}
	if chain.SigningDomainName != "" {
		req.Extra = map[string]interface{}{
			"name":    chain.SigningDomainName,
			"version": chain.SigningDomainVersion,
		}
	}
	return req, nil
}

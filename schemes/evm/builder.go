// Package evm builds EIP-3009 payment proofs for Ethereum-compatible chains.
// A payment is a signed transferWithAuthorization the facilitator submits on
// the payer's behalf; the payer never sends a transaction of their own.
package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/internal/eip3009"
)

// SchemeExact is the scheme identifier for exact-amount EIP-3009 payments.
const SchemeExact = "exact"

// Builder constructs EVM payment proofs. It implements paygate.ProofBuilder.
type Builder struct {
	wallet    Wallet
	network   string
	chainID   int64
	tokens    []paygate.TokenConfig
	priority  int
	maxAmount *big.Int
}

// Option configures a Builder.
type Option func(*Builder) error

// NewBuilder creates a proof builder paying from wallet on the given CAIP-2
// eip155 network.
func NewBuilder(network string, wallet Wallet, tokens []paygate.TokenConfig, opts ...Option) (*Builder, error) {
	networkType, err := paygate.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	if networkType != paygate.NetworkTypeEVM {
		return nil, fmt.Errorf("%w: expected EVM network, got %s", paygate.ErrInvalidNetwork, network)
	}

	if len(tokens) == 0 {
		return nil, paygate.ErrInvalidToken
	}

	chainID, err := paygate.ChainID(network)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		wallet:  wallet,
		network: network,
		chainID: chainID,
		tokens:  tokens,
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// NewLocalBuilder creates a builder with an in-memory key, the common case
// for server-to-server clients.
func NewLocalBuilder(network string, privateKeyHex string, tokens []paygate.TokenConfig, opts ...Option) (*Builder, error) {
	wallet, err := NewLocalWallet(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewBuilder(network, wallet, tokens, opts...)
}

// WithPriority sets the builder priority. Lower is preferred.
func WithPriority(priority int) Option {
	return func(b *Builder) error {
		b.priority = priority
		return nil
	}
}

// WithMaxAmount sets a per-call spending limit in atomic units.
func WithMaxAmount(amount *big.Int) Option {
	return func(b *Builder) error {
		b.maxAmount = amount
		return nil
	}
}

// SchemeID implements paygate.ProofBuilder.
func (b *Builder) SchemeID() string {
	return SchemeExact
}

// Network implements paygate.ProofBuilder.
func (b *Builder) Network() string {
	return b.network
}

// CanBuild implements paygate.ProofBuilder.
func (b *Builder) CanBuild(req *paygate.PaymentRequirement) bool {
	if req == nil || req.Scheme != SchemeExact || req.Network != b.network {
		return false
	}
	for _, token := range b.tokens {
		if strings.EqualFold(token.Address, req.Asset) {
			return true
		}
	}
	return false
}

// Build implements paygate.ProofBuilder.
func (b *Builder) Build(ctx context.Context, req *paygate.PaymentRequirement) (*paygate.PaymentProof, error) {
	if !b.CanBuild(req) {
		return nil, paygate.ErrNoBuilder
	}

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, paygate.ErrInvalidAmount
	}

	if b.maxAmount != nil && amount.Cmp(b.maxAmount) > 0 {
		return nil, paygate.ErrAmountExceeded
	}

	var tokenAddress common.Address
	for _, token := range b.tokens {
		if strings.EqualFold(token.Address, req.Asset) {
			tokenAddress = common.HexToAddress(token.Address)
			break
		}
	}

	name, version, err := extractSigningDomain(req)
	if err != nil {
		return nil, err
	}

	auth, err := eip3009.CreateAuthorization(
		b.wallet.Address(),
		common.HexToAddress(req.PayTo),
		amount,
		req.MaxTimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}

	digest, err := eip3009.AuthorizationDigest(tokenAddress, big.NewInt(b.chainID), auth, name, version)
	if err != nil {
		return nil, err
	}

	signature, err := b.wallet.SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	return &paygate.PaymentProof{
		Version:  paygate.ProtocolVersion,
		Scheme:   SchemeExact,
		Network:  b.network,
		Payer:    b.wallet.Address().Hex(),
		Accepted: *req,
		Payload: paygate.EVMPayload{
			Signature: "0x" + hex.EncodeToString(signature),
			Authorization: paygate.EVMAuthorization{
				From:        auth.From.Hex(),
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       common.BytesToHash(auth.Nonce[:]).Hex(),
			},
		},
	}, nil
}

// Priority implements paygate.ProofBuilder.
func (b *Builder) Priority() int {
	return b.priority
}

// Tokens implements paygate.ProofBuilder.
func (b *Builder) Tokens() []paygate.TokenConfig {
	return b.tokens
}

// MaxAmount implements paygate.ProofBuilder.
func (b *Builder) MaxAmount() *big.Int {
	return b.maxAmount
}

// Address returns the paying address.
func (b *Builder) Address() common.Address {
	return b.wallet.Address()
}

// extractSigningDomain reads the EIP-3009 signing-domain name and version the
// requirement carries in Extra.
func extractSigningDomain(req *paygate.PaymentRequirement) (name, version string, err error) {
	if req.Extra == nil {
		return "", "", fmt.Errorf("missing signing domain: extra field is nil")
	}

	name, ok := req.Extra["name"].(string)
	if !ok || name == "" {
		return "", "", fmt.Errorf("missing signing domain parameter: name")
	}

	version, ok = req.Extra["version"].(string)
	if !ok || version == "" {
		return "", "", fmt.Errorf("missing signing domain parameter: version")
	}

	return name, version, nil
}

// Package svm builds payment proofs for Solana networks. A payment is a
// partially signed SPL token transfer: the payer signs as token owner and the
// facilitator adds the fee payer signature at settlement, so the payer never
// spends SOL on fees.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/meterpay/paygate"
	solutil "github.com/meterpay/paygate/internal/solana"
)

// SchemeExact is the scheme identifier for exact-amount SPL transfers.
const SchemeExact = "exact"

// RPCClient is the subset of Solana RPC the builder needs. Injectable for
// testing.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Builder constructs Solana payment proofs. It implements
// paygate.ProofBuilder.
type Builder struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	tokens     []paygate.TokenConfig
	priority   int
	maxAmount  *big.Int
	rpcClient  RPCClient
}

// Option configures a Builder.
type Option func(*Builder) error

// NewBuilder creates a proof builder from a base58-encoded private key.
func NewBuilder(network string, privateKeyBase58 string, tokens []paygate.TokenConfig, opts ...Option) (*Builder, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, paygate.ErrInvalidKey
	}
	return NewBuilderFromKey(network, privateKey, tokens, opts...)
}

// NewBuilderFromKey creates a proof builder from an existing private key.
func NewBuilderFromKey(network string, key solana.PrivateKey, tokens []paygate.TokenConfig, opts ...Option) (*Builder, error) {
	networkType, err := paygate.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	if networkType != paygate.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: expected Solana network, got %s", paygate.ErrInvalidNetwork, network)
	}

	if len(tokens) == 0 {
		return nil, paygate.ErrInvalidToken
	}

	b := &Builder{
		privateKey: key,
		publicKey:  key.PublicKey(),
		network:    network,
		tokens:     tokens,
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// NewBuilderFromKeygenFile creates a proof builder from a solana-keygen JSON
// file, a JSON array of 64 key bytes.
func NewBuilderFromKeygenFile(network string, path string, tokens []paygate.TokenConfig, opts ...Option) (*Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrInvalidKey, err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", paygate.ErrInvalidKey)
	}
	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", paygate.ErrInvalidKey)
	}

	return NewBuilderFromKey(network, solana.PrivateKey(keyBytes), tokens, opts...)
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

// WithRPCClient sets a custom RPC client.
func WithRPCClient(client RPCClient) Option {
	return func(b *Builder) error {
		b.rpcClient = client
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

// CanBuild implements paygate.ProofBuilder. Token addresses compare
// case-sensitively: base58 is case-significant.
func (b *Builder) CanBuild(req *paygate.PaymentRequirement) bool {
	if req == nil || req.Scheme != SchemeExact || req.Network != b.network {
		return false
	}
	for _, token := range b.tokens {
		if token.Address == req.Asset {
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

	amount := new(big.Int)
	if _, ok := amount.SetString(req.MaxAmountRequired, 10); !ok {
		return nil, paygate.ErrInvalidAmount
	}
	if amount.Sign() <= 0 {
		return nil, paygate.ErrInvalidAmount
	}

	if b.maxAmount != nil && amount.Cmp(b.maxAmount) > 0 {
		return nil, paygate.ErrAmountExceeded
	}

	maxUint64 := new(big.Int).SetUint64(^uint64(0))
	if amount.Cmp(maxUint64) > 0 {
		return nil, paygate.ErrAmountExceeded
	}

	mint, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}

	recipient, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	var decimals uint8
	found := false
	for _, token := range b.tokens {
		if token.Address == req.Asset {
			if token.Decimals < 0 || token.Decimals > 255 {
				return nil, fmt.Errorf("%w: invalid token decimals %d", paygate.ErrInvalidToken, token.Decimals)
			}
			decimals = uint8(token.Decimals)
			found = true
			break
		}
	}
	if !found {
		return nil, paygate.ErrInvalidToken
	}

	feePayer, err := extractFeePayer(req)
	if err != nil {
		return nil, fmt.Errorf("invalid fee payer: %w", err)
	}

	client := b.rpcClient
	if client == nil {
		rpcURL, err := solutil.RPCURL(b.network)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve RPC URL: %w", err)
		}
		client = rpc.New(rpcURL)
	}

	blockhashCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		blockhashCtx, cancel = context.WithTimeout(ctx, paygate.DefaultTimeouts.VerifyTimeout)
		defer cancel()
	}
	recent, err := client.GetLatestBlockhash(blockhashCtx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	txBase64, err := buildPartiallySignedTransfer(
		b.privateKey,
		b.publicKey,
		mint,
		recipient,
		amount.Uint64(),
		decimals,
		feePayer,
		recent.Value.Blockhash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	return &paygate.PaymentProof{
		Version:  paygate.ProtocolVersion,
		Scheme:   SchemeExact,
		Network:  b.network,
		Payer:    b.publicKey.String(),
		Accepted: *req,
		Payload: paygate.SVMPayload{
			Transaction: txBase64,
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

// Address returns the paying public key.
func (b *Builder) Address() solana.PublicKey {
	return b.publicKey
}

// extractFeePayer reads the facilitator's fee payer address from the
// requirement's Extra field, where requirement enrichment places it.
func extractFeePayer(req *paygate.PaymentRequirement) (solana.PublicKey, error) {
	if req.Extra == nil {
		return solana.PublicKey{}, fmt.Errorf("missing extra field in requirement")
	}

	feePayerStr, ok := req.Extra["feePayer"].(string)
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("feePayer not found or not a string in extra field")
	}

	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid feePayer address: %w", err)
	}

	return feePayer, nil
}

// buildPartiallySignedTransfer assembles the transfer and signs it with the
// payer key only, leaving the fee payer slot for the facilitator.
func buildPartiallySignedTransfer(
	payerKey solana.PrivateKey,
	payerPub solana.PublicKey,
	mint solana.PublicKey,
	recipient solana.PublicKey,
	amount uint64,
	decimals uint8,
	feePayer solana.PublicKey,
	blockhash solana.Hash,
) (string, error) {
	sourceATA, err := solutil.AssociatedTokenAddress(payerPub, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find source ATA: %w", err)
	}

	destATA, err := solutil.AssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find destination ATA: %w", err)
	}

	createATA, err := solutil.CreateIdempotentATAInstruction(feePayer, recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to build ATA creation instruction: %w", err)
	}

	instructions := []solana.Instruction{
		solutil.SetComputeUnitLimitInstruction(solutil.DefaultComputeUnits),
		solutil.SetComputeUnitPriceInstruction(solutil.DefaultComputeUnitPrice),
		createATA,
		solutil.TransferCheckedInstruction(sourceATA, mint, destATA, payerPub, amount, decimals),
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payerPub) {
			return &payerKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}

	return base64.StdEncoding.EncodeToString(txBytes), nil
}

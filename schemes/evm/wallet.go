package evm

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meterpay/paygate"
)

// Wallet signs EIP-712 digests. Implementations can hold a key in memory,
// call out to a remote signer, or prompt a user; a declined or cancelled
// signing attempt returns paygate.ErrSignerDeclined (possibly wrapped).
type Wallet interface {
	// Address returns the wallet's paying address.
	Address() common.Address

	// SignDigest signs a 32-byte EIP-712 digest and returns the 65-byte
	// signature with V in {27, 28}.
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// LocalWallet is a Wallet backed by an in-memory secp256k1 key.
type LocalWallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewLocalWallet creates a wallet from a hex-encoded private key, with or
// without the 0x prefix.
func NewLocalWallet(privateKeyHex string) (*LocalWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, paygate.ErrInvalidKey
	}
	return NewLocalWalletFromKey(privateKey), nil
}

// NewLocalWalletFromKey creates a wallet from an existing key.
func NewLocalWalletFromKey(key *ecdsa.PrivateKey) *LocalWallet {
	return &LocalWallet{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address implements Wallet.
func (w *LocalWallet) Address() common.Address {
	return w.address
}

// SignDigest implements Wallet. Signing is local and fast, so the context is
// only checked for prior cancellation.
func (w *LocalWallet) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, err
	}

	// Contracts expect V as 27/28, crypto.Sign yields 0/1.
	signature[64] += 27
	return signature, nil
}

// Package solana assembles the SPL token transfer transactions used as
// payment proofs on Solana networks.
package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/meterpay/paygate"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// DefaultComputeUnits is the compute unit limit requested for payment
// transactions.
const DefaultComputeUnits uint32 = 200_000

// DefaultComputeUnitPrice is the compute unit price in microlamports.
const DefaultComputeUnitPrice uint64 = 10_000

// TransferCheckedInstruction creates an SPL Token TransferChecked instruction.
func TransferCheckedInstruction(
	source, mint, destination solana.PublicKey,
	owner solana.PublicKey,
	amount uint64,
	decimals uint8,
) solana.Instruction {
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetDestinationAccount(destination).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()
}

// SetComputeUnitLimitInstruction creates a SetComputeUnitLimit instruction.
// Data layout: [2, units (u32 little-endian)].
func SetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	data[1] = byte(units)
	data[2] = byte(units >> 8)
	data[3] = byte(units >> 16)
	data[4] = byte(units >> 24)

	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// SetComputeUnitPriceInstruction creates a SetComputeUnitPrice instruction.
// Data layout: [3, microlamports (u64 little-endian)].
func SetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	for i := 0; i < 8; i++ {
		data[i+1] = byte(microlamports >> (8 * i))
	}

	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// AssociatedTokenAddress derives the ATA for an owner and mint.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

// CreateIdempotentATAInstruction creates an idempotent ATA creation
// instruction (discriminator 1). It succeeds even when the account already
// exists, so it can be included unconditionally; the payer funds the
// rent-exempt balance when creation is needed.
func CreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		accounts,
		[]byte{1},
	), nil
}

// RPCURL returns the public RPC endpoint for a CAIP-2 Solana network.
func RPCURL(network string) (string, error) {
	switch network {
	case paygate.NetworkSolanaMainnet:
		return rpc.MainNetBeta_RPC, nil
	case paygate.NetworkSolanaDevnet:
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("no RPC endpoint for network %s: %w", network, paygate.ErrInvalidNetwork)
	}
}

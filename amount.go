package paygate

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a human-readable decimal amount to the asset's atomic
// unit, returned as a decimal integer string. "1.5" with 6 decimals becomes
// "1500000".
//
// The conversion is one-way and lossy if wrong, so it belongs at the
// configuration boundary: wire formats only ever carry the atomic string.
// Amounts that do not divide evenly into atomic units are rejected rather
// than rounded.
func ParseAmount(amount string, decimals int32) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("%w: negative decimals %d", ErrInvalidAmount, decimals)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}

	atomic := d.Shift(decimals)
	if !atomic.IsInteger() {
		return "", fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}

	return atomic.String(), nil
}

// FormatAmount converts an atomic-unit integer string back to a
// human-readable decimal for display. "1500000" with 6 decimals becomes
// "1.5". This is a presentation helper only; it never feeds the wire.
func FormatAmount(atomic string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(atomic)
	if err != nil || !d.IsInteger() {
		return "", fmt.Errorf("%w: %q is not an atomic integer", ErrInvalidAmount, atomic)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, atomic)
	}
	return d.Shift(-decimals).String(), nil
}

// ParseAtomic parses an atomic-unit amount string into a big.Int, rejecting
// anything that is not a non-negative decimal integer.
func ParseAtomic(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}
	return v, nil
}

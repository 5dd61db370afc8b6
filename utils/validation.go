package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/vitwit/nanopix/types"
)

var (
	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
	base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
)

// ValidateTransactionHash checks the shape of a transaction reference for a chain kind
func ValidateTransactionHash(hash string, kind types.ChainKind) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	switch kind {
	case types.ChainEVM:
		// 0x + 64 hex
		if !strings.HasPrefix(hash, "0x") {
			return fmt.Errorf("EVM transaction hash must start with 0x")
		}
		if len(hash) != 66 {
			return fmt.Errorf("EVM transaction hash must be 66 characters long")
		}
		if !isHexString(hash[2:]) {
			return fmt.Errorf("EVM transaction hash must be valid hex")
		}

	case types.ChainSolana:
		// 64-byte ed25519 signature, base58 encoded
		if !isBase58String(hash) {
			return fmt.Errorf("Solana transaction signature must be valid base58")
		}
		raw, err := base58.Decode(hash)
		if err != nil || len(raw) != 64 {
			return fmt.Errorf("Solana transaction signature must decode to 64 bytes")
		}

	case types.ChainTron:
		// 32-byte txID as bare hex
		h := strings.TrimPrefix(hash, "0x")
		if len(h) != 64 || !isHexString(h) {
			return fmt.Errorf("Tron transaction id must be 64 hex characters")
		}

	default:
		return fmt.Errorf("unsupported chain kind %q for transaction hash validation", kind)
	}

	return nil
}

// ValidateAddress checks the shape of an account address for a chain kind
func ValidateAddress(address string, kind types.ChainKind) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch kind {
	case types.ChainEVM:
		if !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("EVM address must start with 0x")
		}
		if len(address) != 42 {
			return fmt.Errorf("EVM address must be 42 characters long")
		}
		if !isHexString(address[2:]) {
			return fmt.Errorf("EVM address must be valid hex")
		}

	case types.ChainSolana:
		raw, err := base58.Decode(address)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("Solana address must be a base58 encoded 32-byte key")
		}

	case types.ChainTron:
		if strings.HasPrefix(address, "41") && len(address) == 42 && isHexString(address) {
			return nil
		}
		if !strings.HasPrefix(address, "T") || len(address) != 34 || !isBase58String(address) {
			return fmt.Errorf("Tron address must be base58check starting with T or 41-prefixed hex")
		}

	default:
		return fmt.Errorf("unsupported chain kind %q for address validation", kind)
	}

	return nil
}

// ToMinorUnits converts a native amount to integer minor units.
// Amounts with more precision than the currency supports are rejected.
func ToMinorUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than zero, got %s", amount)
	}

	shifted := amount.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}

	return shifted.BigInt(), nil
}

// ParseAmountWithDecimals parses a decimal amount string and converts it to minor units
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	return ToMinorUnits(dec, decimals)
}

// FromMinorUnits converts integer minor units back to a native amount
func FromMinorUnits(amount *big.Int, decimals int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// FormatAmountFromBigInt formats minor units as a decimal string
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	return FromMinorUnits(amount, decimals).String()
}

func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

func isBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}

package clients

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
)

// tronAddressPrefix is the version byte of mainnet and testnet Tron addresses
const tronAddressPrefix = 0x41

// TronAddressFromEVM derives the base58check Tron address sharing an EVM key's account bytes
func TronAddressFromEVM(addr common.Address) string {
	return base58.CheckEncode(addr.Bytes(), tronAddressPrefix)
}

// DecodeTronAddress accepts the base58check (T...) or 41-prefixed hex form
// and returns the 21-byte address.
func DecodeTronAddress(address string) ([]byte, error) {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "41") && len(address) == 42 {
		raw, err := hex.DecodeString(address)
		if err != nil {
			return nil, fmt.Errorf("invalid hex Tron address: %w", err)
		}
		return raw, nil
	}

	account, version, err := base58.CheckDecode(address)
	if errors.Is(err, base58.ErrChecksum) {
		return nil, fmt.Errorf("Tron address checksum mismatch")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid base58 Tron address: %w", err)
	}
	if len(account) != common.AddressLength {
		return nil, fmt.Errorf("Tron address must decode to 25 bytes, got %d", len(account)+5)
	}
	if version != tronAddressPrefix {
		return nil, fmt.Errorf("Tron address has prefix 0x%x", version)
	}
	return append([]byte{version}, account...), nil
}

// NormalizeTronAddress returns the base58check form of a Tron address
func NormalizeTronAddress(address string) (string, error) {
	raw, err := DecodeTronAddress(address)
	if err != nil {
		return "", err
	}
	return base58.CheckEncode(raw[1:], raw[0]), nil
}

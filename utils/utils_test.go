package utils

import (
	"math/big"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/nanopix/types"
)

func TestToMinorUnitsExact(t *testing.T) {
	v, err := ToMinorUnits(decimal.RequireFromString("2.5"), 18)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("2500000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(v))

	v, err = ParseAmountWithDecimals("0.000001", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int64())

	_, err = ParseAmountWithDecimals("0.0000001", 6)
	assert.Error(t, err)

	_, err = ToMinorUnits(decimal.Zero, 9)
	assert.Error(t, err)

	_, err = ParseAmountWithDecimals("-1", 9)
	assert.Error(t, err)
}

func TestFormatAmountFromBigInt(t *testing.T) {
	assert.Equal(t, "2.5", FormatAmountFromBigInt(big.NewInt(2_500_000_000), 9))
	assert.True(t, FromMinorUnits(nil, 9).IsZero())
}

func TestValidateTransactionHash(t *testing.T) {
	assert.NoError(t, ValidateTransactionHash("0x"+strings.Repeat("ab", 32), types.ChainEVM))
	assert.Error(t, ValidateTransactionHash(strings.Repeat("ab", 32), types.ChainEVM))
	assert.NoError(t, ValidateTransactionHash(strings.Repeat("0f", 32), types.ChainTron))
	assert.Error(t, ValidateTransactionHash("0xzz", types.ChainTron))
	assert.Error(t, ValidateTransactionHash("not-base58-0OIl", types.ChainSolana))
	assert.Error(t, ValidateTransactionHash("", types.ChainSolana))
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("0x52908400098527886E0F7030069857D2E4169EE7", types.ChainEVM))
	assert.Error(t, ValidateAddress("52908400098527886E0F7030069857D2E4169EE7", types.ChainEVM))
	assert.NoError(t, ValidateAddress("11111111111111111111111111111111", types.ChainSolana))
	assert.NoError(t, ValidateAddress("TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7", types.ChainTron))
	assert.Error(t, ValidateAddress("XLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7", types.ChainTron))
}

func TestNormalizeEVMAddress(t *testing.T) {
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", NormalizeEVMAddress("0x52908400098527886e0f7030069857d2e4169ee7"))
	assert.Empty(t, NormalizeEVMAddress("nope"))
	assert.True(t, IsZeroEVMAddress("0x0000000000000000000000000000000000000000"))
}

func TestRandomTokenIsUnique(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
logLevel: debug
entitlementTTL: 2h
singleUse: true
networks:
  - network: polygon
    merchant: "0x52908400098527886E0F7030069857D2E4169EE7"
    timeout: 15s
  - network: solana-devnet
    rpcUrl: http://localhost:8899
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.SingleUse)
	require.Len(t, cfg.Networks, 2)
	assert.Equal(t, types.NetworkPolygon, cfg.Networks[0].Network)
	assert.Equal(t, "https://polygon-rpc.com/", cfg.Networks[0].RPCUrl)
	assert.Equal(t, "http://localhost:8899", cfg.Networks[1].RPCUrl)
	assert.Equal(t, types.DefaultVerifyTimeout, cfg.VerifyTimeout)
}

func TestParseConfigRejectsUnknownNetwork(t *testing.T) {
	_, err := ParseConfig([]byte("networks:\n  - network: cosmoshub-4\n"))
	require.Error(t, err)
	assert.True(t, types.IsReason(err, types.ReasonInvalidRequest))

	_, err = ParseConfig([]byte("logLevel: loud\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("networks:\n  - network: polygon\n  - network: polygon\n"))
	assert.Error(t, err)
}

func TestMustRegisterPanicsOnBadTag(t *testing.T) {
	v := validator.New()
	assert.Panics(t, func() { mustRegister(v, "", validateNetworkTag) })
	assert.NotPanics(t, func() { mustRegister(v, "network", validateNetworkTag) })

	type networked struct {
		Network types.Network `validate:"network"`
	}
	assert.NoError(t, Validator().Struct(networked{Network: types.NetworkPolygon}))
	assert.Error(t, Validator().Struct(networked{Network: "cosmoshub-4"}))
}

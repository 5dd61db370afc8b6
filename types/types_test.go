package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRequestAcceptsNumericAndStringChainID(t *testing.T) {
	var numeric VerifyRequest
	require.NoError(t, json.Unmarshal([]byte(`{"txHash":"0xab","assetId":"a1","walletAddress":"0x1","chainKind":"evm","chainId":137}`), &numeric))
	assert.Equal(t, ChainID("137"), numeric.ChainID)
	assert.Equal(t, ChainEVM, numeric.ChainKind)

	var str VerifyRequest
	require.NoError(t, json.Unmarshal([]byte(`{"txHash":"sig","assetId":"a1","walletAddress":"w","chainKind":"solana","chainId":"devnet"}`), &str))
	assert.Equal(t, ChainID("devnet"), str.ChainID)

	var missing VerifyRequest
	require.NoError(t, json.Unmarshal([]byte(`{"txHash":"sig","assetId":"a1","walletAddress":"w","chainKind":"tron"}`), &missing))
	assert.Equal(t, ChainID(""), missing.ChainID)
}

func TestChainIDInt64(t *testing.T) {
	v, ok := ChainID("0x89").Int64()
	require.True(t, ok)
	assert.Equal(t, int64(137), v)

	v, ok = ChainID("80002").Int64()
	require.True(t, ok)
	assert.Equal(t, int64(80002), v)

	_, ok = ChainID("devnet").Int64()
	assert.False(t, ok)
}

func TestNetworkFor(t *testing.T) {
	n, ok := NetworkFor(ChainEVM, "137")
	require.True(t, ok)
	assert.Equal(t, NetworkPolygon, n)

	n, ok = NetworkFor(ChainEVM, "0x89")
	require.True(t, ok)
	assert.Equal(t, NetworkPolygon, n)

	n, ok = NetworkFor(ChainSolana, "devnet")
	require.True(t, ok)
	assert.Equal(t, NetworkSolanaDevnet, n)

	n, ok = NetworkFor(ChainTron, "tron-shasta")
	require.True(t, ok)
	assert.Equal(t, NetworkTronShasta, n)

	_, ok = NetworkFor(ChainSolana, "137")
	assert.False(t, ok)

	_, ok = NetworkFor(ChainEVM, "")
	assert.False(t, ok)
}

func TestPolygonParams(t *testing.T) {
	p, ok := LookupNetwork(NetworkPolygon)
	require.True(t, ok)
	assert.Equal(t, "0x89", p.ChainIDHex())
	assert.Equal(t, "Polygon Mainnet", p.ChainName)
	assert.Equal(t, 18, p.Currency.Decimals)
	assert.Equal(t, "https://polygonscan.com/tx/0xabc", p.TxURL("0xabc"))
	assert.True(t, NetworkPolygonAmoy.IsTestnet())
	assert.True(t, NetworkTronMainnet.IsTron())
}

func TestParseChainKind(t *testing.T) {
	k, err := ParseChainKind("EVM")
	require.NoError(t, err)
	assert.Equal(t, ChainEVM, k)

	k, err = ParseChainKind("tronlike")
	require.NoError(t, err)
	assert.Equal(t, ChainTron, k)

	_, err = ParseChainKind("cosmos")
	assert.Error(t, err)
}

func TestVendingErrorMatching(t *testing.T) {
	cause := errors.New("rpc: connection refused")
	err := fmt.Errorf("verify: %w", WrapError(ReasonBackendUnavailable, "", cause))

	assert.Equal(t, ReasonBackendUnavailable, ReasonOf(err))
	assert.True(t, IsReason(err, ReasonBackendUnavailable))
	assert.ErrorIs(t, err, cause)
	assert.True(t, ReasonBackendUnavailable.Retryable())
	assert.Equal(t, http.StatusServiceUnavailable, ReasonOf(err).HTTPStatus())

	assert.ErrorIs(t, NewError(ReasonTokenExpired, "gone"), ErrTokenExpired)
	assert.NotErrorIs(t, NewError(ReasonTokenUnknown, ""), ErrTokenExpired)
	assert.Equal(t, Reason(""), ReasonOf(cause))
}

func TestEveryReasonHasRemediation(t *testing.T) {
	for r := range reasons {
		assert.NotEmpty(t, r.Remediation(), r)
		assert.NotZero(t, r.HTTPStatus(), r)
	}
	assert.False(t, Reason("Nope").Known())
}

func TestEntitlementExpiryBoundary(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Entitlement{ExpiresAt: exp}
	assert.True(t, e.LiveAt(exp))
	assert.True(t, e.ExpiredAt(exp.Add(time.Nanosecond)))
	e.Revoked = true
	assert.False(t, e.LiveAt(exp.Add(-time.Hour)))
}

func TestApplyDefaults(t *testing.T) {
	cfg := &VendingConfig{RetryCount: 5}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultEntitlementTTL, cfg.EntitlementTTL)
	assert.Equal(t, 5, cfg.RetryCount)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

package verification

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/nanopix/catalog"
	"github.com/vitwit/nanopix/clients/clientstest"
	"github.com/vitwit/nanopix/entitlement"
	"github.com/vitwit/nanopix/types"
)

const (
	payer    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	merchant = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	stranger = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

var sunsetWei = big.NewInt(500_000_000_000_000_000)

type fixture struct {
	svc     *VerificationService
	store   *entitlement.Store
	clock   *clock.Mock
	polygon *clientstest.Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat, err := catalog.New(
		types.Asset{
			ID:    "sunset",
			Title: "Sunset",
			Prices: map[types.ChainKind]decimal.Decimal{
				types.ChainEVM:    decimal.RequireFromString("0.5"),
				types.ChainSolana: decimal.RequireFromString("0.25"),
			},
		},
		types.Asset{
			ID:     "harbor",
			Title:  "Harbor",
			Prices: map[types.ChainKind]decimal.Decimal{types.ChainEVM: decimal.RequireFromString("2")},
		},
	)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := entitlement.Open("", entitlement.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	polygon := clientstest.NewAdapter(types.NetworkPolygon)
	svc := NewVerificationService(cat, store, WithEntitlementTTL(time.Hour))
	require.NoError(t, svc.AddAdapter(polygon, merchant, 3))

	return &fixture{svc: svc, store: store, clock: mock, polygon: polygon}
}

// pay records a finalized transfer on the fake chain and returns its hash
func (f *fixture) pay(from, to string, amount *big.Int, status types.TxStatus) string {
	hash := f.polygon.NextHash()
	f.polygon.Put(&types.ObservedTransaction{
		TxHash:    hash,
		Payer:     from,
		Recipient: to,
		Amount:    amount,
		Status:    status,
	})
	return hash
}

func request(hash, asset, wallet string) *types.VerifyRequest {
	return &types.VerifyRequest{TxHash: hash, AssetID: asset, WalletAddress: wallet, ChainID: "137"}
}

func TestVerifyValidPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess)

	// the claimed wallet is matched case-insensitively
	result, err := f.svc.Verify(ctx, request(hash, "sunset", strings.ToLower(payer)))
	require.NoError(t, err)
	require.True(t, result.IsValid, result.Message)
	require.NotNil(t, result.Entitlement)
	assert.Equal(t, types.NetworkPolygon, result.Network)
	assert.Equal(t, "sunset", result.Entitlement.AssetID)
	assert.Equal(t, payer, result.Entitlement.Subject)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(result.Entitlement.ExpiresAt))
	assert.Equal(t, uint64(12), result.Confirmations)

	_, err = f.store.Validate(ctx, result.Entitlement.Token)
	assert.NoError(t, err)
}

func TestVerifyRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		hash   func() string
		asset  string
		wallet string
		want   types.Reason
	}{
		{
			name:   "underpayment",
			hash:   func() string { return f.pay(payer, merchant, big.NewInt(1), types.TxStatusSuccess) },
			asset:  "sunset",
			wallet: payer,
			want:   types.ReasonAmountMismatch,
		},
		{
			name:   "overpayment",
			hash:   func() string { return f.pay(payer, merchant, new(big.Int).Add(sunsetWei, big.NewInt(1)), types.TxStatusSuccess) },
			asset:  "sunset",
			wallet: payer,
			want:   types.ReasonAmountMismatch,
		},
		{
			name:   "paid the price of another asset",
			hash:   func() string { return f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess) },
			asset:  "harbor",
			wallet: payer,
			want:   types.ReasonAmountMismatch,
		},
		{
			name:   "wrong recipient",
			hash:   func() string { return f.pay(payer, stranger, sunsetWei, types.TxStatusSuccess) },
			asset:  "sunset",
			wallet: payer,
			want:   types.ReasonWrongRecipient,
		},
		{
			name:   "someone else's transaction",
			hash:   func() string { return f.pay(stranger, merchant, sunsetWei, types.TxStatusSuccess) },
			asset:  "sunset",
			wallet: payer,
			want:   types.ReasonPayerMismatch,
		},
		{
			name:   "reverted",
			hash:   func() string { return f.pay(payer, merchant, sunsetWei, types.TxStatusFailed) },
			asset:  "sunset",
			wallet: payer,
			want:   types.ReasonTransactionFailed,
		},
		{
			name:   "not mined",
			hash:   func() string { return f.polygon.NextHash() },
			asset:  "sunset",
			wallet: payer,
			want:   types.ReasonTransactionPending,
		},
		{
			name:   "unknown asset",
			hash:   func() string { return f.polygon.NextHash() },
			asset:  "moon",
			wallet: payer,
			want:   types.ReasonAssetUnknown,
		},
		{
			name:   "malformed hash",
			hash:   func() string { return "0x1234" },
			asset:  "sunset",
			wallet: payer,
			want:   types.ReasonInvalidRequest,
		},
		{
			name:   "malformed wallet",
			hash:   func() string { return f.polygon.NextHash() },
			asset:  "sunset",
			wallet: "alice",
			want:   types.ReasonInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.svc.Verify(ctx, request(tc.hash(), tc.asset, tc.wallet))
			require.NoError(t, err)
			assert.False(t, result.IsValid)
			assert.Equal(t, tc.want, result.InvalidReason, result.Message)
			assert.Nil(t, result.Entitlement)
			assert.Error(t, result.Err())
		})
	}
}

func TestVerifyRequiresConfirmations(t *testing.T) {
	f := newFixture(t)
	f.polygon.SetConfirmations(2)
	hash := f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess)

	result, err := f.svc.Verify(context.Background(), request(hash, "sunset", payer))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonTransactionPending, result.InvalidReason)
	assert.True(t, result.InvalidReason.Retryable())

	f.polygon.SetConfirmations(3)
	result, err = f.svc.Verify(context.Background(), request(hash, "sunset", payer))
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess)

	first, err := f.svc.Verify(ctx, request(hash, "sunset", payer))
	require.NoError(t, err)
	require.True(t, first.IsValid)
	fetches := f.polygon.Fetches()

	again, err := f.svc.Verify(ctx, request(hash[:2]+strings.ToUpper(hash[2:]), "sunset", payer))
	require.NoError(t, err)
	require.True(t, again.IsValid)
	assert.Equal(t, first.Entitlement.Token, again.Entitlement.Token)
	assert.Equal(t, fetches, f.polygon.Fetches(), "a redeemed transaction is answered from the store")

	reused, err := f.svc.Verify(ctx, request(hash, "harbor", payer))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonTransactionReused, reused.InvalidReason)

	stolen, err := f.svc.Verify(ctx, request(hash, "sunset", stranger))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonPayerMismatch, stolen.InvalidReason)
}

func TestVerifyConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	hash := f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess)

	var wg sync.WaitGroup
	tokens := make([]string, 12)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.svc.Verify(context.Background(), request(hash, "sunset", payer))
			if err == nil && result.IsValid {
				tokens[i] = result.Entitlement.Token
			}
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, tokens[0])
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestVerifyExpiredEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess)

	first, err := f.svc.Verify(ctx, request(hash, "sunset", payer))
	require.NoError(t, err)
	require.True(t, first.IsValid)

	f.clock.Add(2 * time.Hour)
	again, err := f.svc.Verify(ctx, request(hash, "sunset", payer))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonTokenExpired, again.InvalidReason)
}

func TestVerifyReplacesPreviousPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Verify(ctx, request(f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess), "sunset", payer))
	require.NoError(t, err)
	second, err := f.svc.Verify(ctx, request(f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess), "sunset", payer))
	require.NoError(t, err)
	require.True(t, second.IsValid)

	_, err = f.store.Validate(ctx, first.Entitlement.Token)
	assert.ErrorIs(t, err, types.ErrTokenRevoked)
}

func TestVerifyBackendFailure(t *testing.T) {
	f := newFixture(t)
	hash := f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess)
	f.polygon.FetchErr = types.NewError(types.ReasonBackendUnavailable, "rpc down")

	result, err := f.svc.Verify(context.Background(), request(hash, "sunset", payer))
	assert.Nil(t, result)
	assert.True(t, types.IsReason(err, types.ReasonBackendUnavailable))

	_, err = f.svc.VerifyWithRetry(context.Background(), request(hash, "sunset", payer), 1)
	assert.True(t, types.IsReason(err, types.ReasonBackendUnavailable))

	f.polygon.FetchErr = nil
	result, err = f.svc.VerifyWithRetry(context.Background(), request(hash, "sunset", payer), 1)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestVerifyCancelledCaller(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Verify(ctx, request(f.pay(payer, merchant, sunsetWei, types.TxStatusSuccess), "sunset", payer))
	// either the shared call finished first or the caller gave up
	if err != nil {
		assert.True(t, types.IsReason(err, types.ReasonBackendUnavailable))
	}
}

func TestNetworkResolution(t *testing.T) {
	f := newFixture(t)

	sol := clientstest.NewAdapter(types.NetworkSolanaDevnet)
	solMerchant := solana.NewWallet().PublicKey().String()
	require.NoError(t, f.svc.AddAdapter(sol, solMerchant, 0))

	cases := []struct {
		kind types.ChainKind
		id   types.ChainID
		want types.Network
		fail types.Reason
	}{
		{kind: types.ChainEVM, id: "", want: types.NetworkPolygon},
		{kind: types.ChainEVM, id: "0x89", want: types.NetworkPolygon},
		{kind: types.ChainEVM, id: "80002", fail: types.ReasonChainUnsupported},
		{kind: types.ChainEVM, id: "999999", fail: types.ReasonChainUnsupported},
		{kind: types.ChainSolana, id: "", want: types.NetworkSolanaDevnet},
		{kind: types.ChainSolana, id: "devnet", want: types.NetworkSolanaDevnet},
		{kind: types.ChainTron, id: "", fail: types.ReasonChainUnsupported},
	}

	for _, tc := range cases {
		network, _, rejected := f.svc.resolve(tc.kind, tc.id)
		if tc.fail != "" {
			require.NotNil(t, rejected, "%s/%s", tc.kind, tc.id)
			assert.Equal(t, tc.fail, rejected.InvalidReason)
			continue
		}
		require.Nil(t, rejected, "%s/%s", tc.kind, tc.id)
		assert.Equal(t, tc.want, network)
	}

	assert.Equal(t, []types.Network{types.NetworkPolygon, types.NetworkSolanaDevnet}, f.svc.GetSupportedNetworks())
	assert.True(t, f.svc.IsNetworkSupported(types.NetworkSolanaDevnet))
	got, ok := f.svc.Merchant(types.NetworkSolanaDevnet)
	assert.True(t, ok)
	assert.Equal(t, solMerchant, got)
}

func TestVerifySolanaPayment(t *testing.T) {
	f := newFixture(t)
	sol := clientstest.NewAdapter(types.NetworkSolanaDevnet)
	solMerchant := solana.NewWallet().PublicKey().String()
	buyer := solana.NewWallet().PublicKey().String()
	require.NoError(t, f.svc.AddAdapter(sol, solMerchant, 1))

	hash := sol.NextHash()
	sol.Put(&types.ObservedTransaction{
		TxHash:    hash,
		Payer:     buyer,
		Recipient: solMerchant,
		Amount:    big.NewInt(250_000_000),
		Status:    types.TxStatusSuccess,
	})

	result, err := f.svc.Verify(context.Background(), &types.VerifyRequest{
		TxHash:        hash,
		AssetID:       "sunset",
		WalletAddress: buyer,
		ChainKind:     types.ChainSolana,
	})
	require.NoError(t, err)
	require.True(t, result.IsValid, result.Message)
	assert.Equal(t, types.ChainSolana, result.Entitlement.ChainKind)

	// harbor has no Solana price
	quick := f.svc.QuickVerify(&types.VerifyRequest{TxHash: hash, AssetID: "harbor", WalletAddress: buyer, ChainKind: types.ChainSolana})
	assert.Equal(t, types.ReasonChainUnsupported, quick.InvalidReason)
}

func TestQuickVerify(t *testing.T) {
	f := newFixture(t)

	ok := f.svc.QuickVerify(request(f.polygon.NextHash(), "sunset", payer))
	assert.True(t, ok.IsValid)
	assert.Zero(t, sunsetWei.Cmp(ok.ExpectedAmount))
	assert.Zero(t, f.polygon.Fetches())

	missing := f.svc.QuickVerify(&types.VerifyRequest{AssetID: "sunset"})
	assert.Equal(t, types.ReasonInvalidRequest, missing.InvalidReason)

	badKind := f.svc.QuickVerify(&types.VerifyRequest{TxHash: "x", AssetID: "sunset", WalletAddress: payer, ChainKind: "dogecoin"})
	assert.Equal(t, types.ReasonInvalidRequest, badKind.InvalidReason)

	assert.Equal(t, types.ReasonInvalidRequest, f.svc.QuickVerify(nil).InvalidReason)
}

func TestAddAdapterRejectsBadMerchant(t *testing.T) {
	f := newFixture(t)

	err := f.svc.AddAdapter(clientstest.NewAdapter(types.NetworkBase), "0x0000000000000000000000000000000000000000", 1)
	assert.True(t, types.IsReason(err, types.ReasonUnconfiguredMerchant))

	err = f.svc.AddAdapter(clientstest.NewAdapter(types.NetworkBase), "", 1)
	assert.True(t, types.IsReason(err, types.ReasonUnconfiguredMerchant))

	err = f.svc.AddAdapter(clientstest.NewAdapter(types.NetworkPolygon), merchant, 1)
	assert.True(t, types.IsReason(err, types.ReasonInvalidRequest))

	assert.Error(t, f.svc.SetDefaultNetwork(types.NetworkBase))

	f.svc.Close()
	assert.True(t, f.polygon.Closed())
	assert.Empty(t, f.svc.GetSupportedNetworks())
}

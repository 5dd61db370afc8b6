package clients

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/nanopix/types"
)

// fakeTronGrid serves the handful of TronGrid endpoints the adapter calls
type fakeTronGrid struct {
	mu         sync.Mutex
	balance    int64
	head       uint64
	broadcast  map[string]TronTransaction
	solidified map[string]uint64
	failed     map[string]bool
	apiKeys    []string
}

func newFakeTronGrid() *fakeTronGrid {
	return &fakeTronGrid{
		balance:    50_000_000,
		head:       1000,
		broadcast:  map[string]TronTransaction{},
		solidified: map[string]uint64{},
		failed:     map[string]bool{},
	}
}

func (f *fakeTronGrid) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("TRON-PRO-API-KEY"))

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch r.URL.Path {
	case "/wallet/getaccount":
		writeJSON(w, map[string]any{"balance": f.balance})

	case "/wallet/createtransaction":
		raw, _ := json.Marshal(map[string]any{
			"contract": []any{map[string]any{
				"type": "TransferContract",
				"parameter": map[string]any{"value": map[string]any{
					"owner_address": body["owner_address"],
					"to_address":    body["to_address"],
					"amount":        body["amount"],
				}},
			}},
		})
		sum := sha256.Sum256(raw)
		writeJSON(w, TronTransaction{
			TxID:       hex.EncodeToString(sum[:]),
			RawData:    raw,
			RawDataHex: hex.EncodeToString(raw),
			Visible:    true,
		})

	case "/wallet/broadcasttransaction":
		var tx TronTransaction
		b, _ := json.Marshal(body)
		_ = json.Unmarshal(b, &tx)
		if len(tx.Signature) == 0 {
			writeJSON(w, map[string]any{"result": false, "code": "SIGERROR", "message": hex.EncodeToString([]byte("missing signature"))})
			return
		}
		f.broadcast[tx.TxID] = tx
		writeJSON(w, map[string]any{"result": true, "txid": tx.TxID})

	case "/wallet/gettransactionbyid":
		tx, ok := f.broadcast[body["value"].(string)]
		if !ok {
			writeJSON(w, map[string]any{})
			return
		}
		ret := "SUCCESS"
		if f.failed[tx.TxID] {
			ret = "REVERT"
		}
		writeJSON(w, map[string]any{
			"txID":      tx.TxID,
			"raw_data":  tx.RawData,
			"signature": tx.Signature,
			"ret":       []any{map[string]any{"contractRet": ret}},
		})

	case "/walletsolidity/gettransactioninfobyid":
		id := body["value"].(string)
		block, ok := f.solidified[id]
		if !ok {
			writeJSON(w, map[string]any{})
			return
		}
		info := map[string]any{"id": id, "blockNumber": block}
		if f.failed[id] {
			info["result"] = "FAILED"
		}
		writeJSON(w, info)

	case "/wallet/getnowblock":
		writeJSON(w, map[string]any{"block_header": map[string]any{"raw_data": map[string]any{"number": f.head}}})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeTronGrid) solidify(txID string, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solidified[txID] = block
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func tronFixture(t *testing.T) (*TronAdapter, *fakeTronGrid, *TronKeyWallet) {
	t.Helper()
	grid := newFakeTronGrid()
	srv := httptest.NewServer(grid)
	t.Cleanup(srv.Close)

	a, err := NewTronAdapterWithClient(types.NetworkTronShasta, srv.URL, srv.Client(),
		WithPollInterval(time.Millisecond),
		WithHeaders(map[string]string{"TRON-PRO-API-KEY": "test-key"}))
	require.NoError(t, err)

	wallet, err := NewTronKeyWallet(testPrivateKey, nil)
	require.NoError(t, err)
	return a, grid, wallet
}

func tronMerchant() string {
	return TronAddressFromEVM(common.HexToAddress(recipientAddress))
}

func tronIntent(payer string, sun int64) *types.TransferIntent {
	return &types.TransferIntent{
		AssetID:         "sunset",
		ChainKind:       types.ChainTron,
		Network:         types.NetworkTronShasta,
		PayerAddress:    payer,
		MerchantAddress: tronMerchant(),
		Amount:          big.NewInt(sun),
	}
}

func TestTronAdapter_BuildSignSubmitFetch(t *testing.T) {
	a, grid, wallet := tronFixture(t)
	ctx := context.Background()

	transfer, err := a.BuildTransfer(ctx, tronIntent(wallet.Address(), 2_000_000))
	require.NoError(t, err)

	signed, err := wallet.SignTransfer(ctx, transfer)
	require.NoError(t, err)

	tx := signed.Payload.(*TronTransaction)
	require.Len(t, tx.Signature, 1)
	txID, _ := hex.DecodeString(tx.TxID)
	sig, _ := hex.DecodeString(tx.Signature[0])
	pub, err := crypto.SigToPub(txID, sig)
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), TronAddressFromEVM(crypto.PubkeyToAddress(*pub)))

	ref, err := a.Submit(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, types.ChainTron, ref.ChainKind)
	assert.Equal(t, tx.TxID, ref.TxHash)

	observed, err := a.FetchTransaction(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.TxStatusPending, observed.Status)
	assert.Equal(t, wallet.Address(), observed.Payer)
	assert.Equal(t, tronMerchant(), observed.Recipient)

	grid.solidify(ref.TxHash, 990)

	observed, err = a.FetchTransaction(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.TxStatusSuccess, observed.Status)
	assert.Equal(t, int64(2_000_000), observed.Amount.Int64())
	assert.Equal(t, uint64(11), observed.Confirmations)

	for _, k := range grid.apiKeys {
		assert.Equal(t, "test-key", k)
	}
}

func TestTronAdapter_FailedTransaction(t *testing.T) {
	a, grid, wallet := tronFixture(t)
	ctx := context.Background()

	transfer, err := a.BuildTransfer(ctx, tronIntent(wallet.Address(), 1_000_000))
	require.NoError(t, err)
	signed, err := wallet.SignTransfer(ctx, transfer)
	require.NoError(t, err)
	ref, err := a.Submit(ctx, signed)
	require.NoError(t, err)

	grid.mu.Lock()
	grid.failed[ref.TxHash] = true
	grid.mu.Unlock()
	grid.solidify(ref.TxHash, 999)

	_, err = a.AwaitConfirmation(ctx, ref, 1)
	assert.True(t, types.IsReason(err, types.ReasonConfirmationFailed))
}

func TestTronAdapter_Errors(t *testing.T) {
	a, grid, wallet := tronFixture(t)
	ctx := context.Background()

	_, err := a.BuildTransfer(ctx, tronIntent(wallet.Address(), 0))
	assert.True(t, types.IsReason(err, types.ReasonInvalidAmount))

	intent := tronIntent(wallet.Address(), 1000)
	intent.MerchantAddress = "T-not-an-address"
	_, err = a.BuildTransfer(ctx, intent)
	assert.True(t, types.IsReason(err, types.ReasonUnconfiguredMerchant))

	grid.mu.Lock()
	grid.balance = 1000
	grid.mu.Unlock()
	_, err = a.BuildTransfer(ctx, tronIntent(wallet.Address(), 1000))
	assert.True(t, types.IsReason(err, types.ReasonInsufficientFunds))

	unsigned := &types.SignedTransfer{Payload: &TronTransaction{TxID: strings.Repeat("0", 64)}}
	_, err = a.Submit(ctx, unsigned)
	assert.True(t, types.IsReason(err, types.ReasonBroadcastFailed))

	observed, err := a.FetchTransaction(ctx, &types.TransactionReference{TxHash: strings.Repeat("ab", 32)})
	require.NoError(t, err)
	assert.Equal(t, types.TxStatusPending, observed.Status)
}

func TestTronAdapter_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a, err := NewTronAdapterWithClient(types.NetworkTronShasta, srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = a.FetchTransaction(context.Background(), &types.TransactionReference{TxHash: strings.Repeat("ab", 32)})
	assert.True(t, types.IsReason(err, types.ReasonBackendUnavailable))
}

func TestTronAddress(t *testing.T) {
	addr := TronAddressFromEVM(common.HexToAddress(testAddress))
	assert.True(t, strings.HasPrefix(addr, "T"))
	assert.Len(t, addr, 34)

	raw, err := DecodeTronAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, byte(0x41), raw[0])
	assert.Equal(t, common.HexToAddress(testAddress).Bytes(), raw[1:])

	fromHex, err := NormalizeTronAddress(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, addr, fromHex)

	tampered := []byte(addr)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}
	_, err = DecodeTronAddress(string(tampered))
	assert.Error(t, err)
}

func TestTronAddressKnownVector(t *testing.T) {
	const (
		usdt    = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
		usdtHex = "41a614f803b6fd780986a42c78ec9c7f77e6ded13c"
	)
	raw, err := DecodeTronAddress(usdt)
	require.NoError(t, err)
	assert.Equal(t, usdtHex, hex.EncodeToString(raw))

	normalized, err := NormalizeTronAddress(usdtHex)
	require.NoError(t, err)
	assert.Equal(t, usdt, normalized)

	_, err = DecodeTronAddress("1" + usdt[1:])
	assert.Error(t, err)
}

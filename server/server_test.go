package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/nanopix/catalog"
	"github.com/vitwit/nanopix/clients/clientstest"
	"github.com/vitwit/nanopix/entitlement"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/oracle"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/verification"
)

const (
	payer    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	merchant = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	picture  = "full resolution sunset"
)

var sunsetWei = big.NewInt(500_000_000_000_000_000)

type fixture struct {
	srv     *httptest.Server
	polygon *clientstest.Adapter
	clock   *clock.Mock
	feed    *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sunset.jpg"), []byte(picture), 0o600))

	fiat := decimal.RequireFromString("1")
	cat, err := catalog.New(
		types.Asset{
			ID:         "sunset",
			Title:      "Sunset",
			ContentRef: "sunset.jpg",
			Prices:     map[types.ChainKind]decimal.Decimal{types.ChainEVM: decimal.RequireFromString("0.5")},
			FiatPrice:  &fiat,
		},
		types.Asset{
			ID:         "harbor",
			Title:      "Harbor",
			ContentRef: "missing.jpg",
			Prices:     map[types.ChainKind]decimal.Decimal{types.ChainEVM: decimal.RequireFromString("2")},
		},
	)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := entitlement.Open("", entitlement.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	polygon := clientstest.NewAdapter(types.NetworkPolygon)
	verifier := verification.NewVerificationService(cat, store, verification.WithEntitlementTTL(time.Hour))
	require.NoError(t, verifier.AddAdapter(polygon, merchant, 3))

	content, err := NewDirStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = content.Close() })

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"polygon-ecosystem-token":{"usd":0.25,"eur":0.2}}`)
	}))
	t.Cleanup(feed.Close)

	opts = append([]Option{WithOracle(oracle.New(oracle.WithBaseURL(feed.URL), oracle.WithHTTPClient(feed.Client())))}, opts...)
	s := New(verifier, entitlement.NewGate(store), cat, content, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, polygon: polygon, clock: mock, feed: feed}
}

func (f *fixture) pay(amount *big.Int) string {
	hash := f.polygon.NextHash()
	f.polygon.Put(&types.ObservedTransaction{
		TxHash:    hash,
		Payer:     payer,
		Recipient: merchant,
		Amount:    amount,
		Status:    types.TxStatusSuccess,
	})
	return hash
}

func (f *fixture) verify(t *testing.T, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := f.srv.Client().Post(f.srv.URL+"/api/verify", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.srv.Client().Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func verifyBody(hash, asset string) map[string]any {
	return map[string]any{
		"txHash":        hash,
		"assetId":       asset,
		"walletAddress": payer,
		"chainKind":     "evm",
		"chainId":       137,
	}
}

func decodeError(t *testing.T, data []byte) types.ErrorBody {
	t.Helper()
	var body types.ErrorBody
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	return body
}

func TestVerifyThenDownload(t *testing.T) {
	f := newFixture(t)
	hash := f.pay(sunsetWei)

	resp, data := f.verify(t, verifyBody(hash, "sunset"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var grant types.VerifyResponse
	require.NoError(t, json.Unmarshal(data, &grant))
	assert.Len(t, grant.DownloadToken, 64)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(grant.ExpiresAt))

	resp, data = f.get(t, "/api/download?token="+grant.DownloadToken+"&assetId=sunset")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, picture, string(data))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "sunset.jpg")

	// downloads are repeatable until expiry
	resp, _ = f.get(t, "/api/download?token="+grant.DownloadToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// verifying again returns the same grant
	resp, data = f.verify(t, verifyBody(hash, "sunset"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again types.VerifyResponse
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, grant.DownloadToken, again.DownloadToken)

	f.clock.Add(time.Hour + time.Second)
	resp, data = f.get(t, "/api/download?token="+grant.DownloadToken+"&assetId=sunset")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, types.ReasonTokenExpired, decodeError(t, data).Reason)
}

func TestVerifyErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   func() any
		status int
		reason types.Reason
	}{
		{
			name:   "underpaid",
			body:   func() any { return verifyBody(f.pay(big.NewInt(1)), "sunset") },
			status: http.StatusPaymentRequired,
			reason: types.ReasonAmountMismatch,
		},
		{
			name:   "not yet mined",
			body:   func() any { return verifyBody(f.polygon.NextHash(), "sunset") },
			status: http.StatusAccepted,
			reason: types.ReasonTransactionPending,
		},
		{
			name:   "unknown asset",
			body:   func() any { return verifyBody(f.pay(sunsetWei), "meadow") },
			status: http.StatusNotFound,
			reason: types.ReasonAssetUnknown,
		},
		{
			name: "unsupported chain",
			body: func() any {
				b := verifyBody(f.pay(sunsetWei), "sunset")
				b["chainId"] = 1
				return b
			},
			status: http.StatusBadRequest,
			reason: types.ReasonChainUnsupported,
		},
		{
			name:   "missing fields",
			body:   func() any { return map[string]any{"assetId": "sunset"} },
			status: http.StatusBadRequest,
			reason: types.ReasonInvalidRequest,
		},
		{
			name:   "not json",
			body:   func() any { return "txHash=0x1" },
			status: http.StatusBadRequest,
			reason: types.ReasonInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.verify(t, tt.body())
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
			body := decodeError(t, data)
			assert.Equal(t, tt.reason, body.Reason)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestVerifyBackendUnavailable(t *testing.T) {
	f := newFixture(t)
	hash := f.pay(sunsetWei)
	f.polygon.FetchErr = errors.New("rpc unreachable")

	resp, data := f.verify(t, verifyBody(hash, "sunset"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, types.ReasonBackendUnavailable, decodeError(t, data).Reason)
}

func TestDownloadDenied(t *testing.T) {
	f := newFixture(t)

	resp, data := f.verify(t, verifyBody(f.pay(sunsetWei), "sunset"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grant types.VerifyResponse
	require.NoError(t, json.Unmarshal(data, &grant))

	tests := []struct {
		name   string
		query  string
		status int
		reason types.Reason
	}{
		{"no token", "", http.StatusForbidden, types.ReasonTokenUnknown},
		{"unknown token", "?token=" + fmt.Sprintf("%064x", 7), http.StatusForbidden, types.ReasonTokenUnknown},
		{"other asset", "?token=" + grant.DownloadToken + "&assetId=harbor", http.StatusForbidden, types.ReasonForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.get(t, "/api/download"+tt.query)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.reason, decodeError(t, data).Reason)
		})
	}
}

func TestDownloadMissingContent(t *testing.T) {
	f := newFixture(t)
	hash := f.polygon.NextHash()
	f.polygon.Put(&types.ObservedTransaction{
		TxHash:    hash,
		Payer:     payer,
		Recipient: merchant,
		Amount:    new(big.Int).Mul(sunsetWei, big.NewInt(4)),
		Status:    types.TxStatusSuccess,
	})

	resp, data := f.verify(t, verifyBody(hash, "harbor"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var grant types.VerifyResponse
	require.NoError(t, json.Unmarshal(data, &grant))

	resp, data = f.get(t, "/api/download?token="+grant.DownloadToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, types.ReasonAssetUnknown, decodeError(t, data).Reason)
}

func TestAssets(t *testing.T) {
	f := newFixture(t)
	resp, data := f.get(t, "/api/assets")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(data), "contentRef")
	assert.NotContains(t, string(data), "sunset.jpg")

	var body struct {
		Assets []assetView `json:"assets"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	require.Len(t, body.Assets, 2)
	ids := []string{body.Assets[0].ID, body.Assets[1].ID}
	assert.ElementsMatch(t, []string{"sunset", "harbor"}, ids)
}

func TestPrice(t *testing.T) {
	f := newFixture(t)

	resp, data := f.get(t, "/api/price?chain=evm&assetId=sunset")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var body struct {
		Chain        types.ChainKind            `json:"chain"`
		Network      types.Network              `json:"network"`
		Symbol       string                     `json:"symbol"`
		Prices       map[string]decimal.Decimal `json:"prices"`
		Stale        bool                       `json:"stale"`
		NativeAmount decimal.Decimal            `json:"nativeAmount"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, types.ChainEVM, body.Chain)
	assert.Equal(t, types.NetworkPolygon, body.Network)
	assert.Equal(t, "POL", body.Symbol)
	assert.False(t, body.Stale)
	assert.True(t, body.Prices["usd"].Equal(decimal.RequireFromString("0.25")))
	assert.True(t, body.NativeAmount.Equal(decimal.NewFromInt(4)), body.NativeAmount.String())

	resp, data = f.get(t, "/api/price?chain=tron")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ReasonChainUnsupported, decodeError(t, data).Reason)

	resp, _ = f.get(t, "/api/price?chain=dogecoin")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPriceDisabled(t *testing.T) {
	f := newFixture(t, WithOracle(nil))
	resp, data := f.get(t, "/api/price")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, types.ReasonPriceUnavailable, decodeError(t, data).Reason)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	rec.IncCounter(metrics.EventDownloadGranted, nil)
	f := newFixture(t, WithGatherer(reg), WithMetrics(rec))

	resp, data := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	resp, data = f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "nanopix_events_total")
}

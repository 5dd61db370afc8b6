package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/nanopix/types"
)

var verifyReq = &types.VerifyRequest{
	TxHash:        "0x" + strings.Repeat("ab", 32),
	AssetID:       "sunset",
	WalletAddress: payer,
	ChainKind:     types.ChainEVM,
	ChainID:       "0x89",
}

func verifyServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	expires := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}

		var req types.VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.Method != http.MethodPost || r.URL.Path != "/api/verify" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		switch status {
		case http.StatusOK:
			_ = json.NewEncoder(w).Encode(types.VerifyResponse{DownloadToken: "tok-" + req.AssetID, ExpiresAt: expires})
		case http.StatusAccepted:
			_ = json.NewEncoder(w).Encode(types.ErrorBody{Reason: types.ReasonTransactionPending, Message: "not final"})
		case http.StatusPaymentRequired:
			_ = json.NewEncoder(w).Encode(types.ErrorBody{Reason: types.ReasonAmountMismatch, Message: "underpaid"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPVerifierGrant(t *testing.T) {
	srv, calls := verifyServer(t, http.StatusOK)
	v := NewHTTPVerifier(srv.URL+"/", srv.Client(), 2)
	v.interval = time.Millisecond

	resp, err := v.Verify(context.Background(), verifyReq)
	require.NoError(t, err)
	assert.Equal(t, "tok-sunset", resp.DownloadToken)
	assert.False(t, resp.ExpiresAt.IsZero())
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPVerifierRejection(t *testing.T) {
	srv, calls := verifyServer(t, http.StatusPaymentRequired)
	v := NewHTTPVerifier(srv.URL, srv.Client(), 3)
	v.interval = time.Millisecond

	_, err := v.Verify(context.Background(), verifyReq)
	require.Error(t, err)
	assert.Equal(t, types.ReasonVerificationRejected, types.ReasonOf(err))
	assert.ErrorIs(t, err, types.NewError(types.ReasonAmountMismatch, ""))
	assert.Contains(t, err.Error(), "underpaid")
	assert.EqualValues(t, 1, calls.Load(), "rejections are not retried")
}

func TestHTTPVerifierRetriesPending(t *testing.T) {
	srv, calls := verifyServer(t, http.StatusAccepted, http.StatusServiceUnavailable, http.StatusOK)
	v := NewHTTPVerifier(srv.URL, srv.Client(), 3)
	v.interval = time.Millisecond

	resp, err := v.Verify(context.Background(), verifyReq)
	require.NoError(t, err)
	assert.Equal(t, "tok-sunset", resp.DownloadToken)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPVerifierBackendDown(t *testing.T) {
	srv, calls := verifyServer(t, http.StatusBadGateway)
	v := NewHTTPVerifier(srv.URL, srv.Client(), 1)
	v.interval = time.Millisecond

	_, err := v.Verify(context.Background(), verifyReq)
	require.Error(t, err)
	assert.Equal(t, types.ReasonBackendUnavailable, types.ReasonOf(err))
	assert.EqualValues(t, 2, calls.Load())
}

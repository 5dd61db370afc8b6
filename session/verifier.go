package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/verification"
)

const maxBodyBytes = 1 << 20

// HTTPVerifier posts payments to a storefront's /api/verify endpoint
type HTTPVerifier struct {
	baseURL  string
	http     *http.Client
	retries  uint64
	interval time.Duration
}

var _ Verifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier returns a verifier for the storefront at baseURL. Pending
// transactions and unavailable backends are retried up to retries times.
func NewHTTPVerifier(baseURL string, hc *http.Client, retries uint64) *HTTPVerifier {
	if hc == nil {
		hc = &http.Client{Timeout: types.DefaultVerifyTimeout}
	}
	return &HTTPVerifier{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     hc,
		retries:  retries,
		interval: time.Second,
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "", err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(v.interval)), v.retries),
		ctx,
	)
	resp, err := backoff.RetryWithData(func() (*types.VerifyResponse, error) {
		return v.post(ctx, payload)
	}, b)
	if err == nil {
		return resp, nil
	}
	switch types.ReasonOf(err) {
	case types.ReasonVerificationRejected, types.ReasonInvalidRequest:
		return nil, err
	default:
		return nil, types.WrapError(types.ReasonBackendUnavailable, "", err)
	}
}

func (v *HTTPVerifier) post(ctx context.Context, payload []byte) (*types.VerifyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(types.WrapError(types.ReasonInvalidRequest, "", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		var out types.VerifyResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode verify response: %w", err))
		}
		return &out, nil
	}

	cause := decodeErrorBody(resp.StatusCode, body)
	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, cause
	default:
		return nil, backoff.Permanent(rejected(cause))
	}
}

func decodeErrorBody(status int, body []byte) error {
	var eb types.ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Reason != "" {
		return eb.Err()
	}
	return fmt.Errorf("server returned %d %s", status, http.StatusText(status))
}

// rejected keeps the server's explanation as the message
func rejected(cause error) error {
	var ve *types.VendingError
	if errors.As(cause, &ve) {
		return types.WrapError(types.ReasonVerificationRejected, ve.Message, cause)
	}
	return types.WrapError(types.ReasonVerificationRejected, "", cause)
}

// LocalVerifier verifies in-process against a VerificationService, for the
// CLI and tests where buyer and storefront share a binary
type LocalVerifier struct {
	service *verification.VerificationService
	retries uint64
}

var _ Verifier = (*LocalVerifier)(nil)

func NewLocalVerifier(service *verification.VerificationService, retries uint64) *LocalVerifier {
	return &LocalVerifier{service: service, retries: retries}
}

func (v *LocalVerifier) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	result, err := v.service.VerifyWithRetry(ctx, req, v.retries)
	if err != nil {
		return nil, types.WrapError(types.ReasonBackendUnavailable, "", err)
	}
	if !result.IsValid {
		return nil, rejected(result.Err())
	}
	return &types.VerifyResponse{
		DownloadToken: result.Entitlement.Token,
		ExpiresAt:     result.Entitlement.ExpiresAt,
	}, nil
}

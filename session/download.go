package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/filecoin-project/go-clock"

	"github.com/vitwit/nanopix/types"
)

// Downloader fetches purchased files with the tokens in a TokenCache
type Downloader struct {
	baseURL string
	http    *http.Client
	tokens  *TokenCache
	clock   clock.Clock
}

func NewDownloader(baseURL string, hc *http.Client, tokens *TokenCache) *Downloader {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Downloader{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		tokens:  tokens,
		clock:   tokens.clock,
	}
}

// Download streams assetID into w. A token the server refuses is dropped
// from the cache so the next attempt starts a new purchase.
func (d *Downloader) Download(ctx context.Context, assetID string, w io.Writer) (int64, error) {
	cached, ok := d.tokens.Lookup(assetID)
	if !ok {
		return 0, types.NewError(types.ReasonTokenUnknown, "")
	}
	if d.clock.Now().After(cached.ExpiresAt) {
		_ = d.tokens.Delete(assetID)
		return 0, types.NewError(types.ReasonTokenExpired, "")
	}

	q := url.Values{}
	q.Set("token", cached.Token)
	q.Set("assetId", assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/download?"+q.Encode(), nil)
	if err != nil {
		return 0, types.WrapError(types.ReasonInvalidRequest, "", err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, types.WrapError(types.ReasonBackendUnavailable, "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return n, fmt.Errorf("download %s: %w", assetID, err)
		}
		return n, nil
	case resp.StatusCode == http.StatusForbidden:
		_ = d.tokens.Delete(assetID)
		return 0, d.refusal(resp, types.ReasonForbidden)
	case resp.StatusCode == http.StatusNotFound:
		return 0, d.refusal(resp, types.ReasonAssetUnknown)
	default:
		return 0, types.WrapError(types.ReasonBackendUnavailable, "", d.refusal(resp, types.ReasonBackendUnavailable))
	}
}

func (d *Downloader) refusal(resp *http.Response, fallback types.Reason) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	err := decodeErrorBody(resp.StatusCode, body)
	if types.ReasonOf(err) == "" {
		return types.WrapError(fallback, "", err)
	}
	return err
}

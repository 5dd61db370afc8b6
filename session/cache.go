package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
)

// CachedToken is a download token remembered for one asset
type CachedToken struct {
	AssetID   string    `json:"assetId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenCache remembers download tokens per asset for the browsing session.
// With a path it survives restarts; expired tokens are never returned.
type TokenCache struct {
	path  string
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]CachedToken
}

// NewTokenCache loads the cache at path, or starts an in-memory cache when
// path is empty. Expired entries are dropped on load.
func NewTokenCache(path string, clk clock.Clock) (*TokenCache, error) {
	if clk == nil {
		clk = clock.New()
	}
	c := &TokenCache{path: path, clock: clk, entries: make(map[string]CachedToken)}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	if len(data) == 0 {
		return c, nil
	}

	var stored []CachedToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode token cache %s: %w", path, err)
	}
	now := clk.Now()
	for _, t := range stored {
		if t.AssetID == "" || t.Token == "" || now.After(t.ExpiresAt) {
			continue
		}
		c.entries[t.AssetID] = t
	}
	return c, nil
}

// Set stores the token for assetID, replacing any earlier one
func (c *TokenCache) Set(assetID, token string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[assetID] = CachedToken{AssetID: assetID, Token: token, ExpiresAt: expiresAt}
	return c.saveLocked()
}

// Get returns the live token for assetID
func (c *TokenCache) Get(assetID string) (CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[assetID]
	if !ok || c.clock.Now().After(t.ExpiresAt) {
		return CachedToken{}, false
	}
	return t, true
}

// Lookup is Get without the expiry filter, so callers can tell an expired
// token from a missing one
func (c *TokenCache) Lookup(assetID string) (CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[assetID]
	return t, ok
}

func (c *TokenCache) Delete(assetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[assetID]; !ok {
		return nil
	}
	delete(c.entries, assetID)
	return c.saveLocked()
}

// Entries returns the live tokens ordered by asset
func (c *TokenCache) Entries() []CachedToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	out := make([]CachedToken, 0, len(c.entries))
	for _, t := range c.entries {
		if !now.After(t.ExpiresAt) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

func (c *TokenCache) saveLocked() error {
	if c.path == "" {
		return nil
	}
	list := make([]CachedToken, 0, len(c.entries))
	for _, t := range c.entries {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].AssetID < list[j].AssetID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create token cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write token cache: %w", err)
	}
	return os.Rename(tmp.Name(), c.path)
}

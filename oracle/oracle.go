package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/filecoin-project/go-clock"
	"github.com/shopspring/decimal"

	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/types"
)

const (
	DefaultBaseURL = "https://api.coingecko.com/api/v3"
	DefaultMaxAge  = 24 * time.Hour

	maxResponseBytes = 1 << 20
)

// EventPriceFetched and friends are recorded on the metrics recorder
const (
	EventPriceFetched = "price_fetched"
	EventPriceStale   = "price_stale"
	EventPriceFailed  = "price_failed"
)

// defaultCoinIDs maps a currency symbol to CoinGecko ids in preference
// order. POL is still listed under its pre-migration id on some plans.
var defaultCoinIDs = map[string][]string{
	"POL": {"polygon-ecosystem-token", "matic-network"},
	"ETH": {"ethereum"},
	"SOL": {"solana"},
	"TRX": {"tron"},
}

// Quote is the fiat value of one unit of a native currency
type Quote struct {
	Symbol    string                     `json:"symbol"`
	CoinID    string                     `json:"coinId"`
	Prices    map[string]decimal.Decimal `json:"prices"`
	FetchedAt time.Time                  `json:"fetchedAt"`
	Stale     bool                       `json:"stale"`
}

// In returns the quote in a fiat currency (lowercase ISO code)
func (q *Quote) In(currency string) (decimal.Decimal, bool) {
	p, ok := q.Prices[strings.ToLower(currency)]
	return p, ok
}

// Oracle quotes native currencies in fiat. Quotes are advisory: nothing in
// payment verification depends on them.
type Oracle struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	clock      clock.Clock
	logger     logger.Logger
	metrics    metrics.Recorder
	maxAge     time.Duration
	retries    uint64
	currencies []string
	coinIDs    map[string][]string

	mu    sync.Mutex
	cache map[string]*Quote
}

type Option func(*Oracle)

func WithBaseURL(u string) Option {
	return func(o *Oracle) {
		if u != "" {
			o.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithAPIKey sends a CoinGecko demo API key with every request
func WithAPIKey(key string) Option {
	return func(o *Oracle) {
		o.apiKey = key
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Oracle) {
		if c != nil {
			o.http = c
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Oracle) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *Oracle) {
		o.logger = logger.OrNoop(l)
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *Oracle) {
		o.metrics = metrics.OrNoop(m)
	}
}

// WithMaxAge sets how long a fetched quote is served without refetching
func WithMaxAge(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

// WithRetries sets how many times a failed fetch is retried
func WithRetries(n uint64) Option {
	return func(o *Oracle) {
		o.retries = n
	}
}

// WithCurrencies sets the fiat currencies requested
func WithCurrencies(currencies ...string) Option {
	return func(o *Oracle) {
		if len(currencies) == 0 {
			return
		}
		o.currencies = o.currencies[:0]
		for _, c := range currencies {
			o.currencies = append(o.currencies, strings.ToLower(c))
		}
	}
}

// WithCoinIDs overrides the CoinGecko ids tried for a symbol
func WithCoinIDs(symbol string, ids ...string) Option {
	return func(o *Oracle) {
		o.coinIDs[strings.ToUpper(symbol)] = ids
	}
}

// New creates a CoinGecko-backed oracle
func New(opts ...Option) *Oracle {
	o := &Oracle{
		baseURL:    DefaultBaseURL,
		http:       &http.Client{Timeout: 10 * time.Second},
		clock:      clock.New(),
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
		maxAge:     DefaultMaxAge,
		retries:    2,
		currencies: []string{"usd", "eur"},
		coinIDs:    make(map[string][]string, len(defaultCoinIDs)),
		cache:      make(map[string]*Quote),
	}
	for sym, ids := range defaultCoinIDs {
		o.coinIDs[sym] = ids
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("oracle")
	return o
}

// QuoteNetwork quotes the native currency of a network
func (o *Oracle) QuoteNetwork(ctx context.Context, network types.Network) (*Quote, error) {
	params, ok := types.LookupNetwork(network)
	if !ok {
		return nil, types.Errorf(types.ReasonChainUnsupported, "unknown network %s", network)
	}
	return o.Quote(ctx, params.Currency.Symbol)
}

// Quote returns the fiat price of symbol. A cached quote younger than the
// max age is served as is. When a refresh fails the last known quote is
// returned flagged Stale; with nothing cached the error is PriceUnavailable.
func (o *Oracle) Quote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.ToUpper(symbol)
	ids, ok := o.coinIDs[symbol]
	if !ok || len(ids) == 0 {
		return nil, types.Errorf(types.ReasonPriceUnavailable, "no price source for %s", symbol)
	}

	now := o.clock.Now()

	o.mu.Lock()
	cached := o.cache[symbol]
	o.mu.Unlock()

	if cached != nil && now.Sub(cached.FetchedAt) < o.maxAge {
		return cached.copy(false), nil
	}

	fresh, err := o.fetch(ctx, symbol, ids)
	if err != nil {
		o.metrics.IncCounter(EventPriceFailed, map[string]string{"symbol": symbol})
		if cached != nil {
			o.metrics.IncCounter(EventPriceStale, map[string]string{"symbol": symbol})
			o.logger.Warn("serving stale price", map[string]any{
				"symbol":    symbol,
				"fetchedAt": cached.FetchedAt,
				"error":     err.Error(),
			})
			return cached.copy(true), nil
		}
		return nil, types.WrapError(types.ReasonPriceUnavailable, "", err)
	}

	o.mu.Lock()
	o.cache[symbol] = fresh
	o.mu.Unlock()

	o.metrics.IncCounter(EventPriceFetched, map[string]string{"symbol": symbol})
	return fresh.copy(false), nil
}

// Seed installs a previously persisted quote, e.g. from a cache file
func (o *Oracle) Seed(q *Quote) {
	if q == nil || q.Symbol == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[strings.ToUpper(q.Symbol)] = q.copy(false)
}

// ToNative converts a fiat amount into the native currency using q
func ToNative(q *Quote, fiat decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, ok := q.In(currency)
	if !ok || !rate.IsPositive() {
		return decimal.Zero, types.Errorf(types.ReasonPriceUnavailable, "no %s rate for %s", currency, q.Symbol)
	}
	return fiat.DivRound(rate, 8), nil
}

func (o *Oracle) fetch(ctx context.Context, symbol string, ids []string) (*Quote, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", strings.Join(o.currencies, ","))
	endpoint := o.baseURL + "/simple/price?" + q.Encode()

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(250*time.Millisecond)), o.retries),
		ctx,
	)

	body, err := backoff.RetryWithData(func() (map[string]map[string]decimal.Decimal, error) {
		return o.get(ctx, endpoint)
	}, b)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		prices, ok := body[id]
		if !ok || len(prices) == 0 {
			continue
		}
		return &Quote{
			Symbol:    symbol,
			CoinID:    id,
			Prices:    prices,
			FetchedAt: o.clock.Now(),
		}, nil
	}
	return nil, fmt.Errorf("price feed returned no data for %s", strings.Join(ids, ","))
}

func (o *Oracle) get(ctx context.Context, endpoint string) (map[string]map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", o.apiKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("price feed returned %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var out map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode price feed: %w", err))
	}
	return out, nil
}

// Symbols lists the currencies the oracle can quote
func (o *Oracle) Symbols() []string {
	out := make([]string, 0, len(o.coinIDs))
	for s := range o.coinIDs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (q *Quote) copy(stale bool) *Quote {
	prices := make(map[string]decimal.Decimal, len(q.Prices))
	for k, v := range q.Prices {
		prices[k] = v
	}
	return &Quote{
		Symbol:    q.Symbol,
		CoinID:    q.CoinID,
		Prices:    prices,
		FetchedAt: q.FetchedAt,
		Stale:     stale,
	}
}

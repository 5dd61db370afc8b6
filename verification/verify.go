package verification

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/vitwit/nanopix/catalog"
	"github.com/vitwit/nanopix/clients"
	"github.com/vitwit/nanopix/entitlement"
	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
}

// AssetSource resolves catalog entries
type AssetSource interface {
	Lookup(id string) (*types.Asset, error)
}

type payee struct {
	adapter          clients.ChainAdapter
	merchant         string
	minConfirmations uint64
}

// VerificationService re-derives every payment fact from the chain and mints
// an entitlement for payments that match the catalog price exactly.
//
// Business rejections come back as an invalid VerificationResult; errors
// are reserved for infrastructure failures the caller may retry.
type VerificationService struct {
	mu       sync.RWMutex
	payees   map[types.Network]*payee
	defaults map[types.ChainKind]types.Network

	assets  AssetSource
	store   *entitlement.Store
	timeout time.Duration
	ttl     time.Duration
	group   singleflight.Group
	logger  logger.Logger
	metrics metrics.Recorder
}

var _ Verifier = (*VerificationService)(nil)

type Option func(*VerificationService)

func WithTimeout(d time.Duration) Option {
	return func(s *VerificationService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithEntitlementTTL sets the lifetime of issued entitlements
func WithEntitlementTTL(d time.Duration) Option {
	return func(s *VerificationService) {
		s.ttl = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) {
		s.logger = logger.OrNoop(l)
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *VerificationService) {
		s.metrics = metrics.OrNoop(m)
	}
}

// NewVerificationService creates a new verification service
func NewVerificationService(assets AssetSource, store *entitlement.Store, opts ...Option) *VerificationService {
	s := &VerificationService{
		payees:   make(map[types.Network]*payee),
		defaults: make(map[types.ChainKind]types.Network),
		assets:   assets,
		store:    store,
		timeout:  types.DefaultVerifyTimeout,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("verification")
	return s
}

// AddAdapter accepts payments to merchant on the adapter's network. The
// first network registered for a chain kind serves requests that name the
// kind without a chain ID.
func (s *VerificationService) AddAdapter(adapter clients.ChainAdapter, merchant string, minConfirmations uint64) error {
	if adapter == nil {
		return types.Errorf(types.ReasonChainUnsupported, "nil adapter")
	}
	network := adapter.Network()

	normalized, err := adapter.NormalizeAddress(merchant)
	if err != nil || normalized == "" {
		return types.WrapError(types.ReasonUnconfiguredMerchant, fmt.Sprintf("invalid merchant address for %s", network), err)
	}
	if adapter.Kind() == types.ChainEVM && utils.IsZeroEVMAddress(normalized) {
		return types.Errorf(types.ReasonUnconfiguredMerchant, "merchant address for %s is the zero address", network)
	}
	if minConfirmations == 0 {
		minConfirmations = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payees[network]; exists {
		return types.Errorf(types.ReasonInvalidRequest, "network %s already configured", network)
	}
	s.payees[network] = &payee{adapter: adapter, merchant: normalized, minConfirmations: minConfirmations}
	if _, ok := s.defaults[adapter.Kind()]; !ok {
		s.defaults[adapter.Kind()] = network
	}
	return nil
}

// SetDefaultNetwork selects the network used for a chain kind when the
// request carries no chain ID
func (s *VerificationService) SetDefaultNetwork(network types.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payees[network]; !ok {
		return types.Errorf(types.ReasonChainUnsupported, "network %s is not configured", network)
	}
	s.defaults[network.Kind()] = network
	return nil
}

// DefaultNetwork returns the network that serves kind when no chain ID is given
func (s *VerificationService) DefaultNetwork(kind types.ChainKind) (types.Network, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.defaults[kind]
	return n, ok
}

// Merchant returns the configured recipient on network
func (s *VerificationService) Merchant(network types.Network) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payees[network]
	if !ok {
		return "", false
	}
	return p.merchant, true
}

// check is a request that passed the offline checks
type check struct {
	req     *types.VerifyRequest
	asset   *types.Asset
	network types.Network
	payee   *payee
	wallet  string
	txHash  string
	price   *big.Int
}

// QuickVerify performs the checks that need no chain query: request shape,
// catalog entry, supported chain and address formats
func (s *VerificationService) QuickVerify(req *types.VerifyRequest) *types.VerificationResult {
	c, rejected := s.prepare(req)
	if rejected != nil {
		return rejected
	}
	return &types.VerificationResult{
		IsValid:        true,
		Network:        c.network,
		ExpectedAmount: c.price,
	}
}

func (s *VerificationService) prepare(req *types.VerifyRequest) (*check, *types.VerificationResult) {
	if req == nil {
		return nil, types.Reject(types.ReasonInvalidRequest, "empty request")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, types.Reject(types.ReasonInvalidRequest, "invalid request: %v", err)
	}

	kind := types.ChainEVM
	if req.ChainKind != "" {
		k, err := types.ParseChainKind(string(req.ChainKind))
		if err != nil {
			return nil, types.Reject(types.ReasonChainUnsupported, "%v", err)
		}
		kind = k
	}

	asset, err := s.assets.Lookup(req.AssetID)
	if err != nil {
		return nil, types.Reject(types.ReasonAssetUnknown, "asset %q is not in the catalog", req.AssetID)
	}

	network, p, rejected := s.resolve(kind, req.ChainID)
	if rejected != nil {
		return nil, rejected
	}

	price, err := catalog.MinorUnitPrice(asset, network)
	if err != nil {
		return nil, types.Reject(types.ReasonChainUnsupported, "asset %q cannot be bought on %s", asset.ID, network)
	}

	wallet, err := p.adapter.NormalizeAddress(req.WalletAddress)
	if err != nil {
		return nil, types.Reject(types.ReasonInvalidRequest, "invalid wallet address: %v", err)
	}
	txHash, err := p.adapter.NormalizeTxHash(req.TxHash)
	if err != nil {
		return nil, types.Reject(types.ReasonInvalidRequest, "invalid transaction reference: %v", err)
	}

	return &check{
		req:     req,
		asset:   asset,
		network: network,
		payee:   p,
		wallet:  wallet,
		txHash:  txHash,
		price:   price,
	}, nil
}

func (s *VerificationService) resolve(kind types.ChainKind, id types.ChainID) (types.Network, *payee, *types.VerificationResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var network types.Network
	if id == "" {
		n, ok := s.defaults[kind]
		if !ok {
			return "", nil, types.Reject(types.ReasonChainUnsupported, "payments on %s are not accepted", kind)
		}
		network = n
	} else {
		n, ok := types.NetworkFor(kind, id)
		if !ok {
			return "", nil, types.Reject(types.ReasonChainUnsupported, "unknown %s chain %q", kind, id)
		}
		network = n
	}

	p, ok := s.payees[network]
	if !ok {
		return "", nil, types.Reject(types.ReasonChainUnsupported, "payments on %s are not accepted", network)
	}
	return network, p, nil
}

// Verify verifies a claimed payment and returns the entitlement it buys.
// Repeating a verification for the same transaction and asset returns the
// entitlement already issued; concurrent duplicates share one chain query.
func (s *VerificationService) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	start := time.Now()

	c, rejected := s.prepare(req)
	if rejected != nil {
		s.record(rejected, nil, start, "")
		return rejected, nil
	}

	key := strings.Join([]string{string(c.network), c.txHash, c.asset.ID, c.wallet}, "|")
	ch := s.group.DoChan(key, func() (any, error) {
		// shared by every waiter, so it must not die with the first caller
		verifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.verify(verifyCtx, c)
	})

	select {
	case <-ctx.Done():
		err := types.WrapError(types.ReasonBackendUnavailable, "verification abandoned", ctx.Err())
		s.record(nil, err, start, c.network)
		return nil, err
	case res := <-ch:
		if res.Err != nil {
			s.record(nil, res.Err, start, c.network)
			return nil, res.Err
		}
		result := res.Val.(*types.VerificationResult)
		s.record(result, nil, start, c.network)
		return result, nil
	}
}

func (s *VerificationService) verify(ctx context.Context, c *check) (*types.VerificationResult, error) {
	kind := c.payee.adapter.Kind()

	existing, err := s.store.LookupByTransaction(ctx, kind, c.txHash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.redeemed(c, existing), nil
	}

	ref := &types.TransactionReference{
		ChainKind: kind,
		Network:   c.network,
		TxHash:    c.txHash,
	}
	observed, err := c.payee.adapter.FetchTransaction(ctx, ref)
	if err != nil {
		reason := types.ReasonOf(err)
		if reason == "" || reason == types.ReasonBackendUnavailable || reason == types.ReasonInternal {
			return nil, err
		}
		return s.reject(c, nil, reason, "%v", err), nil
	}

	switch observed.Status {
	case types.TxStatusFailed:
		return s.reject(c, observed, types.ReasonTransactionFailed, "transaction %s failed on chain", c.txHash), nil
	case types.TxStatusSuccess:
		if observed.Confirmations < c.payee.minConfirmations {
			return s.reject(c, observed, types.ReasonTransactionPending,
				"transaction %s has %d of %d confirmations", c.txHash, observed.Confirmations, c.payee.minConfirmations), nil
		}
	default:
		return s.reject(c, observed, types.ReasonTransactionPending, "transaction %s is not final yet", c.txHash), nil
	}

	recipient, err := c.payee.adapter.NormalizeAddress(observed.Recipient)
	if err != nil || recipient != c.payee.merchant {
		return s.reject(c, observed, types.ReasonWrongRecipient, "payment went to %q, not the merchant", observed.Recipient), nil
	}

	payer, err := c.payee.adapter.NormalizeAddress(observed.Payer)
	if err != nil || payer != c.wallet {
		return s.reject(c, observed, types.ReasonPayerMismatch, "transaction was sent by %q, not %q", observed.Payer, c.wallet), nil
	}

	if observed.Amount == nil || observed.Amount.Cmp(c.price) != 0 {
		return s.reject(c, observed, types.ReasonAmountMismatch, "paid %s, price is %s", observed.Amount, c.price), nil
	}

	ent, created, err := s.store.Issue(ctx, entitlement.IssueRequest{
		AssetID:   c.asset.ID,
		Subject:   c.wallet,
		ChainKind: kind,
		Network:   c.network,
		TxHash:    c.txHash,
		TTL:       s.ttl,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// lost a race with another verification of the same transaction
		return s.redeemed(c, ent), nil
	}

	s.logger.Info("payment verified", map[string]any{
		"asset":   c.asset.ID,
		"network": c.network,
		"tx":      c.txHash,
		"payer":   c.wallet,
		"expires": ent.ExpiresAt,
	})

	result := s.observedResult(c, observed)
	result.IsValid = true
	result.Entitlement = ent
	return result, nil
}

// redeemed answers a verification for a transaction that already bought an
// entitlement
func (s *VerificationService) redeemed(c *check, ent *types.Entitlement) *types.VerificationResult {
	switch {
	case ent.AssetID != c.asset.ID:
		return s.reject(c, nil, types.ReasonTransactionReused, "transaction %s already paid for a different item", c.txHash)
	case ent.Subject != c.wallet:
		return s.reject(c, nil, types.ReasonPayerMismatch, "transaction %s was redeemed by another wallet", c.txHash)
	case ent.Revoked:
		return s.reject(c, nil, types.ReasonTokenRevoked, "")
	case ent.ExpiredAt(s.store.Now()):
		return s.reject(c, nil, types.ReasonTokenExpired, "")
	}

	s.logger.Debug("returning existing entitlement", map[string]any{
		"asset": c.asset.ID,
		"tx":    c.txHash,
	})
	return &types.VerificationResult{
		IsValid:        true,
		Network:        c.network,
		ObservedPayer:  ent.Subject,
		ExpectedAmount: c.price,
		ObservedStatus: types.TxStatusSuccess,
		Entitlement:    ent,
	}
}

func (s *VerificationService) reject(c *check, observed *types.ObservedTransaction, reason types.Reason, format string, args ...any) *types.VerificationResult {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = reason.Remediation()
	}

	s.logger.Info("payment rejected", map[string]any{
		"asset":   c.asset.ID,
		"network": c.network,
		"tx":      c.txHash,
		"reason":  reason,
		"detail":  msg,
	})

	result := s.observedResult(c, observed)
	result.InvalidReason = reason
	result.Message = msg
	return result
}

func (s *VerificationService) observedResult(c *check, observed *types.ObservedTransaction) *types.VerificationResult {
	result := &types.VerificationResult{
		Network:        c.network,
		ExpectedAmount: c.price,
	}
	if observed != nil {
		result.ObservedPayer = observed.Payer
		result.ObservedRecipient = observed.Recipient
		result.ObservedAmount = observed.Amount
		result.ObservedStatus = observed.Status
		result.Confirmations = observed.Confirmations
	}
	return result
}

func (s *VerificationService) record(result *types.VerificationResult, err error, start time.Time, network types.Network) {
	labels := map[string]string{"network": string(network)}
	s.metrics.ObserveLatency(metrics.OpVerify, time.Since(start), labels)

	switch {
	case err != nil:
		labels["reason"] = string(types.ReasonOf(err))
		s.metrics.IncCounter(metrics.EventVerifyError, labels)
		s.logger.Warn("verification error", map[string]any{"network": network, "error": err.Error()})
	case result.IsValid:
		s.metrics.IncCounter(metrics.EventVerifyAccepted, labels)
	default:
		labels["reason"] = string(result.InvalidReason)
		s.metrics.IncCounter(metrics.EventVerifyRejected, labels)
	}
}

// VerifyWithRetry retries Verify while the chain backend is unavailable.
// Rejections are final and returned on the first attempt.
func (s *VerificationService) VerifyWithRetry(ctx context.Context, req *types.VerifyRequest, maxRetries uint64) (*types.VerificationResult, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	return backoff.RetryWithData(func() (*types.VerificationResult, error) {
		result, err := s.Verify(ctx, req)
		if err != nil && !types.ReasonOf(err).Retryable() {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}, b)
}

// GetSupportedNetworks returns all networks that have configured adapters
func (s *VerificationService) GetSupportedNetworks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()

	networks := make([]types.Network, 0, len(s.payees))
	for network := range s.payees {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// IsNetworkSupported checks if a network is supported
func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.payees[network]
	return ok
}

// Close closes all adapter connections
func (s *VerificationService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for network, p := range s.payees {
		p.adapter.Close()
		delete(s.payees, network)
	}
	s.defaults = make(map[types.ChainKind]types.Network)
}

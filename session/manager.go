package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/filecoin-project/go-clock"

	"github.com/vitwit/nanopix/catalog"
	"github.com/vitwit/nanopix/clients"
	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/settlement"
	"github.com/vitwit/nanopix/types"
)

// Verifier asks the server to verify a payment and returns the download grant
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error)
}

// Payments is the buyer-side settlement API the manager drives
type Payments interface {
	Adapter(network types.Network) (clients.ChainAdapter, error)
	Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error)
	Confirm(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error)
}

var _ Payments = (*settlement.SettlementService)(nil)

// PurchaseRequest starts a purchase of Asset on Network, paid to Merchant
type PurchaseRequest struct {
	Asset    *types.Asset
	Network  types.Network
	Merchant string
	Wallet   clients.Wallet
	// Observer, when set, receives the wallet connection snapshot and every
	// later one of the session Purchase returns
	Observer Observer
}

// ResumeRequest re-verifies a transaction that was broadcast earlier,
// without asking the wallet to sign again
type ResumeRequest struct {
	AssetID   string
	Wallet    string
	Reference *types.TransactionReference
	Observer  Observer
}

type slot struct {
	wallet  string
	assetID string
}

// Manager runs purchase sessions. At most one session per (wallet, asset)
// is past wallet connection and not yet terminal.
type Manager struct {
	payments Payments
	verifier Verifier
	tokens   *TokenCache
	clock    clock.Clock
	logger   logger.Logger
	metrics  metrics.Recorder

	mu       sync.Mutex
	inflight map[slot]*Session
	wg       sync.WaitGroup
}

type ManagerOption func(*Manager)

func WithManagerLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.OrNoop(l)
	}
}

func WithManagerMetrics(r metrics.Recorder) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics.OrNoop(r)
	}
}

func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithTokenCache stores every granted token in cache
func WithTokenCache(cache *TokenCache) ManagerOption {
	return func(m *Manager) {
		m.tokens = cache
	}
}

func NewManager(payments Payments, verifier Verifier, opts ...ManagerOption) *Manager {
	m := &Manager{
		payments: payments,
		verifier: verifier,
		clock:    clock.New(),
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		inflight: make(map[slot]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("session")
	return m
}

// Purchase connects the wallet and starts the payment in the background.
// If the wallet already has a live purchase of the asset, that session is
// returned instead and nothing new starts. Failures are reported through
// the session; the error is only set for malformed requests.
func (m *Manager) Purchase(ctx context.Context, req PurchaseRequest) (*Session, error) {
	if req.Asset == nil || req.Wallet == nil {
		return nil, types.Errorf(types.ReasonInvalidRequest, "asset and wallet are required")
	}

	s := newSession(req.Asset.ID, req.Network, m.clock.Now)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.setCancel(cancel)

	_ = s.transition(StateWalletConnecting, nil)
	connecting := s.Snapshot()
	attach := func() {
		if req.Observer != nil {
			s.Subscribe(req.Observer)
			req.Observer(connecting)
		}
	}

	address, err := req.Wallet.Connect(runCtx)
	if err != nil {
		cancel()
		attach()
		m.failed(s, connectError(err))
		return s, nil
	}

	key := slot{wallet: m.walletKey(req.Network, address), assetID: req.Asset.ID}
	m.mu.Lock()
	if live, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		cancel()
		if req.Observer != nil {
			live.Subscribe(req.Observer)
		}
		m.logger.Info("purchase already in flight", map[string]any{
			"asset":   req.Asset.ID,
			"session": live.ID(),
		})
		return live, nil
	}
	m.inflight[key] = s
	m.mu.Unlock()

	attach()
	_ = s.transition(StateNetworkCheck, func() { s.wallet = address })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.release(key, s)
		m.run(runCtx, s, req, address)
	}()
	return s, nil
}

// Resume continues from Confirming for a transaction broadcast earlier
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (*Session, error) {
	if req.Reference == nil || req.Reference.TxHash == "" || req.AssetID == "" || req.Wallet == "" {
		return nil, types.Errorf(types.ReasonInvalidRequest, "asset, wallet and transaction are required")
	}

	key := slot{wallet: m.walletKey(req.Reference.Network, req.Wallet), assetID: req.AssetID}
	m.mu.Lock()
	if live, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		return live, nil
	}
	s := newSession(req.AssetID, req.Reference.Network, m.clock.Now)
	m.inflight[key] = s
	m.mu.Unlock()

	if req.Observer != nil {
		s.Subscribe(req.Observer)
	}

	ref := *req.Reference
	_ = s.transition(StateConfirming, func() {
		s.wallet = req.Wallet
		s.reference = &ref
	})

	detached := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(key, s)
		if m.confirm(detached, s) {
			m.verify(detached, s)
		}
	}()
	return s, nil
}

// Abandon stops observing s. A payment not yet broadcast is cancelled; one
// already on chain is still confirmed and verified, and its token cached.
func (m *Manager) Abandon(s *Session) {
	s.abandon()
	m.logger.Debug("session abandoned", map[string]any{"session": s.ID(), "state": s.State()})
}

// Live returns the in-flight session of wallet on network for asset, if any
func (m *Manager) Live(network types.Network, wallet, assetID string) (*Session, bool) {
	key := slot{wallet: m.walletKey(network, wallet), assetID: assetID}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inflight[key]
	return s, ok
}

// walletKey is the wallet identity on network. Only EVM addresses are
// case-insensitive; base58 addresses are kept as given.
func (m *Manager) walletKey(network types.Network, address string) string {
	if adapter, err := m.payments.Adapter(network); err == nil {
		if normalized, err := adapter.NormalizeAddress(address); err == nil {
			return normalized
		}
	}
	if network.Kind() == types.ChainEVM {
		return strings.ToLower(address)
	}
	return address
}

// Wait blocks until every background step has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) release(key slot, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[key] == s {
		delete(m.inflight, key)
	}
}

func (m *Manager) run(ctx context.Context, s *Session, req PurchaseRequest, payer string) {
	adapter, err := m.payments.Adapter(req.Network)
	if err != nil {
		m.failed(s, types.WrapError(types.ReasonWrongNetwork, "", err))
		return
	}

	if err := adapter.EnsureNetwork(ctx, req.Wallet); err != nil {
		m.failed(s, m.abandonedOr(s, err))
		return
	}

	if err := s.transition(StateAwaitingSignature, nil); err != nil {
		return
	}

	amount, err := catalog.MinorUnitPrice(req.Asset, req.Network)
	if err != nil {
		m.failed(s, types.WrapError(types.ReasonInvalidAmount, "", err))
		return
	}
	intent := &types.TransferIntent{
		AssetID:         req.Asset.ID,
		ChainKind:       adapter.Kind(),
		Network:         req.Network,
		PayerAddress:    payer,
		MerchantAddress: req.Merchant,
		Amount:          amount,
		CreatedAt:       m.clock.Now(),
	}

	transfer, err := adapter.BuildTransfer(ctx, intent)
	if err != nil {
		m.failed(s, m.abandonedOr(s, err))
		return
	}
	signed, err := req.Wallet.SignTransfer(ctx, transfer)
	if err != nil {
		m.failed(s, m.abandonedOr(s, err))
		return
	}

	// Past this point the buyer may have paid: the remaining steps ignore
	// abandonment and run on a context that is never cancelled.
	detached := context.WithoutCancel(ctx)
	if err := s.transition(StateSubmitted, nil); err != nil {
		return
	}
	ref, err := m.payments.Submit(detached, signed)
	if err != nil {
		m.failed(s, err)
		return
	}
	m.logger.Info("payment broadcast", map[string]any{
		"session": s.ID(),
		"asset":   req.Asset.ID,
		"tx":      ref.TxHash,
	})

	if err := s.transition(StateConfirming, func() { s.reference = ref }); err != nil {
		return
	}
	if m.confirm(detached, s) {
		m.verify(detached, s)
	}
}

func (m *Manager) confirm(ctx context.Context, s *Session) bool {
	s.mu.Lock()
	ref := s.reference
	s.mu.Unlock()

	observed, err := m.payments.Confirm(ctx, ref)
	if err != nil {
		m.failed(s, err)
		return false
	}
	return s.transition(StateServerVerifying, func() { s.observed = observed }) == nil
}

func (m *Manager) verify(ctx context.Context, s *Session) {
	s.mu.Lock()
	req := &types.VerifyRequest{
		TxHash:        s.reference.TxHash,
		AssetID:       s.assetID,
		WalletAddress: s.wallet,
		ChainKind:     s.reference.ChainKind,
	}
	if params, ok := types.LookupNetwork(s.reference.Network); ok {
		if params.Kind == types.ChainEVM {
			req.ChainID = types.ChainID(params.ChainIDHex())
		} else {
			req.ChainID = types.ChainID(params.Network)
		}
	}
	s.mu.Unlock()

	grant, err := m.verifier.Verify(ctx, req)
	if err != nil {
		m.failed(s, err)
		return
	}
	if grant == nil || grant.DownloadToken == "" {
		m.failed(s, types.Errorf(types.ReasonVerificationRejected, "server did not return a download token"))
		return
	}

	if m.tokens != nil {
		if err := m.tokens.Set(s.assetID, grant.DownloadToken, grant.ExpiresAt); err != nil {
			m.logger.Warn("could not cache download token", map[string]any{"asset": s.assetID, "error": err.Error()})
		}
	}

	if err := s.transition(StateEntitled, func() { s.grant = grant }); err != nil {
		return
	}
	m.metrics.IncCounter(metrics.EventSessionEntitled, map[string]string{"network": string(s.network)})
	m.logger.Info("purchase complete", map[string]any{
		"session": s.ID(),
		"asset":   s.assetID,
		"expires": grant.ExpiresAt,
	})
}

func (m *Manager) failed(s *Session, err error) {
	if ferr := s.fail(err); ferr != nil {
		m.logger.Error("session transition rejected", map[string]any{"session": s.ID(), "error": ferr.Error()})
		return
	}
	snap := s.Snapshot()
	m.metrics.IncCounter(metrics.EventSessionFailed, map[string]string{
		"network": string(snap.Network),
		"reason":  string(snap.Reason),
	})
	m.logger.Info("purchase failed", map[string]any{
		"session": snap.ID,
		"asset":   snap.AssetID,
		"state":   s.lastStep(),
		"reason":  snap.Reason,
		"error":   err.Error(),
	})
}

// abandonedOr labels a failure caused by Abandon cancelling the step
func (m *Manager) abandonedOr(s *Session, err error) error {
	if s.Abandoned() && errors.Is(err, context.Canceled) {
		return types.WrapError(types.ReasonUserRejected, "purchase abandoned", err)
	}
	return err
}

func connectError(err error) error {
	switch {
	case types.ReasonOf(err) != "":
		return err
	case errors.Is(err, clients.ErrUserRejected):
		return types.WrapError(types.ReasonConnectionRejected, "", err)
	default:
		return types.WrapError(types.ReasonWalletUnavailable, "", err)
	}
}

func (s *Session) lastStep() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.history); n > 0 {
		return s.history[n-1].From
	}
	return s.state
}

package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/nanopix/clients"
	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/types"
)

// Settler interface defines the contract for moving a signed payment on chain
type Settler interface {
	Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error)
	Confirm(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error)
}

// Result is the outcome of a settled payment
type Result struct {
	Reference   *types.TransactionReference `json:"reference"`
	Observed    *types.ObservedTransaction  `json:"observed,omitempty"`
	ExplorerURL string                      `json:"explorerUrl,omitempty"`
}

// SettlementService broadcasts signed transfers and waits for them to be final
type SettlementService struct {
	mu       sync.RWMutex
	adapters map[types.Network]clients.ChainAdapter

	submitTimeout  time.Duration
	confirmTimeout time.Duration
	confirmations  map[types.Network]uint64
	logger         logger.Logger
	metrics        metrics.Recorder
}

var _ Settler = (*SettlementService)(nil)

type Option func(*SettlementService)

func WithLogger(l logger.Logger) Option {
	return func(s *SettlementService) {
		s.logger = logger.OrNoop(l)
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *SettlementService) {
		s.metrics = metrics.OrNoop(m)
	}
}

// WithSubmitTimeout bounds a single broadcast
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *SettlementService) {
		if d > 0 {
			s.submitTimeout = d
		}
	}
}

// WithConfirmationTimeout bounds the wait for finality
func WithConfirmationTimeout(d time.Duration) Option {
	return func(s *SettlementService) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

// WithConfirmations overrides the confirmation depth required on a network
func WithConfirmations(network types.Network, n uint64) Option {
	return func(s *SettlementService) {
		s.confirmations[network] = n
	}
}

// NewSettlementService creates a new settlement service
func NewSettlementService(opts ...Option) *SettlementService {
	s := &SettlementService{
		adapters:       make(map[types.Network]clients.ChainAdapter),
		submitTimeout:  types.DefaultTimeout,
		confirmTimeout: types.DefaultConfirmationTimeout,
		confirmations:  make(map[types.Network]uint64),
		logger:         logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("settlement")
	return s
}

// AddAdapter registers the adapter serving its network
func (s *SettlementService) AddAdapter(adapter clients.ChainAdapter) error {
	if adapter == nil {
		return types.Errorf(types.ReasonChainUnsupported, "nil adapter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.adapters[adapter.Network()]; exists {
		return types.Errorf(types.ReasonInvalidRequest, "adapter for %s already registered", adapter.Network())
	}
	s.adapters[adapter.Network()] = adapter
	return nil
}

// Adapter returns the adapter registered for network
func (s *SettlementService) Adapter(network types.Network) (clients.ChainAdapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[network]
	if !ok {
		return nil, types.Errorf(types.ReasonChainUnsupported, "no adapter configured for network %s", network)
	}
	return a, nil
}

// Submit broadcasts a signed transfer on its network
func (s *SettlementService) Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error) {
	if signed == nil || signed.Transfer == nil {
		return nil, types.Errorf(types.ReasonInvalidRequest, "signed transfer is empty")
	}
	adapter, err := s.Adapter(signed.Transfer.Network)
	if err != nil {
		return nil, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	start := time.Now()
	ref, err := adapter.Submit(submitCtx, signed)
	labels := map[string]string{"network": string(adapter.Network())}
	s.metrics.ObserveLatency(metrics.OpSubmit, time.Since(start), labels)
	if err != nil {
		labels["reason"] = string(types.ReasonOf(err))
		s.metrics.IncCounter(metrics.EventTxSubmitFailed, labels)
		s.logger.Warn("broadcast failed", map[string]any{
			"network": adapter.Network(),
			"error":   err.Error(),
		})
		return nil, err
	}

	s.metrics.IncCounter(metrics.EventTxSubmitted, labels)
	s.logger.Info("transaction submitted", map[string]any{
		"network": ref.Network,
		"tx":      ref.TxHash,
	})
	return ref, nil
}

// Confirm waits until ref is final on its network. On timeout the last
// observation, if any, is returned alongside the ConfirmationTimeout error.
func (s *SettlementService) Confirm(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error) {
	if ref == nil || ref.TxHash == "" {
		return nil, types.Errorf(types.ReasonInvalidRequest, "transaction reference is empty")
	}
	adapter, err := s.Adapter(ref.Network)
	if err != nil {
		return nil, err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	start := time.Now()
	required := s.requiredConfirmations(ref.Network)
	observed, err := adapter.AwaitConfirmation(confirmCtx, ref, required)
	labels := map[string]string{"network": string(ref.Network)}
	s.metrics.ObserveLatency(metrics.OpConfirm, time.Since(start), labels)
	if err != nil {
		labels["reason"] = string(types.ReasonOf(err))
		s.metrics.IncCounter(metrics.EventTxConfirmFailed, labels)
		s.logger.Warn("confirmation failed", map[string]any{
			"network": ref.Network,
			"tx":      ref.TxHash,
			"error":   err.Error(),
		})
		return observed, err
	}

	s.metrics.IncCounter(metrics.EventTxConfirmed, labels)
	s.logger.Info("transaction confirmed", map[string]any{
		"network":       ref.Network,
		"tx":            ref.TxHash,
		"confirmations": observed.Confirmations,
		"required":      required,
	})
	return observed, nil
}

// Settle submits a signed transfer and waits for it to be final. When the
// broadcast succeeded the result carries the reference even if confirmation
// fails, so the payment can be verified later.
func (s *SettlementService) Settle(ctx context.Context, signed *types.SignedTransfer) (*Result, error) {
	ref, err := s.Submit(ctx, signed)
	if err != nil {
		return nil, err
	}

	result := &Result{Reference: ref}
	if params, ok := types.LookupNetwork(ref.Network); ok {
		result.ExplorerURL = params.TxURL(ref.TxHash)
	}

	observed, err := s.Confirm(ctx, ref)
	result.Observed = observed
	return result, err
}

// RequiredConfirmations returns the confirmation depth enforced on network
func (s *SettlementService) RequiredConfirmations(network types.Network) uint64 {
	return s.requiredConfirmations(network)
}

func (s *SettlementService) requiredConfirmations(network types.Network) uint64 {
	return getRequiredConfirmations(network, s.confirmations[network])
}

func getRequiredConfirmations(network types.Network, requested uint64) uint64 {
	if requested > 0 {
		return requested
	}

	// Default confirmations based on network
	switch network {
	case types.NetworkPolygon, types.NetworkPolygonAmoy:
		return 3
	case types.NetworkEthereum:
		return 2
	default:
		// Solana finalized and Tron solidified transactions are already irreversible
		return 1
	}
}

// Close closes all adapters
func (s *SettlementService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for network, adapter := range s.adapters {
		adapter.Close()
		delete(s.adapters, network)
	}
}

// GetSupportedNetworks returns all networks that have configured adapters
func (s *SettlementService) GetSupportedNetworks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()

	networks := make([]types.Network, 0, len(s.adapters))
	for network := range s.adapters {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// IsNetworkSupported checks if a network is supported
func (s *SettlementService) IsNetworkSupported(network types.Network) bool {
	_, err := s.Adapter(network)
	return err == nil
}

func (r *Result) String() string {
	if r == nil || r.Reference == nil {
		return "<no transaction>"
	}
	return fmt.Sprintf("%s on %s", r.Reference.TxHash, r.Reference.Network)
}

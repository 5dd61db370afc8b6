package clients

import (
	"context"
	"time"

	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/types"
)

// ChainAdapter is the capability set every chain family implements.
// Buyers use EnsureNetwork, BuildTransfer, Submit and AwaitConfirmation;
// the server only ever calls FetchTransaction.
type ChainAdapter interface {
	Kind() types.ChainKind
	Network() types.Network
	Params() types.NetworkParams

	// NormalizeAddress returns the canonical form used for equality checks
	NormalizeAddress(address string) (string, error)
	// NormalizeTxHash validates a transaction reference and returns its canonical form
	NormalizeTxHash(hash string) (string, error)

	EnsureNetwork(ctx context.Context, wallet Wallet) error
	BuildTransfer(ctx context.Context, intent *types.TransferIntent) (*types.Transfer, error)
	Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error)
	AwaitConfirmation(ctx context.Context, ref *types.TransactionReference, minConfirmations uint64) (*types.ObservedTransaction, error)
	FetchTransaction(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error)

	Close()
}

const defaultPollInterval = 2 * time.Second

type adapterBase struct {
	params       types.NetworkParams
	logger       logger.Logger
	pollInterval time.Duration
	headers      map[string]string
}

// AdapterOption configures a chain adapter
type AdapterOption func(*adapterBase)

// WithAdapterLogger sets the adapter logger
func WithAdapterLogger(l logger.Logger) AdapterOption {
	return func(a *adapterBase) {
		a.logger = logger.OrNoop(l)
	}
}

// WithPollInterval sets the initial confirmation polling interval
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *adapterBase) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithHeaders adds HTTP headers to every RPC request (API keys)
func WithHeaders(h map[string]string) AdapterOption {
	return func(a *adapterBase) {
		a.headers = h
	}
}

func newAdapterBase(network types.Network, kind types.ChainKind, opts []AdapterOption) (adapterBase, error) {
	params, ok := types.LookupNetwork(network)
	if !ok || params.Kind != kind {
		return adapterBase{}, types.Errorf(types.ReasonChainUnsupported, "network %s is not a %s network", network, kind)
	}

	base := adapterBase{
		params:       params,
		logger:       logger.NoopLogger{},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(&base)
	}
	base.logger = base.logger.Named(string(network))
	return base, nil
}

func (a *adapterBase) Kind() types.ChainKind       { return a.params.Kind }
func (a *adapterBase) Network() types.Network      { return a.params.Network }
func (a *adapterBase) Params() types.NetworkParams { return a.params }

func (a *adapterBase) reference(hash string, now time.Time) *types.TransactionReference {
	return &types.TransactionReference{
		ChainKind:   a.params.Kind,
		Network:     a.params.Network,
		TxHash:      hash,
		SubmittedAt: now,
	}
}

// Dial creates the adapter matching the configured network's chain kind
func Dial(cfg types.ClientConfig, opts ...AdapterOption) (ChainAdapter, error) {
	if len(cfg.Headers) > 0 {
		opts = append(opts, WithHeaders(cfg.Headers))
	}

	rpcURL := cfg.RPCUrl
	if rpcURL == "" {
		if params, ok := types.LookupNetwork(cfg.Network); ok && len(params.RPCURLs) > 0 {
			rpcURL = params.RPCURLs[0]
		}
	}

	switch {
	case cfg.Network.IsEVM():
		return NewEVMAdapter(cfg.Network, rpcURL, opts...)
	case cfg.Network.IsSolana():
		return NewSolanaAdapter(cfg.Network, rpcURL, opts...)
	case cfg.Network.IsTron():
		return NewTronAdapter(cfg.Network, rpcURL, opts...)
	default:
		return nil, types.Errorf(types.ReasonChainUnsupported, "unsupported network: %s", cfg.Network)
	}
}

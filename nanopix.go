// Package nanopix sells digital files for native-currency payments on EVM,
// Solana and Tron networks. A Storefront wires the catalog, chain adapters,
// payment verification, the entitlement store and the HTTP API from one
// VendingConfig.
package nanopix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/nanopix/catalog"
	"github.com/vitwit/nanopix/clients"
	"github.com/vitwit/nanopix/entitlement"
	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/oracle"
	"github.com/vitwit/nanopix/server"
	"github.com/vitwit/nanopix/session"
	"github.com/vitwit/nanopix/settlement"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/verification"
)

// Version information
const Version = "0.3.0"

// SweepInterval is how often expired entitlements are removed while serving
const SweepInterval = time.Hour

// Storefront is the main struct that provides all nanopix functionality
type Storefront struct {
	config   *types.VendingConfig
	catalog  *catalog.Catalog
	store    *entitlement.Store
	verifier *verification.VerificationService
	settler  *settlement.SettlementService
	gate     *entitlement.Gate
	oracle   *oracle.Oracle
	content  *server.DirStore
	adapters []clients.ChainAdapter
	dialed   map[types.Network]clients.ChainAdapter
	registry *prometheus.Registry
	logger   logger.Logger
	metrics  metrics.Recorder
}

// New creates a storefront from a validated configuration
func New(cfg *types.VendingConfig, opts ...Option) (*Storefront, error) {
	if cfg == nil {
		cfg = &types.VendingConfig{}
	}
	cfg.ApplyDefaults()

	s := &Storefront{
		config: cfg,
		dialed: make(map[types.Network]clients.ChainAdapter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewZapLogger(cfg.LogLevel)
	}
	if s.metrics == nil && (cfg.EnableMetrics || s.registry != nil) {
		if s.registry == nil {
			s.registry = prometheus.NewRegistry()
		}
		s.metrics = metrics.NewPrometheusRecorder(s.registry)
	}
	s.metrics = metrics.OrNoop(s.metrics)

	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storefront) init() error {
	cfg := s.config

	var err error
	if cfg.Catalog != "" {
		s.catalog, err = catalog.Load(cfg.Catalog)
	} else {
		s.catalog, err = catalog.New()
	}
	if err != nil {
		return err
	}

	s.store, err = entitlement.Open(cfg.Datastore,
		entitlement.WithLogger(s.logger),
		entitlement.WithMetrics(s.metrics),
		entitlement.WithDefaultTTL(cfg.EntitlementTTL),
	)
	if err != nil {
		return err
	}

	s.verifier = verification.NewVerificationService(s.catalog, s.store,
		verification.WithTimeout(cfg.VerifyTimeout),
		verification.WithEntitlementTTL(cfg.EntitlementTTL),
		verification.WithLogger(s.logger),
		verification.WithMetrics(s.metrics),
	)

	settleOpts := []settlement.Option{
		settlement.WithSubmitTimeout(cfg.DefaultTimeout),
		settlement.WithConfirmationTimeout(cfg.ConfirmationTimeout),
		settlement.WithLogger(s.logger),
		settlement.WithMetrics(s.metrics),
	}
	for _, nc := range cfg.Networks {
		if nc.MinConfirmations > 0 {
			settleOpts = append(settleOpts, settlement.WithConfirmations(nc.Network, nc.MinConfirmations))
		}
	}
	s.settler = settlement.NewSettlementService(settleOpts...)

	for _, nc := range cfg.Networks {
		if err := s.AddNetwork(nc); err != nil {
			return err
		}
	}

	s.gate = entitlement.NewGate(s.store,
		entitlement.SingleUse(cfg.SingleUse),
		entitlement.WithGateLogger(s.logger),
		entitlement.WithGateMetrics(s.metrics),
	)

	oracleOpts := []oracle.Option{
		oracle.WithLogger(s.logger),
		oracle.WithMetrics(s.metrics),
		oracle.WithRetries(uint64(cfg.RetryCount)),
	}
	if cfg.PriceAPI != "" {
		oracleOpts = append(oracleOpts, oracle.WithBaseURL(cfg.PriceAPI))
	}
	s.oracle = oracle.New(oracleOpts...)

	if cfg.ContentRoot != "" {
		s.content, err = server.NewDirStore(cfg.ContentRoot)
		if err != nil {
			return types.WrapError(types.ReasonInvalidRequest, "", err)
		}
	}
	return nil
}

// AddNetwork accepts payments on a network, dialing its RPC endpoint unless
// an adapter was supplied with WithAdapter
func (s *Storefront) AddNetwork(nc types.ClientConfig) error {
	adapter, ok := s.dialed[nc.Network]
	if !ok {
		var err error
		adapter, err = clients.Dial(nc, clients.WithAdapterLogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to create client for %s: %w", nc.Network, err)
		}
	}
	s.adapters = append(s.adapters, adapter)

	if err := s.verifier.AddAdapter(adapter, nc.Merchant, nc.MinConfirmations); err != nil {
		return err
	}
	if err := s.settler.AddAdapter(adapter); err != nil {
		return err
	}
	s.logger.Info("network enabled", map[string]any{"network": nc.Network, "merchant": nc.Merchant})
	return nil
}

func (s *Storefront) Config() *types.VendingConfig                  { return s.config }
func (s *Storefront) Catalog() *catalog.Catalog                     { return s.catalog }
func (s *Storefront) Store() *entitlement.Store                     { return s.store }
func (s *Storefront) Verifier() *verification.VerificationService   { return s.verifier }
func (s *Storefront) Settlement() *settlement.SettlementService     { return s.settler }
func (s *Storefront) Oracle() *oracle.Oracle                        { return s.oracle }
func (s *Storefront) Logger() logger.Logger                         { return s.logger }
func (s *Storefront) SupportedNetworks() []types.Network            { return s.verifier.GetSupportedNetworks() }
func (s *Storefront) IsNetworkSupported(network types.Network) bool { return s.verifier.IsNetworkSupported(network) }

// Merchant returns the configured recipient on network
func (s *Storefront) Merchant(network types.Network) (string, bool) {
	return s.verifier.Merchant(network)
}

// Verify verifies a payment and issues its entitlement
func (s *Storefront) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	return s.verifier.VerifyWithRetry(ctx, req, uint64(s.config.RetryCount))
}

// QuickVerify performs basic validation without blockchain queries
func (s *Storefront) QuickVerify(req *types.VerifyRequest) *types.VerificationResult {
	return s.verifier.QuickVerify(req)
}

// Authorize checks a download token for an asset
func (s *Storefront) Authorize(ctx context.Context, token, assetID string) (*entitlement.Grant, error) {
	return s.gate.Authorize(ctx, token, assetID)
}

// Handler returns the HTTP API. Downloads need a ContentRoot.
func (s *Storefront) Handler() (http.Handler, error) {
	if s.content == nil {
		return nil, types.Errorf(types.ReasonInvalidRequest, "contentRoot is not configured")
	}
	opts := []server.Option{
		server.WithLogger(s.logger),
		server.WithMetrics(s.metrics),
		server.WithOracle(s.oracle),
		server.WithVerifyRetries(uint64(s.config.RetryCount)),
	}
	if s.registry != nil {
		opts = append(opts, server.WithGatherer(s.registry))
	}
	return server.New(s.verifier, s.gate, s.catalog, s.content, opts...).Handler(), nil
}

// Serve runs the HTTP API on the configured listen address until ctx ends,
// sweeping expired entitlements in the background
func (s *Storefront) Serve(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweep(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", map[string]any{"addr": s.config.Listen, "assets": s.catalog.Len()})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DefaultTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Storefront) sweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.Sweep(ctx, s.config.EntitlementTTL); err != nil {
				s.logger.Warn("entitlement sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Buyer returns a purchase manager paying through this storefront's
// adapters and verifying with v
func (s *Storefront) Buyer(v session.Verifier, tokens *session.TokenCache) *session.Manager {
	return session.NewManager(s.settler, v,
		session.WithTokenCache(tokens),
		session.WithManagerLogger(s.logger),
		session.WithManagerMetrics(s.metrics),
	)
}

// LocalVerifier verifies in-process against this storefront
func (s *Storefront) LocalVerifier() session.Verifier {
	return session.NewLocalVerifier(s.verifier, uint64(s.config.RetryCount))
}

// Close closes every adapter, the store and the content root
func (s *Storefront) Close() {
	for _, a := range s.adapters {
		a.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing entitlement store", map[string]any{"error": err.Error()})
		}
	}
	if s.content != nil {
		_ = s.content.Close()
	}
}

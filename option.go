package nanopix

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/nanopix/clients"
	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
)

type Option func(*Storefront)

func WithLogger(l logger.Logger) Option {
	return func(s *Storefront) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Storefront) {
		s.metrics = r
	}
}

// WithRegistry registers the Prometheus recorder on reg and serves it on
// /metrics. Implies metrics even when the config leaves them off.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Storefront) {
		s.registry = reg
	}
}

// WithAdapter uses an already constructed adapter for its network instead
// of dialing the configured RPC endpoint
func WithAdapter(adapter clients.ChainAdapter) Option {
	return func(s *Storefront) {
		s.dialed[adapter.Network()] = adapter
	}
}

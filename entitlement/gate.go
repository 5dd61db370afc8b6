package entitlement

import (
	"context"
	"fmt"

	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/types"
)

// Grant authorises one file transfer
type Grant struct {
	AssetID     string
	Subject     string
	Entitlement *types.Entitlement
}

// Gate turns a download token into a Grant
type Gate struct {
	store     *Store
	singleUse bool
	logger    logger.Logger
	metrics   metrics.Recorder
}

// GateOption configures a Gate
type GateOption func(*Gate)

// SingleUse revokes the token on its first successful grant
func SingleUse(enabled bool) GateOption {
	return func(g *Gate) {
		g.singleUse = enabled
	}
}

func WithGateLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger.OrNoop(l)
	}
}

func WithGateMetrics(m metrics.Recorder) GateOption {
	return func(g *Gate) {
		g.metrics = metrics.OrNoop(m)
	}
}

func NewGate(store *Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:   store,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("gate")
	return g
}

// Authorize checks that token grants access to assetID. An empty assetID
// accepts whatever asset the token was issued for. Every refusal is a
// Forbidden error wrapping the underlying token reason.
func (g *Gate) Authorize(ctx context.Context, token, assetID string) (*Grant, error) {
	ent, err := g.store.Validate(ctx, token)
	if err != nil {
		if types.IsReason(err, types.ReasonBackendUnavailable) {
			return nil, err
		}
		return nil, g.deny(token, assetID, err)
	}
	if assetID != "" && ent.AssetID != assetID {
		return nil, g.deny(token, assetID, fmt.Errorf("token was issued for asset %q", ent.AssetID))
	}

	if g.singleUse {
		if err := g.store.Revoke(ctx, token); err != nil {
			return nil, err
		}
	}

	g.metrics.IncCounter(metrics.EventDownloadGranted, map[string]string{"network": string(ent.Network)})
	g.logger.Debug("download granted", map[string]any{"asset": ent.AssetID, "token": shortToken(token)})
	return &Grant{AssetID: ent.AssetID, Subject: ent.Subject, Entitlement: ent}, nil
}

func (g *Gate) deny(token, assetID string, cause error) error {
	reason := types.ReasonOf(cause)
	g.metrics.IncCounter(metrics.EventDownloadDenied, map[string]string{"reason": string(reason)})
	g.logger.Info("download denied", map[string]any{
		"asset": assetID,
		"token": shortToken(token),
		"cause": cause.Error(),
	})

	msg := types.ReasonForbidden.Remediation()
	if reason.Known() {
		msg = reason.Remediation()
	}
	return types.WrapError(types.ReasonForbidden, msg, cause)
}

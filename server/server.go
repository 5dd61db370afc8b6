// Package server exposes the storefront HTTP API: payment verification,
// token-gated downloads, the catalog and an advisory price ticker.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/vitwit/nanopix/catalog"
	"github.com/vitwit/nanopix/entitlement"
	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/oracle"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/verification"
)

const maxRequestBytes = 64 << 10

// Server routes the storefront API
type Server struct {
	verifier *verification.VerificationService
	gate     *entitlement.Gate
	catalog  *catalog.Catalog
	content  ContentStore
	oracle   *oracle.Oracle
	gatherer prometheus.Gatherer
	retries  uint64
	logger   logger.Logger
	metrics  metrics.Recorder
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = logger.OrNoop(l)
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = metrics.OrNoop(m)
	}
}

// WithOracle enables GET /api/price
func WithOracle(o *oracle.Oracle) Option {
	return func(s *Server) {
		s.oracle = o
	}
}

// WithGatherer serves g on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithVerifyRetries sets how often a verification is retried while the
// chain backend is unavailable
func WithVerifyRetries(n uint64) Option {
	return func(s *Server) {
		s.retries = n
	}
}

func New(verifier *verification.VerificationService, gate *entitlement.Gate, cat *catalog.Catalog, content ContentStore, opts ...Option) *Server {
	s := &Server{
		verifier: verifier,
		gate:     gate,
		catalog:  cat,
		content:  content,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")
	return s
}

// Handler returns the router with the request middleware installed
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/verify", s.handleVerify)
		api.Get("/download", s.handleDownload)
		api.Get("/assets", s.handleAssets)
		api.Get("/price", s.handlePrice)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
			"request":  middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request failed", fields)
			return
		}
		s.logger.Debug("request", fields)
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req types.VerifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, types.WrapError(types.ReasonInvalidRequest, "request body must be a JSON verify request", err))
		return
	}

	result, err := s.verifier.VerifyWithRetry(r.Context(), &req, s.retries)
	if err != nil {
		if types.ReasonOf(err) == "" {
			err = types.WrapError(types.ReasonBackendUnavailable, "", err)
		}
		writeError(w, err)
		return
	}
	if !result.IsValid {
		writeError(w, result.Err())
		return
	}

	writeJSON(w, http.StatusOK, types.VerifyResponse{
		DownloadToken: result.Entitlement.Token,
		ExpiresAt:     result.Entitlement.ExpiresAt,
	})
}

// tokenReasons are reported to the buyer instead of the generic Forbidden
var tokenReasons = []*types.VendingError{types.ErrTokenExpired, types.ErrTokenRevoked, types.ErrTokenUnknown}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	assetID := strings.TrimSpace(r.URL.Query().Get("assetId"))
	if token == "" {
		writeError(w, types.ErrTokenUnknown)
		return
	}

	grant, err := s.gate.Authorize(r.Context(), token, assetID)
	if err != nil {
		for _, sentinel := range tokenReasons {
			if errors.Is(err, sentinel) {
				writeError(w, sentinel)
				return
			}
		}
		writeError(w, err)
		return
	}

	asset, err := s.catalog.Lookup(grant.AssetID)
	if err != nil {
		writeError(w, err)
		return
	}
	file, err := s.content.Open(asset.ContentRef)
	if err != nil {
		s.logger.Error("content missing", map[string]any{"asset": asset.ID, "ref": asset.ContentRef, "error": err.Error()})
		writeError(w, types.WrapError(types.ReasonAssetUnknown, "", err))
		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+file.Name()+`"`)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, file.Name(), file.ModTime(), file)
}

// assetView is the public part of a catalog entry
type assetView struct {
	ID          string                              `json:"id"`
	Title       string                              `json:"title"`
	Description string                              `json:"description,omitempty"`
	ThumbURL    string                              `json:"thumbUrl,omitempty"`
	PreviewURL  string                              `json:"previewUrl,omitempty"`
	Prices      map[types.ChainKind]decimal.Decimal `json:"prices"`
	FiatPrice   *decimal.Decimal                    `json:"fiatPrice,omitempty"`
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.catalog.List()
	out := make([]assetView, 0, len(assets))
	for _, a := range assets {
		out = append(out, assetView{
			ID:          a.ID,
			Title:       a.Title,
			Description: a.Description,
			ThumbURL:    a.ThumbURL,
			PreviewURL:  a.PreviewURL,
			Prices:      a.Prices,
			FiatPrice:   a.FiatPrice,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}

type priceView struct {
	Chain   types.ChainKind `json:"chain"`
	Network types.Network   `json:"network"`
	*oracle.Quote
	// set when assetId names an item with a fiat price
	AssetID      string           `json:"assetId,omitempty"`
	NativeAmount *decimal.Decimal `json:"nativeAmount,omitempty"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeError(w, types.Errorf(types.ReasonPriceUnavailable, "price ticker is disabled"))
		return
	}

	chain := r.URL.Query().Get("chain")
	if chain == "" {
		chain = string(types.ChainEVM)
	}
	kind, err := types.ParseChainKind(chain)
	if err != nil {
		writeError(w, types.WrapError(types.ReasonChainUnsupported, "", err))
		return
	}
	network, ok := s.verifier.DefaultNetwork(kind)
	if !ok {
		writeError(w, types.Errorf(types.ReasonChainUnsupported, "no %s network is configured", kind))
		return
	}

	quote, err := s.oracle.QuoteNetwork(r.Context(), network)
	if err != nil {
		writeError(w, err)
		return
	}
	view := priceView{Chain: kind, Network: network, Quote: quote}

	if id := r.URL.Query().Get("assetId"); id != "" {
		asset, err := s.catalog.Lookup(id)
		if err != nil {
			writeError(w, err)
			return
		}
		currency := r.URL.Query().Get("currency")
		if currency == "" {
			currency = "usd"
		}
		view.AssetID = asset.ID
		if asset.FiatPrice != nil {
			if native, err := oracle.ToNative(quote, *asset.FiatPrice, currency); err == nil {
				view.NativeAmount = &native
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	reason := types.ReasonOf(err)
	if !reason.Known() {
		reason = types.ReasonInternal
	}
	msg := reason.Remediation()
	var ve *types.VendingError
	if errors.As(err, &ve) && ve.Message != "" {
		msg = ve.Message
	}
	writeJSON(w, reason.HTTPStatus(), types.ErrorBody{Reason: reason, Message: msg})
}

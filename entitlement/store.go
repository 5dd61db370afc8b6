package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"

	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/metrics"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// tokenBytes is the entropy of a download token before hex encoding
const tokenBytes = 32

var (
	rootKey    = datastore.NewKey("/entitlements")
	tokenKey   = rootKey.ChildString("token")
	txKey      = rootKey.ChildString("tx")
	subjectKey = rootKey.ChildString("subject")
)

// IssueRequest describes a verified payment to mint an entitlement for
type IssueRequest struct {
	AssetID   string
	Subject   string
	ChainKind types.ChainKind
	Network   types.Network
	TxHash    string
	TTL       time.Duration
}

// Store issues, persists and validates download entitlements.
//
// Three indexes are kept: token → entitlement, transaction → token and
// (asset, subject) → token of the live entitlement.
type Store struct {
	ds      datastore.Batching
	clock   clock.Clock
	logger  logger.Logger
	metrics metrics.Recorder
	ttl     time.Duration

	// serialises Issue and Revoke; reads go straight to the datastore
	mu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.logger = logger.OrNoop(l)
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Store) {
		s.metrics = metrics.OrNoop(m)
	}
}

// WithDefaultTTL sets the lifetime used when an IssueRequest has none
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStore wraps an existing datastore
func NewStore(ds datastore.Batching, opts ...Option) *Store {
	s := &Store{
		ds:      ds,
		clock:   clock.New(),
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		ttl:     types.DefaultEntitlementTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("entitlements")
	return s
}

// Open creates a store backed by LevelDB at path, or by memory when path is empty
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return NewStore(dssync.MutexWrap(datastore.NewMapDatastore()), opts...), nil
	}
	db, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, types.WrapError(types.ReasonBackendUnavailable, fmt.Sprintf("failed to open entitlement store %s", path), err)
	}
	return NewStore(db, opts...), nil
}

// Issue mints an entitlement for a verified payment. A transaction that was
// already redeemed returns its existing entitlement with created=false. A new
// entitlement revokes the subject's previous live one for the same asset.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (*types.Entitlement, bool, error) {
	if req.AssetID == "" || req.Subject == "" || req.TxHash == "" {
		return nil, false, types.Errorf(types.ReasonInvalidRequest, "asset, subject and transaction are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.lookupByTransaction(ctx, req.ChainKind, req.TxHash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.metrics.IncCounter(metrics.EventEntitlementDedup, map[string]string{"network": string(existing.Network)})
		return existing, false, nil
	}

	token, err := utils.RandomToken(tokenBytes)
	if err != nil {
		return nil, false, types.WrapError(types.ReasonInternal, "failed to generate token", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.clock.Now().UTC()
	ent := &types.Entitlement{
		AssetID:   req.AssetID,
		Subject:   req.Subject,
		Token:     token,
		TxHash:    req.TxHash,
		ChainKind: req.ChainKind,
		Network:   req.Network,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return nil, false, storeError("batch", err)
	}

	prior, err := s.activeFor(ctx, req.AssetID, req.Subject)
	if err != nil {
		return nil, false, err
	}
	replaced := prior != nil && !prior.Revoked
	if replaced {
		prior.Revoked = true
		if err := putJSON(ctx, batch, tokenKey.ChildString(prior.Token), prior); err != nil {
			return nil, false, err
		}
	}

	if err := putJSON(ctx, batch, tokenKey.ChildString(token), ent); err != nil {
		return nil, false, err
	}
	if err := putJSON(ctx, batch, transactionKey(req.ChainKind, req.TxHash), redemptionOf(ent)); err != nil {
		return nil, false, err
	}
	if err := batch.Put(ctx, ownerKey(req.AssetID, req.Subject), []byte(token)); err != nil {
		return nil, false, storeError("put", err)
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, false, storeError("commit", err)
	}

	fields := map[string]any{
		"asset":   ent.AssetID,
		"subject": ent.Subject,
		"tx":      ent.TxHash,
		"expires": ent.ExpiresAt,
	}
	if replaced {
		fields["replaced"] = shortToken(prior.Token)
	}
	s.logger.Info("entitlement issued", fields)
	s.metrics.IncCounter(metrics.EventEntitlementIssue, map[string]string{"network": string(ent.Network)})
	return ent, true, nil
}

// Get returns the stored entitlement for a token without checking liveness
func (s *Store) Get(ctx context.Context, token string) (*types.Entitlement, error) {
	if token == "" || strings.ContainsAny(token, "/ ") {
		return nil, types.ErrTokenUnknown
	}
	var ent types.Entitlement
	if err := getJSON(ctx, s.ds, tokenKey.ChildString(token), &ent); err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, types.ErrTokenUnknown
		}
		return nil, err
	}
	return &ent, nil
}

// Validate returns the entitlement behind a live token
func (s *Store) Validate(ctx context.Context, token string) (*types.Entitlement, error) {
	ent, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if ent.Revoked {
		return ent, types.ErrTokenRevoked
	}
	if ent.ExpiredAt(s.clock.Now()) {
		return ent, types.ErrTokenExpired
	}
	return ent, nil
}

// Revoke marks a token as no longer granting access. Revoking twice is a no-op.
func (s *Store) Revoke(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	if ent.Revoked {
		return nil
	}
	ent.Revoked = true
	if err := putJSON(ctx, s.ds, tokenKey.ChildString(token), ent); err != nil {
		return err
	}
	s.logger.Info("entitlement revoked", map[string]any{"asset": ent.AssetID, "token": shortToken(token)})
	return nil
}

// LookupByTransaction returns the entitlement minted for a transaction, or nil
func (s *Store) LookupByTransaction(ctx context.Context, kind types.ChainKind, txHash string) (*types.Entitlement, error) {
	return s.lookupByTransaction(ctx, kind, txHash)
}

// ActiveFor returns the subject's most recent entitlement for an asset, or nil
func (s *Store) ActiveFor(ctx context.Context, assetID, subject string) (*types.Entitlement, error) {
	return s.activeFor(ctx, assetID, subject)
}

// Sweep deletes token records that expired before now minus grace.
// Transaction index entries are kept.
func (s *Store) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := s.ds.Query(ctx, query.Query{Prefix: tokenKey.String()})
	if err != nil {
		return 0, storeError("query", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return 0, storeError("query", err)
	}

	cutoff := s.clock.Now().Add(-grace)
	removed := 0
	for _, e := range entries {
		var ent types.Entitlement
		if err := json.Unmarshal(e.Value, &ent); err != nil {
			s.logger.Warn("skipping unreadable entitlement", map[string]any{"key": e.Key, "err": err})
			continue
		}
		if !ent.ExpiredAt(cutoff) {
			continue
		}
		if err := s.ds.Delete(ctx, datastore.NewKey(e.Key)); err != nil {
			return removed, storeError("delete", err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept expired entitlements", map[string]any{"count": removed})
	}
	return removed, nil
}

// Now reports the store's clock, which decides expiry
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func (s *Store) Close() error {
	return s.ds.Close()
}

func (s *Store) lookupByTransaction(ctx context.Context, kind types.ChainKind, txHash string) (*types.Entitlement, error) {
	var r redemption
	err := getJSON(ctx, s.ds, transactionKey(kind, txHash), &r)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ent, err := s.Get(ctx, r.Token)
	if errors.Is(err, types.ErrTokenUnknown) {
		// swept: rebuild the expired entitlement from the index
		return &types.Entitlement{
			AssetID:   r.AssetID,
			Subject:   r.Subject,
			Token:     r.Token,
			TxHash:    txHash,
			ChainKind: kind,
			Network:   r.Network,
			ExpiresAt: r.ExpiresAt,
		}, nil
	}
	return ent, err
}

func (s *Store) activeFor(ctx context.Context, assetID, subject string) (*types.Entitlement, error) {
	token, err := s.ds.Get(ctx, ownerKey(assetID, subject))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get", err)
	}
	return s.recordOrNil(ctx, string(token))
}

// recordOrNil treats a swept token record as absent
func (s *Store) recordOrNil(ctx context.Context, token string) (*types.Entitlement, error) {
	ent, err := s.Get(ctx, token)
	if errors.Is(err, types.ErrTokenUnknown) {
		return nil, nil
	}
	return ent, err
}

// redemption is the transaction index record. It outlives the token record
// so a swept payment still cannot be redeemed twice.
type redemption struct {
	Token     string        `json:"token"`
	AssetID   string        `json:"assetId"`
	Subject   string        `json:"subject"`
	Network   types.Network `json:"network"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

func redemptionOf(e *types.Entitlement) redemption {
	return redemption{
		Token:     e.Token,
		AssetID:   e.AssetID,
		Subject:   e.Subject,
		Network:   e.Network,
		ExpiresAt: e.ExpiresAt,
	}
}

func transactionKey(kind types.ChainKind, txHash string) datastore.Key {
	return txKey.ChildString(string(kind)).ChildString(txHash)
}

func ownerKey(assetID, subject string) datastore.Key {
	return subjectKey.ChildString(escape(assetID)).ChildString(subject)
}

func escape(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

func putJSON(ctx context.Context, w datastore.Write, key datastore.Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return types.WrapError(types.ReasonInternal, "failed to encode entitlement", err)
	}
	if err := w.Put(ctx, key, data); err != nil {
		return storeError("put", err)
	}
	return nil
}

func getJSON(ctx context.Context, r datastore.Read, key datastore.Key, v any) error {
	data, err := r.Get(ctx, key)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return err
		}
		return storeError("get", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.WrapError(types.ReasonInternal, "corrupt entitlement record", err)
	}
	return nil
}

func storeError(op string, err error) error {
	return types.WrapError(types.ReasonBackendUnavailable, "entitlement store "+op+" failed", err)
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

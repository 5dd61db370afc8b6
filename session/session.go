package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/nanopix/types"
)

// Transition is one recorded state change
type Transition struct {
	From   State        `json:"from"`
	To     State        `json:"to"`
	At     time.Time    `json:"at"`
	Reason types.Reason `json:"reason,omitempty"`
}

// Snapshot is a consistent copy of a session for observers and callers
type Snapshot struct {
	ID          string                      `json:"id"`
	AssetID     string                      `json:"assetId"`
	Network     types.Network               `json:"network"`
	Wallet      string                      `json:"wallet,omitempty"`
	State       State                       `json:"state"`
	Reason      types.Reason                `json:"reason,omitempty"`
	Message     string                      `json:"message,omitempty"`
	Reference   *types.TransactionReference `json:"reference,omitempty"`
	ExplorerURL string                      `json:"explorerUrl,omitempty"`
	Token       string                      `json:"token,omitempty"`
	ExpiresAt   time.Time                   `json:"expiresAt,omitempty"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
}

// Observer receives a snapshot after every transition
type Observer func(Snapshot)

// Session is the record of one purchase attempt of one asset by one wallet
type Session struct {
	id      uuid.UUID
	assetID string
	network types.Network
	now     func() time.Time

	mu        sync.Mutex
	state     State
	wallet    string
	failure   *types.VendingError
	reference *types.TransactionReference
	observed  *types.ObservedTransaction
	grant     *types.VerifyResponse
	history   []Transition
	observers map[int]Observer
	nextObs   int
	abandoned bool
	cancel    context.CancelFunc
	done      chan struct{}
	updatedAt time.Time
}

func newSession(assetID string, network types.Network, now func() time.Time) *Session {
	return &Session{
		id:        uuid.New(),
		assetID:   assetID,
		network:   network,
		now:       now,
		state:     StateIdle,
		observers: make(map[int]Observer),
		done:      make(chan struct{}),
		updatedAt: now(),
	}
}

func (s *Session) ID() string {
	return s.id.String()
}

func (s *Session) AssetID() string {
	return s.assetID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure of a Failed session
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// History returns the transitions so far
func (s *Session) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        s.id.String(),
		AssetID:   s.assetID,
		Network:   s.network,
		Wallet:    s.wallet,
		State:     s.state,
		UpdatedAt: s.updatedAt,
	}
	if s.failure != nil {
		snap.Reason = s.failure.Code
		snap.Message = s.failure.Message
	}
	if s.reference != nil {
		ref := *s.reference
		snap.Reference = &ref
		if params, ok := types.LookupNetwork(ref.Network); ok {
			snap.ExplorerURL = params.TxURL(ref.TxHash)
		}
	}
	if s.grant != nil {
		snap.Token = s.grant.DownloadToken
		snap.ExpiresAt = s.grant.ExpiresAt
	}
	return snap
}

// Subscribe registers an observer and returns a function removing it
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Done is closed when the session reaches Entitled or Failed
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the session is terminal or ctx ends
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.Done():
		snap := s.Snapshot()
		if snap.State == StateFailed {
			return snap, s.Err()
		}
		return snap, nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Abandoned reports whether the buyer stopped observing the session
func (s *Session) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

// abandon stops observation. Steps before the broadcast are cancelled;
// later steps keep running to completion.
func (s *Session) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned {
		return
	}
	s.abandoned = true
	s.observers = make(map[int]Observer)
	if s.cancel != nil && !s.state.Broadcast() {
		s.cancel()
	}
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *Session) transition(to State, mutate func()) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("illegal session transition %s -> %s", from, to)
	}
	if mutate != nil {
		mutate()
	}
	s.state = to
	s.updatedAt = s.now()
	t := Transition{From: from, To: to, At: s.updatedAt}
	if s.failure != nil && to == StateFailed {
		t.Reason = s.failure.Code
	}
	s.history = append(s.history, t)
	if to.Terminal() {
		close(s.done)
	}
	snap := s.snapshotLocked()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
	return nil
}

// fail moves the session to Failed with a reason the current step may
// report. The cause stays reachable through errors.Is/As.
func (s *Session) fail(err error) error {
	step := s.State()
	reason := failureReason(step, types.ReasonOf(err))

	var msg string
	var ve *types.VendingError
	if errors.As(err, &ve) && ve.Code == reason {
		msg = ve.Message
	} else {
		msg = reason.Remediation()
	}

	failure := &types.VendingError{Code: reason, Message: msg, Cause: err}
	return s.transition(StateFailed, func() {
		s.failure = failure
	})
}

// Reset returns a terminal session to Idle, clearing the outcome
func (s *Session) Reset() error {
	return s.transition(StateIdle, func() {
		s.failure = nil
		s.reference = nil
		s.observed = nil
		s.grant = nil
		s.done = make(chan struct{})
	})
}

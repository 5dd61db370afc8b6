package session

import "github.com/vitwit/nanopix/types"

// State is a step of a purchase attempt
type State string

const (
	StateIdle              State = "idle"
	StateWalletConnecting  State = "wallet_connecting"
	StateNetworkCheck      State = "network_check"
	StateAwaitingSignature State = "awaiting_signature"
	StateSubmitted         State = "submitted"
	StateConfirming        State = "confirming"
	StateServerVerifying   State = "server_verifying"
	StateEntitled          State = "entitled"
	StateFailed            State = "failed"
)

// transitions lists the legal successors of each state. Failed is reachable
// from every non-terminal state and is handled separately. Idle may jump to
// Confirming when a session resumes an already broadcast transaction.
var transitions = map[State][]State{
	StateIdle:              {StateWalletConnecting, StateConfirming},
	StateWalletConnecting:  {StateNetworkCheck},
	StateNetworkCheck:      {StateAwaitingSignature},
	StateAwaitingSignature: {StateSubmitted},
	StateSubmitted:         {StateConfirming},
	StateConfirming:        {StateServerVerifying},
	StateServerVerifying:   {StateEntitled},
	StateEntitled:          {StateIdle},
	StateFailed:            {StateIdle},
}

// failureReasons are the reasons a step may fail with. Anything else is
// reported under the first reason of the step.
var failureReasons = map[State][]types.Reason{
	StateIdle:              {types.ReasonInvalidRequest},
	StateWalletConnecting:  {types.ReasonWalletUnavailable, types.ReasonConnectionRejected},
	StateNetworkCheck:      {types.ReasonWrongNetwork},
	StateAwaitingSignature: {types.ReasonUserRejected, types.ReasonInsufficientFunds, types.ReasonInvalidAmount, types.ReasonUnconfiguredMerchant},
	StateSubmitted:         {types.ReasonBroadcastFailed, types.ReasonInsufficientFunds},
	StateConfirming:        {types.ReasonConfirmationTimeout, types.ReasonConfirmationFailed},
	StateServerVerifying:   {types.ReasonVerificationRejected, types.ReasonBackendUnavailable},
}

// Terminal reports whether no further step runs from s
func (s State) Terminal() bool {
	return s == StateEntitled || s == StateFailed
}

// InFlight reports whether a session in s holds the per-(wallet, asset) slot
func (s State) InFlight() bool {
	switch s {
	case StateNetworkCheck, StateAwaitingSignature, StateSubmitted, StateConfirming, StateServerVerifying:
		return true
	}
	return false
}

// Broadcast reports whether a transaction may already be on chain in s
func (s State) Broadcast() bool {
	switch s {
	case StateSubmitted, StateConfirming, StateServerVerifying, StateEntitled:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// failureReason keeps reason if the step can fail with it, or picks the
// step's default
func failureReason(step State, reason types.Reason) types.Reason {
	allowed := failureReasons[step]
	for _, r := range allowed {
		if r == reason {
			return reason
		}
	}
	if len(allowed) == 0 {
		return types.ReasonInternal
	}
	return allowed[0]
}

package clients

import (
	"context"
	"errors"
	"strings"

	"github.com/vitwit/nanopix/types"
)

// ErrUnrecognizedChain is returned by a wallet asked to switch to a chain it
// does not know yet (EIP-3326 error code 4902). The caller should add the chain.
var ErrUnrecognizedChain = errors.New("unrecognized chain")

// ErrUserRejected is returned by a wallet when the user declines a request (EIP-1193 code 4001)
var ErrUserRejected = errors.New("user rejected the request")

var insufficientFundsMarkers = []string{
	"insufficient funds",
	"insufficient balance",
	"balance is not sufficient",
	"attempt to debit an account but found no record of a prior credit",
	"insufficient lamports",
}

func isInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range insufficientFundsMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// broadcastError classifies a node's rejection of a signed transaction
func broadcastError(err error) error {
	if isInsufficientFunds(err) {
		return types.WrapError(types.ReasonInsufficientFunds, "", err)
	}
	return types.WrapError(types.ReasonBroadcastFailed, "", err)
}

// rpcError marks a failed chain query as a backend problem unless it already carries a reason
func rpcError(msg string, err error) error {
	if types.ReasonOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.WrapError(types.ReasonBackendUnavailable, msg+": timed out", err)
	}
	return types.WrapError(types.ReasonBackendUnavailable, msg, err)
}

// walletError maps wallet failures during signing
func walletError(err error) error {
	switch {
	case types.ReasonOf(err) != "":
		return err
	case errors.Is(err, ErrUserRejected):
		return types.WrapError(types.ReasonUserRejected, "", err)
	case isInsufficientFunds(err):
		return types.WrapError(types.ReasonInsufficientFunds, "", err)
	default:
		return types.WrapError(types.ReasonUserRejected, "wallet did not sign the transaction", err)
	}
}

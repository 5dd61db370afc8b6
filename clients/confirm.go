package clients

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/types"
)

const maxPollInterval = 15 * time.Second

type probeFunc func(ctx context.Context) (*types.ObservedTransaction, error)

// awaitFinal polls probe until the transaction succeeded with enough
// confirmations. The caller's context deadline bounds the wait.
func awaitFinal(
	ctx context.Context,
	log logger.Logger,
	interval time.Duration,
	ref *types.TransactionReference,
	minConfirmations uint64,
	probe probeFunc,
) (*types.ObservedTransaction, error) {
	if minConfirmations == 0 {
		minConfirmations = 1
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(interval),
		backoff.WithMaxInterval(maxPollInterval),
		backoff.WithMaxElapsedTime(0),
	)

	var last *types.ObservedTransaction
	observed, err := backoff.RetryNotifyWithData(func() (*types.ObservedTransaction, error) {
		tx, err := probe(ctx)
		if err != nil {
			if types.IsReason(err, types.ReasonBackendUnavailable) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		last = tx

		switch tx.Status {
		case types.TxStatusFailed:
			return nil, backoff.Permanent(types.Errorf(types.ReasonConfirmationFailed, "transaction %s reverted", ref.TxHash))
		case types.TxStatusSuccess:
			if tx.Confirmations >= minConfirmations {
				return tx, nil
			}
		}
		return nil, errNotFinal
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Debug("transaction not final yet", map[string]any{
			"tx":    ref.TxHash,
			"retry": next.String(),
			"cause": err.Error(),
		})
	})
	if err == nil {
		return observed, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return last, types.WrapError(types.ReasonConfirmationTimeout,
			"transaction "+ref.TxHash+" not confirmed in time", err)
	}
	return nil, err
}

var errNotFinal = errors.New("transaction not final")

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/veilpay/veilcore/internal/errs"
)

// Polling parameters for confirmation waits.
const (
	confirmBaseDelay = 500 * time.Millisecond
	confirmMaxDelay  = 5 * time.Second
)

// errTxFailed marks a transaction the network rejected; not retryable.
var errTxFailed = errors.New("transaction failed on-chain")

// WaitForConfirmation polls the network until the transaction confirms, the
// attempt budget is exhausted, or the context ends. Exhaustion reports
// errs.ErrConfirmationTimeout rather than blocking indefinitely.
func WaitForConfirmation(ctx context.Context, c Client, sig string, maxAttempts uint64) (*TxInfo, error) {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	b := retry.WithCappedDuration(confirmMaxDelay, retry.NewExponential(confirmBaseDelay))
	b = retry.WithMaxRetries(maxAttempts-1, b)

	var info *TxInfo
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		tx, err := c.GetTransactionBySignature(ctx, sig)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return retry.RetryableError(err)
			}
			return err
		}
		if tx.Failed {
			return fmt.Errorf("%w: %s", errTxFailed, sig)
		}
		if !tx.Confirmed {
			return retry.RetryableError(fmt.Errorf("unconfirmed: %s", sig))
		}
		info = tx
		return nil
	})
	switch {
	case err == nil:
		return info, nil
	case errors.Is(err, errTxFailed):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("wait for %s: %w", sig, errs.ErrConfirmationTimeout)
	}
}

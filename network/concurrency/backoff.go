package concurrency

import (
	"context"
	"time"

	"github.com/pokt-network/poktroll/pkg/retry"
)

// maxBackoffShift keeps initialDelay << retryCount from overflowing.
const maxBackoffShift = 30

// ExponentialBackoff returns a retry strategy for retry.Call allowing up to
// maxRetries retries. Before retry n it waits initialDelay * 2^n, capped at
// maxDelay. It gives up as soon as ctx is done, including while waiting.
func ExponentialBackoff(
	ctx context.Context,
	maxRetries int,
	initialDelay time.Duration,
	maxDelay time.Duration,
) retry.RetryStrategyFunc {
	return func(retryCount int) bool {
		if retryCount >= maxRetries || ctx.Err() != nil {
			return false
		}

		delay := maxDelay
		if retryCount < maxBackoffShift {
			if d := initialDelay << retryCount; d > 0 && d < maxDelay {
				delay = d
			}
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}
}

package escrow

import (
	"context"
	"fmt"
	"math"
	"time"
)

// LamportsPerSOL is the number of base units in one SOL.
const LamportsPerSOL = 1_000_000_000

// SOLToLamports converts a SOL amount to lamports. Rounds to the nearest
// lamport: plain truncation turns 0.15 SOL into 149999999.
func SOLToLamports(sol float64) uint64 {
	if sol <= 0 {
		return 0
	}
	return uint64(math.Round(sol * LamportsPerSOL))
}

// LamportsToSOL converts lamports to a SOL amount.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// FeeBps computes amount * bps / 10_000 without overflowing for any
// realistic lamport amount.
func FeeBps(amount, bps uint64) uint64 {
	hi := amount / 10_000
	lo := amount % 10_000
	return hi*bps + lo*bps/10_000
}

// Retryable classifies an error as worth another attempt.
type Retryable func(error) bool

// Retry runs op up to maxAttempts times, sleeping backoff between attempts.
// It stops early when op succeeds, when isRetryable reports the error as
// permanent, or when ctx is done. The last error is returned wrapped with
// the attempt count.
//
// Provisioning, proposal lifecycle transitions and execution all share this
// shape; only the retryability predicate differs.
func Retry(ctx context.Context, maxAttempts int, backoff time.Duration, isRetryable Retryable, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

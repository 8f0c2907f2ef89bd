package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeeBps(t *testing.T) {
	// 5% of a 0.2 SOL pot.
	require.Equal(t, uint64(10_000_000), FeeBps(200_000_000, 500))
	// 10% no-play fee.
	require.Equal(t, uint64(20_000_000), FeeBps(200_000_000, 1000))
	require.Equal(t, uint64(0), FeeBps(0, 500))
	// Large amounts must not overflow.
	require.Equal(t, uint64(900_000_000_000_000_000), FeeBps(1_000_000_000_000_000_000, 9000))
}

func TestSOLConversion(t *testing.T) {
	require.Equal(t, uint64(100_000_000), SOLToLamports(0.1))
	// 0.15 is not exactly representable; conversion must round, not truncate.
	require.Equal(t, uint64(150_000_000), SOLToLamports(0.15))
	require.Equal(t, uint64(0), SOLToLamports(-1))
	require.InDelta(t, 0.19, LamportsToSOL(190_000_000), 1e-12)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, time.Millisecond, nil, func() error { return errors.New("x") })
	require.ErrorIs(t, err, context.Canceled)
}

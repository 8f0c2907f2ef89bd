package matchdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "matches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := &MatchRecord{ID: "m1", PlayerA: "A", PlayerB: "B", EntryFee: 100_000_000}
	require.NoError(t, db.Create(ctx, rec))
	require.Equal(t, StatusPending, rec.Status)

	got, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "A", got.PlayerA)
	require.False(t, got.CreatedAt.IsZero())

	require.ErrorIs(t, db.Create(ctx, &MatchRecord{ID: "m1"}), ErrDuplicateMatch)
	_, err = db.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrMatchNotFound)
}

func TestUpdateReadsFreshRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, &MatchRecord{ID: "m1", Status: StatusVaultCreated}))

	// First writer confirms deposit A.
	_, err := db.Update(ctx, "m1", func(r *MatchRecord) error {
		r.DepositAConfirmed = true
		return nil
	})
	require.NoError(t, err)

	// Second writer sees the fresh row.
	got, err := db.Update(ctx, "m1", func(r *MatchRecord) error {
		require.True(t, r.DepositAConfirmed)
		r.DepositBConfirmed = true
		r.Status = StatusReady
		return nil
	})
	require.NoError(t, err)
	require.True(t, got.BothDeposited())
	require.Equal(t, StatusReady, got.Status)
}

func TestUpdateRejectsBackwardTransition(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, &MatchRecord{ID: "m1", Status: StatusSettled}))

	_, err := db.Update(ctx, "m1", func(r *MatchRecord) error {
		r.Status = StatusActive
		return nil
	})
	require.Error(t, err)

	// The failed write must not have persisted anything.
	got, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, StatusSettled, got.Status)
}

func TestListByStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, &MatchRecord{ID: "m1", Status: StatusPending, CreatedAt: time.Now()}))
	require.NoError(t, db.Create(ctx, &MatchRecord{ID: "m2", Status: StatusVaultCreated}))
	require.NoError(t, db.Create(ctx, &MatchRecord{ID: "m3", Status: StatusSettled}))

	got, err := db.ListByStatus(ctx, StatusPending, StatusVaultCreated)
	require.NoError(t, err)
	require.Len(t, got, 2)

	all, err := db.ListByStatus(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestStatusLifecycle(t *testing.T) {
	require.True(t, StatusPending.CanAdvanceTo(StatusVaultCreated))
	require.True(t, StatusActive.CanAdvanceTo(StatusSettled))
	require.True(t, StatusPaymentRequired.CanAdvanceTo(StatusRefunded))
	require.False(t, StatusSettled.CanAdvanceTo(StatusActive))
	require.False(t, StatusRefunded.CanAdvanceTo(StatusReady))
	require.True(t, StatusSettled.Terminal())
	require.False(t, StatusReady.Terminal())
}

package scanner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	escrow "github.com/guess5/escrow"
	"github.com/guess5/escrow/gamestate"
	"github.com/guess5/escrow/ledger"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/outcome"
)

type fakeReader struct {
	balances   map[string]uint64
	sigs       map[string]*ledger.TxStatus
	balanceErr error // returned by the next Balance call, then cleared
}

func (f *fakeReader) Balance(ctx context.Context, addr string) (uint64, error) {
	if err := f.balanceErr; err != nil {
		f.balanceErr = nil
		return 0, err
	}
	return f.balances[addr], nil
}

func (f *fakeReader) SignatureStatus(ctx context.Context, sig string) (*ledger.TxStatus, error) {
	if st, ok := f.sigs[sig]; ok {
		return st, nil
	}
	return &ledger.TxStatus{}, nil
}

type fakeGames struct {
	mu     sync.Mutex
	states map[string]*gamestate.State
}

func newFakeGames() *fakeGames {
	return &fakeGames{states: make(map[string]*gamestate.State)}
}

func (f *fakeGames) Get(ctx context.Context, matchID string) (*gamestate.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[matchID]
	if !ok {
		return nil, gamestate.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeGames) Put(ctx context.Context, st *gamestate.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.states[st.MatchID] = &cp
	return nil
}

func (f *fakeGames) Delete(ctx context.Context, matchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, matchID)
	return nil
}

type fakeTracker struct {
	used map[string]bool
}

func newFakeTracker() *fakeTracker { return &fakeTracker{used: make(map[string]bool)} }

func (f *fakeTracker) IsUnique(ctx context.Context, sig, scope string) bool {
	return !f.used[scope+":"+sig]
}

func (f *fakeTracker) MarkUsed(ctx context.Context, sig, scope string) {
	f.used[scope+":"+sig] = true
}

type settlementCall struct {
	kind    string // "payout" or "refund"
	matchID string
	winner  string
	amount  uint64
	fee     uint64
}

type fakeSettler struct {
	mu    sync.Mutex
	calls []settlementCall
}

func (f *fakeSettler) ProposePayout(ctx context.Context, matchID, winner string, winnerAmount, feeAmount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settlementCall{kind: "payout", matchID: matchID, winner: winner, amount: winnerAmount, fee: feeAmount})
	return nil
}

func (f *fakeSettler) ProposeRefund(ctx context.Context, matchID string, refundAmount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settlementCall{kind: "refund", matchID: matchID, amount: refundAmount})
	return nil
}

func newTestDB(t *testing.T) matchdb.Store {
	t.Helper()
	db, err := matchdb.NewBoltDB(filepath.Join(t.TempDir(), "matches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

const (
	testVault = "5n8bRDKm6Uxfwtn5eqtXNqUg4zJcvpAHBDcqgkKV7JbD"
	testA     = "A8bRDKm6Uxfwtn5eqtXNqUg4zJcvpAHBDcqgkKV7JbDa"
	testB     = "B8bRDKm6Uxfwtn5eqtXNqUg4zJcvpAHBDcqgkKV7JbDb"
)

func newMatch(t *testing.T, db matchdb.Store, id string, status matchdb.MatchStatus, fee uint64) {
	t.Helper()
	err := db.Create(context.Background(), &matchdb.MatchRecord{
		ID:                id,
		PlayerA:           testA,
		PlayerB:           testB,
		EntryFee:          fee,
		VaultAddress:      "msig" + id,
		VaultSpendAddress: testVault,
		Status:            status,
	})
	require.NoError(t, err)
}

func TestPickWordDeterministic(t *testing.T) {
	w1 := PickWord("match-1")
	w2 := PickWord("match-1")
	assert.Equal(t, w1, w2)
	assert.Len(t, w1, 5)
	assert.NotEqual(t, w1, PickWord("match-2"), "different matches should usually get different words")
}

func TestDepositWatcherAdvancesToPaymentRequired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusVaultCreated, fee)

	w := NewDepositWatcher(slog.Disabled, db, &fakeReader{balances: map[string]uint64{}}, newFakeGames(), newFakeTracker(), time.Second)
	w.Sweep(ctx)

	rec, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, matchdb.StatusPaymentRequired, rec.Status)
	assert.False(t, rec.DepositAConfirmed)
	assert.False(t, rec.DepositBConfirmed)
}

func TestDepositWatcherCreditsBothOnFullBalance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, fee)

	games := newFakeGames()
	reader := &fakeReader{balances: map[string]uint64{testVault: 2 * fee}}
	w := NewDepositWatcher(slog.Disabled, db, reader, games, newFakeTracker(), time.Second)
	w.Sweep(ctx)

	rec, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, matchdb.StatusReady, rec.Status)
	assert.True(t, rec.BothDeposited())
	assert.Equal(t, PickWord("m1"), rec.GamePayload)

	st, err := games.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, rec.GamePayload, st.TargetWord)
	assert.Contains(t, st.Players, testA)
	assert.Contains(t, st.Players, testB)
	assert.False(t, st.Completed)
}

func TestDepositWatcherCreditsBySignature(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, fee)
	_, err := db.Update(ctx, "m1", func(r *matchdb.MatchRecord) error {
		r.DepositATx = "sig-a"
		return nil
	})
	require.NoError(t, err)

	reader := &fakeReader{
		balances: map[string]uint64{testVault: fee},
		sigs:     map[string]*ledger.TxStatus{"sig-a": {Slot: 1, Commitment: ledger.CommitmentConfirmed}},
	}
	games := newFakeGames()
	w := NewDepositWatcher(slog.Disabled, db, reader, games, newFakeTracker(), time.Second)
	w.Sweep(ctx)

	rec, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, rec.DepositAConfirmed)
	assert.False(t, rec.DepositBConfirmed)
	assert.Equal(t, matchdb.StatusPaymentRequired, rec.Status)

	// Player B's deposit lands later.
	_, err = db.Update(ctx, "m1", func(r *matchdb.MatchRecord) error {
		r.DepositBTx = "sig-b"
		return nil
	})
	require.NoError(t, err)
	reader.sigs["sig-b"] = &ledger.TxStatus{Slot: 2, Commitment: ledger.CommitmentConfirmed}
	reader.balances[testVault] = 2 * fee
	w.Sweep(ctx)

	rec, err = db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, rec.BothDeposited())
	assert.Equal(t, matchdb.StatusReady, rec.Status)
}

func TestDepositWatcherRejectsReusedSignature(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, fee)
	// Both players report the same transaction.
	_, err := db.Update(ctx, "m1", func(r *matchdb.MatchRecord) error {
		r.DepositATx = "sig-shared"
		r.DepositBTx = "sig-shared"
		return nil
	})
	require.NoError(t, err)

	reader := &fakeReader{
		balances: map[string]uint64{testVault: fee},
		sigs:     map[string]*ledger.TxStatus{"sig-shared": {Slot: 1, Commitment: ledger.CommitmentConfirmed}},
	}
	w := NewDepositWatcher(slog.Disabled, db, reader, newFakeGames(), newFakeTracker(), time.Second)
	w.Sweep(ctx)

	rec, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, rec.DepositAConfirmed, "first claim gets the credit")
	assert.False(t, rec.DepositBConfirmed, "same signature must not credit twice")
}

func TestDepositWatcherCreditsAfterTransientBalanceError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, fee)
	_, err := db.Update(ctx, "m1", func(r *matchdb.MatchRecord) error {
		r.DepositATx = "sig-a"
		return nil
	})
	require.NoError(t, err)

	reader := &fakeReader{
		balances:   map[string]uint64{testVault: fee},
		sigs:       map[string]*ledger.TxStatus{"sig-a": {Slot: 1, Commitment: ledger.CommitmentConfirmed}},
		balanceErr: errors.New("connection reset"),
	}
	tracker := newFakeTracker()
	w := NewDepositWatcher(slog.Disabled, db, reader, newFakeGames(), tracker, time.Second)

	// First sweep sees the confirmed signature but the vault balance read
	// fails; nothing persists and the signature must stay creditable.
	w.Sweep(ctx)
	rec, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, rec.DepositAConfirmed)
	assert.True(t, tracker.IsUnique(ctx, "sig-a", sigScopeDeposit),
		"signature must not be retired before the credit persists")

	// A healthy sweep credits the deposit and only then retires the
	// signature.
	w.Sweep(ctx)
	rec, err = db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, rec.DepositAConfirmed)
	assert.False(t, tracker.IsUnique(ctx, "sig-a", sigScopeDeposit))
}

func TestDepositWatcherIgnoresUnattributedSingleDeposit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, fee)

	reader := &fakeReader{balances: map[string]uint64{testVault: fee}}
	w := NewDepositWatcher(slog.Disabled, db, reader, newFakeGames(), newFakeTracker(), time.Second)
	w.Sweep(ctx)

	rec, err := db.Get(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, rec.DepositAConfirmed)
	assert.False(t, rec.DepositBConfirmed)
}

func TestTimeoutScannerRefundsExpiredDeposits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, fee)
	// Only player A paid before the window closed.
	_, err := db.Update(ctx, "m1", func(r *matchdb.MatchRecord) error {
		r.DepositAConfirmed = true
		return nil
	})
	require.NoError(t, err)

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, newFakeGames(), settler, time.Second)
	s.now = func() time.Time { return time.Now().Add(DepositTimeout + time.Minute) }
	s.Sweep(ctx)

	require.Len(t, settler.calls, 1)
	assert.Equal(t, "refund", settler.calls[0].kind)
	assert.Equal(t, "m1", settler.calls[0].matchID)
	assert.Equal(t, outcome.TimeoutRefund(fee), settler.calls[0].amount,
		"a lone payer gets the timeout fee class, not the no-play fee")
}

func TestTimeoutScannerAppliesNoPlayFeeWhenBothPaid(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, fee)
	// Both paid but the match never advanced past awaiting-start.
	_, err := db.Update(ctx, "m1", func(r *matchdb.MatchRecord) error {
		r.DepositAConfirmed = true
		r.DepositBConfirmed = true
		return nil
	})
	require.NoError(t, err)

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, newFakeGames(), settler, time.Second)
	s.now = func() time.Time { return time.Now().Add(DepositTimeout + time.Minute) }
	s.Sweep(ctx)

	require.Len(t, settler.calls, 1)
	assert.Equal(t, "refund", settler.calls[0].kind)
	assert.Equal(t, outcome.NoPlayRefund(fee), settler.calls[0].amount)
}

func TestTimeoutScannerRefundsStuckPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusVaultCreated, fee)

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, newFakeGames(), settler, time.Second)
	s.now = func() time.Time { return time.Now().Add(PreGameTimeout + time.Minute) }
	s.Sweep(ctx)

	require.Len(t, settler.calls, 1)
	assert.Equal(t, "refund", settler.calls[0].kind)
	assert.Equal(t, outcome.TimeoutRefund(fee), settler.calls[0].amount)
}

func TestTimeoutScannerLeavesFreshMatches(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	newMatch(t, db, "m1", matchdb.StatusPaymentRequired, escrow.SOLToLamports(0.1))
	newMatch(t, db, "m2", matchdb.StatusReady, escrow.SOLToLamports(0.1))

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, newFakeGames(), settler, time.Second)
	s.Sweep(ctx)
	assert.Empty(t, settler.calls)
}

func TestTimeoutScannerRefundsUnstartedReady(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusReady, fee)

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, newFakeGames(), settler, time.Second)
	s.now = func() time.Time { return time.Now().Add(PreGameTimeout + time.Minute) }
	s.Sweep(ctx)

	require.Len(t, settler.calls, 1)
	assert.Equal(t, "refund", settler.calls[0].kind)
	assert.Equal(t, outcome.TimeoutRefund(fee), settler.calls[0].amount)
}

func TestTimeoutScannerForfeitsAbandonedPlayer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusActive, fee)

	games := newFakeGames()
	require.NoError(t, games.Put(ctx, &gamestate.State{
		MatchID:    "m1",
		TargetWord: "crane",
		Players: map[string]gamestate.PlayerProgress{
			testA: {Solved: true, Guesses: 4, TotalTime: 120},
			testB: {Guesses: 2},
		},
		LastActivity: time.Now().Add(-2 * AbandonGrace),
		StartedAt:    time.Now().Add(-10 * time.Minute),
	}))

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, games, settler, time.Second)
	s.Sweep(ctx)

	require.Len(t, settler.calls, 1)
	call := settler.calls[0]
	assert.Equal(t, "payout", call.kind)
	assert.Equal(t, testA, call.winner)
	pot := 2 * fee
	wantFee := escrow.FeeBps(pot, outcome.DefaultFeeBps)
	assert.Equal(t, pot-wantFee, call.amount)
	assert.Equal(t, wantFee, call.fee)

	st, err := games.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, st.Completed)

	// A second sweep must not settle again.
	s.Sweep(ctx)
	assert.Len(t, settler.calls, 1)
}

func TestTimeoutScannerHonorsAbandonGrace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	newMatch(t, db, "m1", matchdb.StatusActive, escrow.SOLToLamports(0.1))

	games := newFakeGames()
	require.NoError(t, games.Put(ctx, &gamestate.State{
		MatchID: "m1",
		Players: map[string]gamestate.PlayerProgress{
			testA: {Solved: true, Guesses: 3, TotalTime: 90},
			testB: {Guesses: 1},
		},
		LastActivity: time.Now().Add(-30 * time.Second),
	}))

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, games, settler, time.Second)
	s.Sweep(ctx)
	assert.Empty(t, settler.calls, "a silent opponent within grace is not a forfeit")
}

func TestTimeoutScannerSkipsCompletedGames(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	newMatch(t, db, "m1", matchdb.StatusActive, escrow.SOLToLamports(0.1))

	games := newFakeGames()
	require.NoError(t, games.Put(ctx, &gamestate.State{
		MatchID:   "m1",
		Completed: true,
		Players: map[string]gamestate.PlayerProgress{
			testA: {Solved: true, Guesses: 3},
			testB: {Guesses: 1},
		},
		LastActivity: time.Now().Add(-time.Hour),
	}))

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, games, settler, time.Second)
	s.Sweep(ctx)
	assert.Empty(t, settler.calls)
}

func TestTimeoutScannerRefundsFullyStalledGame(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fee := escrow.SOLToLamports(0.1)
	newMatch(t, db, "m1", matchdb.StatusActive, fee)

	games := newFakeGames()
	require.NoError(t, games.Put(ctx, &gamestate.State{
		MatchID: "m1",
		Players: map[string]gamestate.PlayerProgress{
			testA: {Guesses: 1},
			testB: {Guesses: 2},
		},
		LastActivity: time.Now().Add(-(PreGameTimeout + time.Minute)),
	}))

	settler := &fakeSettler{}
	s := NewTimeoutScanner(slog.Disabled, db, games, settler, time.Second)
	s.Sweep(ctx)

	require.Len(t, settler.calls, 1)
	assert.Equal(t, "refund", settler.calls[0].kind)
	assert.Equal(t, outcome.TimeoutRefund(fee), settler.calls[0].amount)
}

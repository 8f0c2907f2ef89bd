// Package scanner runs the background sweeps around the settlement core:
// deposit watching, timeout detection and abandonment settlement. Scanners
// only observe and route; all funds movement goes through the settler.
package scanner

import (
	"context"
	"time"

	"github.com/decred/slog"

	"github.com/guess5/escrow/gamestate"
	"github.com/guess5/escrow/ledger"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/sigtracker"
)

// Settler is the slice of the settlement engine the scanners drive.
type Settler interface {
	ProposePayout(ctx context.Context, matchID, winner string, winnerAmount, feeAmount uint64) error
	ProposeRefund(ctx context.Context, matchID string, refundAmount uint64) error
}

// DepositReader is the slice of the ledger gateway the deposit watcher
// needs.
type DepositReader interface {
	Balance(ctx context.Context, addr string) (uint64, error)
	SignatureStatus(ctx context.Context, sig string) (*ledger.TxStatus, error)
}

// DefaultDepositInterval is the production sweep cadence.
const DefaultDepositInterval = 10 * time.Second

// sigScopeDeposit namespaces deposit signatures in the dedup tracker.
const sigScopeDeposit = "deposit"

// DepositWatcher sweeps funded-pending matches, credits confirmed deposits,
// and flips a match to ready once both players have paid.
type DepositWatcher struct {
	log      slog.Logger
	db       matchdb.Store
	chain    DepositReader
	games    gamestate.Store
	sigs     sigtracker.Tracker
	interval time.Duration
	now      func() time.Time
}

// NewDepositWatcher builds a watcher. interval 0 selects the default.
func NewDepositWatcher(log slog.Logger, db matchdb.Store, chain DepositReader, games gamestate.Store, sigs sigtracker.Tracker, interval time.Duration) *DepositWatcher {
	if interval == 0 {
		interval = DefaultDepositInterval
	}
	return &DepositWatcher{
		log:      log,
		db:       db,
		chain:    chain,
		games:    games,
		sigs:     sigs,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on a ticker until ctx is done.
func (w *DepositWatcher) Run(ctx context.Context) error {
	w.log.Infof("deposit watcher running every %s", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every match awaiting deposits. Per-match failures
// are logged and skipped; one bad match must not starve the rest.
func (w *DepositWatcher) Sweep(ctx context.Context) {
	recs, err := w.db.ListByStatus(ctx,
		matchdb.StatusPending, matchdb.StatusVaultCreated, matchdb.StatusPaymentRequired)
	if err != nil {
		w.log.Errorf("deposit sweep: list matches: %v", err)
		return
	}
	for _, rec := range recs {
		if err := w.checkDeposits(ctx, rec); err != nil {
			w.log.Warnf("deposit check for match %s: %v", rec.ID, err)
		}
	}
}

func (w *DepositWatcher) checkDeposits(ctx context.Context, rec *matchdb.MatchRecord) error {
	if rec.VaultSpendAddress == "" {
		return nil
	}

	confirmedA := rec.DepositAConfirmed
	confirmedB := rec.DepositBConfirmed
	// Signatures that landed this pass are marked used only after the
	// confirmation commits below. Marking first would burn the signature if
	// the balance read or the write fails, leaving the deposit uncreditable.
	var landed []string
	if !confirmedA && rec.DepositATx != "" && w.depositLanded(ctx, rec.ID, rec.DepositATx) {
		confirmedA = true
		landed = append(landed, rec.DepositATx)
	}
	if !confirmedB && rec.DepositBTx != "" {
		switch {
		case rec.DepositBTx == rec.DepositATx && confirmedA:
			w.log.Warnf("match %s deposit signature %s already credited, refusing reuse", rec.ID, rec.DepositBTx)
		case w.depositLanded(ctx, rec.ID, rec.DepositBTx):
			confirmedB = true
			landed = append(landed, rec.DepositBTx)
		}
	}

	balance, err := w.chain.Balance(ctx, rec.VaultSpendAddress)
	if err != nil {
		return err
	}
	// Balance inference covers deposits made without a reported signature.
	// A single unattributed deposit stays uncredited until either a
	// signature arrives or the second deposit proves both paid.
	if balance >= 2*rec.EntryFee {
		confirmedA, confirmedB = true, true
	}

	nothingNew := confirmedA == rec.DepositAConfirmed && confirmedB == rec.DepositBConfirmed
	if nothingNew && rec.Status == matchdb.StatusPaymentRequired {
		return nil
	}

	updated, err := w.db.Update(ctx, rec.ID, func(r *matchdb.MatchRecord) error {
		// Confirmation is monotonic: never cleared even if the balance later
		// drops.
		r.DepositAConfirmed = r.DepositAConfirmed || confirmedA
		r.DepositBConfirmed = r.DepositBConfirmed || confirmedB
		switch {
		case r.BothDeposited():
			if r.GamePayload == "" {
				r.GamePayload = PickWord(r.ID)
			}
			if r.Status.CanAdvanceTo(matchdb.StatusReady) {
				r.Status = matchdb.StatusReady
			}
		case r.Status == matchdb.StatusPending || r.Status == matchdb.StatusVaultCreated:
			r.Status = matchdb.StatusPaymentRequired
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, sig := range landed {
		w.sigs.MarkUsed(ctx, sig, sigScopeDeposit)
	}

	if updated.Status == matchdb.StatusReady && rec.Status != matchdb.StatusReady {
		w.log.Infof("match %s fully funded (%d lamports)", rec.ID, balance)
		return w.startGame(ctx, updated)
	}
	return nil
}

// depositLanded reports whether the deposit signature confirmed on-ledger
// and has not already been credited to another deposit. It never marks the
// signature used; the caller does that once the credit is persisted.
func (w *DepositWatcher) depositLanded(ctx context.Context, matchID, sig string) bool {
	status, err := w.chain.SignatureStatus(ctx, sig)
	if err != nil {
		w.log.Debugf("match %s deposit %s status: %v", matchID, sig, err)
		return false
	}
	if !status.Confirmed() {
		return false
	}
	if !w.sigs.IsUnique(ctx, sig, sigScopeDeposit) {
		w.log.Warnf("match %s deposit signature %s already credited, refusing reuse", matchID, sig)
		return false
	}
	return true
}

// startGame seeds the shared game state for a freshly funded match.
func (w *DepositWatcher) startGame(ctx context.Context, rec *matchdb.MatchRecord) error {
	now := w.now().UTC()
	st := &gamestate.State{
		MatchID:    rec.ID,
		TargetWord: rec.GamePayload,
		Players: map[string]gamestate.PlayerProgress{
			rec.PlayerA: {},
			rec.PlayerB: {},
		},
		LastActivity: now,
		StartedAt:    now,
	}
	if err := w.games.Put(ctx, st); err != nil {
		return err
	}
	w.log.Infof("match %s ready, game state initialized", rec.ID)
	return nil
}

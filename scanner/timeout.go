package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/decred/slog"

	"github.com/guess5/escrow/gamestate"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/outcome"
)

// Timeout policy.
const (
	// DefaultScanInterval is the production sweep cadence.
	DefaultScanInterval = 30 * time.Second
	// PreGameTimeout is how long a funded match may sit unstarted before it
	// is refunded.
	PreGameTimeout = 30 * time.Minute
	// DepositTimeout is how long a match waits for deposits before refunding
	// whoever paid.
	DepositTimeout = 10 * time.Minute
	// AbandonGrace is how long a live game may go silent after one player
	// has finished before the absent player forfeits.
	AbandonGrace = 90 * time.Second

	// MaxGuesses is the per-player guess budget.
	MaxGuesses = 6
)

// TimeoutScanner sweeps for matches stuck in a non-terminal state and routes
// them to refund or forfeit settlement.
type TimeoutScanner struct {
	log      slog.Logger
	db       matchdb.Store
	games    gamestate.Store
	settler  Settler
	interval time.Duration
	now      func() time.Time
}

// NewTimeoutScanner builds a scanner. interval 0 selects the default.
func NewTimeoutScanner(log slog.Logger, db matchdb.Store, games gamestate.Store, settler Settler, interval time.Duration) *TimeoutScanner {
	if interval == 0 {
		interval = DefaultScanInterval
	}
	return &TimeoutScanner{
		log:      log,
		db:       db,
		games:    games,
		settler:  settler,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on a ticker until ctx is done.
func (s *TimeoutScanner) Run(ctx context.Context) error {
	s.log.Infof("timeout scanner running every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every match that can still time out.
func (s *TimeoutScanner) Sweep(ctx context.Context) {
	recs, err := s.db.ListByStatus(ctx,
		matchdb.StatusPending, matchdb.StatusVaultCreated,
		matchdb.StatusPaymentRequired, matchdb.StatusReady, matchdb.StatusActive)
	if err != nil {
		s.log.Errorf("timeout sweep: list matches: %v", err)
		return
	}
	for _, rec := range recs {
		if err := s.checkMatch(ctx, rec); err != nil {
			s.log.Warnf("timeout check for match %s: %v", rec.ID, err)
		}
	}
}

func (s *TimeoutScanner) checkMatch(ctx context.Context, rec *matchdb.MatchRecord) error {
	switch rec.Status {
	case matchdb.StatusPending, matchdb.StatusVaultCreated:
		if s.now().Sub(rec.CreatedAt) < PreGameTimeout {
			return nil
		}
		s.log.Infof("match %s never progressed past %s, refunding", rec.ID, rec.Status)
		return s.settler.ProposeRefund(ctx, rec.ID, outcome.TimeoutRefund(rec.EntryFee))

	case matchdb.StatusPaymentRequired:
		if s.now().Sub(rec.CreatedAt) < DepositTimeout {
			return nil
		}
		// Both paid but the match never started: the steeper no-play fee.
		// A lone payer just gets the regular timeout fee back.
		if rec.BothDeposited() {
			s.log.Infof("match %s funded but stuck awaiting start, refunding both", rec.ID)
			return s.settler.ProposeRefund(ctx, rec.ID, outcome.NoPlayRefund(rec.EntryFee))
		}
		s.log.Infof("match %s deposit window expired, refunding payers", rec.ID)
		return s.settler.ProposeRefund(ctx, rec.ID, outcome.TimeoutRefund(rec.EntryFee))

	case matchdb.StatusReady:
		if s.now().Sub(rec.UpdatedAt) < PreGameTimeout {
			return nil
		}
		s.log.Infof("match %s funded but never started, refunding", rec.ID)
		return s.settler.ProposeRefund(ctx, rec.ID, outcome.TimeoutRefund(rec.EntryFee))

	case matchdb.StatusActive:
		return s.checkAbandoned(ctx, rec)
	}
	return nil
}

// checkAbandoned handles a live match whose game state has gone quiet. When
// exactly one player has finished, the silent player forfeits after the
// grace period: a loss is synthesized for them and the match settles
// normally through outcome determination.
func (s *TimeoutScanner) checkAbandoned(ctx context.Context, rec *matchdb.MatchRecord) error {
	st, err := s.games.Get(ctx, rec.ID)
	if errors.Is(err, gamestate.ErrNotFound) {
		// State expired without completion. Nothing is decidable; refund
		// once the match itself has been quiet long enough.
		if s.now().Sub(rec.UpdatedAt) >= PreGameTimeout {
			s.log.Warnf("match %s active but game state expired, refunding", rec.ID)
			return s.settler.ProposeRefund(ctx, rec.ID, outcome.TimeoutRefund(rec.EntryFee))
		}
		return nil
	}
	if err != nil {
		return err
	}
	if st.Completed {
		return nil
	}
	idle := s.now().Sub(st.LastActivity)
	if idle < AbandonGrace {
		return nil
	}

	progA := st.Players[rec.PlayerA]
	progB := st.Players[rec.PlayerB]
	aDone := progA.Finished(MaxGuesses)
	bDone := progB.Finished(MaxGuesses)

	if aDone == bDone {
		// Both finished settles through the game flow; neither finished is a
		// stall, refundable only after the long timeout.
		if !aDone && idle >= PreGameTimeout {
			s.log.Infof("match %s stalled with no finisher, refunding", rec.ID)
			if err := s.markCompleted(ctx, st); err != nil {
				return err
			}
			return s.settler.ProposeRefund(ctx, rec.ID, outcome.TimeoutRefund(rec.EntryFee))
		}
		return nil
	}

	resA := playerResult(rec.PlayerA, progA, aDone)
	resB := playerResult(rec.PlayerB, progB, bDone)
	res := outcome.Determine(resA, resB, rec.EntryFee)

	// Re-read right before routing: the game flow may have completed the
	// match between our read and now, and only one path may settle it.
	fresh, err := s.games.Get(ctx, rec.ID)
	if err == nil && fresh.Completed {
		return nil
	}
	if err := s.markCompleted(ctx, st); err != nil {
		return err
	}

	if res.Winner != "" {
		s.log.Infof("match %s: opponent abandoned, %s wins by forfeit", rec.ID, res.Winner)
		return s.settler.ProposePayout(ctx, rec.ID, res.Winner, res.WinnerAmount, res.FeeAmount)
	}
	s.log.Infof("match %s: abandoned with no winner, refunding %d lamports each", rec.ID, res.RefundAmount)
	return s.settler.ProposeRefund(ctx, rec.ID, res.RefundAmount)
}

// playerResult converts game progress into an outcome input, synthesizing a
// worst-case loss for a player who abandoned mid-run.
func playerResult(player string, p gamestate.PlayerProgress, finished bool) outcome.PlayerResult {
	if !finished {
		return outcome.PlayerResult{
			Player:    player,
			Solved:    false,
			Guesses:   MaxGuesses,
			TotalTime: int((24 * time.Hour).Seconds()),
		}
	}
	return outcome.PlayerResult{
		Player:    player,
		Solved:    p.Solved,
		Guesses:   p.Guesses,
		TotalTime: p.TotalTime,
	}
}

func (s *TimeoutScanner) markCompleted(ctx context.Context, st *gamestate.State) error {
	st.Completed = true
	return s.games.Put(ctx, st)
}

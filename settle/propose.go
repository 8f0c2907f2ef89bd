package settle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/guess5/escrow/matchdb"
)

// errNoVault marks a settlement request against a match whose vault was
// never provisioned.
var errNoVault = errors.New("no provisioned vault")

// ProposePayout settles a decided match end to end: payout plan, proposal
// lifecycle, execution. Safe to call repeatedly; an existing proposal is
// reused and an executed one short-circuits.
func (e *Engine) ProposePayout(ctx context.Context, matchID, winner string, winnerAmount, feeAmount uint64) error {
	rec, h, err := e.settleHandle(ctx, matchID)
	if err != nil || rec == nil {
		return err
	}

	plan, err := e.BuildPayout(ctx, h, winner, winnerAmount, feeAmount)
	if err != nil {
		return err
	}
	if err := e.bindProposal(ctx, rec, h, plan); err != nil {
		return err
	}
	_, err = e.Execute(ctx, h, plan)
	return err
}

// ProposeRefund refunds refundAmount to each player who deposited. The match
// is marked refunded as soon as the proposal is live, before execution: the
// refund decision is final even if the funds take retries to move.
func (e *Engine) ProposeRefund(ctx context.Context, matchID string, refundAmount uint64) error {
	rec, h, err := e.settleHandle(ctx, matchID)
	if errors.Is(err, errNoVault) {
		// No vault means no funds were ever escrowed; refunding is just
		// closing the match out.
		return e.markRefunded(ctx, matchID)
	}
	if err != nil || rec == nil {
		return err
	}

	plan, err := e.BuildRefund(ctx, h, rec.PlayerA, rec.PlayerB, refundAmount, rec.DepositAConfirmed, rec.DepositBConfirmed)
	if errors.Is(err, ErrPlanEmpty) {
		// Nobody deposited (or nothing is recoverable); close the match out
		// without touching the ledger.
		e.log.Infof("match %s refund needs no transfers, marking refunded", matchID)
		return e.markRefunded(ctx, matchID)
	}
	if err != nil {
		return err
	}
	if err := e.bindProposal(ctx, rec, h, plan); err != nil {
		return err
	}
	if err := e.markRefunded(ctx, matchID); err != nil {
		return err
	}
	_, err = e.Execute(ctx, h, plan)
	return err
}

// settleHandle loads the match, reconciles any recorded proposal with the
// ledger, and returns the vault handle. A nil record with nil error means
// the match is already settled and there is nothing to do.
func (e *Engine) settleHandle(ctx context.Context, matchID string) (*matchdb.MatchRecord, *VaultHandle, error) {
	if err := e.SyncProposal(ctx, matchID); err != nil {
		e.log.Warnf("proposal sync for match %s failed: %v", matchID, err)
	}
	rec, err := e.db.Get(ctx, matchID)
	if err != nil {
		return nil, nil, err
	}
	if rec.ProposalStatus == matchdb.ProposalExecuted {
		e.log.Debugf("match %s already executed, nothing to settle", matchID)
		return nil, nil, nil
	}
	if rec.VaultAddress == "" {
		return nil, nil, fmt.Errorf("match %s: %w", matchID, errNoVault)
	}
	return rec, handleFor(rec), nil
}

// bindProposal attaches the plan to the match's live proposal, creating and
// activating one if none is recorded.
func (e *Engine) bindProposal(ctx context.Context, rec *matchdb.MatchRecord, h *VaultHandle, plan *Plan) error {
	if rec.ProposalID != "" {
		index, err := strconv.ParseUint(rec.ProposalID, 10, 64)
		if err != nil {
			return fmt.Errorf("match %s has malformed proposal id %q", rec.ID, rec.ProposalID)
		}
		plan.Index = index
		return nil
	}
	_, err := e.CreateAndActivate(ctx, h, plan)
	return err
}

func (e *Engine) markRefunded(ctx context.Context, matchID string) error {
	_, err := e.db.Update(ctx, matchID, func(rec *matchdb.MatchRecord) error {
		if !rec.Status.Terminal() {
			rec.Status = matchdb.StatusRefunded
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark match %s refunded: %w", matchID, err)
	}
	e.auditLog(ctx, matchID, "match_refunded", nil)
	return nil
}

package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guess5/escrow/ledger"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/squads"
)

// ExecutionResult records a successful quorum execution.
type ExecutionResult struct {
	Signature  string
	Slot       uint64
	ExecutedAt time.Time
}

// Execute runs the approved proposal with bounded retries, escalating
// priority fees, a fresh blockhash per attempt, a dry run before each
// submission, and dual confirmation. At-most-once: a proposal recorded as
// executed returns the cached result without touching the ledger.
func (e *Engine) Execute(ctx context.Context, h *VaultHandle, plan *Plan) (*ExecutionResult, error) {
	rec, err := e.db.Get(ctx, h.MatchID)
	if err != nil {
		return nil, err
	}
	if rec.ProposalStatus == matchdb.ProposalExecuted {
		e.log.Debugf("match %s proposal %s already executed, returning cached result", h.MatchID, rec.ProposalID)
		return &ExecutionResult{Signature: rec.ExecuteSignature, Slot: rec.ExecutedSlot, ExecutedAt: rec.ExecutedAt}, nil
	}

	var res *ExecutionResult
	err = e.checkApprovals(ctx, h, plan.Index)
	switch {
	case errors.Is(err, ErrAlreadyExecuted):
		// Someone else ran it. Success for our purposes, but we have no
		// signature of our own to record.
		e.log.Infof("match %s proposal executed by another party", h.MatchID)
		res = &ExecutionResult{ExecutedAt: time.Now().UTC()}
	case err != nil:
		return nil, err
	default:
		if err := e.topUpVault(ctx, h, plan); err != nil {
			return nil, err
		}
		execIx, err := e.quorum.BuildExecute(ctx, h.Multisig, plan.Index, e.operator.Address(), plan.Transfers)
		if err != nil {
			return nil, fmt.Errorf("build execute: %w", err)
		}
		res, err = e.executeWithRetry(ctx, h, execIx)
		if errors.Is(err, ErrAlreadyExecuted) {
			e.log.Infof("match %s proposal executed by another party", h.MatchID)
			res = &ExecutionResult{ExecutedAt: time.Now().UTC()}
		} else if err != nil {
			return nil, err
		}
	}

	_, err = e.db.Update(ctx, h.MatchID, func(rec *matchdb.MatchRecord) error {
		rec.ProposalStatus = matchdb.ProposalExecuted
		rec.ExecuteSignature = res.Signature
		rec.ExecutedSlot = res.Slot
		rec.ExecutedAt = res.ExecutedAt
		rec.NeedsSignatures = 0
		if !rec.Status.Terminal() {
			rec.Status = matchdb.StatusSettled
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist execution for match %s: %w", h.MatchID, err)
	}

	if err := e.payTopUps(ctx, h, plan); err != nil {
		// The quorum transfer already happened; a failed top-up must not
		// unwind it. Logged for manual follow-up.
		e.log.Errorf("match %s settled but top-up transfers failed: %v", h.MatchID, err)
		e.auditLog(ctx, h.MatchID, "topup_failed", map[string]interface{}{
			"topup_total": plan.TopUpTotal(), "error": err.Error(),
		})
	}

	e.auditLog(ctx, h.MatchID, "proposal_executed", map[string]interface{}{
		"signature": res.Signature, "slot": res.Slot,
		"vault_total": plan.VaultTotal(), "topup_total": plan.TopUpTotal(),
	})
	e.log.Infof("match %s settled sig=%s slot=%d", h.MatchID, res.Signature, res.Slot)
	return res, nil
}

// checkApprovals reads the on-ledger approval count. Below threshold is
// fatal unless AllowLaggingApprovals lets the attempt proceed on the
// assumption the read lags approvals collected out of band.
func (e *Engine) checkApprovals(ctx context.Context, h *VaultHandle, index uint64) error {
	addr, err := e.quorum.ProposalAddress(h.Multisig, index)
	if err != nil {
		return err
	}
	acct, err := e.chain.Account(ctx, addr)
	if err != nil {
		return fmt.Errorf("fetch proposal %d: %w", index, err)
	}
	p, err := squads.DecodeProposal(acct.Data)
	if err != nil {
		return fmt.Errorf("decode proposal %d: %w", index, err)
	}
	if p.Status == squads.StatusExecuted {
		return ErrAlreadyExecuted
	}
	if len(p.Approved) < int(h.Threshold) {
		if !e.cfg.AllowLaggingApprovals {
			return fmt.Errorf("%w: %d of %d on proposal %d", ErrInsufficientSignatures, len(p.Approved), h.Threshold, index)
		}
		e.log.Warnf("match %s proposal %d reads %d/%d approvals; proceeding, ledger read may lag",
			h.MatchID, index, len(p.Approved), h.Threshold)
	}
	return nil
}

// topUpVault covers any drift between the planned vault-funded total and the
// vault's current spendable balance with an operator transfer, confirmed
// before execution is attempted.
func (e *Engine) topUpVault(ctx context.Context, h *VaultHandle, plan *Plan) error {
	need := plan.VaultTotal()
	if need == 0 {
		return nil
	}
	have, err := e.transferable(ctx, h.Vault)
	if err != nil {
		return err
	}
	if have >= need {
		return nil
	}
	shortfall := need - have
	e.log.Infof("match %s vault short %d lamports; topping up before execution", h.MatchID, shortfall)
	ix := ledger.Transfer(e.operator.Address(), h.Vault, shortfall)
	if err := e.submitAndConfirm(ctx, ix); err != nil {
		return fmt.Errorf("vault top-up of %d lamports: %w", shortfall, err)
	}
	return nil
}

// payTopUps performs the operator-funded shortfall transfers that sit
// outside the quorum transaction. Runs after execution succeeds.
func (e *Engine) payTopUps(ctx context.Context, h *VaultHandle, plan *Plan) error {
	for _, t := range plan.TopUps {
		ix := ledger.Transfer(e.operator.Address(), t.To, t.Lamports)
		if err := e.submitAndConfirm(ctx, ix); err != nil {
			return fmt.Errorf("top-up %d lamports to %s: %w", t.Lamports, t.To, err)
		}
		e.log.Infof("match %s top-up paid: %d lamports to %s", h.MatchID, t.Lamports, t.To)
	}
	return nil
}

// executeWithRetry is the bounded attempt loop. Each attempt fetches a fresh
// blockhash, escalates the priority fee linearly with the attempt number,
// dry-runs the transaction, submits, and waits for dual confirmation.
func (e *Engine) executeWithRetry(ctx context.Context, h *VaultHandle, execIx ledger.Instruction) (*ExecutionResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxExecuteAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff):
			}
		}

		res, err := e.executeOnce(ctx, h, execIx, attempt)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrAlreadyExecuted) || isExecutedOnChain(err) {
			return nil, ErrAlreadyExecuted
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !IsTransient(err) && !ledger.IsBlockhashStale(err) {
			return nil, fmt.Errorf("execute attempt %d: %w", attempt, err)
		}
		lastErr = err
		e.log.Warnf("match %s execute attempt %d/%d failed: %v", h.MatchID, attempt, e.cfg.MaxExecuteAttempts, err)
	}
	return nil, fmt.Errorf("execution failed after %d attempts: %w", e.cfg.MaxExecuteAttempts, lastErr)
}

// executeOnce performs a single execution attempt end to end.
func (e *Engine) executeOnce(ctx context.Context, h *VaultHandle, execIx ledger.Instruction, attempt int) (*ExecutionResult, error) {
	bh, err := e.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	fee := e.cfg.PriorityFeeBase * uint64(attempt)
	if fee > e.cfg.PriorityFeeMax {
		fee = e.cfg.PriorityFeeMax
	}
	tx := &ledger.Tx{
		Payer:     e.operator.Address(),
		Blockhash: bh,
		Instructions: []ledger.Instruction{
			ledger.SetComputeUnitPrice(fee),
			execIx,
		},
		Signers: []*ledger.Signer{e.operator},
	}

	sim, err := e.chain.Simulate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	if sim.Err != "" {
		for _, l := range sim.Logs {
			e.log.Debugf("match %s sim log: %s", h.MatchID, l)
		}
		return nil, fmt.Errorf("simulation failed: %s", sim.Err)
	}
	e.log.Debugf("match %s attempt %d simulated ok, %d compute units, priority fee %d", h.MatchID, attempt, sim.UnitsConsumed, fee)

	sig, err := e.chain.Submit(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	e.log.Infof("match %s execute attempt %d submitted sig=%s", h.MatchID, attempt, sig)

	status, err := e.confirmDual(ctx, sig, bh)
	if err != nil {
		return nil, err
	}
	if status.Err != "" {
		return nil, fmt.Errorf("transaction failed on-ledger: %s", status.Err)
	}
	return &ExecutionResult{Signature: sig, Slot: status.Slot, ExecutedAt: time.Now().UTC()}, nil
}

// confirmDual waits for confirmation via the primary subscription-style wait
// and, if that times out, falls back to signature-status polling until the
// transaction's blockhash expires. Only blockhash expiry makes the attempt a
// definitive failure; anything else is still in flight.
func (e *Engine) confirmDual(ctx context.Context, sig string, bh ledger.Blockhash) (*ledger.TxStatus, error) {
	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	status, err := e.chain.Confirm(confirmCtx, sig, ledger.CommitmentConfirmed)
	cancel()
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, ledger.ErrConfirmTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	e.log.Debugf("primary confirmation timed out for sig=%s, polling signature status", sig)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.RetryBackoff):
		}
		status, err := e.chain.SignatureStatus(ctx, sig)
		if err == nil && status != nil && status.Confirmed() {
			return status, nil
		}
		height, err := e.chain.BlockHeight(ctx)
		if err != nil {
			continue
		}
		if height > bh.LastValidBlockHeight {
			return nil, ledger.ErrBlockhashExpired
		}
	}
}

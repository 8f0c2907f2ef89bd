package settle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	escrow "github.com/guess5/escrow"
	"github.com/guess5/escrow/ledger"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/squads"
)

// CreateAndActivate drives a plan through Draft -> Active and contributes
// the operator's approval. The returned proposal id is the vault's
// transaction index, stringified for transport.
//
// The remote index is the single source of truth: it is re-read here, never
// cached across calls, and an index collision (another writer advanced it
// concurrently) is retried once at index+1 rather than propagated.
func (e *Engine) CreateAndActivate(ctx context.Context, h *VaultHandle, plan *Plan) (string, error) {
	index, err := e.nextTransactionIndex(ctx, h.Multisig)
	if err != nil {
		return "", err
	}

	index, err = e.createVaultTransaction(ctx, h, plan, index)
	if err != nil {
		return "", err
	}
	plan.Index = index

	// The transaction account can lag the confirmed submission; poll until
	// visible rather than treating lag as failure.
	txAddr, err := e.quorum.TransactionAddress(h.Multisig, index)
	if err != nil {
		return "", err
	}
	if err := e.waitAccountVisible(ctx, txAddr); err != nil {
		return "", fmt.Errorf("vault transaction %d not visible: %w", index, err)
	}

	// Proposal create and activate both tolerate "already done": a crashed
	// previous run may have gotten partway through.
	createIx, err := e.quorum.BuildProposalCreate(ctx, h.Multisig, index, e.operator.Address())
	if err != nil {
		return "", err
	}
	if err := e.submitTolerant(ctx, createIx, "proposal create"); err != nil {
		return "", err
	}

	activateIx, err := e.quorum.BuildProposalActivate(ctx, h.Multisig, index, e.operator.Address())
	if err != nil {
		return "", err
	}
	if err := e.submitTolerant(ctx, activateIx, "proposal activate"); err != nil {
		return "", err
	}
	if err := e.waitProposalStatus(ctx, h.Multisig, index, squads.StatusActive); err != nil {
		return "", err
	}

	// Self-approve: the operator contributes 1 of the required approvals.
	approveIx, err := e.quorum.BuildProposalApprove(ctx, h.Multisig, index, e.operator.Address())
	if err != nil {
		return "", err
	}
	if err := e.submitTolerant(ctx, approveIx, "proposal approve"); err != nil {
		return "", err
	}

	proposalID := strconv.FormatUint(index, 10)
	needs := int(h.Threshold) - 1
	_, err = e.db.Update(ctx, h.MatchID, func(rec *matchdb.MatchRecord) error {
		rec.ProposalID = proposalID
		rec.ProposalStatus = matchdb.ProposalActive
		rec.ProposalCreatedAt = time.Now().UTC()
		rec.NeedsSignatures = needs
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("persist proposal %s for match %s: %w", proposalID, h.MatchID, err)
	}
	e.auditLog(ctx, h.MatchID, "proposal_activated", map[string]interface{}{
		"proposal_id": proposalID, "needs_signatures": needs,
		"vault_total": plan.VaultTotal(), "topup_total": plan.TopUpTotal(),
	})
	e.log.Infof("proposal %s active for match %s (needs %d more signatures)", proposalID, h.MatchID, needs)
	return proposalID, nil
}

// nextTransactionIndex reads the vault's current sequential index from its
// on-ledger state. An undecodable account degrades to index 0 with a logged
// assumption instead of failing the settlement outright.
func (e *Engine) nextTransactionIndex(ctx context.Context, multisig string) (uint64, error) {
	acct, err := e.chain.Account(ctx, multisig)
	if err != nil {
		return 0, fmt.Errorf("fetch multisig %s: %w", multisig, err)
	}
	m, err := squads.DecodeMultisig(acct.Data)
	if err != nil {
		e.log.Warnf("multisig %s undecodable (%v); assuming transaction index 0", multisig, err)
		return 1, nil
	}
	return m.TransactionIndex + 1, nil
}

// createVaultTransaction submits the transaction-creation call at index,
// retrying exactly once at index+1 on a collision.
func (e *Engine) createVaultTransaction(ctx context.Context, h *VaultHandle, plan *Plan, index uint64) (uint64, error) {
	try := func(idx uint64) error {
		ix, err := e.quorum.BuildVaultTransaction(ctx, h.Multisig, idx, e.operator.Address(), plan.Transfers)
		if err != nil {
			return err
		}
		return e.submitAndConfirm(ctx, ix)
	}

	err := try(index)
	if isIndexCollision(err) {
		e.log.Debugf("index %d taken on vault %s; retrying at %d", index, h.Multisig, index+1)
		index++
		err = try(index)
	}
	if err != nil {
		return 0, fmt.Errorf("create vault transaction at index %d: %w", index, err)
	}
	return index, nil
}

// submitAndConfirm wraps a single instruction in an operator-signed
// transaction, submits with transient retries, and waits for confirmation.
func (e *Engine) submitAndConfirm(ctx context.Context, ix ledger.Instruction) error {
	var sig string
	err := escrow.Retry(ctx, e.cfg.SubmitAttempts, e.cfg.RetryBackoff, IsTransient, func() error {
		bh, err := e.chain.LatestBlockhash(ctx)
		if err != nil {
			return err
		}
		tx := &ledger.Tx{
			Payer:        e.operator.Address(),
			Blockhash:    bh,
			Instructions: []ledger.Instruction{ix},
			Signers:      []*ledger.Signer{e.operator},
		}
		sig, err = e.chain.Submit(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}
	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	_, err = e.chain.Confirm(confirmCtx, sig, ledger.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("confirm sig=%s: %w", sig, err)
	}
	return nil
}

// submitTolerant is submitAndConfirm treating already-done outcomes as
// success.
func (e *Engine) submitTolerant(ctx context.Context, ix ledger.Instruction, what string) error {
	err := e.submitAndConfirm(ctx, ix)
	if err == nil {
		return nil
	}
	if isAlreadyProcessed(err) {
		e.log.Debugf("%s already done: %v", what, err)
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

// waitAccountVisible polls until the account exists, with bounded fixed
// backoff retries.
func (e *Engine) waitAccountVisible(ctx context.Context, addr string) error {
	return escrow.Retry(ctx, e.cfg.VisibilityAttempts, e.cfg.RetryBackoff, func(err error) bool {
		return errors.Is(err, ledger.ErrAccountNotFound) || IsTransient(err)
	}, func() error {
		_, err := e.chain.Account(ctx, addr)
		return err
	})
}

// waitProposalStatus polls the proposal account until it reads the wanted
// status.
func (e *Engine) waitProposalStatus(ctx context.Context, multisig string, index uint64, want squads.ProposalStatus) error {
	addr, err := e.quorum.ProposalAddress(multisig, index)
	if err != nil {
		return err
	}
	return escrow.Retry(ctx, e.cfg.VisibilityAttempts, e.cfg.RetryBackoff, func(err error) bool {
		return !errors.Is(err, ErrConfigConflict) // everything here is visibility lag
	}, func() error {
		acct, err := e.chain.Account(ctx, addr)
		if err != nil {
			return err
		}
		p, err := squads.DecodeProposal(acct.Data)
		if err != nil {
			return err
		}
		if p.Status != want {
			return fmt.Errorf("proposal %d status %s, want %s", index, p.Status, want)
		}
		return nil
	})
}

// SyncProposal reconciles the locally recorded proposal against the true
// on-ledger state by re-deriving the proposal address from (vault, index).
// It repairs records whose local status went stale: a proposal executed out
// of band is marked executed, and a missing on-ledger proposal clears the
// local binding so settlement can be retried.
func (e *Engine) SyncProposal(ctx context.Context, matchID string) error {
	rec, err := e.db.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if rec.ProposalID == "" || rec.VaultAddress == "" {
		return nil
	}
	index, err := strconv.ParseUint(rec.ProposalID, 10, 64)
	if err != nil {
		return fmt.Errorf("match %s has malformed proposal id %q", matchID, rec.ProposalID)
	}
	addr, err := e.quorum.ProposalAddress(rec.VaultAddress, index)
	if err != nil {
		return err
	}
	acct, err := e.chain.Account(ctx, addr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		e.log.Warnf("match %s proposal %d missing on-ledger; clearing stale binding", matchID, index)
		_, err = e.db.Update(ctx, matchID, func(rec *matchdb.MatchRecord) error {
			rec.ProposalID = ""
			rec.ProposalStatus = ""
			rec.NeedsSignatures = 0
			return nil
		})
		return err
	}
	if err != nil {
		return err
	}
	p, err := squads.DecodeProposal(acct.Data)
	if err != nil {
		return fmt.Errorf("decode proposal for match %s: %w", matchID, err)
	}

	switch p.Status {
	case squads.StatusExecuted:
		if rec.ProposalStatus != matchdb.ProposalExecuted {
			e.log.Infof("match %s proposal %d executed on-ledger; syncing record", matchID, index)
			_, err = e.db.Update(ctx, matchID, func(rec *matchdb.MatchRecord) error {
				rec.ProposalStatus = matchdb.ProposalExecuted
				rec.NeedsSignatures = 0
				if !rec.Status.Terminal() {
					rec.Status = matchdb.StatusSettled
				}
				return nil
			})
			return err
		}
	case squads.StatusActive, squads.StatusApproved, squads.StatusExecuteReady:
		needs := int(quorumThreshold) - len(p.Approved)
		if needs < 0 {
			needs = 0
		}
		if needs != rec.NeedsSignatures {
			_, err = e.db.Update(ctx, matchID, func(rec *matchdb.MatchRecord) error {
				rec.NeedsSignatures = needs
				return nil
			})
			return err
		}
	}
	return nil
}

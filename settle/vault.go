package settle

import (
	"context"
	"errors"
	"fmt"

	escrow "github.com/guess5/escrow"
	"github.com/guess5/escrow/ledger"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/squads"
)

// Provision creates (or re-verifies) the 2-of-3 quorum vault for a match.
// The vault identity is a pure function of the match id, so calling this
// twice with the same parties is a no-op returning the same handle.
func (e *Engine) Provision(ctx context.Context, matchID, playerA, playerB string, entryFee uint64) (*VaultHandle, error) {
	seed := vaultSeed(matchID)
	createKey := ledger.NewSignerFromSeed(seed)

	msig, err := e.quorum.MultisigAddress(createKey.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("derive multisig address: %w", err)
	}
	vault, err := e.quorum.VaultAddress(msig, 0)
	if err != nil {
		return nil, fmt.Errorf("derive vault address: %w", err)
	}
	handle := &VaultHandle{MatchID: matchID, Multisig: msig, Vault: vault, Threshold: quorumThreshold}

	members := []squads.Member{
		{Key: e.operator.Address(), Permissions: squads.PermAll},
		{Key: playerA, Permissions: squads.PermAll},
		{Key: playerB, Permissions: squads.PermAll},
	}

	acct, err := e.chain.Account(ctx, msig)
	switch {
	case err == nil:
		// Already provisioned: verify the configuration matches before
		// treating it as ours.
		if err := verifyQuorumConfig(acct.Data, members); err != nil {
			return nil, fmt.Errorf("vault %s for match %s: %w", msig, matchID, err)
		}
		e.log.Debugf("vault %s already provisioned for match %s", msig, matchID)

	case errors.Is(err, ledger.ErrAccountNotFound):
		if err := e.createVault(ctx, matchID, createKey, msig, members); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("fetch vault account %s: %w", msig, err)
	}

	_, err = e.db.Update(ctx, matchID, func(rec *matchdb.MatchRecord) error {
		rec.VaultAddress = msig
		rec.VaultSpendAddress = vault
		if rec.Status == matchdb.StatusPending {
			rec.Status = matchdb.StatusVaultCreated
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist vault for match %s: %w", matchID, err)
	}
	e.auditLog(ctx, matchID, "vault_provisioned", map[string]interface{}{
		"multisig": msig, "vault": vault,
	})
	return handle, nil
}

// createVault submits the create transaction and positively verifies the
// resulting account. A transaction can be accepted into a block and still
// fail on-chain, so the submit signature alone proves nothing.
func (e *Engine) createVault(ctx context.Context, matchID string, createKey *ledger.Signer, msig string, members []squads.Member) error {
	ixs, err := e.quorum.BuildCreateVault(ctx, e.operator.Address(), createKey.PublicKey(), members, quorumThreshold)
	if err != nil {
		return fmt.Errorf("build create vault: %w", err)
	}

	var sig string
	err = escrow.Retry(ctx, e.cfg.SubmitAttempts, e.cfg.RetryBackoff, IsTransient, func() error {
		bh, err := e.chain.LatestBlockhash(ctx)
		if err != nil {
			return err
		}
		tx := &ledger.Tx{
			Payer:        e.operator.Address(),
			Blockhash:    bh,
			Instructions: ixs,
			Signers:      []*ledger.Signer{e.operator, createKey},
		}
		sig, err = e.chain.Submit(ctx, tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("submit create vault for match %s: %w", matchID, err)
	}
	e.log.Infof("vault create submitted for match %s sig=%s", matchID, sig)

	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	if _, err := e.chain.Confirm(confirmCtx, sig, ledger.CommitmentConfirmed); err != nil {
		return fmt.Errorf("confirm create vault sig=%s: %w", sig, err)
	}

	// Positive verification: the account must exist, be owned by the quorum
	// program, and carry state.
	var acct *ledger.Account
	err = escrow.Retry(ctx, e.cfg.VisibilityAttempts, e.cfg.RetryBackoff, func(err error) bool {
		return errors.Is(err, ledger.ErrAccountNotFound) || IsTransient(err)
	}, func() error {
		acct, err = e.chain.Account(ctx, msig)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: account %s not visible after create (sig=%s): %v", ErrProvisioningVerification, msig, sig, err)
	}
	if acct.Owner != squads.ProgramID {
		return fmt.Errorf("%w: account %s owned by %s, want %s", ErrProvisioningVerification, msig, acct.Owner, squads.ProgramID)
	}
	if len(acct.Data) == 0 {
		return fmt.Errorf("%w: account %s has no data", ErrProvisioningVerification, msig)
	}
	if err := verifyQuorumConfig(acct.Data, members); err != nil {
		return fmt.Errorf("%w: created account %s: %v", ErrProvisioningVerification, msig, err)
	}
	return nil
}

// verifyQuorumConfig decodes a multisig account and checks its member set
// and threshold against expectations. A mismatch is a ConfigurationConflict.
func verifyQuorumConfig(data []byte, members []squads.Member) error {
	m, err := squads.DecodeMultisig(data)
	if err != nil {
		return fmt.Errorf("%w: undecodable account state: %v", ErrConfigConflict, err)
	}
	if m.Threshold != quorumThreshold || len(m.Members) != quorumMembers {
		return fmt.Errorf("%w: threshold %d-of-%d, want %d-of-%d",
			ErrConfigConflict, m.Threshold, len(m.Members), quorumThreshold, quorumMembers)
	}
	for _, want := range members {
		if !m.HasMember(want.Key) {
			return fmt.Errorf("%w: member %s missing from vault", ErrConfigConflict, want.Key)
		}
	}
	return nil
}

package settle

import (
	"context"
	"fmt"

	"github.com/guess5/escrow/squads"
)

// Plan is an ephemeral funds-movement plan, computed per settlement
// attempt and never persisted. Transfers are the vault-funded portion that
// the quorum approves; TopUps are operator-funded shortfall covers performed
// outside the quorum transaction. Keeping top-ups out of the approved
// transaction keeps its signer set fixed regardless of balance shortfalls.
type Plan struct {
	Vault     string
	Transfers []squads.TransferSpec
	TopUps    []squads.TransferSpec
	Index     uint64
}

// VaultTotal is the sum the vault itself must fund.
func (p *Plan) VaultTotal() uint64 {
	var total uint64
	for _, t := range p.Transfers {
		total += t.Lamports
	}
	return total
}

// TopUpTotal is the sum covered from the operator account.
func (p *Plan) TopUpTotal() uint64 {
	var total uint64
	for _, t := range p.TopUps {
		total += t.Lamports
	}
	return total
}

// payee is one desired recipient in allocation priority order.
type payee struct {
	to     string
	amount uint64
}

// allocate splits desired amounts between the vault's transferable balance
// and operator top-ups, in fixed priority order (first payee first).
func (e *Engine) allocate(vault string, transferable uint64, desired []payee) *Plan {
	plan := &Plan{Vault: vault}
	remaining := transferable
	for _, d := range desired {
		if d.amount == 0 {
			continue
		}
		fromVault := d.amount
		if fromVault > remaining {
			fromVault = remaining
		}
		if fromVault > 0 {
			plan.Transfers = append(plan.Transfers, squads.TransferSpec{From: vault, To: d.to, Lamports: fromVault})
			remaining -= fromVault
		}
		if shortfall := d.amount - fromVault; shortfall > 0 {
			plan.TopUps = append(plan.TopUps, squads.TransferSpec{From: e.operator.Address(), To: d.to, Lamports: shortfall})
		}
	}
	return plan
}

// transferable reads the vault's spendable balance above the rent floor.
func (e *Engine) transferable(ctx context.Context, vault string) (uint64, error) {
	balance, err := e.chain.Balance(ctx, vault)
	if err != nil {
		return 0, fmt.Errorf("read vault balance: %w", err)
	}
	floor, err := e.chain.MinRentExempt(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("read rent floor: %w", err)
	}
	if balance <= floor {
		return 0, nil
	}
	return balance - floor, nil
}

// BuildPayout computes the winner/fee split plan. The winner is first in
// allocation priority; the fee share comes out of whatever transferable
// balance remains, with any shortfall recorded as a top-up.
func (e *Engine) BuildPayout(ctx context.Context, h *VaultHandle, winner string, winnerAmount, feeAmount uint64) (*Plan, error) {
	transferable, err := e.transferable(ctx, h.Vault)
	if err != nil {
		return nil, err
	}
	plan := e.allocate(h.Vault, transferable, []payee{
		{to: winner, amount: winnerAmount},
		{to: e.feeRecipient, amount: feeAmount},
	})
	if len(plan.Transfers) == 0 {
		return nil, fmt.Errorf("%w: payout for match %s would move nothing from vault", ErrPlanEmpty, h.MatchID)
	}
	e.log.Debugf("payout plan for match %s: vault=%d lamports topup=%d lamports",
		h.MatchID, plan.VaultTotal(), plan.TopUpTotal())
	return plan, nil
}

// BuildRefund computes a tie/timeout refund plan covering only the players
// who actually paid. A player who never deposited simply has no transfer;
// both unpaid is an empty plan and an error.
func (e *Engine) BuildRefund(ctx context.Context, h *VaultHandle, playerA, playerB string, refundAmount uint64, paidA, paidB bool) (*Plan, error) {
	var desired []payee
	if paidA {
		desired = append(desired, payee{to: playerA, amount: refundAmount})
	}
	if paidB {
		desired = append(desired, payee{to: playerB, amount: refundAmount})
	}
	if len(desired) == 0 || refundAmount == 0 {
		return nil, fmt.Errorf("%w: refund for match %s has no paid recipients", ErrPlanEmpty, h.MatchID)
	}
	transferable, err := e.transferable(ctx, h.Vault)
	if err != nil {
		return nil, err
	}
	plan := e.allocate(h.Vault, transferable, desired)
	if len(plan.Transfers) == 0 {
		return nil, fmt.Errorf("%w: refund for match %s would move nothing from vault", ErrPlanEmpty, h.MatchID)
	}
	e.log.Debugf("refund plan for match %s: vault=%d lamports topup=%d lamports paidA=%t paidB=%t",
		h.MatchID, plan.VaultTotal(), plan.TopUpTotal(), paidA, paidB)
	return plan, nil
}

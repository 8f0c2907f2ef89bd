// Package matchdb persists the authoritative match escrow record. The
// settlement core mutates these rows exclusively; game logic never writes
// them directly.
package matchdb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMatchNotFound      = errors.New("match not found")
	ErrDuplicateMatch     = errors.New("match already stored")
	ErrMainBucketNotFound = errors.New("main bucket not found")
)

// MatchStatus is the one-directional match lifecycle. No component may move
// a match backward toward an earlier status.
type MatchStatus string

const (
	StatusPending         MatchStatus = "PENDING"
	StatusVaultCreated    MatchStatus = "VAULT_CREATED"
	StatusPaymentRequired MatchStatus = "PAYMENT_REQUIRED"
	StatusReady           MatchStatus = "READY"
	StatusActive          MatchStatus = "ACTIVE"
	StatusRefunded        MatchStatus = "REFUNDED"
	StatusSettled         MatchStatus = "SETTLED"
)

// statusRank orders statuses for the forward-only transition check.
// Refunded and Settled are both terminal.
var statusRank = map[MatchStatus]int{
	StatusPending:         0,
	StatusVaultCreated:    1,
	StatusPaymentRequired: 2,
	StatusReady:           3,
	StatusActive:          4,
	StatusRefunded:        5,
	StatusSettled:         5,
}

// Terminal reports whether s is a terminal status.
func (s MatchStatus) Terminal() bool {
	return s == StatusRefunded || s == StatusSettled
}

// CanAdvanceTo reports whether moving from s to next respects the
// one-directional lifecycle.
func (s MatchStatus) CanAdvanceTo(next MatchStatus) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] >= statusRank[s]
}

// ProposalStatus tracks the recorded proposal state on the match row.
type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "ACTIVE"
	ProposalExecuted ProposalStatus = "EXECUTED"
)

// MatchRecord is the escrow state for one match.
type MatchRecord struct {
	ID       string `json:"id"`
	PlayerA  string `json:"player_a"`
	PlayerB  string `json:"player_b"`
	EntryFee uint64 `json:"entry_fee"` // lamports

	VaultAddress      string `json:"vault_address"`       // quorum account
	VaultSpendAddress string `json:"vault_spend_address"` // spend-from sub-account

	Status MatchStatus `json:"status"`

	// Deposit tracking. Confirmation is binary and monotonic: once set it
	// is never cleared, even if the balance later drops.
	DepositATx        string `json:"deposit_a_tx,omitempty"`
	DepositBTx        string `json:"deposit_b_tx,omitempty"`
	DepositAConfirmed bool   `json:"deposit_a_confirmed"`
	DepositBConfirmed bool   `json:"deposit_b_confirmed"`

	// Proposal tracking. ProposalID is the on-ledger transaction index,
	// kept as a string for transport.
	ProposalID        string         `json:"proposal_id,omitempty"`
	ProposalStatus    ProposalStatus `json:"proposal_status,omitempty"`
	ProposalCreatedAt time.Time      `json:"proposal_created_at,omitempty"`
	NeedsSignatures   int            `json:"needs_signatures,omitempty"`

	// Execution result, written once.
	ExecuteSignature string    `json:"execute_signature,omitempty"`
	ExecutedSlot     uint64    `json:"executed_slot,omitempty"`
	ExecutedAt       time.Time `json:"executed_at,omitempty"`

	// GamePayload is the target word assigned when the match turns READY.
	GamePayload string `json:"game_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BothDeposited reports whether both players' deposits are confirmed.
func (r *MatchRecord) BothDeposited() bool {
	return r.DepositAConfirmed && r.DepositBConfirmed
}

// Store is the match record persistence contract. Update re-reads the
// freshest row inside a write transaction before applying fn; scanners rely
// on this for their check-then-advance writes.
type Store interface {
	Create(ctx context.Context, rec *MatchRecord) error
	Get(ctx context.Context, id string) (*MatchRecord, error)
	// Update loads the freshest row, applies fn, and persists the result
	// atomically. fn returning an error aborts the write.
	Update(ctx context.Context, id string, fn func(*MatchRecord) error) (*MatchRecord, error)
	// ListByStatus returns all matches whose status is one of the given set.
	ListByStatus(ctx context.Context, statuses ...MatchStatus) ([]*MatchRecord, error)
	Close() error
}

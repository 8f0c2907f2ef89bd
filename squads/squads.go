// Package squads speaks the quorum-vault protocol: program-derived address
// derivation, instruction building for the vault/proposal lifecycle, and
// decoding of on-ledger multisig and proposal accounts.
//
// The on-chain program itself is an external dependency with fixed behavior
// (threshold approvals, strictly increasing transaction indices, rent
// exemption). This package only encodes calls to it and decodes its state.
package squads

import (
	"context"

	"github.com/guess5/escrow/ledger"
)

// ProgramID is the deployed quorum program this gateway targets.
const ProgramID = "SQDS4ep65T869zMMBKyuUq6aD6EgTu8psMjkvj52pCf"

// ProposalStatus is the on-ledger lifecycle state of a proposal.
type ProposalStatus string

const (
	StatusDraft        ProposalStatus = "Draft"
	StatusActive       ProposalStatus = "Active"
	StatusRejected     ProposalStatus = "Rejected"
	StatusApproved     ProposalStatus = "Approved"
	StatusExecuteReady ProposalStatus = "ExecuteReady"
	StatusExecuted     ProposalStatus = "Executed"
	StatusCancelled    ProposalStatus = "Cancelled"
)

// Member is one key in the quorum set. Permissions follow the program's
// bitmask: 1 = propose, 2 = vote, 4 = execute.
type Member struct {
	Key         string
	Permissions uint8
}

// PermAll grants propose, vote and execute.
const PermAll uint8 = 7

// TransferSpec is one lamport movement inside a vault transaction.
type TransferSpec struct {
	From     string
	To       string
	Lamports uint64
}

// Gateway builds protocol calls keyed by (multisig address, transaction
// index). Implementations are pure instruction builders; submission and
// confirmation go through the ledger gateway.
type Gateway interface {
	// MultisigAddress derives the quorum account address for a create key.
	MultisigAddress(createKey [32]byte) (string, error)
	// VaultAddress derives the multisig's spend-from sub-account.
	VaultAddress(multisig string, index uint8) (string, error)
	// TransactionAddress derives the vault-transaction account at index.
	TransactionAddress(multisig string, index uint64) (string, error)
	// ProposalAddress derives the proposal account at index.
	ProposalAddress(multisig string, index uint64) (string, error)

	BuildCreateVault(ctx context.Context, payer string, createKey [32]byte, members []Member, threshold uint16) ([]ledger.Instruction, error)
	BuildVaultTransaction(ctx context.Context, multisig string, index uint64, creator string, transfers []TransferSpec) (ledger.Instruction, error)
	BuildProposalCreate(ctx context.Context, multisig string, index uint64, creator string) (ledger.Instruction, error)
	BuildProposalActivate(ctx context.Context, multisig string, index uint64, member string) (ledger.Instruction, error)
	BuildProposalApprove(ctx context.Context, multisig string, index uint64, member string) (ledger.Instruction, error)
	// BuildExecute builds the execution call. The transfers the vault
	// transaction performs must be passed again so their accounts can be
	// appended for the inner invocation.
	BuildExecute(ctx context.Context, multisig string, index uint64, executor string, transfers []TransferSpec) (ledger.Instruction, error)
}

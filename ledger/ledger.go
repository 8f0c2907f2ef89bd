// Package ledger is the read/execute surface over the distributed ledger.
// The settlement core only depends on the Gateway contract; Client is the
// JSON-RPC implementation used by the daemon.
package ledger

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAccountNotFound is returned by Account when no account exists at
	// the requested address. Callers rely on this to distinguish "not yet
	// visible" from RPC failure.
	ErrAccountNotFound = errors.New("account not found")

	// ErrConfirmTimeout is returned by Confirm when the commitment was not
	// reached within the call's deadline. The transaction may still have
	// landed; callers must fall back to SignatureStatus polling before
	// declaring failure.
	ErrConfirmTimeout = errors.New("confirmation deadline exceeded")

	// ErrBlockhashExpired marks a submission whose recent blockhash fell out
	// of the validity window. Always retryable with a fresh blockhash.
	ErrBlockhashExpired = errors.New("blockhash expired")
)

// Commitment selects how settled a read or confirmation must be.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Blockhash is a recent blockhash plus the last block height at which a
// transaction referencing it is still valid.
type Blockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
}

// Account is the decoded view of an on-ledger account.
type Account struct {
	Address  string
	Owner    string
	Lamports uint64
	Data     []byte
}

// TxStatus reports the observed state of a submitted signature.
type TxStatus struct {
	Slot          uint64
	Confirmations int
	Err           string
	Commitment    Commitment
}

// Confirmed reports whether the transaction landed without an on-chain error
// at confirmed commitment or better.
func (s *TxStatus) Confirmed() bool {
	if s == nil || s.Err != "" {
		return false
	}
	return s.Commitment == CommitmentConfirmed || s.Commitment == CommitmentFinalized
}

// Simulation carries the full diagnostic output of a simulated transaction.
// Logs are the primary debugging signal for failed executions and must be
// preserved verbatim.
type Simulation struct {
	Err           string
	Logs          []string
	UnitsConsumed uint64
}

// Gateway is the thin ledger surface the settlement core consumes. All
// methods block until the RPC round trip completes or ctx is done.
// Reads assume confirmed commitment semantics; read-after-write lag is
// expected and tolerated by callers.
type Gateway interface {
	Balance(ctx context.Context, addr string) (uint64, error)
	Account(ctx context.Context, addr string) (*Account, error)
	MinRentExempt(ctx context.Context, dataLen int) (uint64, error)
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	BlockHeight(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, tx *Tx) (string, error)
	Confirm(ctx context.Context, sig string, commitment Commitment) (*TxStatus, error)
	Simulate(ctx context.Context, tx *Tx) (*Simulation, error)
	SignatureStatus(ctx context.Context, sig string) (*TxStatus, error)
}

// IsBlockhashStale reports whether err indicates the transaction's blockhash
// is expired or unknown to the node, which is always worth a fresh-blockhash
// retry.
func IsBlockhashStale(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBlockhashExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blockhash not found") ||
		strings.Contains(msg, "blockhashnotfound") ||
		strings.Contains(msg, "block height exceeded")
}

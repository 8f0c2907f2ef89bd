package settle

import (
	"context"
	"errors"
	"strings"

	"github.com/guess5/escrow/ledger"
)

var (
	// ErrConfigConflict means a vault already exists at the derived address
	// with a different member set or threshold. Fatal; requires human
	// review, never silently overwritten.
	ErrConfigConflict = errors.New("existing vault configuration conflicts with expected quorum")

	// ErrProvisioningVerification means the create transaction was
	// submitted but the resulting account could not be positively verified
	// on-ledger. Fatal: a returned signature alone does not prove success.
	ErrProvisioningVerification = errors.New("vault provisioning could not be verified on-ledger")

	// ErrInsufficientSignatures means the proposal has not collected the
	// required approvals. Reported, not retried automatically.
	ErrInsufficientSignatures = errors.New("proposal lacks required approvals")

	// ErrAlreadyExecuted means the proposal was executed previously.
	// Callers treat it as success, not failure.
	ErrAlreadyExecuted = errors.New("proposal already executed")

	// ErrPlanEmpty means no eligible transfers could be constructed, so no
	// settlement is attempted.
	ErrPlanEmpty = errors.New("no eligible transfers in plan")
)

// IsTransient classifies ledger errors worth retrying with backoff:
// blockhash staleness, rate limiting, node unavailability. Context
// cancellation and the fatal sentinels are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConfigConflict) || errors.Is(err, ErrProvisioningVerification) ||
		errors.Is(err, ErrPlanEmpty) || errors.Is(err, ErrAlreadyExecuted) {
		return false
	}
	if ledger.IsBlockhashStale(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"too many requests", "rate limit", "node is behind", "service unavailable",
		"temporarily unavailable", "eof",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isIndexCollision reports whether err indicates another writer already
// created an account at the attempted transaction index. Retryable at
// index+1, not an ordering violation.
func isIndexCollision(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in use") ||
		strings.Contains(msg, "seed constraint") ||
		strings.Contains(msg, "custom program error: 0x0")
}

// isAlreadyProcessed reports whether err means the call's effect is already
// in place (account exists, proposal already active). Tolerated as success.
func isAlreadyProcessed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in use") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "already active") ||
		strings.Contains(msg, "invalid proposal status")
}

// isExecutedOnChain reports whether err indicates the proposal was executed
// by another party.
func isExecutedOnChain(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already executed") ||
		strings.Contains(msg, "invalid transaction status")
}

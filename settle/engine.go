// Package settle is the escrow settlement core: vault provisioning, payout
// and refund plan construction, the proposal lifecycle, and execution with
// retry and dual confirmation. All funds movement out of a vault happens
// here and nowhere else.
package settle

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/decred/slog"

	"github.com/guess5/escrow/audit"
	"github.com/guess5/escrow/ledger"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/squads"
)

// Quorum configuration: operator + both players, 2-of-3.
const (
	quorumThreshold = 2
	quorumMembers   = 3
)

// Config tunes the engine's retry and confirmation behavior.
type Config struct {
	// AllowLaggingApprovals lets Execute proceed when the on-ledger
	// approval count reads below threshold. On-ledger reads can lag
	// approvals collected out of band, so a premature attempt is allowed to
	// fail naturally instead of being rejected up front. Deliberate
	// availability-over-validation trade-off; do not widen it into skipping
	// the check entirely.
	AllowLaggingApprovals bool

	// MaxExecuteAttempts bounds the execution retry loop.
	MaxExecuteAttempts int
	// SubmitAttempts bounds transient-submit retries outside execution.
	SubmitAttempts int
	// RetryBackoff is the fixed pause between retries and visibility polls.
	RetryBackoff time.Duration
	// VisibilityAttempts bounds account-visibility polling after a
	// confirmed submission.
	VisibilityAttempts int
	// ConfirmTimeout bounds the primary wait-for-confirmation call before
	// falling back to signature-status polling.
	ConfirmTimeout time.Duration

	// PriorityFeeBase is the attempt-1 priority fee in micro-lamports per
	// compute unit; it scales linearly with the attempt number up to
	// PriorityFeeMax.
	PriorityFeeBase uint64
	PriorityFeeMax  uint64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		AllowLaggingApprovals: true,
		MaxExecuteAttempts:    10,
		SubmitAttempts:        3,
		RetryBackoff:          2 * time.Second,
		VisibilityAttempts:    10,
		ConfirmTimeout:        30 * time.Second,
		PriorityFeeBase:       10_000,
		PriorityFeeMax:        200_000,
	}
}

// Engine carries the settlement components. One instance serves all
// matches; it holds no per-match state beyond what the stores persist.
type Engine struct {
	log    slog.Logger
	chain  ledger.Gateway
	quorum squads.Gateway
	db     matchdb.Store
	audit  audit.Sink

	operator     *ledger.Signer
	feeRecipient string

	cfg Config
}

// New builds an Engine. feeRecipient receives the operator's fee share of
// winning pots. Zero fields in cfg fall back to DefaultConfig values, field
// by field; AllowLaggingApprovals is taken as given since false is a valid
// setting.
func New(log slog.Logger, chain ledger.Gateway, quorum squads.Gateway, db matchdb.Store, sink audit.Sink, operator *ledger.Signer, feeRecipient string, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxExecuteAttempts == 0 {
		cfg.MaxExecuteAttempts = def.MaxExecuteAttempts
	}
	if cfg.SubmitAttempts == 0 {
		cfg.SubmitAttempts = def.SubmitAttempts
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.VisibilityAttempts == 0 {
		cfg.VisibilityAttempts = def.VisibilityAttempts
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.PriorityFeeBase == 0 {
		cfg.PriorityFeeBase = def.PriorityFeeBase
	}
	if cfg.PriorityFeeMax == 0 {
		cfg.PriorityFeeMax = def.PriorityFeeMax
	}
	return &Engine{
		log:          log,
		chain:        chain,
		quorum:       quorum,
		db:           db,
		audit:        sink,
		operator:     operator,
		feeRecipient: feeRecipient,
		cfg:          cfg,
	}
}

// VaultHandle identifies a match's provisioned vault.
type VaultHandle struct {
	MatchID   string
	Multisig  string // quorum account address
	Vault     string // spend-from sub-account
	Threshold uint16
}

// vaultSeed derives the deterministic 32-byte seed the vault identity is a
// pure function of. Re-derivation always agrees, which is what makes
// provisioning idempotent.
func vaultSeed(matchID string) [32]byte {
	return sha256.Sum256([]byte("guess5:vault:" + matchID))
}

// handleFor rebuilds a VaultHandle from a persisted match record.
func handleFor(rec *matchdb.MatchRecord) *VaultHandle {
	return &VaultHandle{
		MatchID:   rec.ID,
		Multisig:  rec.VaultAddress,
		Vault:     rec.VaultSpendAddress,
		Threshold: quorumThreshold,
	}
}

// auditLog appends an audit event, best-effort. Failures are logged and
// swallowed: an audit outage must never abort a settlement.
func (e *Engine) auditLog(ctx context.Context, matchID, eventType string, data map[string]interface{}) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, matchID, eventType, data); err != nil {
		e.log.Warnf("audit append failed for match %s event %s: %v", matchID, eventType, err)
	}
}

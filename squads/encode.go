package squads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/guess5/escrow/ledger"
)

// Program is the instruction-building implementation of Gateway.
type Program struct{}

// NewProgram returns a Gateway targeting ProgramID.
func NewProgram() *Program { return &Program{} }

var _ Gateway = (*Program)(nil)

// anchorDiscriminator derives the 8-byte method/account tag the program's
// framework prepends to instruction data and account state.
func anchorDiscriminator(kind, name string) []byte {
	h := sha256.Sum256([]byte(kind + ":" + name))
	return h[:8]
}

func (p *Program) MultisigAddress(createKey [32]byte) (string, error) {
	return multisigPDA(createKey)
}

func (p *Program) VaultAddress(multisig string, index uint8) (string, error) {
	return vaultPDA(multisig, index)
}

func (p *Program) TransactionAddress(multisig string, index uint64) (string, error) {
	return transactionPDA(multisig, index)
}

func (p *Program) ProposalAddress(multisig string, index uint64) (string, error) {
	return proposalPDA(multisig, index)
}

// borsh helpers. The program's args are borsh-encoded.

func borshNone(w *bytes.Buffer)        { w.WriteByte(0) }
func borshU16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}
func borshU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}
func borshU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func (p *Program) BuildCreateVault(ctx context.Context, payer string, createKey [32]byte, members []Member, threshold uint16) ([]ledger.Instruction, error) {
	if threshold == 0 || int(threshold) > len(members) {
		return nil, fmt.Errorf("threshold %d out of range for %d members", threshold, len(members))
	}
	msig, err := multisigPDA(createKey)
	if err != nil {
		return nil, err
	}

	var data bytes.Buffer
	data.Write(anchorDiscriminator("global", "multisig_create_v2"))
	borshNone(&data) // config_authority: autonomous multisig
	borshU16(&data, threshold)
	borshU32(&data, uint32(len(members)))
	for _, m := range members {
		raw, err := mustDecode32(m.Key)
		if err != nil {
			return nil, err
		}
		data.Write(raw)
		data.WriteByte(m.Permissions)
	}
	borshU32(&data, 0) // time_lock
	borshNone(&data)   // rent_collector
	borshNone(&data)   // memo

	ckAddr, err := pubkeyString(createKey[:])
	if err != nil {
		return nil, err
	}
	ix := ledger.Instruction{
		ProgramID: ProgramID,
		Accounts: []ledger.AccountMeta{
			{Address: msig, Writable: true},
			{Address: ckAddr, Signer: true},
			{Address: payer, Signer: true, Writable: true},
			{Address: ledger.SystemProgram},
		},
		Data: data.Bytes(),
	}
	return []ledger.Instruction{ix}, nil
}

func (p *Program) BuildVaultTransaction(ctx context.Context, multisig string, index uint64, creator string, transfers []TransferSpec) (ledger.Instruction, error) {
	if len(transfers) == 0 {
		return ledger.Instruction{}, fmt.Errorf("vault transaction needs at least one transfer")
	}
	txPDA, err := transactionPDA(multisig, index)
	if err != nil {
		return ledger.Instruction{}, err
	}
	msg, err := vaultMessage(transfers)
	if err != nil {
		return ledger.Instruction{}, err
	}

	var data bytes.Buffer
	data.Write(anchorDiscriminator("global", "vault_transaction_create"))
	data.WriteByte(0) // vault_index
	data.WriteByte(0) // ephemeral_signers
	borshU32(&data, uint32(len(msg)))
	data.Write(msg)
	borshNone(&data) // memo

	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts: []ledger.AccountMeta{
			{Address: multisig},
			{Address: txPDA, Writable: true},
			{Address: creator, Signer: true},
			{Address: creator, Signer: true, Writable: true}, // rent payer
			{Address: ledger.SystemProgram},
		},
		Data: data.Bytes(),
	}, nil
}

func (p *Program) BuildProposalCreate(ctx context.Context, multisig string, index uint64, creator string) (ledger.Instruction, error) {
	propPDA, err := proposalPDA(multisig, index)
	if err != nil {
		return ledger.Instruction{}, err
	}
	var data bytes.Buffer
	data.Write(anchorDiscriminator("global", "proposal_create"))
	borshU64(&data, index)
	data.WriteByte(0) // draft: false

	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts: []ledger.AccountMeta{
			{Address: multisig},
			{Address: propPDA, Writable: true},
			{Address: creator, Signer: true},
			{Address: creator, Signer: true, Writable: true},
			{Address: ledger.SystemProgram},
		},
		Data: data.Bytes(),
	}, nil
}

func (p *Program) BuildProposalActivate(ctx context.Context, multisig string, index uint64, member string) (ledger.Instruction, error) {
	return p.proposalAction(multisig, index, member, "proposal_activate", false)
}

func (p *Program) BuildProposalApprove(ctx context.Context, multisig string, index uint64, member string) (ledger.Instruction, error) {
	return p.proposalAction(multisig, index, member, "proposal_approve", true)
}

func (p *Program) proposalAction(multisig string, index uint64, member, method string, memoArg bool) (ledger.Instruction, error) {
	propPDA, err := proposalPDA(multisig, index)
	if err != nil {
		return ledger.Instruction{}, err
	}
	var data bytes.Buffer
	data.Write(anchorDiscriminator("global", method))
	if memoArg {
		borshNone(&data)
	}
	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts: []ledger.AccountMeta{
			{Address: multisig},
			{Address: member, Signer: true, Writable: true},
			{Address: propPDA, Writable: true},
		},
		Data: data.Bytes(),
	}, nil
}

func (p *Program) BuildExecute(ctx context.Context, multisig string, index uint64, executor string, transfers []TransferSpec) (ledger.Instruction, error) {
	txPDA, err := transactionPDA(multisig, index)
	if err != nil {
		return ledger.Instruction{}, err
	}
	propPDA, err := proposalPDA(multisig, index)
	if err != nil {
		return ledger.Instruction{}, err
	}
	vault, err := vaultPDA(multisig, 0)
	if err != nil {
		return ledger.Instruction{}, err
	}

	accounts := []ledger.AccountMeta{
		{Address: multisig},
		{Address: propPDA, Writable: true},
		{Address: txPDA},
		{Address: executor, Signer: true},
		// Inner invocation accounts: the vault and every recipient.
		{Address: vault, Writable: true},
	}
	seen := map[string]bool{vault: true}
	for _, t := range transfers {
		if !seen[t.To] {
			accounts = append(accounts, ledger.AccountMeta{Address: t.To, Writable: true})
			seen[t.To] = true
		}
	}
	accounts = append(accounts, ledger.AccountMeta{Address: ledger.SystemProgram})

	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts:  accounts,
		Data:      anchorDiscriminator("global", "vault_transaction_execute"),
	}, nil
}

// vaultMessage serializes the inner transfer message the vault transaction
// stores for later execution.
func vaultMessage(transfers []TransferSpec) ([]byte, error) {
	var w bytes.Buffer
	w.WriteByte(uint8(len(transfers)))
	for _, t := range transfers {
		from, err := mustDecode32(t.From)
		if err != nil {
			return nil, err
		}
		to, err := mustDecode32(t.To)
		if err != nil {
			return nil, err
		}
		w.Write(from)
		w.Write(to)
		borshU64(&w, t.Lamports)
	}
	return w.Bytes(), nil
}

package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	// SystemProgram owns plain lamport accounts and executes transfers.
	SystemProgram = "11111111111111111111111111111111"

	// ComputeBudgetProgram sets per-transaction compute limits and priority
	// fees.
	ComputeBudgetProgram = "ComputeBudget111111111111111111111111111111"
)

// AccountMeta names one account an instruction touches.
type AccountMeta struct {
	Address  string
	Signer   bool
	Writable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// Tx is an unsigned legacy-format transaction. Marshal compiles and signs it.
type Tx struct {
	Payer        string
	Blockhash    Blockhash
	Instructions []Instruction
	Signers      []*Signer
}

// Signer holds an ed25519 keypair and its base58 address.
type Signer struct {
	key  ed25519.PrivateKey
	addr string
}

// NewSignerFromBase58 parses a base58-encoded 64-byte ed25519 secret key.
func NewSignerFromBase58(s string) (*Signer, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	key := ed25519.PrivateKey(raw)
	return &Signer{
		key:  key,
		addr: base58.Encode(key.Public().(ed25519.PublicKey)),
	}, nil
}

// NewSignerFromSeed derives a keypair deterministically from a 32-byte seed.
func NewSignerFromSeed(seed [32]byte) *Signer {
	key := ed25519.NewKeyFromSeed(seed[:])
	return &Signer{
		key:  key,
		addr: base58.Encode(key.Public().(ed25519.PublicKey)),
	}
}

// Address returns the signer's base58 public key.
func (s *Signer) Address() string { return s.addr }

// PublicKey returns the signer's raw 32-byte public key.
func (s *Signer) PublicKey() [32]byte {
	var out [32]byte
	copy(out[:], s.key.Public().(ed25519.PublicKey))
	return out
}

// Transfer builds a system-program lamport transfer instruction.
func Transfer(from, to string, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2) // SystemInstruction::Transfer
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return Instruction{
		ProgramID: SystemProgram,
		Accounts: []AccountMeta{
			{Address: from, Signer: true, Writable: true},
			{Address: to, Writable: true},
		},
		Data: data,
	}
}

// SetComputeUnitPrice builds a compute-budget instruction raising the
// priority fee, in micro-lamports per compute unit.
func SetComputeUnitPrice(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = 3 // ComputeBudgetInstruction::SetComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:9], microLamports)
	return Instruction{ProgramID: ComputeBudgetProgram, Data: data}
}

// compiledAccount tracks the merged privileges of one address across all
// instructions of a transaction.
type compiledAccount struct {
	addr     string
	signer   bool
	writable bool
}

// compile orders accounts the way the runtime requires: payer first, then
// writable signers, read-only signers, writable non-signers, read-only
// non-signers. Program ids participate as read-only non-signers.
func (tx *Tx) compile() ([]compiledAccount, map[string]int, error) {
	if tx.Payer == "" {
		return nil, nil, fmt.Errorf("transaction has no payer")
	}
	merged := map[string]*compiledAccount{
		tx.Payer: {addr: tx.Payer, signer: true, writable: true},
	}
	order := []string{tx.Payer}
	touch := func(addr string, signer, writable bool) {
		a, ok := merged[addr]
		if !ok {
			a = &compiledAccount{addr: addr}
			merged[addr] = a
			order = append(order, addr)
		}
		a.signer = a.signer || signer
		a.writable = a.writable || writable
	}
	for _, ix := range tx.Instructions {
		for _, m := range ix.Accounts {
			touch(m.Address, m.Signer, m.Writable)
		}
		touch(ix.ProgramID, false, false)
	}

	var ws, rs, wn, rn []compiledAccount
	for _, addr := range order {
		a := merged[addr]
		switch {
		case a.signer && a.writable:
			ws = append(ws, *a)
		case a.signer:
			rs = append(rs, *a)
		case a.writable:
			wn = append(wn, *a)
		default:
			rn = append(rn, *a)
		}
	}
	accounts := append(append(append(ws, rs...), wn...), rn...)
	index := make(map[string]int, len(accounts))
	for i, a := range accounts {
		index[a.addr] = i
	}
	return accounts, index, nil
}

// Marshal compiles the message, signs it with tx.Signers and returns the
// wire-format bytes ready for submission.
func (tx *Tx) Marshal() ([]byte, error) {
	accounts, index, err := tx.compile()
	if err != nil {
		return nil, err
	}

	numSigners, roSigned, roUnsigned := 0, 0, 0
	for _, a := range accounts {
		if a.signer {
			numSigners++
			if !a.writable {
				roSigned++
			}
		} else if !a.writable {
			roUnsigned++
		}
	}

	var msg bytes.Buffer
	msg.WriteByte(byte(numSigners))
	msg.WriteByte(byte(roSigned))
	msg.WriteByte(byte(roUnsigned))
	writeCompactU16(&msg, len(accounts))
	for _, a := range accounts {
		raw, err := base58.Decode(a.addr)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("bad account address %q", a.addr)
		}
		msg.Write(raw)
	}
	bh, err := base58.Decode(tx.Blockhash.Hash)
	if err != nil || len(bh) != 32 {
		return nil, fmt.Errorf("bad blockhash %q", tx.Blockhash.Hash)
	}
	msg.Write(bh)
	writeCompactU16(&msg, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		msg.WriteByte(byte(index[ix.ProgramID]))
		writeCompactU16(&msg, len(ix.Accounts))
		for _, m := range ix.Accounts {
			msg.WriteByte(byte(index[m.Address]))
		}
		writeCompactU16(&msg, len(ix.Data))
		msg.Write(ix.Data)
	}

	// One signature per required signer, in account order.
	byAddr := make(map[string]*Signer, len(tx.Signers))
	for _, s := range tx.Signers {
		byAddr[s.addr] = s
	}
	var out bytes.Buffer
	writeCompactU16(&out, numSigners)
	for _, a := range accounts[:numSigners] {
		s, ok := byAddr[a.addr]
		if !ok {
			return nil, fmt.Errorf("missing signer for %s", a.addr)
		}
		out.Write(ed25519.Sign(s.key, msg.Bytes()))
	}
	out.Write(msg.Bytes())
	return out.Bytes(), nil
}

// writeCompactU16 emits the shortvec length prefix used by the wire format.
func writeCompactU16(w *bytes.Buffer, v int) {
	for {
		if v < 0x80 {
			w.WriteByte(byte(v))
			return
		}
		w.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
}

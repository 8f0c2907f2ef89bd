package squads

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

// ErrUnrecognizedAccount is returned when account data carries an unknown
// discriminator or a layout no known schema version matches.
var ErrUnrecognizedAccount = errors.New("unrecognized account layout")

// MultisigVersion tags which schema a multisig account decoded under.
type MultisigVersion int

const (
	// MultisigV1 is the original layout without a rent collector field.
	MultisigV1 MultisigVersion = 1
	// MultisigV2 adds an optional rent collector before the bump.
	MultisigV2 MultisigVersion = 2
)

// Multisig is the decoded quorum account state. TransactionIndex is the
// last used sequential index; the next proposal goes at TransactionIndex+1.
type Multisig struct {
	Version          MultisigVersion
	CreateKey        string
	ConfigAuthority  string
	Threshold        uint16
	TimeLock         uint32
	TransactionIndex uint64
	StaleIndex       uint64
	Members          []Member
}

// HasMember reports whether key is in the member set.
func (m *Multisig) HasMember(key string) bool {
	for _, mem := range m.Members {
		if mem.Key == key {
			return true
		}
	}
	return false
}

// Proposal is the decoded proposal account state.
type Proposal struct {
	Multisig         string
	TransactionIndex uint64
	Status           ProposalStatus
	StatusTimestamp  int64
	Approved         []string
	Rejected         []string
	Cancelled        []string
}

type reader struct {
	buf *bytes.Reader
}

func (r *reader) bytesN(n int) ([]byte, error) {
	b := make([]byte, n)
	// ReadFull turns a short read into an error instead of a zero-padded
	// field.
	if _, err := io.ReadFull(r.buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *reader) pubkey() (string, error) {
	b, err := r.bytesN(32)
	if err != nil {
		return "", err
	}
	return base58.Encode(b), nil
}

func (r *reader) u8() (uint8, error) { return r.buf.ReadByte() }

func (r *reader) u16() (uint16, error) {
	b, err := r.bytesN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytesN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytesN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) optionPubkey() (string, bool, error) {
	tag, err := r.u8()
	if err != nil {
		return "", false, err
	}
	if tag == 0 {
		return "", false, nil
	}
	pk, err := r.pubkey()
	return pk, true, err
}

func (r *reader) pubkeyVec() ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > 64 {
		return nil, fmt.Errorf("implausible vec length %d", n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		pk, err := r.pubkey()
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// DecodeMultisig parses a multisig account under the newest schema it
// recognizes. Ambiguity across program versions is an explicit variant
// (Version field) rather than speculative field scanning; data matching no
// schema returns ErrUnrecognizedAccount.
func DecodeMultisig(data []byte) (*Multisig, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], anchorDiscriminator("account", "Multisig")) {
		return nil, ErrUnrecognizedAccount
	}
	if m, err := decodeMultisigBody(data[8:], MultisigV2); err == nil {
		return m, nil
	}
	if m, err := decodeMultisigBody(data[8:], MultisigV1); err == nil {
		return m, nil
	}
	return nil, ErrUnrecognizedAccount
}

func decodeMultisigBody(body []byte, version MultisigVersion) (*Multisig, error) {
	r := &reader{buf: bytes.NewReader(body)}
	m := &Multisig{Version: version}
	var err error
	if m.CreateKey, err = r.pubkey(); err != nil {
		return nil, err
	}
	if m.ConfigAuthority, err = r.pubkey(); err != nil {
		return nil, err
	}
	if m.Threshold, err = r.u16(); err != nil {
		return nil, err
	}
	if m.TimeLock, err = r.u32(); err != nil {
		return nil, err
	}
	if m.TransactionIndex, err = r.u64(); err != nil {
		return nil, err
	}
	if m.StaleIndex, err = r.u64(); err != nil {
		return nil, err
	}
	if version == MultisigV2 {
		if _, _, err = r.optionPubkey(); err != nil { // rent_collector
			return nil, err
		}
	}
	if _, err = r.u8(); err != nil { // bump
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 || n > 16 {
		return nil, fmt.Errorf("implausible member count %d", n)
	}
	for i := uint32(0); i < n; i++ {
		key, err := r.pubkey()
		if err != nil {
			return nil, err
		}
		perm, err := r.u8()
		if err != nil {
			return nil, err
		}
		m.Members = append(m.Members, Member{Key: key, Permissions: perm})
	}
	if r.buf.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.buf.Len())
	}
	if int(m.Threshold) > len(m.Members) {
		return nil, fmt.Errorf("threshold %d exceeds member count %d", m.Threshold, len(m.Members))
	}
	return m, nil
}

// proposal status variant indices in account data.
var proposalVariants = []struct {
	status    ProposalStatus
	timestamp bool
}{
	{StatusDraft, true},
	{StatusActive, true},
	{StatusRejected, true},
	{StatusApproved, true},
	{StatusExecuteReady, false},
	{StatusExecuted, true},
	{StatusCancelled, true},
}

// DecodeProposal parses a proposal account.
func DecodeProposal(data []byte) (*Proposal, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], anchorDiscriminator("account", "Proposal")) {
		return nil, ErrUnrecognizedAccount
	}
	r := &reader{buf: bytes.NewReader(data[8:])}
	p := &Proposal{}
	var err error
	if p.Multisig, err = r.pubkey(); err != nil {
		return nil, err
	}
	if p.TransactionIndex, err = r.u64(); err != nil {
		return nil, err
	}
	variant, err := r.u8()
	if err != nil {
		return nil, err
	}
	if int(variant) >= len(proposalVariants) {
		return nil, ErrUnrecognizedAccount
	}
	v := proposalVariants[variant]
	p.Status = v.status
	if v.timestamp {
		if p.StatusTimestamp, err = r.i64(); err != nil {
			return nil, err
		}
	}
	if _, err = r.u8(); err != nil { // bump
		return nil, err
	}
	if p.Approved, err = r.pubkeyVec(); err != nil {
		return nil, err
	}
	if p.Rejected, err = r.pubkeyVec(); err != nil {
		return nil, err
	}
	if p.Cancelled, err = r.pubkeyVec(); err != nil {
		return nil, err
	}
	if r.buf.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.buf.Len())
	}
	return p, nil
}

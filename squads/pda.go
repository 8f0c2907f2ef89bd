package squads

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const pdaMarker = "ProgramDerivedAddress"

var (
	seedPrefix      = []byte("multisig")
	seedMultisig    = []byte("multisig")
	seedVault       = []byte("vault")
	seedTransaction = []byte("transaction")
	seedProposal    = []byte("proposal")
)

// findProgramAddress searches bumps 255..0 for the first derived address
// that is not a valid curve point, per the ledger's standard derivation.
func findProgramAddress(programID string, seeds ...[]byte) (string, uint8, error) {
	prog, err := base58.Decode(programID)
	if err != nil || len(prog) != 32 {
		return "", 0, fmt.Errorf("bad program id %q", programID)
	}
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{uint8(bump)})
		h.Write(prog)
		h.Write([]byte(pdaMarker))
		cand := h.Sum(nil)
		if !onCurve(cand) {
			return base58.Encode(cand), uint8(bump), nil
		}
	}
	return "", 0, fmt.Errorf("no valid program address for seeds")
}

// onCurve reports whether b decompresses to a valid edwards25519 point.
func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

func pubkeyString(raw []byte) (string, error) {
	if len(raw) != 32 {
		return "", fmt.Errorf("pubkey must be 32 bytes, got %d", len(raw))
	}
	return base58.Encode(raw), nil
}

func mustDecode32(addr string) ([]byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("bad address %q", addr)
	}
	return raw, nil
}

func multisigPDA(createKey [32]byte) (string, error) {
	addr, _, err := findProgramAddress(ProgramID, seedPrefix, seedMultisig, createKey[:])
	return addr, err
}

func vaultPDA(multisig string, index uint8) (string, error) {
	m, err := mustDecode32(multisig)
	if err != nil {
		return "", err
	}
	addr, _, err := findProgramAddress(ProgramID, seedPrefix, m, seedVault, []byte{index})
	return addr, err
}

func transactionPDA(multisig string, index uint64) (string, error) {
	m, err := mustDecode32(multisig)
	if err != nil {
		return "", err
	}
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	addr, _, err := findProgramAddress(ProgramID, seedPrefix, m, seedTransaction, idx[:])
	return addr, err
}

func proposalPDA(multisig string, index uint64) (string, error) {
	m, err := mustDecode32(multisig)
	if err != nil {
		return "", err
	}
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	addr, _, err := findProgramAddress(ProgramID, seedPrefix, m, seedTransaction, idx[:], seedProposal)
	return addr, err
}

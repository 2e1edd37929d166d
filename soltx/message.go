// Package soltx encodes, signs and decodes the transactions the ledger
// escrow authority accepts: a legacy message (header, account keys, recent
// anchor, instructions) preceded by one ed25519 signature slot per required
// signer. It also knows the escrow program's instruction layouts, so engines
// can build a move or finish transaction from typed arguments and verify
// that received bytes encode the action they claim to.
package soltx

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"

	"github.com/solgammon/gammonrelay/gammon"
)

// SystemProgram is the ledger's account-creation program.
var SystemProgram = gammon.ID{}

// SignatureLen is the size of one ed25519 signature slot.
const SignatureLen = ed25519.SignatureSize

var (
	ErrNotASigner       = errors.New("key is not a required signer")
	ErrMissingSignature = errors.New("missing required signature")
	ErrBadSignature     = errors.New("signature verification failed")
)

// Header declares how the leading account keys are interpreted.
type Header struct {
	NumRequiredSignatures uint8
	NumReadonlySigned     uint8
	NumReadonlyUnsigned   uint8
}

// Instruction references accounts by index into the message key table.
type Instruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is the signed portion of a transaction.
type Message struct {
	Header       Header
	AccountKeys  []gammon.ID
	RecentAnchor [32]byte
	Instructions []Instruction
}

// Tx pairs a message with its signature slots. Signatures[i] authorizes
// AccountKeys[i]; an all-zero slot is unsigned.
type Tx struct {
	Signatures [][SignatureLen]byte
	Message    Message
}

// Serialize renders the message bytes that signatures are computed over.
func (m *Message) Serialize() []byte {
	var b []byte
	b = append(b, m.Header.NumRequiredSignatures, m.Header.NumReadonlySigned, m.Header.NumReadonlyUnsigned)
	b = putCompactU16(b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentAnchor[:]...)
	b = putCompactU16(b, len(m.Instructions))
	for _, in := range m.Instructions {
		b = append(b, in.ProgramIDIndex)
		b = putCompactU16(b, len(in.Accounts))
		b = append(b, in.Accounts...)
		b = putCompactU16(b, len(in.Data))
		b = append(b, in.Data...)
	}
	return b
}

func deserializeMessage(r *bytes.Reader) (*Message, error) {
	var m Message
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("message header: %w", err)
	}
	m.Header = Header{hdr[0], hdr[1], hdr[2]}

	nKeys, err := readCompactU16(r)
	if err != nil {
		return nil, fmt.Errorf("key count: %w", err)
	}
	m.AccountKeys = make([]gammon.ID, nKeys)
	for i := range m.AccountKeys {
		if _, err := io.ReadFull(r, m.AccountKeys[i][:]); err != nil {
			return nil, fmt.Errorf("account key %d: %w", i, err)
		}
	}
	if _, err := io.ReadFull(r, m.RecentAnchor[:]); err != nil {
		return nil, fmt.Errorf("recent anchor: %w", err)
	}

	nIns, err := readCompactU16(r)
	if err != nil {
		return nil, fmt.Errorf("instruction count: %w", err)
	}
	m.Instructions = make([]Instruction, nIns)
	for i := range m.Instructions {
		pidx, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("instruction %d program index: %w", i, err)
		}
		nAcc, err := readCompactU16(r)
		if err != nil {
			return nil, fmt.Errorf("instruction %d account count: %w", i, err)
		}
		accs := make([]uint8, nAcc)
		if _, err := io.ReadFull(r, accs); err != nil {
			return nil, fmt.Errorf("instruction %d accounts: %w", i, err)
		}
		nData, err := readCompactU16(r)
		if err != nil {
			return nil, fmt.Errorf("instruction %d data len: %w", i, err)
		}
		data := make([]byte, nData)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("instruction %d data: %w", i, err)
		}
		m.Instructions[i] = Instruction{ProgramIDIndex: pidx, Accounts: accs, Data: data}
	}
	return &m, nil
}

// Serialize renders the full wire transaction.
func (tx *Tx) Serialize() []byte {
	var b []byte
	b = putCompactU16(b, len(tx.Signatures))
	for _, s := range tx.Signatures {
		b = append(b, s[:]...)
	}
	return append(b, tx.Message.Serialize()...)
}

// Deserialize parses a wire transaction.
func Deserialize(raw []byte) (*Tx, error) {
	r := bytes.NewReader(raw)
	nSigs, err := readCompactU16(r)
	if err != nil {
		return nil, fmt.Errorf("signature count: %w", err)
	}
	if nSigs > 8 {
		return nil, fmt.Errorf("implausible signature count %d", nSigs)
	}
	tx := &Tx{Signatures: make([][SignatureLen]byte, nSigs)}
	for i := range tx.Signatures {
		if _, err := io.ReadFull(r, tx.Signatures[i][:]); err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
	}
	m, err := deserializeMessage(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", r.Len())
	}
	if int(m.Header.NumRequiredSignatures) != len(tx.Signatures) {
		return nil, fmt.Errorf("header wants %d signatures, transaction carries %d slots",
			m.Header.NumRequiredSignatures, len(tx.Signatures))
	}
	if int(m.Header.NumRequiredSignatures) > len(m.AccountKeys) {
		return nil, fmt.Errorf("more required signers than account keys")
	}
	tx.Message = *m
	return tx, nil
}

// RequiredSigners lists the account keys that must sign, in slot order.
func (tx *Tx) RequiredSigners() []gammon.ID {
	n := int(tx.Message.Header.NumRequiredSignatures)
	out := make([]gammon.ID, n)
	copy(out, tx.Message.AccountKeys[:n])
	return out
}

// FeePayer is the first required signer.
func (tx *Tx) FeePayer() gammon.ID {
	return tx.Message.AccountKeys[0]
}

// HasRecentAnchor reports whether a recent reference point is set.
func (tx *Tx) HasRecentAnchor() bool {
	return tx.Message.RecentAnchor != [32]byte{}
}

// SetRecentAnchor replaces the reference point. Existing signatures cover
// the old message bytes, so callers must re-sign afterwards.
func (tx *Tx) SetRecentAnchor(anchor [32]byte) {
	tx.Message.RecentAnchor = anchor
}

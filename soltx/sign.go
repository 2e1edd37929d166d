package soltx

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/solgammon/gammonrelay/gammon"
)

// Keypair is a participant's ledger signing identity.
type Keypair struct {
	Pub  gammon.ID
	Priv ed25519.PrivateKey
}

// KeypairFromSeedHex derives a keypair from a 32-byte hex seed.
func KeypairFromSeedHex(seedHex string) (*Keypair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("bad seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var pub gammon.ID
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{Pub: pub, Priv: priv}, nil
}

// signerIndex locates pub among the required signer slots.
func (tx *Tx) signerIndex(pub gammon.ID) (int, error) {
	n := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < n; i++ {
		if tx.Message.AccountKeys[i] == pub {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrNotASigner, pub)
}

// Sign fills the keypair's signature slot over the current message bytes.
// Other slots are left untouched, which is what lets two parties sign the
// same draft in turn. Re-signing after a message change overwrites only the
// caller's own slot.
func (tx *Tx) Sign(kp *Keypair) error {
	idx, err := tx.signerIndex(kp.Pub)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(kp.Priv, tx.Message.Serialize())
	copy(tx.Signatures[idx][:], sig)
	return nil
}

// SignedBy reports whether pub's slot carries a valid signature for the
// current message bytes.
func (tx *Tx) SignedBy(pub gammon.ID) bool {
	idx, err := tx.signerIndex(pub)
	if err != nil {
		return false
	}
	if tx.Signatures[idx] == [SignatureLen]byte{} {
		return false
	}
	return ed25519.Verify(pub[:], tx.Message.Serialize(), tx.Signatures[idx][:])
}

// VerifyFull checks that every required signer slot is filled and valid.
// This is the gate in front of submission: no transaction leaves the engine
// toward the ledger without it.
func (tx *Tx) VerifyFull() error {
	msg := tx.Message.Serialize()
	for i, pub := range tx.RequiredSigners() {
		if tx.Signatures[i] == [SignatureLen]byte{} {
			return fmt.Errorf("%w: slot %d (%s)", ErrMissingSignature, i, pub)
		}
		if !ed25519.Verify(pub[:], msg, tx.Signatures[i][:]) {
			return fmt.Errorf("%w: slot %d (%s)", ErrBadSignature, i, pub)
		}
	}
	return nil
}

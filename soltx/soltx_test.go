package soltx

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solgammon/gammonrelay/gammon"
)

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	kp, err := KeypairFromSeedHex(hex.EncodeToString(seed))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func testAccounts(t *testing.T) (SessionAccounts, *Keypair, *Keypair) {
	t.Helper()
	a := testKeypair(t)
	b := testKeypair(t)
	var program, session gammon.ID
	program[0], session[0] = 0x50, 0x51
	return SessionAccounts{
		Program: program,
		Session: session,
		PlayerA: a.Pub,
		PlayerB: b.Pub,
	}, a, b
}

func TestKeypairFromSeedHex(t *testing.T) {
	_, err := KeypairFromSeedHex("xx")
	assert.Error(t, err)
	_, err = KeypairFromSeedHex("abcd")
	assert.Error(t, err)

	kp, err := KeypairFromSeedHex("4f" + "00" + "11223344556677889900aabbccddeeff" + "11223344556677889900aabbccdd")
	require.NoError(t, err)
	assert.False(t, kp.Pub.IsZero())
}

func TestMakeMoveRoundTrip(t *testing.T) {
	acc, kpA, kpB := testAccounts(t)

	var board [gammon.BoardSize]byte
	board[0], board[63] = 2, 5
	tx, err := NewMakeMove(acc, kpA.Pub, board)
	require.NoError(t, err)

	// Proposer is the fee payer and both players are required signers.
	assert.Equal(t, kpA.Pub, tx.FeePayer())
	assert.Equal(t, []gammon.ID{kpA.Pub, kpB.Pub}, tx.RequiredSigners())

	tx.SetRecentAnchor([32]byte{9})
	require.NoError(t, tx.Sign(kpA))

	raw := tx.Serialize()
	got, err := Deserialize(raw)
	require.NoError(t, err)

	op, err := got.Op()
	require.NoError(t, err)
	assert.Equal(t, OpMakeMove, op)

	key, err := got.SessionKey()
	require.NoError(t, err)
	assert.Equal(t, acc.Session, key)

	gotBoard, err := DecodeMakeMove(got)
	require.NoError(t, err)
	assert.Equal(t, board, gotBoard)

	// One signature present, one missing.
	assert.True(t, got.SignedBy(kpA.Pub))
	assert.False(t, got.SignedBy(kpB.Pub))
	assert.ErrorIs(t, got.VerifyFull(), ErrMissingSignature)

	// Counter-sign without disturbing the first slot.
	require.NoError(t, got.Sign(kpB))
	assert.True(t, got.SignedBy(kpA.Pub))
	require.NoError(t, got.VerifyFull())
}

func TestSignRejectsNonSigner(t *testing.T) {
	acc, kpA, _ := testAccounts(t)
	stranger := testKeypair(t)

	tx, err := NewMakeMove(acc, kpA.Pub, [gammon.BoardSize]byte{})
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Sign(stranger), ErrNotASigner)
}

func TestAnchorRefreshInvalidatesSignature(t *testing.T) {
	acc, kpA, _ := testAccounts(t)

	tx, err := NewMakeMove(acc, kpA.Pub, [gammon.BoardSize]byte{})
	require.NoError(t, err)
	assert.False(t, tx.HasRecentAnchor())

	tx.SetRecentAnchor([32]byte{1})
	require.NoError(t, tx.Sign(kpA))
	assert.True(t, tx.SignedBy(kpA.Pub))

	// Changing the anchor changes the message; the old signature no longer
	// verifies until the signer re-signs its own slot.
	tx.SetRecentAnchor([32]byte{2})
	assert.False(t, tx.SignedBy(kpA.Pub))
	require.NoError(t, tx.Sign(kpA))
	assert.True(t, tx.SignedBy(kpA.Pub))
}

func TestFinishGame(t *testing.T) {
	acc, _, kpB := testAccounts(t)

	tx, err := NewFinishGame(acc, kpB.Pub, kpB.Pub)
	require.NoError(t, err)
	assert.Equal(t, kpB.Pub, tx.FeePayer())

	winner, err := DecodeFinishGame(tx)
	require.NoError(t, err)
	assert.Equal(t, kpB.Pub, winner)

	// Winner must be one of the two participants.
	stranger := testKeypair(t)
	_, err = NewFinishGame(acc, kpB.Pub, stranger.Pub)
	assert.Error(t, err)

	// Decoding a finish as a move fails.
	_, err = DecodeMakeMove(tx)
	assert.Error(t, err)
}

func TestSoloTransactions(t *testing.T) {
	acc, kpA, kpB := testAccounts(t)

	init := NewInitGame(acc, 42, 1_000_000, 5_000, [gammon.BoardSize]byte{1})
	assert.Equal(t, []gammon.ID{kpA.Pub}, init.RequiredSigners())
	op, err := init.Op()
	require.NoError(t, err)
	assert.Equal(t, OpInitGame, op)

	join := NewJoinGame(acc)
	assert.Equal(t, []gammon.ID{kpB.Pub}, join.RequiredSigners())

	cancel := NewCancelGame(acc)
	assert.Equal(t, []gammon.ID{kpA.Pub}, cancel.RequiredSigners())

	refund, err := NewTimeoutRefund(acc, kpB.Pub)
	require.NoError(t, err)
	assert.Equal(t, []gammon.ID{kpB.Pub}, refund.RequiredSigners())
	op, err = refund.Op()
	require.NoError(t, err)
	assert.Equal(t, OpTimeoutRefund, op)

	stranger := testKeypair(t)
	_, err = NewTimeoutRefund(acc, stranger.Pub)
	assert.Error(t, err)

	// Solo transactions round-trip and sign.
	refund.SetRecentAnchor([32]byte{7})
	require.NoError(t, refund.Sign(kpB))
	back, err := Deserialize(refund.Serialize())
	require.NoError(t, err)
	require.NoError(t, back.VerifyFull())
}

func TestDeserializeRejectsMalformed(t *testing.T) {
	_, err := Deserialize(nil)
	assert.Error(t, err)

	_, err = Deserialize([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	acc, kpA, _ := testAccounts(t)
	tx, err := NewMakeMove(acc, kpA.Pub, [gammon.BoardSize]byte{})
	require.NoError(t, err)

	raw := tx.Serialize()
	_, err = Deserialize(raw[:len(raw)-1]) // truncated
	assert.Error(t, err)
	_, err = Deserialize(append(raw, 0x00)) // trailing bytes
	assert.Error(t, err)
}

func TestSameDraft(t *testing.T) {
	acc, kpA, kpB := testAccounts(t)

	tx1, err := NewMakeMove(acc, kpA.Pub, [gammon.BoardSize]byte{3})
	require.NoError(t, err)
	tx1.SetRecentAnchor([32]byte{1})

	tx2, err := NewMakeMove(acc, kpA.Pub, [gammon.BoardSize]byte{3})
	require.NoError(t, err)
	tx2.SetRecentAnchor([32]byte{1})

	assert.True(t, SameDraft(tx1, tx2))

	// Signatures do not affect draft identity.
	require.NoError(t, tx2.Sign(kpA))
	require.NoError(t, tx2.Sign(kpB))
	assert.True(t, SameDraft(tx1, tx2))

	tx2.SetRecentAnchor([32]byte{2})
	assert.False(t, SameDraft(tx1, tx2))
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 0x7f, 0x80, 0xff, 0x3fff, 0x4000, 0xffff} {
		b := putCompactU16(nil, v)
		got, err := readCompactU16(bytes.NewReader(b))
		require.NoError(t, err)
		assert.Equal(t, v, got, "value %d", v)
	}

	_, err := readCompactU16(bytes.NewReader(nil))
	assert.Error(t, err)
}

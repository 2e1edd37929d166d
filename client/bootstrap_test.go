package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/soltx"
)

// submittedOp decodes the single transaction the fake authority saw and
// returns its operation.
func submittedOp(t *testing.T, auth *fakeAuthority) soltx.Op {
	t.Helper()
	subs := auth.submitted()
	require.Len(t, subs, 1)
	tx, err := soltx.Deserialize(subs[0])
	require.NoError(t, err)
	require.NoError(t, tx.VerifyFull())
	op, err := tx.Op()
	require.NoError(t, err)
	return op
}

func TestCreateSession(t *testing.T) {
	kpA := testKeypair(t, 0x01)
	kpB := testKeypair(t, 0x02)
	auth := newFakeAuthority(nil)
	accts := soltx.SessionAccounts{
		Program: testProgram,
		Session: testSession,
		PlayerA: kpA.Pub,
		PlayerB: kpB.Pub,
	}
	var board [gammon.BoardSize]byte

	err := CreateSession(context.Background(), auth, kpA, accts, 7, 1000, 10, board)
	require.NoError(t, err)
	assert.Equal(t, soltx.OpInitGame, submittedOp(t, auth))
}

func TestCreateSessionRejectsNonCreator(t *testing.T) {
	kpA := testKeypair(t, 0x01)
	kpB := testKeypair(t, 0x02)
	auth := newFakeAuthority(nil)
	accts := soltx.SessionAccounts{
		Program: testProgram,
		Session: testSession,
		PlayerA: kpA.Pub,
		PlayerB: kpB.Pub,
	}
	var board [gammon.BoardSize]byte

	// kpB is participant B; it cannot sign the creation.
	err := CreateSession(context.Background(), auth, kpB, accts, 7, 1000, 10, board)
	require.Error(t, err)
	assert.Empty(t, auth.submitted())
}

func TestJoinSession(t *testing.T) {
	kpA := testKeypair(t, 0x01)
	kpB := testKeypair(t, 0x02)
	auth := newFakeAuthority(nil)
	accts := soltx.SessionAccounts{
		Program: testProgram,
		Session: testSession,
		PlayerA: kpA.Pub,
		PlayerB: kpB.Pub,
	}

	err := JoinSession(context.Background(), auth, kpB, accts)
	require.NoError(t, err)
	assert.Equal(t, soltx.OpJoinGame, submittedOp(t, auth))
}

func TestJoinSessionRejectsNonJoiner(t *testing.T) {
	kpA := testKeypair(t, 0x01)
	kpB := testKeypair(t, 0x02)
	auth := newFakeAuthority(nil)
	accts := soltx.SessionAccounts{
		Program: testProgram,
		Session: testSession,
		PlayerA: kpA.Pub,
		PlayerB: kpB.Pub,
	}

	err := JoinSession(context.Background(), auth, kpA, accts)
	require.Error(t, err)
	assert.Empty(t, auth.submitted())
}

func TestCancelSession(t *testing.T) {
	kpA := testKeypair(t, 0x01)
	auth := newFakeAuthority(nil)
	accts := soltx.SessionAccounts{
		Program: testProgram,
		Session: testSession,
		PlayerA: kpA.Pub,
	}

	err := CancelSession(context.Background(), auth, kpA, accts)
	require.NoError(t, err)
	assert.Equal(t, soltx.OpCancelGame, submittedOp(t, auth))
}

func TestCancelSessionRejectsNonCreator(t *testing.T) {
	kpA := testKeypair(t, 0x01)
	kpB := testKeypair(t, 0x02)
	auth := newFakeAuthority(nil)
	accts := soltx.SessionAccounts{
		Program: testProgram,
		Session: testSession,
		PlayerA: kpA.Pub,
	}

	err := CancelSession(context.Background(), auth, kpB, accts)
	require.Error(t, err)
	assert.Empty(t, auth.submitted())
}

package soltx

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/solgammon/gammonrelay/gammon"
)

// Op names the escrow program instructions.
type Op string

const (
	OpInitGame      Op = "init_game"
	OpJoinGame      Op = "join_game"
	OpMakeMove      Op = "make_move"
	OpFinishGame    Op = "finish_game"
	OpCancelGame    Op = "cancel_game"
	OpTimeoutRefund Op = "timeout_refund"
	OpMutualRefund  Op = "mutual_refund"
)

// discriminator is the 8-byte instruction tag the program dispatches on.
func discriminator(op Op) [8]byte {
	sum := sha256.Sum256([]byte("global:" + string(op)))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var opByDiscriminator = func() map[[8]byte]Op {
	m := make(map[[8]byte]Op)
	for _, op := range []Op{
		OpInitGame, OpJoinGame, OpMakeMove, OpFinishGame,
		OpCancelGame, OpTimeoutRefund, OpMutualRefund,
	} {
		m[discriminator(op)] = op
	}
	return m
}()

// SessionAccounts names the fixed accounts every escrow instruction touches.
type SessionAccounts struct {
	Program gammon.ID // escrow program id
	Session gammon.ID // game state account (the session identifier)
	PlayerA gammon.ID
	PlayerB gammon.ID
}

func (a SessionAccounts) counterpart(p gammon.ID) (gammon.ID, error) {
	switch p {
	case a.PlayerA:
		return a.PlayerB, nil
	case a.PlayerB:
		return a.PlayerA, nil
	default:
		return gammon.ID{}, fmt.Errorf("%s is not a session participant", p)
	}
}

// newCoSignedTx lays out the two-signer message shape shared by make_move,
// finish_game and mutual_refund: proposer pays fees and occupies slot 0,
// the counterpart slot 1. Instruction accounts follow the program's order
// (game, player1, player2) regardless of who proposes.
func newCoSignedTx(a SessionAccounts, proposer gammon.ID, data []byte) (*Tx, error) {
	other, err := a.counterpart(proposer)
	if err != nil {
		return nil, err
	}
	keys := []gammon.ID{proposer, other, a.Session, a.Program}
	idx := func(k gammon.ID) uint8 {
		for i, key := range keys {
			if key == k {
				return uint8(i)
			}
		}
		panic("key not in table")
	}
	return &Tx{
		Signatures: make([][SignatureLen]byte, 2),
		Message: Message{
			Header:      Header{NumRequiredSignatures: 2, NumReadonlyUnsigned: 1},
			AccountKeys: keys,
			Instructions: []Instruction{{
				ProgramIDIndex: 3,
				Accounts:       []uint8{2, idx(a.PlayerA), idx(a.PlayerB)},
				Data:           data,
			}},
		},
	}, nil
}

// newSoloTx lays out a single-signer message: signer, extra writable
// non-signers, then readonly keys ending with the program.
func newSoloTx(a SessionAccounts, signer gammon.ID, writable []gammon.ID, readonly []gammon.ID, accounts []gammon.ID, data []byte) *Tx {
	keys := append([]gammon.ID{signer}, writable...)
	keys = append(keys, readonly...)
	idx := func(k gammon.ID) uint8 {
		for i, key := range keys {
			if key == k {
				return uint8(i)
			}
		}
		panic("key not in table")
	}
	accIdx := make([]uint8, len(accounts))
	for i, k := range accounts {
		accIdx[i] = idx(k)
	}
	return &Tx{
		Signatures: make([][SignatureLen]byte, 1),
		Message: Message{
			Header: Header{
				NumRequiredSignatures: 1,
				NumReadonlyUnsigned:   uint8(len(readonly)),
			},
			AccountKeys: keys,
			Instructions: []Instruction{{
				ProgramIDIndex: idx(a.Program),
				Accounts:       accIdx,
				Data:           data,
			}},
		},
	}
}

// NewInitGame builds the session-creating deposit transaction. PlayerA
// signs alone and stakes first.
func NewInitGame(a SessionAccounts, gameID, stakeLamports, moveFeeLamports uint64, board [gammon.BoardSize]byte) *Tx {
	d := discriminator(OpInitGame)
	data := make([]byte, 0, 8+8+8+8+32+gammon.BoardSize)
	data = append(data, d[:]...)
	data = binary.LittleEndian.AppendUint64(data, gameID)
	data = binary.LittleEndian.AppendUint64(data, stakeLamports)
	data = binary.LittleEndian.AppendUint64(data, moveFeeLamports)
	data = append(data, a.PlayerB[:]...)
	data = append(data, board[:]...)
	return newSoloTx(a, a.PlayerA,
		[]gammon.ID{a.Session},
		[]gammon.ID{SystemProgram, a.Program},
		[]gammon.ID{a.Session, a.PlayerA, SystemProgram},
		data)
}

// NewJoinGame builds PlayerB's counterparty deposit transaction.
func NewJoinGame(a SessionAccounts) *Tx {
	d := discriminator(OpJoinGame)
	return newSoloTx(a, a.PlayerB,
		[]gammon.ID{a.Session},
		[]gammon.ID{SystemProgram, a.Program},
		[]gammon.ID{a.Session, a.PlayerB, SystemProgram},
		d[:])
}

// NewCancelGame builds the pre-join cancellation; only PlayerA may cancel a
// session still awaiting its counterparty.
func NewCancelGame(a SessionAccounts) *Tx {
	d := discriminator(OpCancelGame)
	return newSoloTx(a, a.PlayerA,
		[]gammon.ID{a.Session},
		[]gammon.ID{a.Program},
		[]gammon.ID{a.Session, a.PlayerA},
		d[:])
}

// NewTimeoutRefund builds the inactivity-triggered refund. Either
// participant may request it once the ledger-observed inactivity window has
// elapsed; both player accounts are credited.
func NewTimeoutRefund(a SessionAccounts, requester gammon.ID) (*Tx, error) {
	other, err := a.counterpart(requester)
	if err != nil {
		return nil, err
	}
	d := discriminator(OpTimeoutRefund)
	return newSoloTx(a, requester,
		[]gammon.ID{other, a.Session},
		[]gammon.ID{a.Program},
		[]gammon.ID{a.Session, a.PlayerA, a.PlayerB},
		d[:]), nil
}

// NewMakeMove builds the co-signed move transaction carrying the new board.
func NewMakeMove(a SessionAccounts, proposer gammon.ID, newBoard [gammon.BoardSize]byte) (*Tx, error) {
	d := discriminator(OpMakeMove)
	data := make([]byte, 0, 8+gammon.BoardSize)
	data = append(data, d[:]...)
	data = append(data, newBoard[:]...)
	return newCoSignedTx(a, proposer, data)
}

// NewFinishGame builds the co-signed completion transaction paying the pot
// to winner.
func NewFinishGame(a SessionAccounts, proposer, winner gammon.ID) (*Tx, error) {
	if winner != a.PlayerA && winner != a.PlayerB {
		return nil, fmt.Errorf("winner %s is not a session participant", winner)
	}
	d := discriminator(OpFinishGame)
	data := make([]byte, 0, 8+32)
	data = append(data, d[:]...)
	data = append(data, winner[:]...)
	return newCoSignedTx(a, proposer, data)
}

// NewMutualRefund builds the co-signed refund both participants agree to.
func NewMutualRefund(a SessionAccounts, proposer gammon.ID) (*Tx, error) {
	d := discriminator(OpMutualRefund)
	return newCoSignedTx(a, proposer, d[:])
}

// instruction returns the single escrow instruction of the transaction.
func (tx *Tx) instruction() (*Instruction, error) {
	if len(tx.Message.Instructions) != 1 {
		return nil, fmt.Errorf("want 1 instruction, got %d", len(tx.Message.Instructions))
	}
	return &tx.Message.Instructions[0], nil
}

// Op identifies which escrow instruction the transaction encodes.
func (tx *Tx) Op() (Op, error) {
	in, err := tx.instruction()
	if err != nil {
		return "", err
	}
	if len(in.Data) < 8 {
		return "", fmt.Errorf("instruction data too short")
	}
	var d [8]byte
	copy(d[:], in.Data[:8])
	op, ok := opByDiscriminator[d]
	if !ok {
		return "", fmt.Errorf("unknown instruction discriminator %x", d)
	}
	return op, nil
}

// SessionKey extracts the game state account the instruction targets.
func (tx *Tx) SessionKey() (gammon.ID, error) {
	in, err := tx.instruction()
	if err != nil {
		return gammon.ID{}, err
	}
	if len(in.Accounts) < 1 {
		return gammon.ID{}, fmt.Errorf("instruction has no accounts")
	}
	i := int(in.Accounts[0])
	if i >= len(tx.Message.AccountKeys) {
		return gammon.ID{}, fmt.Errorf("account index %d out of range", i)
	}
	return tx.Message.AccountKeys[i], nil
}

// DecodeMakeMove returns the board a make_move transaction carries,
// verifying the discriminator on the way.
func DecodeMakeMove(tx *Tx) ([gammon.BoardSize]byte, error) {
	var board [gammon.BoardSize]byte
	op, err := tx.Op()
	if err != nil {
		return board, err
	}
	if op != OpMakeMove {
		return board, fmt.Errorf("not a make_move transaction: %s", op)
	}
	in, _ := tx.instruction()
	if len(in.Data) != 8+gammon.BoardSize {
		return board, fmt.Errorf("make_move data length %d", len(in.Data))
	}
	copy(board[:], in.Data[8:])
	return board, nil
}

// DecodeFinishGame returns the declared winner of a finish_game transaction.
func DecodeFinishGame(tx *Tx) (gammon.ID, error) {
	var winner gammon.ID
	op, err := tx.Op()
	if err != nil {
		return winner, err
	}
	if op != OpFinishGame {
		return winner, fmt.Errorf("not a finish_game transaction: %s", op)
	}
	in, _ := tx.instruction()
	if len(in.Data) != 8+32 {
		return winner, fmt.Errorf("finish_game data length %d", len(in.Data))
	}
	copy(winner[:], in.Data[8:])
	return winner, nil
}

// SameDraft reports whether two transactions encode the same message bytes,
// ignoring signature slots. The proposer uses it to check that a signed
// response answers the draft it actually sent.
func SameDraft(a, b *Tx) bool {
	return bytes.Equal(a.Message.Serialize(), b.Message.Serialize())
}

// Package ledger is the boundary to the escrow authority: it decodes the
// session state account the escrow program maintains, talks JSON-RPC to the
// node gateway fronting the ledger, and watches session accounts for
// confirmed changes. Nothing in here moves funds by itself; the ledger is
// the only component whose state transitions are final.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/solgammon/gammonrelay/gammon"
)

// stateLen is the serialized GameState layout size, discriminator included:
// 8 + 32 + 32 + 8 + 8 + 8 + 8 + 8 + 64 + 1 + 1 + 32 + 1 + 8.
const stateLen = 219

// stateDiscriminator tags the GameState account type.
var stateDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:GameState"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

// SessionState is the decoded escrow account for one session. It is the
// source of truth the engines reconcile against.
type SessionState struct {
	Player1         gammon.ID
	Player2         gammon.ID
	GameID          uint64
	StakeLamports   uint64
	MoveFeeLamports uint64
	PotLamports     uint64
	MoveIndex       uint64
	Board           [gammon.BoardSize]byte
	CurrentTurn     uint8 // 1 or 2
	Status          gammon.Status
	Winner          gammon.ID
	Bump            uint8
	LastMove        time.Time
}

// TurnOwner resolves the participant whose turn it is.
func (s *SessionState) TurnOwner() (gammon.ID, error) {
	switch s.CurrentTurn {
	case 1:
		return s.Player1, nil
	case 2:
		return s.Player2, nil
	default:
		return gammon.ID{}, fmt.Errorf("invalid current_turn %d", s.CurrentTurn)
	}
}

// Session converts the ledger state into an advisory registry record.
func (s *SessionState) Session(key gammon.ID) gammon.Session {
	owner, _ := s.TurnOwner()
	return gammon.Session{
		Key:          key,
		PlayerA:      s.Player1,
		PlayerB:      s.Player2,
		Status:       s.Status,
		TurnOwner:    owner,
		Seq:          s.MoveIndex,
		LastActivity: s.LastMove,
	}
}

// DecodeState parses a raw GameState account.
func DecodeState(raw []byte) (*SessionState, error) {
	if len(raw) < stateLen {
		return nil, fmt.Errorf("state account too short: %d bytes", len(raw))
	}
	var d [8]byte
	copy(d[:], raw[:8])
	if d != stateDiscriminator {
		return nil, fmt.Errorf("not a GameState account (discriminator %x)", d)
	}
	var s SessionState
	off := 8
	copy(s.Player1[:], raw[off:off+32])
	off += 32
	copy(s.Player2[:], raw[off:off+32])
	off += 32
	s.GameID = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	s.StakeLamports = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	s.MoveFeeLamports = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	s.PotLamports = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	s.MoveIndex = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	copy(s.Board[:], raw[off:off+gammon.BoardSize])
	off += gammon.BoardSize
	s.CurrentTurn = raw[off]
	off++
	st := raw[off]
	off++
	if st > uint8(gammon.StatusFinished) {
		return nil, fmt.Errorf("invalid status byte %d", st)
	}
	s.Status = gammon.Status(st)
	copy(s.Winner[:], raw[off:off+32])
	off += 32
	s.Bump = raw[off]
	off++
	if unix := int64(binary.LittleEndian.Uint64(raw[off:])); unix > 0 {
		s.LastMove = time.Unix(unix, 0).UTC()
	}
	return &s, nil
}

// EncodeState renders a GameState account; the fakes used in tests and the
// gateway mock need the exact byte layout the program writes.
func EncodeState(s *SessionState) []byte {
	raw := make([]byte, 0, stateLen)
	raw = append(raw, stateDiscriminator[:]...)
	raw = append(raw, s.Player1[:]...)
	raw = append(raw, s.Player2[:]...)
	raw = binary.LittleEndian.AppendUint64(raw, s.GameID)
	raw = binary.LittleEndian.AppendUint64(raw, s.StakeLamports)
	raw = binary.LittleEndian.AppendUint64(raw, s.MoveFeeLamports)
	raw = binary.LittleEndian.AppendUint64(raw, s.PotLamports)
	raw = binary.LittleEndian.AppendUint64(raw, s.MoveIndex)
	raw = append(raw, s.Board[:]...)
	raw = append(raw, s.CurrentTurn, uint8(s.Status))
	raw = append(raw, s.Winner[:]...)
	raw = append(raw, s.Bump)
	var unix int64
	if !s.LastMove.IsZero() {
		unix = s.LastMove.Unix()
	}
	raw = binary.LittleEndian.AppendUint64(raw, uint64(unix))
	return raw
}

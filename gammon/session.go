// Package gammon holds the session model shared by the relay and the
// participant engines: participant identities, advisory session state and
// the in-memory session registry.
package gammon

import (
	"encoding/hex"
	"fmt"
	"time"
)

// BoardSize is the fixed serialized board length the escrow program stores.
const BoardSize = 64

// ID is a 32-byte key identity: an escrow session key or a participant's
// signing key. The hex form is what travels on the wire.
type ID [32]byte

// FromString decodes a 64-char hex identity in place.
func (id *ID) FromString(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bad id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return fmt.Errorf("bad id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identity is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Status mirrors the escrow program's session status enum.
type Status uint8

const (
	StatusAwaitingCounterparty Status = iota
	StatusActive
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusAwaitingCounterparty:
		return "awaiting-counterparty"
	case StatusActive:
		return "active"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Session is the registry's record of one escrow-backed two-party
// interaction. Status, TurnOwner and Seq are advisory copies of the ledger
// state; the ledger remains the authority of record and these fields only
// change by observing confirmed results.
type Session struct {
	Key          ID
	PlayerA      ID
	PlayerB      ID
	Status       Status
	TurnOwner    ID
	Seq          uint64
	LastActivity time.Time
}

// HasParticipant reports whether p is one of the session's two identities.
func (s *Session) HasParticipant(p ID) bool {
	return p == s.PlayerA || p == s.PlayerB
}

// Counterpart resolves the other participant of the session.
func (s *Session) Counterpart(p ID) (ID, error) {
	switch p {
	case s.PlayerA:
		return s.PlayerB, nil
	case s.PlayerB:
		return s.PlayerA, nil
	default:
		return ID{}, fmt.Errorf("participant %s not in session %s", p, s.Key)
	}
}

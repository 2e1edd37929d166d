// Package relaydb is the relay's metadata store: an off-chain audit trail
// of registered sessions and the actions applied to them. It is not part of
// the signing protocol's correctness; everything here is reconstructible
// from ledger state.
package relaydb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateSession     = errors.New("session already registered")
	ErrSessionNotFound      = errors.New("session not found")
	ErrDuplicateAction      = errors.New("action sequence already recorded")
	ErrSessionBucketMissing = errors.New("sessions bucket not found")
	ErrActionBucketMissing  = errors.New("actions bucket not found")
)

// SessionRecord mirrors a registered session.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	PlayerA   string    `json:"player_a"`
	PlayerB   string    `json:"player_b"`
	CreatedAt time.Time `json:"created_at"`
}

// ActionRecord is one applied move in a session's history.
type ActionRecord struct {
	ActionSeq     uint64    `json:"action_seq"`
	ParticipantID string    `json:"participant_id"`
	BoardHex      string    `json:"board_hex"`
	Dice          []uint8   `json:"dice"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Store is the metadata persistence interface.
type Store interface {
	RegisterSession(ctx context.Context, rec *SessionRecord) error
	FetchSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	AppendAction(ctx context.Context, sessionID string, rec *ActionRecord) error
	FetchActions(ctx context.Context, sessionID string) ([]ActionRecord, error)
	Close() error
}

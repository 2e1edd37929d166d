// Package wire defines the protocol messages exchanged between participant
// engines through the relay. The relay routes envelopes by session without
// interpreting payloads; both sides of an exchange decode the payload for the
// kind they care about.
package wire

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize bounds a single envelope on the wire. Transactions for the
// escrow program are well under 2 KiB; anything bigger is malformed.
const MaxMessageSize = 16 * 1024

type Kind string

const (
	KindSubscribe       Kind = "subscribe"
	KindMovePropose     Kind = "move-propose"
	KindMoveSigned      Kind = "move-signed"
	KindFinishPropose   Kind = "finish-propose"
	KindFinishSigned    Kind = "finish-signed"
	KindTurnAnnounce    Kind = "turn-announce"
	KindSessionFinished Kind = "session-finished"
	KindError           Kind = "error"
)

var knownKinds = map[Kind]struct{}{
	KindSubscribe:       {},
	KindMovePropose:     {},
	KindMoveSigned:      {},
	KindFinishPropose:   {},
	KindFinishSigned:    {},
	KindTurnAnnounce:    {},
	KindSessionFinished: {},
	KindError:           {},
}

// Envelope is the routing layer of every message. SessionID and From are
// required on all kinds except error, which the relay sends back to the
// originating connection only.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Subscribe binds the connection to a (session, participant) pair. It must
// precede every other message on a connection.
type Subscribe struct{}

// MovePropose carries a partially signed make_move transaction and the
// action it encodes, requesting the counterpart's signature.
type MovePropose struct {
	ActionSeq    uint64  `json:"action_seq"`
	BoardHex     string  `json:"board_hex"`
	Dice         []uint8 `json:"dice"`
	PartialTxHex string  `json:"partial_tx_hex"`
}

// MoveSigned returns the fully signed make_move transaction to the proposer.
type MoveSigned struct {
	ActionSeq uint64  `json:"action_seq"`
	BoardHex  string  `json:"board_hex"`
	Dice      []uint8 `json:"dice"`
	FullTxHex string  `json:"full_tx_hex"`
}

// FinishPropose requests a counter-signature for game completion.
type FinishPropose struct {
	Winner       string `json:"winner"`
	PartialTxHex string `json:"partial_tx_hex"`
}

// FinishSigned returns the fully signed finish_game transaction.
type FinishSigned struct {
	Winner    string `json:"winner"`
	FullTxHex string `json:"full_tx_hex"`
}

// TurnAnnounce is broadcast by the proposer after the ledger confirmed a
// move. Engines advance their local turn owner only on this message.
type TurnAnnounce struct {
	ActionSeq    uint64 `json:"action_seq"`
	NewTurnOwner string `json:"new_turn_owner"`
}

// SessionFinished is broadcast by the proposer after the ledger confirmed a
// finish.
type SessionFinished struct {
	Winner string `json:"winner"`
}

// ErrorMsg is sent by the relay to the offending connection only.
type ErrorMsg struct {
	Message string `json:"message"`
}

// Encode packs a payload into a marshaled envelope.
func Encode(kind Kind, sessionID, from string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		data = b
	}
	return json.Marshal(&Envelope{
		Kind:      kind,
		SessionID: sessionID,
		From:      from,
		Data:      data,
	})
}

// DecodeEnvelope parses and validates the routing layer of a message.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("unparseable message: %w", err)
	}
	if _, ok := knownKinds[e.Kind]; !ok {
		return nil, fmt.Errorf("unknown message kind %q", e.Kind)
	}
	if e.Kind != KindError {
		if e.SessionID == "" {
			return nil, fmt.Errorf("%s: missing session_id", e.Kind)
		}
		if e.From == "" {
			return nil, fmt.Errorf("%s: missing sender", e.Kind)
		}
	}
	return &e, nil
}

// Unpack decodes the kind-specific payload into v.
func (e *Envelope) Unpack(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", e.Kind, err)
	}
	return nil
}

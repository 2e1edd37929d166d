// Package client implements the per-participant coordination engine: the
// state machine that drives an action from proposal through counter-signing
// to ledger submission, plus the relay connection manager and the metadata
// API client it uses along the way.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/ledger"
	"github.com/solgammon/gammonrelay/relay/relaydb"
	"github.com/solgammon/gammonrelay/soltx"
	"github.com/solgammon/gammonrelay/wire"
)

var (
	ErrPendingExists     = errors.New("a proposal is already outstanding")
	ErrNotYourTurn       = errors.New("not the turn owner")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrStateUnknown      = errors.New("ledger state not yet observed")
	ErrRefundUnavailable = errors.New("inactivity refund not yet available")
	ErrLinkClosed        = errors.New("relay link closed")
)

// State is the engine's position in the co-signing cycle. Reviewing,
// Submitting and Announcing are transient: they are entered and left within
// a single run-loop dispatch, so observers only ever see Idle or Proposed
// between messages.
type State int

const (
	StateIdle State = iota
	StateProposed
	StateReviewing
	StateSubmitting
	StateAnnouncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProposed:
		return "proposed"
	case StateReviewing:
		return "reviewing"
	case StateSubmitting:
		return "submitting"
	case StateAnnouncing:
		return "announcing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type actionKind int

const (
	actionMove actionKind = iota
	actionFinish
	actionMutualRefund
)

// pendingAction is the proposer's record of an in-flight request. Held in
// memory only; a lost pending action is rebuilt from ledger state.
type pendingAction struct {
	kind      actionKind
	seq       uint64
	board     [gammon.BoardSize]byte
	dice      []uint8
	winner    gammon.ID
	tx        *soltx.Tx
	createdAt time.Time
}

// RelayLink is the duplex channel to the relay. RelayConn is the production
// implementation; tests substitute an in-memory one.
type RelayLink interface {
	// Send writes one envelope toward the relay.
	Send(raw []byte) error

	// Inbound yields envelopes routed to this participant. Closed when the
	// link is permanently down.
	Inbound() <-chan []byte

	// Resets fires once per re-established connection. Any in-flight
	// proposal that depended on the old connection is abandoned.
	Resets() <-chan struct{}
}

// EventKind tags engine notifications toward the UI layer.
type EventKind int

const (
	// EventTurnChanged fires on every applied turn announcement.
	EventTurnChanged EventKind = iota

	// EventProposalSigned fires after this engine counter-signed an
	// incoming request.
	EventProposalSigned

	// EventSessionFinished fires when the session reached its terminal
	// state, with the declared winner (zero for refunds).
	EventSessionFinished

	// EventRefundAvailable fires when ledger-observed inactivity crossed
	// the refund threshold.
	EventRefundAvailable

	// EventActionFailed fires when a pending action died: submission
	// failure, bad signatures, or supersession by ledger state.
	EventActionFailed
)

// Event is a notification for the UI layer. Delivery is best-effort; a UI
// that stops draining loses events, never blocks the engine.
type Event struct {
	Kind      EventKind
	TurnOwner gammon.ID
	Seq       uint64
	Winner    gammon.ID
	Board     [gammon.BoardSize]byte
	Err       error
}

const (
	defaultSubmitRetries       = 3
	defaultRetryDelay          = 2 * time.Second
	defaultInactivityThreshold = 5 * time.Minute
)

// Config assembles an Engine.
type Config struct {
	Log     slog.Logger
	Keypair *soltx.Keypair

	// SessionKey is the escrow account this engine coordinates.
	SessionKey gammon.ID

	// Program is the escrow program identity.
	Program gammon.ID

	Authority ledger.Authority
	Link      RelayLink

	// Watcher drives reconciliation and refund surfacing. Optional; without
	// it the engine only learns ledger state at startup.
	Watcher *ledger.Watcher

	// Meta, when set, receives fire-and-forget action history appends.
	Meta *MetadataClient

	// InactivityThreshold is how long the session may sit idle before the
	// timeout refund becomes available. Zero means the default.
	InactivityThreshold time.Duration

	// SubmitRetries bounds ledger submission attempts per action. Zero
	// means the default.
	SubmitRetries int

	// RetryDelay is the base backoff between submission attempts. Zero
	// means the default.
	RetryDelay time.Duration
}

type cmdKind int

const (
	cmdProposeMove cmdKind = iota
	cmdProposeFinish
	cmdProposeMutualRefund
	cmdCancel
	cmdRequestRefund
	cmdSnapshot
)

type command struct {
	kind      cmdKind
	board     [gammon.BoardSize]byte
	dice      []uint8
	winner    gammon.ID
	snapshot  gammon.Session
	snapState State
	errC      chan error
}

// Engine owns the local half of the co-signing protocol for one session.
// All state is confined to the Run goroutine; public methods communicate
// with it over the command channel.
type Engine struct {
	log       slog.Logger
	kp        *soltx.Keypair
	session   gammon.ID
	program   gammon.ID
	authority ledger.Authority
	link      RelayLink
	watcher   *ledger.Watcher
	meta      *MetadataClient

	inactivity    time.Duration
	submitRetries int
	retryDelay    time.Duration

	cmds   chan *command
	events chan Event

	// Everything below is owned by the Run goroutine.
	state           State
	pending         *pendingAction
	sess            gammon.Session
	haveState       bool
	accounts        soltx.SessionAccounts
	refundAvailable bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errors.New("log is nil")
	}
	if cfg.Keypair == nil {
		return nil, errors.New("keypair is nil")
	}
	if cfg.Authority == nil {
		return nil, errors.New("authority is nil")
	}
	if cfg.Link == nil {
		return nil, errors.New("relay link is nil")
	}
	if cfg.SessionKey.IsZero() {
		return nil, errors.New("session key is zero")
	}
	e := &Engine{
		log:           cfg.Log,
		kp:            cfg.Keypair,
		session:       cfg.SessionKey,
		program:       cfg.Program,
		authority:     cfg.Authority,
		link:          cfg.Link,
		watcher:       cfg.Watcher,
		meta:          cfg.Meta,
		inactivity:    cfg.InactivityThreshold,
		submitRetries: cfg.SubmitRetries,
		retryDelay:    cfg.RetryDelay,
		cmds:          make(chan *command),
		events:        make(chan Event, 32),
		state:         StateIdle,
	}
	if e.inactivity <= 0 {
		e.inactivity = defaultInactivityThreshold
	}
	if e.submitRetries <= 0 {
		e.submitRetries = defaultSubmitRetries
	}
	if e.retryDelay <= 0 {
		e.retryDelay = defaultRetryDelay
	}
	return e, nil
}

// Events is the UI notification stream.
func (e *Engine) Events() <-chan Event { return e.events }

// ProposeMove builds, partially signs and sends a move proposal. Fails
// locally, without touching the relay, when the session is not active, it
// is not this participant's turn, or a proposal is already outstanding.
func (e *Engine) ProposeMove(ctx context.Context, board [gammon.BoardSize]byte, dice []uint8) error {
	return e.exec(ctx, &command{kind: cmdProposeMove, board: board, dice: dice})
}

// ProposeFinish requests the counterpart's signature on a completion paying
// the pot to winner.
func (e *Engine) ProposeFinish(ctx context.Context, winner gammon.ID) error {
	return e.exec(ctx, &command{kind: cmdProposeFinish, winner: winner})
}

// ProposeMutualRefund requests the counterpart's signature on returning
// both stakes. Travels the same two-phase path as a finish.
func (e *Engine) ProposeMutualRefund(ctx context.Context) error {
	return e.exec(ctx, &command{kind: cmdProposeMutualRefund})
}

// Cancel abandons the outstanding proposal, if any.
func (e *Engine) Cancel(ctx context.Context) error {
	return e.exec(ctx, &command{kind: cmdCancel})
}

// RequestRefund submits the single-signer timeout refund. Only available
// once ledger-observed inactivity crossed the threshold; independent of any
// in-flight proposal.
func (e *Engine) RequestRefund(ctx context.Context) error {
	return e.exec(ctx, &command{kind: cmdRequestRefund})
}

func (e *Engine) exec(ctx context.Context, c *command) error {
	c.errC = make(chan error, 1)
	select {
	case e.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.errC:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the engine until ctx ends or the relay link closes for good.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.loadState(ctx); err != nil && !errors.Is(err, ledger.ErrSessionNotFound) {
		return fmt.Errorf("initial state load: %w", err)
	}

	var updates <-chan ledger.StateUpdate
	if e.watcher != nil {
		ch, unsub := e.watcher.Subscribe(e.session)
		defer unsub()
		updates = ch
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-e.cmds:
			c.errC <- e.handleCommand(ctx, c)
		case raw, ok := <-e.link.Inbound():
			if !ok {
				return ErrLinkClosed
			}
			e.handleInbound(ctx, raw)
		case <-e.link.Resets():
			e.handleReset(ctx)
		case u := <-updates:
			e.reconcile(u)
		}
	}
}

// loadState primes the advisory session copy from the ledger.
func (e *Engine) loadState(ctx context.Context) error {
	st, err := e.authority.SessionState(ctx, e.session)
	if err != nil {
		return err
	}
	e.adopt(st)
	return nil
}

// adopt overwrites the advisory copy with ledger-observed state.
func (e *Engine) adopt(st *ledger.SessionState) {
	e.sess = st.Session(e.session)
	e.accounts = soltx.SessionAccounts{
		Program: e.program,
		Session: e.session,
		PlayerA: st.Player1,
		PlayerB: st.Player2,
	}
	e.haveState = true
}

func (e *Engine) counterpart() (gammon.ID, error) {
	return e.sess.Counterpart(e.kp.Pub)
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warnf("event queue full, dropping %v", ev.Kind)
	}
}

// ---------------------------------------------------------------------
// Local commands

func (e *Engine) handleCommand(ctx context.Context, c *command) error {
	switch c.kind {
	case cmdProposeMove:
		return e.proposeMove(ctx, c.board, c.dice)
	case cmdProposeFinish:
		return e.proposeSettlement(ctx, actionFinish, c.winner)
	case cmdProposeMutualRefund:
		return e.proposeSettlement(ctx, actionMutualRefund, gammon.ID{})
	case cmdCancel:
		if e.pending != nil {
			e.log.Infof("canceled pending %s seq %d", kindName(e.pending.kind), e.pending.seq)
			e.pending = nil
			e.state = StateIdle
		}
		return nil
	case cmdRequestRefund:
		return e.requestRefund(ctx)
	case cmdSnapshot:
		c.snapshot = e.sess
		c.snapState = e.state
		return nil
	default:
		return fmt.Errorf("unknown command %d", c.kind)
	}
}

func kindName(k actionKind) string {
	switch k {
	case actionMove:
		return "move"
	case actionFinish:
		return "finish"
	case actionMutualRefund:
		return "mutual-refund"
	default:
		return "unknown"
	}
}

func (e *Engine) checkProposable() error {
	if !e.haveState {
		return ErrStateUnknown
	}
	if e.sess.Status != gammon.StatusActive {
		return ErrSessionNotActive
	}
	if e.pending != nil {
		return ErrPendingExists
	}
	return nil
}

func (e *Engine) proposeMove(ctx context.Context, board [gammon.BoardSize]byte, dice []uint8) error {
	if err := e.checkProposable(); err != nil {
		return err
	}
	if e.sess.TurnOwner != e.kp.Pub {
		return ErrNotYourTurn
	}

	tx, err := soltx.NewMakeMove(e.accounts, e.kp.Pub, board)
	if err != nil {
		return err
	}
	if err := e.anchorAndSign(ctx, tx); err != nil {
		return err
	}

	seq := e.sess.Seq + 1
	raw, err := wire.Encode(wire.KindMovePropose, e.session.String(), e.kp.Pub.String(),
		&wire.MovePropose{
			ActionSeq:    seq,
			BoardHex:     hex.EncodeToString(board[:]),
			Dice:         dice,
			PartialTxHex: hex.EncodeToString(tx.Serialize()),
		})
	if err != nil {
		return err
	}
	if err := e.link.Send(raw); err != nil {
		return err
	}

	e.pending = &pendingAction{
		kind:      actionMove,
		seq:       seq,
		board:     board,
		dice:      append([]uint8(nil), dice...),
		tx:        tx,
		createdAt: time.Now(),
	}
	e.state = StateProposed
	e.log.Debugf("proposed move seq %d", seq)
	return nil
}

// proposeSettlement covers the two co-signed terminal actions: finish (pot
// to winner) and mutual refund (stakes returned). Both use the completion
// request/response messages; the transaction bytes disambiguate.
func (e *Engine) proposeSettlement(ctx context.Context, kind actionKind, winner gammon.ID) error {
	if err := e.checkProposable(); err != nil {
		return err
	}

	var (
		tx  *soltx.Tx
		err error
	)
	switch kind {
	case actionFinish:
		if !e.sess.HasParticipant(winner) {
			return fmt.Errorf("winner %s is not a session participant", winner)
		}
		tx, err = soltx.NewFinishGame(e.accounts, e.kp.Pub, winner)
	case actionMutualRefund:
		tx, err = soltx.NewMutualRefund(e.accounts, e.kp.Pub)
	default:
		return fmt.Errorf("bad settlement kind %d", kind)
	}
	if err != nil {
		return err
	}
	if err := e.anchorAndSign(ctx, tx); err != nil {
		return err
	}

	winnerStr := ""
	if !winner.IsZero() {
		winnerStr = winner.String()
	}
	raw, err := wire.Encode(wire.KindFinishPropose, e.session.String(), e.kp.Pub.String(),
		&wire.FinishPropose{
			Winner:       winnerStr,
			PartialTxHex: hex.EncodeToString(tx.Serialize()),
		})
	if err != nil {
		return err
	}
	if err := e.link.Send(raw); err != nil {
		return err
	}

	e.pending = &pendingAction{
		kind:      kind,
		seq:       e.sess.Seq + 1,
		winner:    winner,
		tx:        tx,
		createdAt: time.Now(),
	}
	e.state = StateProposed
	e.log.Debugf("proposed %s", kindName(kind))
	return nil
}

// anchorAndSign sets a fresh reference point when one can be fetched and
// fills this participant's signature slot. A fetch failure is tolerated;
// the counterpart refreshes absent anchors on its side.
func (e *Engine) anchorAndSign(ctx context.Context, tx *soltx.Tx) error {
	anchor, err := e.authority.RecentAnchor(ctx)
	if err != nil {
		e.log.Warnf("recent anchor fetch failed, sending without: %v", err)
	} else {
		tx.SetRecentAnchor(anchor)
	}
	return tx.Sign(e.kp)
}

func (e *Engine) requestRefund(ctx context.Context) error {
	if !e.haveState {
		return ErrStateUnknown
	}
	if !e.refundAvailable {
		return ErrRefundUnavailable
	}
	tx, err := soltx.NewTimeoutRefund(e.accounts, e.kp.Pub)
	if err != nil {
		return err
	}
	if err := e.anchorAndSign(ctx, tx); err != nil {
		return err
	}
	if err := tx.VerifyFull(); err != nil {
		return err
	}
	if err := e.submit(ctx, tx); err != nil {
		return err
	}
	e.pending = nil
	e.state = StateIdle
	e.sess.Status = gammon.StatusFinished
	e.emit(Event{Kind: EventSessionFinished})
	e.log.Infof("timeout refund confirmed for session %s", e.session)
	return nil
}

// ---------------------------------------------------------------------
// Inbound protocol messages

func (e *Engine) handleInbound(ctx context.Context, raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		e.log.Warnf("dropping inbound message: %v", err)
		return
	}
	if env.Kind == wire.KindError {
		var em wire.ErrorMsg
		if err := env.Unpack(&em); err == nil {
			e.log.Warnf("relay error: %s", em.Message)
		}
		return
	}
	// Self-originated echoes are ignored by identity, duplicate bindings
	// on reconnect make them possible.
	if env.From == e.kp.Pub.String() {
		return
	}
	if env.SessionID != e.session.String() {
		e.log.Warnf("dropping message for foreign session %s", env.SessionID)
		return
	}

	switch env.Kind {
	case wire.KindMovePropose:
		e.reviewMovePropose(ctx, env)
	case wire.KindFinishPropose:
		e.reviewFinishPropose(ctx, env)
	case wire.KindMoveSigned:
		e.completeMove(ctx, env)
	case wire.KindFinishSigned:
		e.completeSettlement(ctx, env)
	case wire.KindTurnAnnounce:
		e.applyTurnAnnounce(env)
	case wire.KindSessionFinished:
		e.applySessionFinished(env)
	default:
		e.log.Debugf("ignoring %s", env.Kind)
	}
}

func decodeTxHex(s string) (*soltx.Tx, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad tx hex: %w", err)
	}
	return soltx.Deserialize(b)
}

// reviewMovePropose is the counter-signer half of a move: validate the
// draft against the advertised action, countersign, send it back.
func (e *Engine) reviewMovePropose(ctx context.Context, env *wire.Envelope) {
	if !e.haveState {
		e.log.Warnf("move-propose before ledger state observed, dropping")
		return
	}
	var mp wire.MovePropose
	if err := env.Unpack(&mp); err != nil {
		e.log.Warnf("%v", err)
		return
	}
	var proposer gammon.ID
	if err := proposer.FromString(env.From); err != nil {
		e.log.Warnf("%v", err)
		return
	}

	// Reviewing is transient; the engine may have its own proposal in
	// flight, so the prior state comes back once the review is answered.
	prev := e.state
	e.state = StateReviewing
	defer func() { e.state = prev }()

	tx, err := decodeTxHex(mp.PartialTxHex)
	if err != nil {
		e.log.Warnf("move-propose seq %d: %v", mp.ActionSeq, err)
		return
	}
	if err := e.vetProposal(tx, soltx.OpMakeMove, proposer); err != nil {
		e.log.Warnf("move-propose seq %d rejected: %v", mp.ActionSeq, err)
		return
	}
	board, err := soltx.DecodeMakeMove(tx)
	if err != nil {
		e.log.Warnf("move-propose seq %d: %v", mp.ActionSeq, err)
		return
	}
	if hex.EncodeToString(board[:]) != mp.BoardHex {
		e.log.Warnf("move-propose seq %d: advertised board does not match transaction", mp.ActionSeq)
		return
	}

	if err := e.countersign(ctx, tx, proposer); err != nil {
		e.log.Warnf("move-propose seq %d: %v", mp.ActionSeq, err)
		return
	}

	raw, err := wire.Encode(wire.KindMoveSigned, e.session.String(), e.kp.Pub.String(),
		&wire.MoveSigned{
			ActionSeq: mp.ActionSeq,
			BoardHex:  mp.BoardHex,
			Dice:      mp.Dice,
			FullTxHex: hex.EncodeToString(tx.Serialize()),
		})
	if err != nil {
		e.log.Errorf("%v", err)
		return
	}
	if err := e.link.Send(raw); err != nil {
		e.log.Warnf("move-signed send failed: %v", err)
		return
	}
	e.emit(Event{Kind: EventProposalSigned, Seq: mp.ActionSeq, Board: board})
	e.log.Debugf("countersigned move seq %d", mp.ActionSeq)
}

// reviewFinishPropose counter-signs a completion or mutual refund request.
// Completion requests are signed without local confirmation.
func (e *Engine) reviewFinishPropose(ctx context.Context, env *wire.Envelope) {
	if !e.haveState {
		e.log.Warnf("finish-propose before ledger state observed, dropping")
		return
	}
	var fp wire.FinishPropose
	if err := env.Unpack(&fp); err != nil {
		e.log.Warnf("%v", err)
		return
	}
	var proposer gammon.ID
	if err := proposer.FromString(env.From); err != nil {
		e.log.Warnf("%v", err)
		return
	}

	prev := e.state
	e.state = StateReviewing
	defer func() { e.state = prev }()

	tx, err := decodeTxHex(fp.PartialTxHex)
	if err != nil {
		e.log.Warnf("finish-propose: %v", err)
		return
	}
	op, err := tx.Op()
	if err != nil {
		e.log.Warnf("finish-propose: %v", err)
		return
	}
	switch op {
	case soltx.OpFinishGame:
		winner, err := soltx.DecodeFinishGame(tx)
		if err != nil {
			e.log.Warnf("finish-propose: %v", err)
			return
		}
		if winner.String() != fp.Winner {
			e.log.Warnf("finish-propose: advertised winner does not match transaction")
			return
		}
		if !e.sess.HasParticipant(winner) {
			e.log.Warnf("finish-propose: winner %s not a participant", winner)
			return
		}
	case soltx.OpMutualRefund:
		if fp.Winner != "" {
			e.log.Warnf("finish-propose: refund request carries a winner")
			return
		}
	default:
		e.log.Warnf("finish-propose: unexpected operation %s", op)
		return
	}
	if err := e.vetProposal(tx, op, proposer); err != nil {
		e.log.Warnf("finish-propose rejected: %v", err)
		return
	}

	if err := e.countersign(ctx, tx, proposer); err != nil {
		e.log.Warnf("finish-propose: %v", err)
		return
	}

	raw, err := wire.Encode(wire.KindFinishSigned, e.session.String(), e.kp.Pub.String(),
		&wire.FinishSigned{
			Winner:    fp.Winner,
			FullTxHex: hex.EncodeToString(tx.Serialize()),
		})
	if err != nil {
		e.log.Errorf("%v", err)
		return
	}
	if err := e.link.Send(raw); err != nil {
		e.log.Warnf("finish-signed send failed: %v", err)
		return
	}
	e.emit(Event{Kind: EventProposalSigned})
	e.log.Debugf("countersigned %s request from %s", op, proposer)
}

// vetProposal applies the checks shared by every incoming request: right
// session and program, right fee payer, and this participant actually named
// as a required signer.
func (e *Engine) vetProposal(tx *soltx.Tx, wantOp soltx.Op, proposer gammon.ID) error {
	op, err := tx.Op()
	if err != nil {
		return err
	}
	if op != wantOp {
		return fmt.Errorf("operation %s, want %s", op, wantOp)
	}
	key, err := tx.SessionKey()
	if err != nil {
		return err
	}
	if key != e.session {
		return fmt.Errorf("transaction targets session %s", key)
	}
	if !e.sess.HasParticipant(proposer) {
		return fmt.Errorf("proposer %s not a participant", proposer)
	}
	if tx.FeePayer() != proposer {
		return fmt.Errorf("fee payer %s is not the proposer", tx.FeePayer())
	}
	signers := tx.RequiredSigners()
	mine := false
	for _, s := range signers {
		if s == e.kp.Pub {
			mine = true
		}
	}
	if !mine {
		return fmt.Errorf("this participant is not a required signer")
	}
	return nil
}

// countersign ensures the draft carries a recent reference point, checks
// the proposer's signature when it can still be valid, and fills this
// participant's slot. When the anchor had to be refreshed the proposer's
// old signature no longer covers the message; the proposer re-signs its own
// slot on the way back.
func (e *Engine) countersign(ctx context.Context, tx *soltx.Tx, proposer gammon.ID) error {
	if !tx.HasRecentAnchor() {
		anchor, err := e.authority.RecentAnchor(ctx)
		if err != nil {
			return fmt.Errorf("anchor refresh: %w", err)
		}
		tx.SetRecentAnchor(anchor)
	} else if !tx.SignedBy(proposer) {
		return fmt.Errorf("proposer signature missing or invalid")
	}
	return tx.Sign(e.kp)
}

// completeMove is the proposer half after the counterpart signed: verify,
// submit, confirm, announce.
func (e *Engine) completeMove(ctx context.Context, env *wire.Envelope) {
	var ms wire.MoveSigned
	if err := env.Unpack(&ms); err != nil {
		e.log.Warnf("%v", err)
		return
	}
	if e.pending == nil || e.pending.kind != actionMove || e.pending.seq != ms.ActionSeq {
		// Stale or duplicate response; the action was already submitted,
		// superseded or abandoned.
		e.log.Debugf("discarding move-signed seq %d with no matching pending action", ms.ActionSeq)
		return
	}

	tx, err := decodeTxHex(ms.FullTxHex)
	if err != nil {
		e.log.Warnf("move-signed seq %d: %v", ms.ActionSeq, err)
		return
	}
	if !e.matchesPending(tx) {
		e.log.Warnf("move-signed seq %d answers a different draft, discarding", ms.ActionSeq)
		return
	}

	newOwner, err := e.counterpart()
	if err != nil {
		e.log.Errorf("%v", err)
		return
	}

	if !e.finalize(ctx, tx) {
		return
	}

	// Announce the turn change; the relay does not echo, so apply it
	// locally at broadcast time.
	raw, err := wire.Encode(wire.KindTurnAnnounce, e.session.String(), e.kp.Pub.String(),
		&wire.TurnAnnounce{ActionSeq: ms.ActionSeq, NewTurnOwner: newOwner.String()})
	if err == nil {
		if err := e.link.Send(raw); err != nil {
			e.log.Warnf("turn-announce send failed: %v", err)
		}
	}
	e.recordAction(ms.ActionSeq, ms.BoardHex, ms.Dice)

	e.pending = nil
	e.applyTurn(ms.ActionSeq, newOwner)
	e.state = StateIdle
}

// completeSettlement finishes a co-signed terminal action the local engine
// proposed.
func (e *Engine) completeSettlement(ctx context.Context, env *wire.Envelope) {
	var fs wire.FinishSigned
	if err := env.Unpack(&fs); err != nil {
		e.log.Warnf("%v", err)
		return
	}
	if e.pending == nil || (e.pending.kind != actionFinish && e.pending.kind != actionMutualRefund) {
		e.log.Debugf("discarding finish-signed with no matching pending action")
		return
	}

	tx, err := decodeTxHex(fs.FullTxHex)
	if err != nil {
		e.log.Warnf("finish-signed: %v", err)
		return
	}
	if !e.matchesPending(tx) {
		e.log.Warnf("finish-signed answers a different draft, discarding")
		return
	}

	winner := e.pending.winner
	if !e.finalize(ctx, tx) {
		return
	}

	winnerStr := ""
	if !winner.IsZero() {
		winnerStr = winner.String()
	}
	raw, err := wire.Encode(wire.KindSessionFinished, e.session.String(), e.kp.Pub.String(),
		&wire.SessionFinished{Winner: winnerStr})
	if err == nil {
		if err := e.link.Send(raw); err != nil {
			e.log.Warnf("session-finished send failed: %v", err)
		}
	}

	e.pending = nil
	e.state = StateIdle
	e.sess.Status = gammon.StatusFinished
	e.emit(Event{Kind: EventSessionFinished, Winner: winner})
	e.log.Infof("session %s settled, winner %s", e.session, winnerStr)
}

// matchesPending reports whether a signed response answers the outstanding
// draft. The counterpart may have refreshed the reference point, so the
// comparison ignores the anchor when the outgoing draft's anchor differs.
func (e *Engine) matchesPending(rx *soltx.Tx) bool {
	if soltx.SameDraft(e.pending.tx, rx) {
		return true
	}
	a, b := *e.pending.tx, *rx
	a.Message.RecentAnchor = [32]byte{}
	b.Message.RecentAnchor = [32]byte{}
	return soltx.SameDraft(&a, &b)
}

// finalize verifies both signatures and drives submission with bounded
// retries. Reports whether the transaction confirmed; on failure the
// pending action is cleared and the error surfaced.
func (e *Engine) finalize(ctx context.Context, tx *soltx.Tx) bool {
	e.state = StateSubmitting

	// If the counterpart refreshed the anchor, the local signature covers
	// stale bytes; re-sign this participant's slot only.
	if !tx.SignedBy(e.kp.Pub) {
		if err := tx.Sign(e.kp); err != nil {
			e.failPending(fmt.Errorf("re-sign after anchor refresh: %w", err))
			return false
		}
	}

	// Nothing leaves toward the ledger without both signatures checking
	// out. Signature failures are fatal to the action, never retried.
	if err := tx.VerifyFull(); err != nil {
		e.failPending(err)
		return false
	}

	if err := e.submit(ctx, tx); err != nil {
		e.failPending(err)
		return false
	}
	e.state = StateAnnouncing
	return true
}

func (e *Engine) failPending(err error) {
	e.log.Errorf("pending action failed: %v", err)
	e.pending = nil
	e.state = StateIdle
	e.emit(Event{Kind: EventActionFailed, Err: err})
}

// submit broadcasts and waits for confirmation, retrying transient failures
// a bounded number of times. A ledger rejection is final; the same bytes
// will not fare better.
func (e *Engine) submit(ctx context.Context, tx *soltx.Tx) error {
	raw := tx.Serialize()
	var err error
	for attempt := 0; attempt < e.submitRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var sig string
		sig, err = e.authority.Submit(ctx, raw)
		if err == nil {
			err = e.authority.Confirm(ctx, sig)
			if err == nil {
				return nil
			}
		}
		if errors.Is(err, ledger.ErrTxRejected) {
			return err
		}
		e.log.Warnf("submission attempt %d failed: %v", attempt+1, err)
	}
	return fmt.Errorf("submission failed after %d attempts: %w", e.submitRetries, err)
}

// recordAction logs an applied move to the metadata API. Fire and forget;
// history is an audit trail, not part of protocol correctness.
func (e *Engine) recordAction(seq uint64, boardHex string, dice []uint8) {
	if e.meta == nil {
		return
	}
	rec := &relaydb.ActionRecord{
		ActionSeq:     seq,
		ParticipantID: e.kp.Pub.String(),
		BoardHex:      boardHex,
		Dice:          dice,
		RecordedAt:    time.Now().UTC(),
	}
	session := e.session.String()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.meta.AppendAction(ctx, session, rec); err != nil {
			e.log.Warnf("action history append failed: %v", err)
		}
	}()
}

// ---------------------------------------------------------------------
// Announcements and reconciliation

func (e *Engine) applyTurnAnnounce(env *wire.Envelope) {
	var ta wire.TurnAnnounce
	if err := env.Unpack(&ta); err != nil {
		e.log.Warnf("%v", err)
		return
	}
	var owner gammon.ID
	if err := owner.FromString(ta.NewTurnOwner); err != nil {
		e.log.Warnf("%v", err)
		return
	}
	// The counterpart's confirmed action supersedes anything this engine
	// had in flight at the same or earlier sequence.
	if e.pending != nil && ta.ActionSeq >= e.pending.seq {
		e.log.Infof("pending %s seq %d superseded by announced seq %d",
			kindName(e.pending.kind), e.pending.seq, ta.ActionSeq)
		e.pending = nil
		e.state = StateIdle
	}
	e.applyTurn(ta.ActionSeq, owner)
}

// applyTurn advances the advisory turn cursor. Announcements carry the
// ledger-confirmed sequence, so anything at or behind the local cursor is a
// replay and is discarded whole; the owner is never taken from a stale
// announcement.
func (e *Engine) applyTurn(seq uint64, owner gammon.ID) {
	if seq <= e.sess.Seq {
		return
	}
	e.sess.Seq = seq
	e.sess.TurnOwner = owner
	e.sess.LastActivity = time.Now()
	e.refundAvailable = false
	e.emit(Event{Kind: EventTurnChanged, TurnOwner: owner, Seq: e.sess.Seq})
	e.log.Debugf("turn advanced: seq %d owner %s", e.sess.Seq, owner)
}

func (e *Engine) applySessionFinished(env *wire.Envelope) {
	var sf wire.SessionFinished
	if err := env.Unpack(&sf); err != nil {
		e.log.Warnf("%v", err)
		return
	}
	var winner gammon.ID
	if sf.Winner != "" {
		if err := winner.FromString(sf.Winner); err != nil {
			e.log.Warnf("%v", err)
			return
		}
	}
	e.pending = nil
	e.state = StateIdle
	e.sess.Status = gammon.StatusFinished
	e.emit(Event{Kind: EventSessionFinished, Winner: winner})
	e.log.Infof("session %s finished, winner %s", e.session, sf.Winner)
}

// handleReset runs after the relay link re-established. An in-flight
// proposal depended on the old round trip and is abandoned; current state
// is re-derived from the ledger.
func (e *Engine) handleReset(ctx context.Context) {
	if e.pending != nil {
		e.log.Infof("relay link reset, abandoning pending %s seq %d",
			kindName(e.pending.kind), e.pending.seq)
		e.pending = nil
		e.state = StateIdle
		e.emit(Event{Kind: EventActionFailed, Err: ErrLinkClosed})
	}
	if err := e.loadState(ctx); err != nil {
		e.log.Warnf("state reload after reconnect: %v", err)
	}
}

// reconcile folds a watcher update into the advisory copy. The ledger is
// the authority of record; whatever it says wins.
func (e *Engine) reconcile(u ledger.StateUpdate) {
	if u.State == nil {
		// Account gone: session settled and closed.
		if e.haveState && e.sess.Status != gammon.StatusFinished {
			e.sess.Status = gammon.StatusFinished
			e.pending = nil
			e.state = StateIdle
			e.emit(Event{Kind: EventSessionFinished})
		}
		return
	}

	prev := e.sess
	e.adopt(u.State)

	if e.pending != nil && u.State.MoveIndex >= e.pending.seq {
		e.log.Infof("pending %s seq %d superseded by ledger move index %d",
			kindName(e.pending.kind), e.pending.seq, u.State.MoveIndex)
		e.pending = nil
		e.state = StateIdle
		e.emit(Event{Kind: EventActionFailed, Err: errors.New("superseded by confirmed ledger state")})
	}

	if prev.Status != gammon.StatusFinished && e.sess.Status == gammon.StatusFinished {
		e.emit(Event{Kind: EventSessionFinished, Winner: u.State.Winner})
	}

	// Surface the timeout refund when the ledger shows the session idle
	// past the threshold. Independent of any in-flight proposal.
	if e.sess.Status == gammon.StatusActive &&
		time.Since(u.State.LastMove) > e.inactivity {
		if !e.refundAvailable {
			e.refundAvailable = true
			e.emit(Event{Kind: EventRefundAvailable})
			e.log.Infof("session %s idle past %s, timeout refund available",
				e.session, e.inactivity)
		}
	} else {
		e.refundAvailable = false
	}
}

// Snapshot returns the advisory session copy for display purposes. Only
// meaningful between run-loop dispatches; the UI treats it as a hint.
func (e *Engine) Snapshot(ctx context.Context) (gammon.Session, error) {
	// Reuse the command channel so the read is serialized with mutations.
	c := &command{kind: cmdSnapshot}
	c.errC = make(chan error, 1)
	select {
	case e.cmds <- c:
	case <-ctx.Done():
		return gammon.Session{}, ctx.Err()
	}
	select {
	case <-c.errC:
		return c.snapshot, nil
	case <-ctx.Done():
		return gammon.Session{}, ctx.Err()
	}
}

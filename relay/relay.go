// Package relay implements the coordination hub participant engines speak
// through: a websocket message router with per-session fan-out, an advisory
// session registry, and a small HTTP metadata API backed by relaydb.
//
// The relay is intentionally oblivious to transaction contents. It never
// holds keys, never inspects signatures and never talks to the ledger; its
// only correctness obligations are session isolation and delivery of opaque
// envelopes to the right connections.
package relay

import (
	"fmt"
	"sync"

	"github.com/decred/slog"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/wire"
)

const coordinatorShards = 16

// Coordinator owns the binding table: which connections are attached to
// which session. Membership is sharded by the leading session-key byte so
// concurrent traffic on unrelated sessions never shares a lock.
type Coordinator struct {
	log      slog.Logger
	registry *gammon.Registry

	shards [coordinatorShards]coordShard
}

type coordShard struct {
	mu      sync.RWMutex
	members map[gammon.ID]map[*conn]struct{}
}

func NewCoordinator(log slog.Logger, registry *gammon.Registry) *Coordinator {
	c := &Coordinator{log: log, registry: registry}
	for i := range c.shards {
		c.shards[i].members = make(map[gammon.ID]map[*conn]struct{})
	}
	return c
}

func (co *Coordinator) shard(key gammon.ID) *coordShard {
	return &co.shards[key[0]%coordinatorShards]
}

// Bind attaches a connection to a session after validating membership
// against the registry. Rebinding moves the connection to the new session.
func (co *Coordinator) Bind(c *conn, session, participant gammon.ID) error {
	sess, err := co.registry.Lookup(session)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(participant) {
		return fmt.Errorf("identity %s is not a participant of session %s",
			participant, session)
	}

	if prev := c.binding(); prev != nil {
		co.drop(c, prev.session)
	}

	sh := co.shard(session)
	sh.mu.Lock()
	set, ok := sh.members[session]
	if !ok {
		set = make(map[*conn]struct{})
		sh.members[session] = set
	}
	set[c] = struct{}{}
	sh.mu.Unlock()

	c.setBinding(&binding{session: session, participant: participant})
	co.log.Debugf("conn %s bound to session %s as %s", c.id, session, participant)
	return nil
}

// Unbind detaches a connection from whatever session it is bound to.
// Idempotent; called on every connection teardown.
func (co *Coordinator) Unbind(c *conn) {
	b := c.binding()
	if b == nil {
		return
	}
	co.drop(c, b.session)
	c.setBinding(nil)
}

func (co *Coordinator) drop(c *conn, session gammon.ID) {
	sh := co.shard(session)
	sh.mu.Lock()
	if set, ok := sh.members[session]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(sh.members, session)
		}
	}
	sh.mu.Unlock()
}

// route fans a raw envelope out to every connection bound to the session
// except the originating one. A connection whose outbound queue is full is
// closed; the engine behind it reconciles from the ledger on reconnect.
func (co *Coordinator) route(sender *conn, session gammon.ID, raw []byte) {
	sh := co.shard(session)
	sh.mu.RLock()
	var targets []*conn
	for m := range sh.members[session] {
		if m != sender {
			targets = append(targets, m)
		}
	}
	sh.mu.RUnlock()

	for _, m := range targets {
		if !m.enqueue(raw) {
			co.log.Warnf("conn %s: outbound queue full, dropping connection", m.id)
			m.close()
		}
	}
}

// handleInbound is the single entry point for messages read off a
// connection. Malformed or unauthorized traffic produces an error reply to
// the origin only; nothing leaks into the session.
func (co *Coordinator) handleInbound(c *conn, raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		co.log.Debugf("conn %s: %v", c.id, err)
		c.sendError(err.Error())
		return
	}

	if env.Kind == wire.KindSubscribe {
		co.handleSubscribe(c, env)
		return
	}

	b := c.binding()
	if b == nil {
		c.sendError("not subscribed")
		return
	}
	if env.SessionID != b.session.String() {
		c.sendError(fmt.Sprintf("message for session %s on a connection bound to %s",
			env.SessionID, b.session))
		return
	}
	if env.From != b.participant.String() {
		c.sendError(fmt.Sprintf("sender %s does not match bound identity %s",
			env.From, b.participant))
		return
	}

	switch env.Kind {
	case wire.KindTurnAnnounce:
		co.applyTurnAnnounce(c, b, env, raw)
	case wire.KindSessionFinished:
		// Deliver first, then retire the session. Ordering matters: the
		// counterpart must see the final broadcast before routing state
		// for the session disappears.
		co.route(c, b.session, raw)
		co.registry.SetStatus(b.session, gammon.StatusFinished)
		co.registry.Evict(b.session)
		co.log.Infof("session %s finished, evicted from registry", b.session)
	case wire.KindError:
		// Clients have no business sending these; drop quietly.
		co.log.Debugf("conn %s: ignoring client-sent error envelope", c.id)
	default:
		co.route(c, b.session, raw)
	}
}

func (co *Coordinator) handleSubscribe(c *conn, env *wire.Envelope) {
	var session, participant gammon.ID
	if err := session.FromString(env.SessionID); err != nil {
		c.sendError(err.Error())
		return
	}
	if err := participant.FromString(env.From); err != nil {
		c.sendError(err.Error())
		return
	}
	if err := co.Bind(c, session, participant); err != nil {
		c.sendError(err.Error())
		return
	}
}

// applyTurnAnnounce updates the registry's advisory turn owner before
// fanning the announcement out. The relay trusts the announcement the same
// way engines do: it is only ever sent after ledger confirmation.
func (co *Coordinator) applyTurnAnnounce(c *conn, b *binding, env *wire.Envelope, raw []byte) {
	var ta wire.TurnAnnounce
	if err := env.Unpack(&ta); err != nil {
		c.sendError(err.Error())
		return
	}
	var owner gammon.ID
	if err := owner.FromString(ta.NewTurnOwner); err != nil {
		c.sendError(err.Error())
		return
	}
	if err := co.registry.SetTurnOwner(b.session, owner, ta.ActionSeq); err != nil {
		co.log.Warnf("session %s: turn-announce for unknown session: %v", b.session, err)
	}
	co.route(c, b.session, raw)
}

// SessionConns reports how many connections are currently bound to a
// session. Used by tests and the status endpoint.
func (co *Coordinator) SessionConns(session gammon.ID) int {
	sh := co.shard(session)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.members[session])
}

package gammon

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned for lookups of unregistered sessions.
var ErrSessionNotFound = errors.New("session not registered")

const registryShards = 16

// Registry is the local record of session membership, used to route relay
// traffic and resolve counterparts without touching the ledger per message.
// It is sharded by the leading session-key byte so bind/route/unbind from
// many connection goroutines do not contend on one lock.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[ID]*Session
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[ID]*Session)
	}
	return r
}

func (r *Registry) shard(key ID) *registryShard {
	return &r.shards[key[0]%registryShards]
}

// Register records a session, replacing any prior record for the same key.
func (r *Registry) Register(s *Session) {
	sh := r.shard(s.Key)
	sh.mu.Lock()
	cp := *s
	sh.sessions[s.Key] = &cp
	sh.mu.Unlock()
}

// Lookup returns a copy of the session record.
func (r *Registry) Lookup(key ID) (Session, error) {
	sh := r.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[key]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// Counterpart resolves the other participant of a registered session.
func (r *Registry) Counterpart(key, participant ID) (ID, error) {
	s, err := r.Lookup(key)
	if err != nil {
		return ID{}, err
	}
	return s.Counterpart(participant)
}

// SetTurnOwner updates the advisory turn owner after an announced,
// ledger-confirmed move.
func (r *Registry) SetTurnOwner(key, owner ID, seq uint64) error {
	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[key]
	if !ok {
		return ErrSessionNotFound
	}
	s.TurnOwner = owner
	if seq > s.Seq {
		s.Seq = seq
	}
	return nil
}

// SetStatus mirrors a coarse ledger status transition.
func (r *Registry) SetStatus(key ID, st Status) error {
	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[key]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = st
	return nil
}

// Evict drops a finished or abandoned session. Idempotent.
func (r *Registry) Evict(key ID) {
	sh := r.shard(key)
	sh.mu.Lock()
	delete(sh.sessions, key)
	sh.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

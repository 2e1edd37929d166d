package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/solgammon/gammonrelay/gammon"
)

// StateUpdate is one observation of a session account.
type StateUpdate struct {
	Key   gammon.ID
	State *SessionState // nil when the account no longer exists
	At    time.Time
}

// Watcher polls the ledger for every session key that currently has at
// least one subscriber and pushes a StateUpdate each tick. It keeps no
// per-key state beyond the subscriber sets; slow receivers are skipped
// rather than blocking the poll loop.
type Watcher struct {
	log       slog.Logger
	authority Authority
	interval  time.Duration

	mu   sync.RWMutex
	subs map[gammon.ID]map[chan StateUpdate]struct{}

	quit chan struct{}
}

func NewWatcher(log slog.Logger, a Authority, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		log:       log,
		authority: a,
		interval:  interval,
		subs:      make(map[gammon.ID]map[chan StateUpdate]struct{}),
		quit:      make(chan struct{}),
	}
}

func (w *Watcher) Stop() { close(w.quit) }

func (w *Watcher) Run(ctx context.Context) {
	w.log.Infof("watcher: started")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	w.mu.RLock()
	keys := make([]gammon.ID, 0, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
	}
	w.mu.RUnlock()
	if len(keys) == 0 {
		return
	}

	for _, key := range keys {
		st, err := w.authority.SessionState(ctx, key)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionNotFound):
			st = nil
		default:
			w.log.Debugf("watcher: fetch %s failed: %v", key, err)
			continue
		}
		w.broadcast(key, StateUpdate{Key: key, State: st, At: time.Now()})
	}
}

// Subscribe adds a listener for key. No initial snapshot is sent; first
// data arrives on the next tick.
func (w *Watcher) Subscribe(key gammon.ID) (<-chan StateUpdate, func()) {
	ch := make(chan StateUpdate, 8)

	w.mu.Lock()
	if _, ok := w.subs[key]; !ok {
		w.subs[key] = make(map[chan StateUpdate]struct{})
	}
	w.subs[key][ch] = struct{}{}
	n := len(w.subs[key])
	w.mu.Unlock()
	w.log.Infof("watcher: subscribed %s (subs=%d)", key, n)

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, key)
			}
		}
		w.mu.Unlock()
		// Do not close(ch): the poll loop may still try to send; the
		// receiver stops via its own context.
	}
	return ch, unsub
}

func (w *Watcher) broadcast(key gammon.ID, u StateUpdate) {
	w.mu.RLock()
	set := w.subs[key]
	chs := make([]chan StateUpdate, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- u:
		default:
			// Drop if receiver is slow.
		}
	}
}

package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/wire"
)

const (
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	reconnectMaxAttempts = 10

	connWriteWait = 10 * time.Second
)

// RelayConn is the production RelayLink: a websocket to the relay that
// subscribes on connect and transparently reconnects with exponential
// backoff when the connection drops. After reconnectMaxAttempts consecutive
// failures the link gives up and closes its inbound channel.
type RelayConn struct {
	log         slog.Logger
	wsURL       string
	session     gammon.ID
	participant gammon.ID

	inbound chan []byte
	resets  chan struct{}
	quit    chan struct{}

	mu        sync.Mutex
	ws        *websocket.Conn
	closeOnce sync.Once
}

// wsEndpoint derives the websocket URL from the relay's base URL.
func wsEndpoint(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// DialRelay connects, subscribes as (session, participant) and starts the
// read loop.
func DialRelay(ctx context.Context, log slog.Logger, baseURL string, session, participant gammon.ID) (*RelayConn, error) {
	rc := &RelayConn{
		log:         log,
		wsURL:       wsEndpoint(baseURL),
		session:     session,
		participant: participant,
		inbound:     make(chan []byte, 64),
		resets:      make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
	ws, err := rc.connect(ctx)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	rc.ws = ws
	rc.mu.Unlock()
	go rc.readLoop()
	return rc, nil
}

// connect dials and subscribes. The subscribe must be the first message on
// every connection, including reconnects.
func (rc *RelayConn) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rc.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rc.wsURL, err)
	}
	raw, err := wire.Encode(wire.KindSubscribe, rc.session.String(), rc.participant.String(), nil)
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		ws.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return ws, nil
}

func (rc *RelayConn) Inbound() <-chan []byte  { return rc.inbound }
func (rc *RelayConn) Resets() <-chan struct{} { return rc.resets }

// Send writes one envelope. Fails while the link is between connections;
// the caller treats that like any other transient send failure.
func (rc *RelayConn) Send(raw []byte) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.ws == nil {
		return fmt.Errorf("relay link is down")
	}
	rc.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	return rc.ws.WriteMessage(websocket.TextMessage, raw)
}

func (rc *RelayConn) Close() error {
	rc.closeOnce.Do(func() {
		close(rc.quit)
		rc.mu.Lock()
		if rc.ws != nil {
			rc.ws.Close()
		}
		rc.mu.Unlock()
	})
	return nil
}

func (rc *RelayConn) readLoop() {
	defer close(rc.inbound)
	for {
		rc.mu.Lock()
		ws := rc.ws
		rc.mu.Unlock()

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				select {
				case <-rc.quit:
					return
				default:
				}
				rc.log.Warnf("relay read failed: %v", err)
				break
			}
			select {
			case rc.inbound <- raw:
			case <-rc.quit:
				return
			}
		}

		ws.Close()
		ws = rc.reconnect()
		if ws == nil {
			return
		}
		rc.mu.Lock()
		rc.ws = ws
		rc.mu.Unlock()

		// Tell the engine the round trip it may have been waiting on is
		// gone. Non-blocking; one pending reset is enough.
		select {
		case rc.resets <- struct{}{}:
		default:
		}
	}
}

// reconnect retries with exponential backoff, re-subscribing on success.
// Returns nil when the attempts are exhausted or the link was closed.
func (rc *RelayConn) reconnect() *websocket.Conn {
	rc.mu.Lock()
	rc.ws = nil
	rc.mu.Unlock()

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		select {
		case <-rc.quit:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), connWriteWait)
		ws, err := rc.connect(ctx)
		cancel()
		if err == nil {
			rc.log.Infof("relay reconnected after %d attempt(s)", attempt)
			return ws
		}
		rc.log.Warnf("reconnect attempt %d/%d failed: %v", attempt, reconnectMaxAttempts, err)

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
	rc.log.Errorf("relay unreachable after %d attempts, giving up", reconnectMaxAttempts)
	return nil
}

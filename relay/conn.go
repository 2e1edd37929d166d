package relay

import (
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/wire"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize bounds the per-connection outbound queue. A receiver
	// that falls this far behind is closed rather than allowed to stall
	// the router.
	sendQueueSize = 64
)

// binding ties a connection to a (session, participant) pair. Set exactly
// once per subscribe; replaced if the client subscribes again.
type binding struct {
	session     gammon.ID
	participant gammon.ID
}

// conn is one live duplex connection. The router never writes to the
// socket directly; it enqueues onto send and the write pump drains it.
type conn struct {
	id  string
	ws  *websocket.Conn
	log slog.Logger

	send chan []byte

	mu    sync.Mutex
	bound *binding

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log slog.Logger) *conn {
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		log:  log,
		send: make(chan []byte, sendQueueSize),
	}
}

func (c *conn) binding() *binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

func (c *conn) setBinding(b *binding) {
	c.mu.Lock()
	c.bound = b
	c.mu.Unlock()
}

// enqueue hands a message to the write pump without blocking. It reports
// false on overflow; the caller decides the connection's fate.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// sendError replies to this connection only; routing errors never
// propagate to other session members.
func (c *conn) sendError(msg string) {
	raw, err := wire.Encode(wire.KindError, "", "", &wire.ErrorMsg{Message: msg})
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. One writer goroutine per connection; gorilla allows only one
// concurrent writer.
func (c *conn) writePump() {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		c.close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-t.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound messages to the coordinator until the connection
// drops, then unbinds.
func (c *conn) readPump(coord *Coordinator) {
	defer func() {
		coord.Unbind(c)
		c.close()
	}()
	c.ws.SetReadLimit(wire.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debugf("conn %s: read error: %v", c.id, err)
			}
			return
		}
		coord.handleInbound(c, raw)
	}
}

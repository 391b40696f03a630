package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// sendBuffer is the per-client outbound queue depth. A client that falls this
// far behind is closed rather than allowed to stall the room.
const sendBuffer = 256

// conn wraps one websocket with a buffered writer goroutine so room
// broadcasts never block on a slow peer.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send enqueues a payload. Reports false and closes the connection when the
// buffer is full or the connection is gone.
func (c *conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.Close()
		return false
	}
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) writePump() {
	for {
		select {
		case payload := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

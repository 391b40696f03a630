// Package client implements the editor-side protocol engine: connection
// management with backoff reconnect, the pending-step queue, and the
// snapshot → history → rebase recovery cycle.
package client

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Hooks receive transport events. Callbacks fire on the transport's reader
// goroutine; OnClose fires exactly once, whether the peer or the local side
// closed.
type Hooks struct {
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Transport is a message-oriented duplex channel carrying one JSON object
// per payload.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens a transport to url and wires the hooks.
type Dialer func(ctx context.Context, url string, h Hooks) (Transport, error)

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, url string, h Hooks) (Transport, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	t := &wsTransport{ws: ws, hooks: h}
	go t.readLoop()
	return t, nil
}

type wsTransport struct {
	ws    *websocket.Conn
	hooks Hooks

	mu        sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	err := t.ws.Close()
	t.closed(nil)
	return err
}

func (t *wsTransport) readLoop() {
	for {
		_, buf, err := t.ws.ReadMessage()
		if err != nil {
			t.ws.Close()
			t.closed(err)
			return
		}
		if t.hooks.OnMessage != nil {
			t.hooks.OnMessage(buf)
		}
	}
}

func (t *wsTransport) closed(err error) {
	t.closeOnce.Do(func() {
		if t.hooks.OnClose != nil {
			t.hooks.OnClose(err)
		}
	})
}

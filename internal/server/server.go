// Package server accepts websocket connections and routes their messages
// into the room registry.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabroom/internal/protocol"
	"collabroom/internal/room"
)

// Handler terminates websockets and demultiplexes messages to rooms by the
// roomId each message carries.
type Handler struct {
	registry  *room.Registry
	log       *zap.SugaredLogger
	upgrader  websocket.Upgrader
	authorize func(token string) error
}

// Options configure the handler. Authorize, when set, gates the upgrade on
// the opaque ?token= query parameter.
type Options struct {
	Authorize func(token string) error
}

func New(registry *room.Registry, log *zap.SugaredLogger, opts Options) *Handler {
	return &Handler{
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		authorize: opts.Authorize,
	}
}

// ServeWS upgrades the request and pumps messages until the peer goes away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.authorize != nil {
		if err := h.authorize(r.URL.Query().Get("token")); err != nil {
			h.log.Infow("rejected connection", "remote", r.RemoteAddr, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := newConn(ws)
	go c.writePump()
	h.readPump(c)
}

// readPump decodes inbound payloads and delivers them to the target room.
// Malformed payloads and unknown types are dropped without closing the
// connection. On exit the connection is unregistered from every room it
// joined through.
func (h *Handler) readPump(c *conn) {
	joined := make(map[string]string) // roomID -> clientID
	defer func() {
		for roomID, clientID := range joined {
			h.registry.Room(roomID).Disconnect(clientID, c)
		}
		c.Close()
	}()

	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(buf)
		if err != nil {
			h.log.Debugw("dropping malformed message", "err", err)
			continue
		}
		env := msg.Env()
		if env.RoomID == "" || env.ClientID == "" {
			h.log.Debugw("dropping message without routing ids", "type", env.Type)
			continue
		}
		rm := h.registry.Room(env.RoomID)
		if env.Type == protocol.TypeJoin {
			joined[env.RoomID] = env.ClientID
		}
		rm.Deliver(env.ClientID, c, msg)
	}
}

// ServeRooms lists live rooms as JSON.
func (h *Handler) ServeRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.registry.List()); err != nil {
		h.log.Warnw("encode room list failed", "err", err)
	}
}

// ServeHealth is a trivial liveness endpoint.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

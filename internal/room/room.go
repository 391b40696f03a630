// Package room implements the authoritative coordination core: per-room
// document state with monotonic versioning, the version-gated step protocol,
// presence tracking, and heartbeat-driven eviction.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"collabroom/internal/presence"
	"collabroom/internal/protocol"
	"collabroom/internal/steps"
	"collabroom/internal/store"
)

// Conn is the room's handle on one client transport. Send enqueues a payload
// best-effort and reports false when the peer is gone; the room never blocks
// on a client.
type Conn interface {
	Send(payload []byte) bool
	Close()
}

// EventSink receives accepted broadcasts for mirroring outside the process.
type EventSink interface {
	Publish(ctx context.Context, roomID string, payload []byte)
}

// Config carries the room timing knobs. Zero values take the defaults.
type Config struct {
	HeartbeatPeriod time.Duration // default 5s
	PresenceTTL     time.Duration // default 15s
	SnapshotEvery   int           // persist a snapshot every N accepted batches, default 20
	MailboxSize     int           // default 256
}

const (
	defaultHeartbeatPeriod = 5 * time.Second
	defaultPresenceTTL     = 15 * time.Second
	defaultSnapshotEvery   = 20
	defaultMailboxSize     = 256
)

func (c Config) withDefaults() Config {
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = defaultPresenceTTL
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = defaultSnapshotEvery
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	return c
}

// Mailbox commands. Exactly one goroutine (run) consumes them, so all room
// state below is mutated from a single place.
type inbound struct {
	clientID string
	conn     Conn // set when the message may register a transport (join)
	msg      protocol.Enveloped
}

type disconnect struct {
	clientID string
	conn     Conn
}

type tick struct {
	now time.Time
}

type statsRequest struct {
	reply chan Stats
}

// Stats is a point-in-time view of a room for operational listings.
type Stats struct {
	RoomID  string `json:"roomId"`
	Version int    `json:"version"`
	Clients int    `json:"clients"`
}

// Room owns one document, one version counter, one history, one client set,
// and one presence store. All fields past the mailbox are touched only by the
// run loop.
type Room struct {
	id     string
	inbox  chan any
	closed chan struct{}

	schema  *steps.Schema
	doc     *steps.Doc
	version int
	// history holds the batches from historyBase onward; batches before the
	// warm-start snapshot are not retained in memory.
	history     []store.BatchRecord
	historyBase int
	clients     map[string]Conn
	presence    *presence.Store

	cfg    Config
	log    *zap.SugaredLogger
	store  store.Store
	sink   EventSink
	now    func() time.Time
}

func newRoom(id string, cfg Config, schema *steps.Schema, log *zap.SugaredLogger, st store.Store, sink EventSink, now func() time.Time) *Room {
	cfg = cfg.withDefaults()
	r := &Room{
		id:       id,
		inbox:    make(chan any, cfg.MailboxSize),
		closed:   make(chan struct{}),
		schema:   schema,
		doc:      schema.EmptyDoc(),
		clients:  make(map[string]Conn),
		presence: presence.NewStoreWithClock(now),
		cfg:      cfg,
		log:      log.With("room", id),
		store:    st,
		sink:     sink,
		now:      now,
	}
	r.warmStart()
	return r
}

// warmStart resumes the room from the persisted snapshot and batches, if a
// store is configured. Failures leave the room empty at version 0.
func (r *Room) warmStart() {
	if r.store == nil {
		return
	}
	ctx := context.Background()
	version, docJSON, err := r.store.LoadSnapshot(ctx, r.id)
	switch {
	case err == nil:
		doc, derr := r.schema.DocFromJSON(docJSON)
		if derr != nil {
			r.log.Errorw("corrupt persisted snapshot, starting empty", "err", derr)
			return
		}
		r.doc = doc
		r.version = version
	case err != store.ErrNoSnapshot:
		r.log.Errorw("load snapshot failed, starting empty", "err", err)
		return
	}
	r.historyBase = r.version
	batches, err := r.store.LoadBatches(ctx, r.id, r.version)
	if err != nil {
		r.log.Errorw("load batches failed", "err", err)
		return
	}
	for _, b := range batches {
		doc, err := steps.ApplyJSON(r.schema, r.doc, b.Steps)
		if err != nil {
			r.log.Errorw("replay stopped on unappliable batch", "fromVersion", b.FromVersion, "err", err)
			return
		}
		r.doc = doc
		r.history = append(r.history, b)
		r.version = b.ToVersion
	}
	if r.version > 0 {
		r.log.Infow("room resumed from store", "version", r.version)
	}
}

// Deliver hands a decoded client message to the room's mailbox. conn must be
// the transport the message arrived on; it is registered on join.
func (r *Room) Deliver(clientID string, conn Conn, msg protocol.Enveloped) {
	r.enqueue(inbound{clientID: clientID, conn: conn, msg: msg})
}

// Disconnect reports that a client transport closed. The socket is
// unregistered; presence stays until the TTL sweep or an explicit leave.
func (r *Room) Disconnect(clientID string, conn Conn) {
	r.enqueue(disconnect{clientID: clientID, conn: conn})
}

// Tick drives one heartbeat: ping every client, evict stale presence.
func (r *Room) Tick(now time.Time) {
	r.enqueue(tick{now: now})
}

// Stats blocks until the room reports its current version and client count.
func (r *Room) Stats() Stats {
	req := statsRequest{reply: make(chan Stats, 1)}
	r.enqueue(req)
	select {
	case s := <-req.reply:
		return s
	case <-r.closed:
		return Stats{RoomID: r.id}
	}
}

func (r *Room) enqueue(cmd any) {
	select {
	case r.inbox <- cmd:
	case <-r.closed:
	}
}

func (r *Room) run() {
	for {
		select {
		case cmd := <-r.inbox:
			r.dispatch(cmd)
		case <-r.closed:
			return
		}
	}
}

func (r *Room) stop() {
	close(r.closed)
}

func (r *Room) dispatch(cmd any) {
	switch c := cmd.(type) {
	case inbound:
		r.handleMessage(c)
	case disconnect:
		// Last-writer-wins on join means a stale socket must not evict
		// its replacement.
		if r.clients[c.clientID] == c.conn {
			delete(r.clients, c.clientID)
		}
	case tick:
		r.handleTick(c.now)
	case statsRequest:
		c.reply <- Stats{RoomID: r.id, Version: r.version, Clients: len(r.clients)}
	}
}

func (r *Room) handleMessage(c inbound) {
	switch msg := c.msg.(type) {
	case *protocol.Join:
		r.handleJoin(c.conn, c.clientID, msg)
	case *protocol.Leave:
		r.handleLeave(c.clientID)
	case *protocol.Steps:
		r.handleSteps(c.clientID, msg)
	case *protocol.Presence:
		r.handlePresence(c.clientID, msg)
	case *protocol.DocRequest:
		r.handleDocRequest(c.clientID)
	case *protocol.HistoryRequest:
		r.handleHistoryRequest(c.clientID, msg.SinceVersion)
	case *protocol.Pong:
		r.presence.Touch(c.clientID)
	default:
		// Client-only or unknown types are no-ops on the server.
		r.log.Debugw("ignoring message", "type", c.msg.Env().Type, "client", c.clientID)
	}
}

func (r *Room) handleJoin(conn Conn, clientID string, msg *protocol.Join) {
	if conn == nil {
		return
	}
	if prev, ok := r.clients[clientID]; ok && prev != conn {
		prev.Close()
	}
	r.clients[clientID] = conn

	r.broadcast(r.marshal(&protocol.Join{
		Envelope: r.envelope(protocol.TypeJoin, clientID),
	}), clientID)

	r.sendConn(conn, &protocol.DocSnapshot{
		Envelope: r.envelope(protocol.TypeDocSnapshot, clientID),
		Version:  r.version,
		Doc:      r.docJSON(),
	})
	r.sendConn(conn, &protocol.PresenceSnapshot{
		Envelope:  r.envelope(protocol.TypePresenceSnapshot, clientID),
		Presences: r.presence.Entries(),
	})

	if msg.Presence != nil {
		r.handlePresence(clientID, &protocol.Presence{
			Envelope: r.envelope(protocol.TypePresence, clientID),
			Presence: *msg.Presence,
		})
	}
	r.log.Infow("client joined", "client", clientID, "clients", len(r.clients))
}

func (r *Room) handleLeave(clientID string) {
	delete(r.clients, clientID)
	r.presence.Remove(clientID)
	payload := r.marshal(&protocol.Leave{
		Envelope: r.envelope(protocol.TypeLeave, clientID),
	})
	r.broadcast(payload, "")
	r.mirrorPublish(payload)
	r.log.Infow("client left", "client", clientID, "clients", len(r.clients))
}

// handleSteps is the version gate. A batch is admitted only when it was built
// against the current version; anything else gets an error plus a fresh
// snapshot so the sender can rebase.
func (r *Room) handleSteps(clientID string, msg *protocol.Steps) {
	sender := r.clients[clientID]
	if msg.Version != nil && *msg.Version != r.version {
		r.sendConn(sender, &protocol.Error{
			Envelope: r.envelope(protocol.TypeError, clientID),
			Code:     protocol.CodeVersionMismatch,
			Reason:   fmt.Sprintf("expected %d, got %d", r.version, *msg.Version),
		})
		r.sendConn(sender, &protocol.DocSnapshot{
			Envelope: r.envelope(protocol.TypeDocSnapshot, clientID),
			Version:  r.version,
			Doc:      r.docJSON(),
		})
		return
	}

	doc, err := steps.ApplyJSON(r.schema, r.doc, msg.Steps)
	if err != nil {
		r.sendConn(sender, &protocol.Error{
			Envelope: r.envelope(protocol.TypeError, clientID),
			Code:     protocol.CodeApplyFailed,
			Reason:   err.Error(),
		})
		return
	}

	batch := store.BatchRecord{
		FromVersion: r.version,
		ToVersion:   r.version + 1,
		ClientID:    clientID,
		Steps:       msg.Steps,
	}
	r.doc = doc
	r.history = append(r.history, batch)
	r.version++
	r.persist(batch)

	payload := r.marshal(&protocol.Steps{
		Envelope: r.envelope(protocol.TypeSteps, clientID),
		Version:  protocol.IntPtr(r.version),
		Steps:    msg.Steps,
	})
	// The sender applied its steps optimistically; echoing the batch back
	// would double-apply it.
	r.broadcast(payload, clientID)
	r.mirrorPublish(payload)

	r.sendConn(sender, &protocol.Ack{
		Envelope: r.envelope(protocol.TypeAck, clientID),
		AckType:  protocol.AckSteps,
		OK:       true,
		Version:  r.version,
	})
}

func (r *Room) handlePresence(clientID string, msg *protocol.Presence) {
	p := msg.Presence
	p.Timestamp = 0 // server stamps
	stored := r.presence.Upsert(clientID, p)
	// Everyone gets the presence, sender included; clients tolerate echoes.
	r.broadcast(r.marshal(&protocol.Presence{
		Envelope: r.envelope(protocol.TypePresence, clientID),
		Presence: stored,
	}), "")
}

func (r *Room) handleDocRequest(clientID string) {
	r.sendConn(r.clients[clientID], &protocol.DocSnapshot{
		Envelope: r.envelope(protocol.TypeDocSnapshot, clientID),
		Version:  r.version,
		Doc:      r.docJSON(),
	})
}

// handleHistoryRequest replies with the steps in (sinceVersion, version].
// Requests reaching below historyBase (pre-snapshot batches are gone) or
// beyond the current version get an empty history at the current version,
// which steers the client back onto the snapshot path.
func (r *Room) handleHistoryRequest(clientID string, sinceVersion int) {
	reply := &protocol.History{
		Envelope:    r.envelope(protocol.TypeHistory, clientID),
		FromVersion: r.version,
		ToVersion:   r.version,
		Steps:       []json.RawMessage{},
	}
	if sinceVersion >= r.historyBase && sinceVersion <= r.version {
		reply.FromVersion = sinceVersion
		for _, b := range r.history[sinceVersion-r.historyBase:] {
			reply.Steps = append(reply.Steps, b.Steps...)
		}
	}
	r.sendConn(r.clients[clientID], reply)
}

func (r *Room) handleTick(now time.Time) {
	r.broadcast(r.marshal(&protocol.Ping{
		Envelope: r.envelope(protocol.TypePing, protocol.ServerClientID),
		TS:       now.UnixMilli(),
	}), "")
	for _, clientID := range r.presence.PruneOlderThan(r.cfg.PresenceTTL) {
		payload := r.marshal(&protocol.Leave{
			Envelope: r.envelope(protocol.TypeLeave, clientID),
		})
		r.broadcast(payload, "")
		r.mirrorPublish(payload)
		r.log.Infow("presence expired", "client", clientID)
	}
}

// persist is best-effort: a storage failure never blocks an accepted batch.
func (r *Room) persist(batch store.BatchRecord) {
	if r.store == nil {
		return
	}
	ctx := context.Background()
	if err := r.store.AppendBatch(ctx, r.id, batch); err != nil {
		r.log.Errorw("append batch failed", "version", batch.ToVersion, "err", err)
	}
	if r.version%r.cfg.SnapshotEvery == 0 {
		if err := r.store.SaveSnapshot(ctx, r.id, r.version, r.docJSON()); err != nil {
			r.log.Errorw("save snapshot failed", "version", r.version, "err", err)
		}
	}
}

func (r *Room) mirrorPublish(payload []byte) {
	if r.sink != nil {
		r.sink.Publish(context.Background(), r.id, payload)
	}
}

func (r *Room) envelope(msgType, clientID string) protocol.Envelope {
	return protocol.Envelope{Type: msgType, RoomID: r.id, ClientID: clientID}
}

func (r *Room) docJSON() json.RawMessage {
	buf, err := json.Marshal(r.doc)
	if err != nil {
		// Doc marshalling cannot fail for well-formed documents.
		r.log.Errorw("marshal doc failed", "err", err)
		return json.RawMessage("{}")
	}
	return buf
}

func (r *Room) marshal(msg protocol.Enveloped) []byte {
	buf, err := protocol.Encode(msg)
	if err != nil {
		r.log.Errorw("marshal message failed", "type", msg.Env().Type, "err", err)
		return nil
	}
	return buf
}

// broadcast fans a payload out to every client except the named one. Send
// failures are swallowed; the failing client's transport close cleans up.
func (r *Room) broadcast(payload []byte, except string) {
	if payload == nil {
		return
	}
	for id, conn := range r.clients {
		if id == except {
			continue
		}
		if !conn.Send(payload) {
			r.log.Debugw("dropped broadcast to unresponsive client", "client", id)
		}
	}
}

func (r *Room) sendConn(conn Conn, msg protocol.Enveloped) {
	if conn == nil {
		return
	}
	if payload := r.marshal(msg); payload != nil {
		conn.Send(payload)
	}
}

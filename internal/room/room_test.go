package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"collabroom/internal/protocol"
	"collabroom/internal/steps"
	"collabroom/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, payload)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) messages(t *testing.T) []protocol.Enveloped {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Enveloped, 0, len(c.sent))
	for _, buf := range c.sent {
		msg, err := protocol.Decode(buf)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

type fakeSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *fakeSink) Publish(_ context.Context, _ string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testRoom(t *testing.T, st store.Store, sink EventSink) (*Room, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newRoom("room-1", Config{}, steps.NewSchema("doc"), zap.NewNop().Sugar(), st, sink, clock.Now)
	return r, clock
}

func stepRaw(from, to int, text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"stepType":"replace","from":%d,"to":%d,"text":%q}`, from, to, text))
}

func join(r *Room, clientID string, conn Conn, p *protocol.UserPresence) {
	r.dispatch(inbound{clientID: clientID, conn: conn, msg: &protocol.Join{
		Envelope: protocol.Envelope{Type: protocol.TypeJoin, RoomID: r.id, ClientID: clientID},
		Presence: p,
	}})
}

func sendSteps(r *Room, clientID string, version int, raws ...json.RawMessage) {
	r.dispatch(inbound{clientID: clientID, msg: &protocol.Steps{
		Envelope: protocol.Envelope{Type: protocol.TypeSteps, RoomID: r.id, ClientID: clientID},
		Version:  protocol.IntPtr(version),
		Steps:    raws,
	}})
}

func TestJoinSnapshotOrder(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "hello"))
	a.reset()

	join(r, "B", b, nil)

	// The joiner gets its doc snapshot followed by the presence snapshot.
	msgs := b.messages(t)
	require.Len(t, msgs, 2)
	snap, ok := msgs[0].(*protocol.DocSnapshot)
	require.True(t, ok)
	assert.Equal(t, 1, snap.Version)
	assert.JSONEq(t, `{"type":"doc","text":"hello"}`, string(snap.Doc))
	_, ok = msgs[1].(*protocol.PresenceSnapshot)
	assert.True(t, ok)

	// Everyone else sees the join broadcast with the joiner as subject.
	aMsgs := a.messages(t)
	require.Len(t, aMsgs, 1)
	j, ok := aMsgs[0].(*protocol.Join)
	require.True(t, ok)
	assert.Equal(t, "B", j.ClientID)
}

func TestJoinWithInitialPresence(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	a.reset()

	join(r, "B", b, &protocol.UserPresence{
		User:   protocol.User{ID: "B", Name: "Bea"},
		Cursor: &protocol.Cursor{From: 0, To: 0},
	})

	// A sees the join, then B's presence.
	msgs := a.messages(t)
	require.Len(t, msgs, 2)
	p, ok := msgs[1].(*protocol.Presence)
	require.True(t, ok)
	assert.Equal(t, "B", p.ClientID)
	assert.Equal(t, "Bea", p.Presence.User.Name)
	assert.NotZero(t, p.Presence.Timestamp)
}

func TestJoinLastWriterWins(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	old, replacement := &fakeConn{}, &fakeConn{}
	join(r, "A", old, nil)
	join(r, "A", replacement, nil)

	assert.True(t, old.closed)
	assert.Same(t, replacement, r.clients["A"].(*fakeConn))
}

func TestStepsHappyPath(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	join(r, "B", b, nil)
	a.reset()
	b.reset()

	sendSteps(r, "A", 0, stepRaw(0, 0, "x"))

	assert.Equal(t, 1, r.version)
	assert.Equal(t, "x", r.doc.Text)
	require.Len(t, r.history, 1)
	assert.Equal(t, "A", r.history[0].ClientID)

	// B receives the broadcast with the new version; A only the ack.
	bMsgs := b.messages(t)
	require.Len(t, bMsgs, 1)
	st, ok := bMsgs[0].(*protocol.Steps)
	require.True(t, ok)
	assert.Equal(t, "A", st.ClientID)
	require.NotNil(t, st.Version)
	assert.Equal(t, 1, *st.Version)

	aMsgs := a.messages(t)
	require.Len(t, aMsgs, 1)
	ack, ok := aMsgs[0].(*protocol.Ack)
	require.True(t, ok)
	assert.Equal(t, protocol.AckSteps, ack.AckType)
	assert.True(t, ack.OK)
	assert.Equal(t, 1, ack.Version)
}

func TestVersionGateRejectsStaleBatch(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	join(r, "B", b, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "x"))
	a.reset()
	b.reset()

	// B still thinks it is at version 0.
	sendSteps(r, "B", 0, stepRaw(0, 1, ""))

	assert.Equal(t, 1, r.version)
	assert.Equal(t, "x", r.doc.Text)
	assert.Len(t, r.history, 1)

	msgs := b.messages(t)
	require.Len(t, msgs, 2)
	errMsg, ok := msgs[0].(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeVersionMismatch, errMsg.Code)
	assert.Equal(t, "expected 1, got 0", errMsg.Reason)
	snap, ok := msgs[1].(*protocol.DocSnapshot)
	require.True(t, ok)
	assert.Equal(t, 1, snap.Version)
	assert.JSONEq(t, `{"type":"doc","text":"x"}`, string(snap.Doc))

	// A observes nothing.
	assert.Empty(t, a.messages(t))
}

func TestStepsWithoutVersionSkipGate(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a := &fakeConn{}
	join(r, "A", a, nil)

	r.dispatch(inbound{clientID: "A", msg: &protocol.Steps{
		Envelope: protocol.Envelope{Type: protocol.TypeSteps, RoomID: r.id, ClientID: "A"},
		Steps:    []json.RawMessage{stepRaw(0, 0, "y")},
	}})
	assert.Equal(t, 1, r.version)
	assert.Equal(t, "y", r.doc.Text)
}

func TestApplyFailureRejectsBatchAtomically(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	join(r, "B", b, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "abc"))
	a.reset()
	b.reset()

	// A valid step followed by an out-of-bounds delete: nothing may apply.
	sendSteps(r, "A", 1, stepRaw(3, 3, "d"), stepRaw(1000, 1001, ""))

	assert.Equal(t, 1, r.version)
	assert.Equal(t, "abc", r.doc.Text)
	assert.Len(t, r.history, 1)

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	errMsg, ok := msgs[0].(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeApplyFailed, errMsg.Code)

	assert.Empty(t, b.messages(t))
}

func TestHistoryFaithfulness(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a := &fakeConn{}
	join(r, "A", a, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "hello"))
	sendSteps(r, "A", 1, stepRaw(5, 5, " world"))
	sendSteps(r, "A", 2, stepRaw(0, 1, "H"))

	assert.Equal(t, len(r.history), r.version)

	// Replaying the full history from the empty document reproduces the
	// current doc.
	doc := r.schema.EmptyDoc()
	for _, b := range r.history {
		var err error
		doc, err = steps.ApplyJSON(r.schema, doc, b.Steps)
		require.NoError(t, err)
	}
	assert.Equal(t, r.doc, doc)
}

func TestHistoryRequest(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a := &fakeConn{}
	join(r, "A", a, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "a"))
	sendSteps(r, "A", 1, stepRaw(1, 1, "b"), stepRaw(2, 2, "c"))
	a.reset()

	r.dispatch(inbound{clientID: "A", msg: &protocol.HistoryRequest{
		Envelope:     protocol.Envelope{Type: protocol.TypeHistoryRequest, RoomID: r.id, ClientID: "A"},
		SinceVersion: 1,
	}})

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	h, ok := msgs[0].(*protocol.History)
	require.True(t, ok)
	assert.Equal(t, 1, h.FromVersion)
	assert.Equal(t, 2, h.ToVersion)
	require.Len(t, h.Steps, 2) // second batch flattened
}

func TestHistoryRequestOutOfRange(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a := &fakeConn{}
	join(r, "A", a, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "a"))
	a.reset()

	for _, since := range []int{-1, 99} {
		r.dispatch(inbound{clientID: "A", msg: &protocol.HistoryRequest{
			Envelope:     protocol.Envelope{Type: protocol.TypeHistoryRequest, RoomID: r.id, ClientID: "A"},
			SinceVersion: since,
		}})
	}
	msgs := a.messages(t)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		h := msg.(*protocol.History)
		assert.Equal(t, 1, h.FromVersion)
		assert.Equal(t, 1, h.ToVersion)
		assert.Empty(t, h.Steps)
	}
}

func TestPresenceBroadcastIncludesSender(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	join(r, "B", b, nil)
	a.reset()
	b.reset()

	r.dispatch(inbound{clientID: "A", msg: &protocol.Presence{
		Envelope: protocol.Envelope{Type: protocol.TypePresence, RoomID: r.id, ClientID: "A"},
		Presence: protocol.UserPresence{User: protocol.User{ID: "A"}, Cursor: &protocol.Cursor{From: 2, To: 5}},
	}})

	for _, conn := range []*fakeConn{a, b} {
		msgs := conn.messages(t)
		require.Len(t, msgs, 1)
		p := msgs[0].(*protocol.Presence)
		assert.Equal(t, "A", p.ClientID)
		assert.NotZero(t, p.Presence.Timestamp)
	}
}

func TestPongTouchesTimestampOnly(t *testing.T) {
	r, clock := testRoom(t, nil, nil)
	a := &fakeConn{}
	join(r, "A", a, &protocol.UserPresence{
		User:   protocol.User{ID: "A"},
		Cursor: &protocol.Cursor{From: 3, To: 3},
	})

	clock.Advance(14 * time.Second)
	r.dispatch(inbound{clientID: "A", msg: &protocol.Pong{
		Envelope: protocol.Envelope{Type: protocol.TypePong, RoomID: r.id, ClientID: "A"},
	}})

	// Another near-TTL wait: the pong must have kept the record alive, and
	// the cursor must be untouched.
	clock.Advance(14 * time.Second)
	a.reset()
	r.dispatch(tick{now: clock.Now()})

	got, ok := r.presence.Get("A")
	require.True(t, ok)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, protocol.Cursor{From: 3, To: 3}, *got.Cursor)
}

func TestHeartbeatPingsAndEvicts(t *testing.T) {
	r, clock := testRoom(t, nil, nil)
	a, c := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	join(r, "C", c, &protocol.UserPresence{
		User:   protocol.User{ID: "C"},
		Cursor: &protocol.Cursor{From: 3, To: 3},
	})
	a.reset()
	c.reset()

	// C goes silent past the TTL.
	clock.Advance(16 * time.Second)
	r.dispatch(tick{now: clock.Now()})

	msgs := a.messages(t)
	require.Len(t, msgs, 2)
	ping, ok := msgs[0].(*protocol.Ping)
	require.True(t, ok)
	assert.Equal(t, protocol.ServerClientID, ping.ClientID)
	assert.Equal(t, clock.Now().UnixMilli(), ping.TS)
	leave, ok := msgs[1].(*protocol.Leave)
	require.True(t, ok)
	assert.Equal(t, "C", leave.ClientID)

	// C is gone from presence; a later joiner's snapshot excludes it.
	_, ok2 := r.presence.Get("C")
	assert.False(t, ok2)
	late := &fakeConn{}
	join(r, "D", late, nil)
	lateMsgs := late.messages(t)
	snap := lateMsgs[1].(*protocol.PresenceSnapshot)
	for _, e := range snap.Presences {
		assert.NotEqual(t, "C", e.ClientID)
	}
}

func TestLeave(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	join(r, "A", a, nil)
	join(r, "B", b, &protocol.UserPresence{User: protocol.User{ID: "B"}})
	a.reset()

	r.dispatch(inbound{clientID: "B", msg: &protocol.Leave{
		Envelope: protocol.Envelope{Type: protocol.TypeLeave, RoomID: r.id, ClientID: "B"},
	}})

	_, stillThere := r.clients["B"]
	assert.False(t, stillThere)
	_, hasPresence := r.presence.Get("B")
	assert.False(t, hasPresence)

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	leave := msgs[0].(*protocol.Leave)
	assert.Equal(t, "B", leave.ClientID)
}

func TestDisconnectRemovesOnlyMatchingConn(t *testing.T) {
	r, _ := testRoom(t, nil, nil)
	stale, current := &fakeConn{}, &fakeConn{}
	join(r, "A", stale, nil)
	join(r, "A", current, nil)

	// The stale socket's close must not evict the replacement.
	r.dispatch(disconnect{clientID: "A", conn: stale})
	assert.Same(t, current, r.clients["A"].(*fakeConn))

	r.dispatch(disconnect{clientID: "A", conn: current})
	_, ok := r.clients["A"]
	assert.False(t, ok)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	cfg := Config{SnapshotEvery: 2}
	r := newRoom("room-1", cfg, steps.NewSchema("doc"), zap.NewNop().Sugar(), st, nil, clock.Now)
	a := &fakeConn{}
	join(r, "A", a, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "a"))
	sendSteps(r, "A", 1, stepRaw(1, 1, "b"))

	batches, err := st.LoadBatches(ctx, "room-1", 0)
	require.NoError(t, err)
	assert.Len(t, batches, 2)

	version, doc, err := st.LoadSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.JSONEq(t, `{"type":"doc","text":"ab"}`, string(doc))
}

func TestWarmStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SaveSnapshot(ctx, "room-1", 2, []byte(`{"type":"doc","text":"ab"}`)))
	require.NoError(t, st.AppendBatch(ctx, "room-1", store.BatchRecord{
		FromVersion: 2,
		ToVersion:   3,
		ClientID:    "A",
		Steps:       []json.RawMessage{stepRaw(2, 2, "c")},
	}))

	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newRoom("room-1", Config{}, steps.NewSchema("doc"), zap.NewNop().Sugar(), st, nil, clock.Now)
	assert.Equal(t, 3, r.version)
	assert.Equal(t, "abc", r.doc.Text)
}

func TestHistoryRequestAfterWarmStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SaveSnapshot(ctx, "room-1", 2, []byte(`{"type":"doc","text":"ab"}`)))
	require.NoError(t, st.AppendBatch(ctx, "room-1", store.BatchRecord{
		FromVersion: 2,
		ToVersion:   3,
		ClientID:    "A",
		Steps:       []json.RawMessage{stepRaw(2, 2, "c")},
	}))

	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newRoom("room-1", Config{}, steps.NewSchema("doc"), zap.NewNop().Sugar(), st, nil, clock.Now)
	a := &fakeConn{}
	join(r, "A", a, nil)
	a.reset()

	history := func(since int) *protocol.History {
		a.reset()
		r.dispatch(inbound{clientID: "A", msg: &protocol.HistoryRequest{
			Envelope:     protocol.Envelope{Type: protocol.TypeHistoryRequest, RoomID: r.id, ClientID: "A"},
			SinceVersion: since,
		}})
		msgs := a.messages(t)
		require.Len(t, msgs, 1)
		return msgs[0].(*protocol.History)
	}

	// Since the snapshot version: the retained batch, correctly labeled.
	h := history(2)
	assert.Equal(t, 2, h.FromVersion)
	assert.Equal(t, 3, h.ToVersion)
	require.Len(t, h.Steps, 1)
	assert.JSONEq(t, string(stepRaw(2, 2, "c")), string(h.Steps[0]))

	// At the head: empty history at the current version.
	h = history(3)
	assert.Equal(t, 3, h.FromVersion)
	assert.Equal(t, 3, h.ToVersion)
	assert.Empty(t, h.Steps)

	// Below the snapshot the batches are gone; the empty reply at the current
	// version must not mislabel the surviving tail.
	for _, since := range []int{0, 1} {
		h = history(since)
		assert.Equal(t, 3, h.FromVersion)
		assert.Equal(t, 3, h.ToVersion)
		assert.Empty(t, h.Steps)
	}
}

func TestMirrorPublishesAcceptedBatches(t *testing.T) {
	sink := &fakeSink{}
	r, _ := testRoom(t, nil, sink)
	a := &fakeConn{}
	join(r, "A", a, nil)
	sendSteps(r, "A", 0, stepRaw(0, 0, "x"))

	require.Len(t, sink.payloads, 1)
	msg, err := protocol.Decode(sink.payloads[0])
	require.NoError(t, err)
	st, ok := msg.(*protocol.Steps)
	require.True(t, ok)
	assert.Equal(t, "A", st.ClientID)
}

func TestRegistryLazyCreateAndStats(t *testing.T) {
	reg := NewRegistry(Config{}, steps.NewSchema("doc"), zap.NewNop().Sugar(), nil, nil)
	defer reg.Close()

	r1 := reg.Room("room-1")
	assert.Same(t, r1, reg.Room("room-1"))

	conn := &fakeConn{}
	r1.Deliver("A", conn, &protocol.Join{
		Envelope: protocol.Envelope{Type: protocol.TypeJoin, RoomID: "room-1", ClientID: "A"},
	})

	// The mailbox is asynchronous; Stats round-trips through it.
	stats := r1.Stats()
	assert.Equal(t, "room-1", stats.RoomID)
	assert.Equal(t, 1, stats.Clients)

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "room-1", list[0].RoomID)
}

func TestRegistryLogsCarryInstanceID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reg := NewRegistry(Config{}, steps.NewSchema("doc"), zap.New(core).Sugar(), nil, nil)
	defer reg.Close()
	assert.NotEmpty(t, reg.InstanceID)

	reg.Room("room-1")

	created := logs.FilterMessage("room created").All()
	require.Len(t, created, 1)
	assert.Equal(t, reg.InstanceID, created[0].ContextMap()["instance"])
}

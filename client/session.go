package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabroom/internal/protocol"
	"collabroom/internal/steps"
)

// Handler carries the consumer callbacks. All callbacks fire on the
// transport's reader goroutine and must not block or panic.
type Handler struct {
	// OnConnected reports transport state transitions.
	OnConnected func(connected bool)
	// OnSteps delivers an accepted remote batch to apply locally.
	OnSteps func(version int, from string, stepList []json.RawMessage)
	// OnPresence delivers one presence record; snapshots are expanded into
	// individual deliveries.
	OnPresence func(clientID string, p protocol.UserPresence)
	// OnDocSnapshot delivers an authoritative document for local replacement.
	OnDocSnapshot func(version int, doc json.RawMessage)
	OnJoin        func(clientID string)
	OnLeave       func(clientID string)
	OnError       func(code, reason string)
	// OnUnknown receives payloads the engine cannot decode.
	OnUnknown func(data []byte)
}

// Options configure a Session. URL and RoomID are required.
type Options struct {
	URL      string
	RoomID   string
	ClientID string // random when empty

	// Token, when set, is resolved on every dial and appended as ?token=.
	Token func() string

	// Presence is sent with the join message so remote users see the client
	// immediately.
	Presence *protocol.UserPresence

	Schema  *steps.Schema
	Handler Handler
	Dial    Dialer
	Log     *zap.SugaredLogger

	ReconnectBase   time.Duration // default 300ms
	ReconnectCap    time.Duration // default 8s
	ReconnectJitter time.Duration // default 200ms
}

const (
	defaultReconnectBase   = 300 * time.Millisecond
	defaultReconnectCap    = 8 * time.Second
	defaultReconnectJitter = 200 * time.Millisecond
	maxBackoffExponent     = 6
)

type pendingBatch struct {
	baseVersion int
	steps       []json.RawMessage
}

// Session is the client protocol engine. It owns the connection lifecycle,
// the local docVersion, and the queue of unacknowledged outgoing batches.
type Session struct {
	opts      Options
	dial      Dialer
	log       *zap.SugaredLogger
	afterFunc func(d time.Duration, f func()) *time.Timer
	jitter    func(max time.Duration) time.Duration

	mu                sync.Mutex
	transport         Transport
	docVersion        int
	lastServerVersion int
	pending           []pendingBatch
	shouldReconnect   bool
	attempts          int
	historyRequested  bool
	rebasePending     bool
	closed            bool
}

// New validates opts and builds a Session. Connect starts the connection.
func New(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.RoomID == "" {
		return nil, errors.New("client: RoomID is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Schema == nil {
		opts.Schema = steps.NewSchema("doc")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = defaultReconnectCap
	}
	if opts.ReconnectJitter <= 0 {
		opts.ReconnectJitter = defaultReconnectJitter
	}
	dial := opts.Dial
	if dial == nil {
		dial = DialWebsocket
	}
	return &Session{
		opts:      opts,
		dial:      dial,
		log:       opts.Log.With("room", opts.RoomID, "client", opts.ClientID),
		afterFunc: time.AfterFunc,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max) + 1))
		},
	}, nil
}

// ClientID returns the id this session joins rooms as.
func (s *Session) ClientID() string {
	return s.opts.ClientID
}

// DocVersion returns the last server version acknowledged or observed.
func (s *Session) DocVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docVersion
}

// Connect opens the transport and joins the room. On failure a reconnect is
// already scheduled; the error reports the first attempt only.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.shouldReconnect = true
	s.mu.Unlock()
	return s.connectOnce(ctx)
}

func (s *Session) connectOnce(ctx context.Context) error {
	target, err := s.buildURL()
	if err != nil {
		return err
	}
	t, err := s.dial(ctx, target, Hooks{
		OnMessage: s.handleMessage,
		OnClose:   s.handleClose,
	})
	if err != nil {
		s.log.Warnw("dial failed", "err", err)
		s.scheduleReconnect()
		return err
	}

	s.mu.Lock()
	s.transport = t
	s.attempts = 0
	// A recovery cut short by the drop restarts from the snapshot the new
	// connection's join produces; stale flags would swallow that cycle.
	s.historyRequested = false
	s.rebasePending = false
	s.mu.Unlock()

	s.send(&protocol.Join{
		Envelope: s.envelope(protocol.TypeJoin),
		Presence: s.opts.Presence,
	})
	if s.opts.Handler.OnConnected != nil {
		s.opts.Handler.OnConnected(true)
	}
	return nil
}

func (s *Session) buildURL() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("client: parse URL: %w", err)
	}
	if s.opts.Token != nil {
		if tok := s.opts.Token(); tok != "" {
			q := u.Query()
			q.Set("token", tok)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// SendSteps captures the current docVersion as the batch's base, enqueues it
// for ack tracking, and transmits it.
func (s *Session) SendSteps(stepList []json.RawMessage) {
	s.mu.Lock()
	base := s.docVersion
	s.pending = append(s.pending, pendingBatch{baseVersion: base, steps: stepList})
	s.mu.Unlock()
	s.send(&protocol.Steps{
		Envelope: s.envelope(protocol.TypeSteps),
		Version:  protocol.IntPtr(base),
		Steps:    stepList,
	})
}

// SendPresence announces cursor/selection state.
func (s *Session) SendPresence(p protocol.UserPresence) {
	s.send(&protocol.Presence{
		Envelope: s.envelope(protocol.TypePresence),
		Presence: p,
	})
}

// RequestDoc asks for a fresh authoritative snapshot.
func (s *Session) RequestDoc() {
	s.send(&protocol.DocRequest{Envelope: s.envelope(protocol.TypeDocRequest)})
}

// Disconnect leaves the room and stops reconnecting. Terminal.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.closed = true
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		if payload, err := protocol.Encode(&protocol.Leave{Envelope: s.envelope(protocol.TypeLeave)}); err == nil {
			_ = t.Send(payload) // best effort
		}
		_ = t.Close()
	}
}

func (s *Session) handleMessage(buf []byte) {
	msg, err := protocol.Decode(buf)
	if err != nil {
		if s.opts.Handler.OnUnknown != nil {
			s.opts.Handler.OnUnknown(buf)
		}
		return
	}
	h := s.opts.Handler
	switch m := msg.(type) {
	case *protocol.Steps:
		if m.Version == nil {
			return
		}
		s.mu.Lock()
		s.docVersion = *m.Version
		s.lastServerVersion = *m.Version
		s.mu.Unlock()
		if h.OnSteps != nil {
			h.OnSteps(*m.Version, m.ClientID, m.Steps)
		}
	case *protocol.Presence:
		if h.OnPresence != nil {
			h.OnPresence(m.ClientID, m.Presence)
		}
	case *protocol.PresenceSnapshot:
		if h.OnPresence != nil {
			for _, e := range m.Presences {
				h.OnPresence(e.ClientID, e.Presence)
			}
		}
	case *protocol.DocSnapshot:
		s.handleDocSnapshot(m)
	case *protocol.History:
		s.handleHistory(m)
	case *protocol.Ping:
		s.send(&protocol.Pong{Envelope: s.envelope(protocol.TypePong), TS: m.TS})
	case *protocol.Ack:
		s.handleAck(m)
	case *protocol.Error:
		if h.OnError != nil {
			h.OnError(m.Code, m.Reason)
		}
	case *protocol.Join:
		if h.OnJoin != nil {
			h.OnJoin(m.ClientID)
		}
	case *protocol.Leave:
		if h.OnLeave != nil {
			h.OnLeave(m.ClientID)
		}
	}
}

func (s *Session) handleDocSnapshot(m *protocol.DocSnapshot) {
	s.mu.Lock()
	prior := s.lastServerVersion
	s.docVersion = m.Version
	s.lastServerVersion = m.Version
	needHistory := len(s.pending) > 0 && !s.historyRequested
	if needHistory {
		s.historyRequested = true
		s.rebasePending = true
	}
	s.mu.Unlock()

	if s.opts.Handler.OnDocSnapshot != nil {
		s.opts.Handler.OnDocSnapshot(m.Version, m.Doc)
	}
	if needHistory {
		s.send(&protocol.HistoryRequest{
			Envelope:     s.envelope(protocol.TypeHistoryRequest),
			SinceVersion: prior,
		})
	}
}

func (s *Session) handleHistory(m *protocol.History) {
	s.mu.Lock()
	if !s.rebasePending {
		s.mu.Unlock()
		return
	}
	s.rebasePending = false
	s.historyRequested = false
	queued := s.pending
	s.pending = nil
	version := s.docVersion
	s.mu.Unlock()

	rebased, err := rebaseBatches(s.opts.Schema, m.Steps, queued)
	if err != nil {
		// Rebase impossible (schema drift, unknown step type). Resend the
		// queued batches unchanged at the new version; the server's version
		// gate closes the loop with another snapshot if they no longer fit.
		s.log.Warnw("rebase failed, resending queued batches unchanged", "err", err)
		for _, b := range queued {
			s.sendStepsAt(version, b.steps)
		}
		return
	}
	for _, stepList := range rebased {
		s.sendStepsAt(version, stepList)
	}
}

// sendStepsAt transmits a batch without enqueuing it; rebase resends are
// already in flight from the user's perspective.
func (s *Session) sendStepsAt(version int, stepList []json.RawMessage) {
	s.send(&protocol.Steps{
		Envelope: s.envelope(protocol.TypeSteps),
		Version:  protocol.IntPtr(version),
		Steps:    stepList,
	})
}

// rebaseBatches maps every queued local step through the composed position
// maps of the intervening server steps. Steps whose content the server
// already deleted drop out.
func rebaseBatches(schema *steps.Schema, serverSteps []json.RawMessage, queued []pendingBatch) ([][]json.RawMessage, error) {
	mapping := steps.NewMapping()
	for _, raw := range serverSteps {
		st, err := steps.FromJSON(schema, raw)
		if err != nil {
			return nil, err
		}
		mapping.AppendMap(st.PosMap())
	}
	var out [][]json.RawMessage
	for _, b := range queued {
		var batch []json.RawMessage
		for _, raw := range b.steps {
			st, err := steps.FromJSON(schema, raw)
			if err != nil {
				return nil, err
			}
			mapped, ok := st.Map(mapping)
			if !ok {
				continue
			}
			j, err := mapped.ToJSON()
			if err != nil {
				return nil, err
			}
			batch = append(batch, j)
		}
		if len(batch) > 0 {
			out = append(out, batch)
		}
	}
	return out, nil
}

func (s *Session) handleAck(m *protocol.Ack) {
	if m.AckType != protocol.AckSteps {
		return
	}
	s.mu.Lock()
	if len(s.pending) > 0 {
		s.pending = s.pending[1:]
	}
	if m.Version > 0 {
		s.docVersion = m.Version
		s.lastServerVersion = m.Version
	}
	s.mu.Unlock()
}

func (s *Session) handleClose(err error) {
	s.mu.Lock()
	s.transport = nil
	reconnect := s.shouldReconnect && !s.closed
	s.mu.Unlock()

	if s.opts.Handler.OnConnected != nil {
		s.opts.Handler.OnConnected(false)
	}
	if err != nil {
		s.log.Debugw("transport closed", "err", err)
	}
	if reconnect {
		s.scheduleReconnect()
	}
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	attempt := s.attempts
	s.attempts++
	s.mu.Unlock()

	delay := s.backoffDelay(attempt)
	s.log.Infow("scheduling reconnect", "attempt", attempt+1, "delay", delay)
	s.afterFunc(delay, func() {
		s.mu.Lock()
		skip := !s.shouldReconnect || s.closed || s.transport != nil
		s.mu.Unlock()
		if skip {
			return
		}
		_ = s.connectOnce(context.Background())
	})
}

func (s *Session) backoffDelay(attempt int) time.Duration {
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	d := s.opts.ReconnectBase << attempt
	if d > s.opts.ReconnectCap {
		d = s.opts.ReconnectCap
	}
	return d + s.jitter(s.opts.ReconnectJitter)
}

// send transmits best-effort; failures are swallowed since the transport
// surfaces close separately.
func (s *Session) send(msg protocol.Enveloped) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		s.log.Errorw("encode message failed", "type", msg.Env().Type, "err", err)
		return
	}
	if err := t.Send(payload); err != nil {
		s.log.Debugw("send failed", "type", msg.Env().Type, "err", err)
	}
}

func (s *Session) envelope(msgType string) protocol.Envelope {
	return protocol.Envelope{Type: msgType, RoomID: s.opts.RoomID, ClientID: s.opts.ClientID}
}

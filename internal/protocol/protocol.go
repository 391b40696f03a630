// Package protocol defines the wire messages exchanged between clients and
// the room server. Every payload is a single JSON object tagged by "type".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeSteps            = "steps"
	TypePresence         = "presence"
	TypePresenceSnapshot = "presence-snapshot"
	TypeDocRequest       = "doc-request"
	TypeDocSnapshot      = "doc-snapshot"
	TypeHistoryRequest   = "history-request"
	TypeHistory          = "history"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeAck              = "ack"
	TypeError            = "error"
)

// ServerClientID is the clientId carried by server-originated pings.
const ServerClientID = "server"

// Reserved error codes. Other codes pass through to clients opaquely.
const (
	CodeVersionMismatch = "version_mismatch"
	CodeApplyFailed     = "apply_failed"
)

// Ack subjects.
const (
	AckSteps    = "steps"
	AckPresence = "presence"
	AckJoin     = "join"
	AckLeave    = "leave"
)

// ErrUnknownType is returned by Decode for an unrecognized type tag.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is embedded in every message. On server-originated messages
// ClientID names the subject client, not the sender.
type Envelope struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
}

func (e Envelope) Env() Envelope { return e }

// Enveloped is satisfied by every message type via the embedded Envelope.
type Enveloped interface {
	Env() Envelope
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

type Cursor struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// UserPresence is the ephemeral per-client record relayed to all
// participants. Timestamp is stamped by the server on upsert.
type UserPresence struct {
	User      User           `json:"user"`
	Cursor    *Cursor        `json:"cursor,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

type PresenceEntry struct {
	ClientID string       `json:"clientId"`
	Presence UserPresence `json:"presence"`
}

type Join struct {
	Envelope
	Presence *UserPresence `json:"presence,omitempty"`
}

type Leave struct {
	Envelope
}

// Steps carries a step batch in both directions. Client-originated batches
// may omit Version; server broadcasts always set it to the version the batch
// produced.
type Steps struct {
	Envelope
	Version         *int              `json:"version,omitempty"`
	Steps           []json.RawMessage `json:"steps"`
	ClientSelection *Cursor           `json:"clientSelection,omitempty"`
}

type Presence struct {
	Envelope
	Presence UserPresence `json:"presence"`
}

type PresenceSnapshot struct {
	Envelope
	Presences []PresenceEntry `json:"presences"`
}

type DocRequest struct {
	Envelope
}

type DocSnapshot struct {
	Envelope
	Version int             `json:"version"`
	Doc     json.RawMessage `json:"doc"`
}

type HistoryRequest struct {
	Envelope
	SinceVersion int `json:"sinceVersion"`
}

type History struct {
	Envelope
	FromVersion int               `json:"fromVersion"`
	ToVersion   int               `json:"toVersion"`
	Steps       []json.RawMessage `json:"steps"`
}

type Ping struct {
	Envelope
	TS int64 `json:"ts"`
}

type Pong struct {
	Envelope
	TS int64 `json:"ts"`
}

type Ack struct {
	Envelope
	AckType string `json:"ackType"`
	OK      bool   `json:"ok"`
	Version int    `json:"version,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type Error struct {
	Envelope
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Decode parses one wire payload into its concrete message type.
func Decode(buf []byte) (Enveloped, error) {
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var msg Enveloped
	switch env.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeLeave:
		msg = &Leave{}
	case TypeSteps:
		msg = &Steps{}
	case TypePresence:
		msg = &Presence{}
	case TypePresenceSnapshot:
		msg = &PresenceSnapshot{}
	case TypeDocRequest:
		msg = &DocRequest{}
	case TypeDocSnapshot:
		msg = &DocSnapshot{}
	case TypeHistoryRequest:
		msg = &HistoryRequest{}
	case TypeHistory:
		msg = &History{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeAck:
		msg = &Ack{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(buf, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// Encode marshals a message for the wire.
func Encode(msg Enveloped) ([]byte, error) {
	return json.Marshal(msg)
}

// IntPtr helps populate optional version fields.
func IntPtr(v int) *int { return &v }

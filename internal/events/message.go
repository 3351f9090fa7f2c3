// Package events defines the JSON envelope exchanged over client connections
// and the event type names used by the coordinator.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Inbound event types (client -> coordinator).
const (
	Authenticate = "authenticate"
	JoinQueue    = "join_queue"
	LeaveQueue   = "leave_queue"
	AcceptMatch  = "accept_match"
	RejectMatch  = "reject_match"
	RelaySignal  = "relay_signal"
	EndSession   = "end_session"
	Heartbeat    = "heartbeat"
)

// Outbound event types (coordinator -> client).
const (
	Authenticated     = "authenticated"
	AuthError         = "auth_error"
	QueueJoinResponse = "queue_join_response"
	ActionResponse    = "action_response"
	MatchFound        = "match_found"
	MatchAccepted     = "match_accepted"
	MatchRejected     = "match_rejected"
	MatchTimeout      = "match_timeout"
	SessionStarted    = "session_started"
	SessionEnded      = "session_ended"
	Signal            = "signal"
	QueueTimeout      = "queue_timeout"
	Requeued          = "requeued"
	Disconnect        = "disconnect"
	Error             = "error"
)

// ErrNotConnected is returned by a Notifier when the user has no live connection.
var ErrNotConnected = errors.New("user not connected")

// Envelope is the frame used in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notifier delivers an outbound event to a user's connection without
// waiting for the client.
type Notifier interface {
	Send(userID, msgType string, data any) error
}

// New builds an envelope, marshaling data unless it is already raw JSON.
func New(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: time.Now().UTC()}
	if data == nil {
		return env, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	b, err := marshal(data)
	if err != nil {
		return env, err
	}
	env.Data = b
	return env, nil
}

// Encode renders the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return marshal(e)
}

// marshal leaves <, > and & alone so relayed SDP reaches the peer as sent.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode unmarshals the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

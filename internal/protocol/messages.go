// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeJoinSession = "join_session"
	TypeSendMessage = "send_message"
	TypeEndSession  = "end_session"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeParticipantCreated = "participant_created"
	TypeMatchFound         = "match_found"
	TypeQueueTimeout       = "queue_timeout"
	TypeSessionJoined      = "session_joined"
	TypeUserJoined         = "user_joined"
	TypeReceiveMessage     = "receive_message"
	TypeUserTyping         = "user_typing"
	TypeSessionEnded       = "session_ended"
	TypeError              = "error"
	TypePong               = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// JoinSessionMsg is sent by the client to enter a session it was matched
// into. DisplayName optionally replaces the default role name shown to the
// counterpart.
type JoinSessionMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// SendMessageMsg is a text message sent by the client within a session.
type SendMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// EndSessionMsg is sent by the client to end its session.
type EndSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ClientTypingMsg indicates whether the client is currently typing.
type ClientTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ParticipantCreatedMsg is sent by the server when a connection is
// established and assigned a participant identity.
type ParticipantCreatedMsg struct {
	ParticipantID string `json:"participant_id"`
}

// MatchFoundMsg is sent by the server when the participant has been paired.
type MatchFoundMsg struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
}

// QueueTimeoutMsg is sent by the server when the queue entry expired
// without a match.
type QueueTimeoutMsg struct {
	Role string `json:"role"`
}

// SessionJoinedMsg confirms a join and carries the session's message
// history.
type SessionJoinedMsg struct {
	SessionID string        `json:"session_id"`
	Role      string        `json:"role"`
	History   []HistoryItem `json:"history,omitempty"`
}

// HistoryItem is one past message replayed on join.
type HistoryItem struct {
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// UserJoinedMsg tells a participant their counterpart is present.
type UserJoinedMsg struct {
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name"`
}

// ReceiveMessageMsg relays a message from the counterpart.
type ReceiveMessageMsg struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// UserTypingMsg relays the counterpart's typing indicator.
type UserTypingMsg struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// SessionEndedMsg tells both participants the session is over.
type SessionEndedMsg struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and any
// error encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinSession:
		var m JoinSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m ClientTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

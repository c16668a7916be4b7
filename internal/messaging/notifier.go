package messaging

import (
	"encoding/json"
	"log"

	"github.com/ventline/ventline/internal/backend"
)

// Session event names carried on the session.<session_id> subject.
const (
	EventSessionJoined = "session_joined"
	EventUserJoined    = "user_joined"
	EventMessage       = "message"
	EventTyping        = "typing"
	EventEnded         = "ended"
)

// SessionEvent is the payload published to session.<session_id>. Target
// addresses a single participant; empty Target means both.
type SessionEvent struct {
	Event       string `json:"event"`
	SessionID   string `json:"session_id"`
	Target      string `json:"target,omitempty"`
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Content     string `json:"content,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Reason      string `json:"reason,omitempty"`
	IsTyping    bool   `json:"is_typing,omitempty"`
}

// MatchEvent is the payload published to match.found.<participant_id>.
type MatchEvent struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
}

// TimeoutEvent is the payload published to queue.timeout.<participant_id>.
type TimeoutEvent struct {
	Role string `json:"role"`
}

// Notifier publishes session lifecycle events over NATS. It satisfies the
// session manager's notifier contract; every connected instance receives
// the events and delivers them to its local connections.
type Notifier struct {
	nats *NATSClient
}

// NewNotifier creates a Notifier on an existing NATS client.
func NewNotifier(nats *NATSClient) *Notifier {
	return &Notifier{nats: nats}
}

func (n *Notifier) publish(sessionID string, ev SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[messaging] marshal %s event: %v", ev.Event, err)
		return
	}
	if err := n.nats.PublishSessionEvent(sessionID, data); err != nil {
		log.Printf("[messaging] publish %s to session %s: %v", ev.Event, sessionID, err)
	}
}

// SessionJoined confirms a join to the participant who joined.
func (n *Notifier) SessionJoined(s *backend.SessionRecord, participantID string) {
	role, _ := s.RoleOf(participantID)
	n.publish(s.SessionID, SessionEvent{
		Event:     EventSessionJoined,
		SessionID: s.SessionID,
		Target:    participantID,
		Role:      string(role),
	})
}

// UserJoined tells participantID that their counterpart is present.
func (n *Notifier) UserJoined(s *backend.SessionRecord, participantID string) {
	otherRole, _ := s.RoleOf(s.OtherParticipant(participantID))
	n.publish(s.SessionID, SessionEvent{
		Event:       EventUserJoined,
		SessionID:   s.SessionID,
		Target:      participantID,
		DisplayName: s.DisplayNameOf(otherRole),
	})
}

// MessagePosted delivers a message to the participant opposite the sender.
func (n *Notifier) MessagePosted(s *backend.SessionRecord, msg *backend.Message) {
	var sender string
	if msg.Sender == backend.RoleSpeaker {
		sender = s.SpeakerID
	} else {
		sender = s.ListenerID
	}
	n.publish(s.SessionID, SessionEvent{
		Event:       EventMessage,
		SessionID:   s.SessionID,
		Target:      s.OtherParticipant(sender),
		Role:        string(msg.Sender),
		DisplayName: msg.SenderDisplayName,
		MessageID:   msg.ID,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp.UnixMilli(),
	})
}

// Typing tells the counterpart whether participantID is typing. Stops are
// relayed the same as starts, with IsTyping false.
func (n *Notifier) Typing(s *backend.SessionRecord, participantID string, isTyping bool) {
	n.publish(s.SessionID, SessionEvent{
		Event:     EventTyping,
		SessionID: s.SessionID,
		Target:    s.OtherParticipant(participantID),
		IsTyping:  isTyping,
	})
}

// SessionEnded tells both participants the session is over.
func (n *Notifier) SessionEnded(s *backend.SessionRecord, reason string) {
	n.publish(s.SessionID, SessionEvent{
		Event:     EventEnded,
		SessionID: s.SessionID,
		Reason:    reason,
	})
}

// MatchFound notifies one participant of their pairing.
func (n *Notifier) MatchFound(participantID, sessionID string, role backend.Role) {
	data, err := json.Marshal(MatchEvent{SessionID: sessionID, Role: string(role)})
	if err != nil {
		log.Printf("[messaging] marshal match event: %v", err)
		return
	}
	if err := n.nats.PublishMatchFound(participantID, data); err != nil {
		log.Printf("[messaging] publish match.found for %s: %v", participantID, err)
	}
}

// QueueTimeout notifies one participant that their queue entry expired.
func (n *Notifier) QueueTimeout(participantID string, role backend.Role) {
	data, err := json.Marshal(TimeoutEvent{Role: string(role)})
	if err != nil {
		log.Printf("[messaging] marshal timeout event: %v", err)
		return
	}
	if err := n.nats.PublishQueueTimeout(participantID, data); err != nil {
		log.Printf("[messaging] publish queue.timeout for %s: %v", participantID, err)
	}
}

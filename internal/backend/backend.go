// Package backend abstracts the storage substrate shared by the matcher and
// the session manager: per-role FIFO queues, session records with message
// history, and participant-to-session bindings. RedisStore serves the shared
// networked deployment and LocalStore is the in-process fallback, with
// identical semantics, so callers cannot depend on which one is active.
// Failover wraps both and handles degradation.
package backend

import (
	"context"
	"errors"
	"time"
)

// Role identifies which side of a pairing a participant is on.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// Opposite returns the role a participant can be matched against.
func (r Role) Opposite() Role {
	if r == RoleSpeaker {
		return RoleListener
	}
	return RoleSpeaker
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleSpeaker || r == RoleListener
}

// ParseRole converts a wire string into a Role.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// MaxSessionMessages is the message history cap enforced by the storage
// adapter, independent of session business logic.
const MaxSessionMessages = 200

// Session status values. Sessions only ever move active -> ended; an ended
// session is deleted after both parties have been notified.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// ErrUnavailable marks backend transport failures. The Failover wrapper
// reacts to it (and to any other store error) by switching to the local
// fallback; it is never surfaced raw to end users.
var ErrUnavailable = errors.New("backend unavailable")

// Message is one chat message within a session. Immutable once appended;
// ordering is insertion order.
type Message struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Sender            Role      `json:"sender"`
	SenderDisplayName string    `json:"sender_display_name,omitempty"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
}

// SessionRecord is the persisted state of a chat session.
type SessionRecord struct {
	SessionID           string
	SpeakerID           string
	ListenerID          string
	SpeakerDisplayName  string
	ListenerDisplayName string
	Status              string
	CreatedAt           time.Time
	EndedAt             time.Time // zero until the session ends
	EndedBy             string
	EndReason           string
}

// IsParticipant checks whether pid is one of the two session members.
func (s *SessionRecord) IsParticipant(pid string) bool {
	return pid == s.SpeakerID || pid == s.ListenerID
}

// OtherParticipant returns the partner of pid, or "" if pid is not a member.
func (s *SessionRecord) OtherParticipant(pid string) string {
	switch pid {
	case s.SpeakerID:
		return s.ListenerID
	case s.ListenerID:
		return s.SpeakerID
	}
	return ""
}

// RoleOf returns the role pid holds in this session.
func (s *SessionRecord) RoleOf(pid string) (Role, bool) {
	switch pid {
	case s.SpeakerID:
		return RoleSpeaker, true
	case s.ListenerID:
		return RoleListener, true
	}
	return "", false
}

// DisplayNameOf returns the display name recorded for the given role.
func (s *SessionRecord) DisplayNameOf(role Role) string {
	if role == RoleSpeaker {
		return s.SpeakerDisplayName
	}
	return s.ListenerDisplayName
}

// Store is the queue + session substrate underlying the Matcher and the
// Session Manager. All operations take a context because the networked
// implementation may block; not-found conditions are values, not errors.
type Store interface {
	// Enqueue appends a participant to the tail of the role's FIFO queue.
	Enqueue(ctx context.Context, role Role, participantID string, enqueuedAt time.Time) error

	// ClaimOldest atomically pops the longest-waiting participant of the
	// given role. Two concurrent claims can never both receive the same
	// entry. ok is false when the queue is empty.
	ClaimOldest(ctx context.Context, role Role) (participantID string, ok bool, err error)

	// RemoveWaiting removes a specific participant from a queue. It is
	// idempotent against entries already consumed by a claim or an earlier
	// removal: removed is false in that case, never an error.
	RemoveWaiting(ctx context.Context, role Role, participantID string) (removed bool, err error)

	// QueueDepth returns the number of waiting entries for a role.
	QueueDepth(ctx context.Context, role Role) (int, error)

	// QueuedRole reports which queue, if any, currently holds a participant.
	QueuedRole(ctx context.Context, participantID string) (Role, bool, error)

	// PutSession creates or overwrites a session record.
	PutSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns nil without error when the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// DeleteSession removes the record and its message history. No-op when
	// the session is already gone.
	DeleteSession(ctx context.Context, sessionID string) error

	// SessionIDs lists all known session ids, for the background sweep.
	SessionIDs(ctx context.Context) ([]string, error)

	// AppendMessage adds a message to the session's history. The adapter
	// caps history length at MaxSessionMessages, oldest first to go.
	AppendMessage(ctx context.Context, sessionID string, msg Message) error

	// Messages returns the session's history in insertion order.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// BindParticipant records pid's active session, enforcing the
	// one-active-session-per-participant invariant at admission and join.
	BindParticipant(ctx context.Context, participantID, sessionID string) error

	// ParticipantSession returns "" when the participant has no active
	// session.
	ParticipantSession(ctx context.Context, participantID string) (string, error)

	// UnbindParticipant clears pid's binding. No-op when absent.
	UnbindParticipant(ctx context.Context, participantID string) error

	// Name identifies the implementation ("redis", "local") for logs.
	Name() string

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

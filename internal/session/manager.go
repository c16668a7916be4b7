// Package session owns the lifecycle of paired conversations: creation on
// match, join and presence tracking, message relay, teardown, and the
// retention sweep that erases finished sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ventline/ventline/internal/backend"
	"github.com/ventline/ventline/internal/metrics"
	"github.com/ventline/ventline/internal/timers"
)

// End reasons recorded on the session and sent to both parties.
const (
	ReasonUserEnded        = "user_ended"
	ReasonUserDisconnected = "user_disconnected"
	ReasonReported         = "reported"
	ReasonExpired          = "expired"
)

// Display names shown in place of identities. Participants stay anonymous
// to each other; a client may supply a pseudonym at join, otherwise the
// role name is shown.
const (
	DisplayNameSpeaker  = "Speaker"
	DisplayNameListener = "Listener"
)

// maxDisplayNameLen caps client-supplied pseudonyms.
const maxDisplayNameLen = 32

// ErrConflict is returned by Create when a participant is already bound to
// a different active session.
var ErrConflict = errors.New("session: participant already in another session")

// ErrNotParticipant is returned when a participant acts on a session they
// are not a member of.
var ErrNotParticipant = errors.New("session: not a participant")

// Notifier receives session events for delivery to connected participants.
// Methods must not block; implementations publish and return.
type Notifier interface {
	// SessionJoined confirms a join to the participant who joined.
	SessionJoined(s *backend.SessionRecord, participantID string)

	// UserJoined tells participantID that their counterpart is present.
	UserJoined(s *backend.SessionRecord, participantID string)

	// MessagePosted delivers a message to the participant opposite the sender.
	MessagePosted(s *backend.SessionRecord, msg *backend.Message)

	// Typing tells the counterpart whether participantID is typing.
	Typing(s *backend.SessionRecord, participantID string, isTyping bool)

	// SessionEnded tells both participants the session is over.
	SessionEnded(s *backend.SessionRecord, reason string)
}

// Manager coordinates session state in the backend store with in-process
// presence and notification.
type Manager struct {
	store    backend.Store
	notifier Notifier
	timers   *timers.Registry

	joinDebounce time.Duration
	retention    time.Duration
	maxAge       time.Duration

	mu        sync.Mutex
	presence  map[string]map[string]bool // sessionID -> participantID -> present
	announced map[string]bool            // sessionID -> both-present already sent

	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager. retention is how long an ended session's
// record and transcript survive before Cleanup erases them; maxAge bounds
// the lifetime of an active session.
func NewManager(store backend.Store, notifier Notifier, joinDebounce, retention, maxAge time.Duration) *Manager {
	return &Manager{
		store:        store,
		notifier:     notifier,
		timers:       timers.NewRegistry(),
		joinDebounce: joinDebounce,
		retention:    retention,
		maxAge:       maxAge,
		presence:     make(map[string]map[string]bool),
		announced:    make(map[string]bool),
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// Create materializes a session for a completed pairing and binds both
// participants to it. Re-creating an existing session with the same
// participants is a no-op, so duplicate match deliveries are harmless.
func (m *Manager) Create(ctx context.Context, sessionID, speakerID, listenerID string) (*backend.SessionRecord, error) {
	existing, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	if existing != nil {
		if existing.SpeakerID == speakerID && existing.ListenerID == listenerID {
			return existing, nil
		}
		return nil, fmt.Errorf("session: create %s: %w", sessionID, ErrConflict)
	}

	for _, pid := range []string{speakerID, listenerID} {
		sid, err := m.store.ParticipantSession(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("session: create %s: %w", sessionID, err)
		}
		if sid != "" && sid != sessionID {
			return nil, fmt.Errorf("session: create %s: participant %s: %w", sessionID, pid, ErrConflict)
		}
	}

	rec := &backend.SessionRecord{
		SessionID:           sessionID,
		SpeakerID:           speakerID,
		ListenerID:          listenerID,
		SpeakerDisplayName:  DisplayNameSpeaker,
		ListenerDisplayName: DisplayNameListener,
		Status:              backend.StatusActive,
		CreatedAt:           m.now(),
	}
	if err := m.store.PutSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	for _, pid := range []string{speakerID, listenerID} {
		if err := m.store.BindParticipant(ctx, pid, sessionID); err != nil {
			return nil, fmt.Errorf("session: bind %s to %s: %w", pid, sessionID, err)
		}
	}

	metrics.ActiveSessions.Inc()
	log.Printf("[session] created %s speaker=%s listener=%s", sessionID, speakerID, listenerID)
	return rec, nil
}

// Join marks the participant present and returns the session record plus
// any message history. A nil record without error means the session does
// not exist or has already ended. A non-empty displayName replaces the
// default role name for this participant's side. When both sides are
// present the counterpart announcement fires once, debounced so
// near-simultaneous joins collapse into a single pair of notifications.
func (m *Manager) Join(ctx context.Context, sessionID, participantID, displayName string) (*backend.SessionRecord, []backend.Message, error) {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("session: join %s: %w", sessionID, err)
	}
	if rec == nil || rec.Status != backend.StatusActive {
		return nil, nil, nil
	}
	if !rec.IsParticipant(participantID) {
		return nil, nil, ErrNotParticipant
	}

	if name := sanitizeDisplayName(displayName); name != "" {
		role, _ := rec.RoleOf(participantID)
		if rec.DisplayNameOf(role) != name {
			if role == backend.RoleSpeaker {
				rec.SpeakerDisplayName = name
			} else {
				rec.ListenerDisplayName = name
			}
			if err := m.store.PutSession(ctx, rec); err != nil {
				return nil, nil, fmt.Errorf("session: join %s: %w", sessionID, err)
			}
		}
	}

	history, err := m.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("session: history %s: %w", sessionID, err)
	}

	m.mu.Lock()
	if m.presence[sessionID] == nil {
		m.presence[sessionID] = make(map[string]bool)
	}
	m.presence[sessionID][participantID] = true
	bothPresent := m.presence[sessionID][rec.SpeakerID] && m.presence[sessionID][rec.ListenerID]
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.SessionJoined(rec, participantID)
	}

	if bothPresent {
		r := rec
		m.timers.Schedule("present:"+sessionID, m.joinDebounce, func() {
			m.announcePresence(r)
		})
	}

	log.Printf("[session] %s joined %s", participantID, sessionID)
	return rec, history, nil
}

// announcePresence tells each side the other is there. Runs at most once
// per session.
func (m *Manager) announcePresence(rec *backend.SessionRecord) {
	m.mu.Lock()
	done := m.announced[rec.SessionID]
	if !done {
		m.announced[rec.SessionID] = true
	}
	m.mu.Unlock()

	if done || m.notifier == nil {
		return
	}
	m.notifier.UserJoined(rec, rec.SpeakerID)
	m.notifier.UserJoined(rec, rec.ListenerID)
}

// PostMessage validates, persists, and relays one message. It returns
// (nil, nil) when the session is gone or already ended; the transport maps
// that to its own error reply.
func (m *Manager) PostMessage(ctx context.Context, sessionID, participantID, content string) (*backend.Message, error) {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: post to %s: %w", sessionID, err)
	}
	if rec == nil || rec.Status != backend.StatusActive {
		return nil, nil
	}
	if !rec.IsParticipant(participantID) {
		return nil, ErrNotParticipant
	}

	role, _ := rec.RoleOf(participantID)
	msg := backend.Message{
		ID:                m.newID(),
		SessionID:         sessionID,
		Sender:            role,
		SenderDisplayName: rec.DisplayNameOf(role),
		Content:           content,
		Timestamp:         m.now(),
	}
	if err := m.store.AppendMessage(ctx, sessionID, msg); err != nil {
		return nil, fmt.Errorf("session: append to %s: %w", sessionID, err)
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	if m.notifier != nil {
		m.notifier.MessagePosted(rec, &msg)
	}
	return &msg, nil
}

// Typing relays a typing indicator to the counterpart. Both the start and
// the stop are relayed; indicators are ephemeral and never persisted.
func (m *Manager) Typing(ctx context.Context, sessionID, participantID string, isTyping bool) error {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: typing in %s: %w", sessionID, err)
	}
	if rec == nil || rec.Status != backend.StatusActive {
		return nil
	}
	if !rec.IsParticipant(participantID) {
		return ErrNotParticipant
	}
	if m.notifier != nil {
		m.notifier.Typing(rec, participantID, isTyping)
	}
	return nil
}

// End transitions a session to ended, notifies both parties, unbinds the
// participants, and schedules the retention cleanup. It returns false when
// the session does not exist or has already ended.
func (m *Manager) End(ctx context.Context, sessionID, endedBy, reason string) (bool, error) {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: end %s: %w", sessionID, err)
	}
	if rec == nil || rec.Status == backend.StatusEnded {
		return false, nil
	}

	rec.Status = backend.StatusEnded
	rec.EndedAt = m.now()
	rec.EndedBy = endedBy
	rec.EndReason = reason
	if err := m.store.PutSession(ctx, rec); err != nil {
		return false, fmt.Errorf("session: end %s: %w", sessionID, err)
	}

	for _, pid := range []string{rec.SpeakerID, rec.ListenerID} {
		if err := m.store.UnbindParticipant(ctx, pid); err != nil {
			log.Printf("[session] unbind %s: %v", pid, err)
		}
	}

	m.mu.Lock()
	delete(m.presence, sessionID)
	delete(m.announced, sessionID)
	m.mu.Unlock()
	m.timers.Cancel("present:" + sessionID)

	metrics.ActiveSessions.Dec()
	if m.notifier != nil {
		m.notifier.SessionEnded(rec, reason)
	}

	if m.retention > 0 {
		sid := sessionID
		m.timers.Schedule("cleanup:"+sessionID, m.retention, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Cleanup(cctx, sid); err != nil {
				log.Printf("[session] scheduled cleanup %s: %v", sid, err)
			}
		})
	}

	log.Printf("[session] ended %s by=%q reason=%s", sessionID, endedBy, reason)
	return true, nil
}

// EndByParticipant ends a session on behalf of one of its members. Unlike
// Takedown it enforces membership. The record and transcript are erased
// right after both sides are notified; if that erase fails, the retention
// timer scheduled by End picks it up.
func (m *Manager) EndByParticipant(ctx context.Context, sessionID, participantID, reason string) (bool, error) {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: end %s: %w", sessionID, err)
	}
	if rec == nil || rec.Status != backend.StatusActive {
		return false, nil
	}
	if !rec.IsParticipant(participantID) {
		return false, ErrNotParticipant
	}

	ended, err := m.End(ctx, sessionID, participantID, reason)
	if err != nil || !ended {
		return ended, err
	}
	if err := m.Cleanup(ctx, sessionID); err != nil {
		log.Printf("[session] post-end cleanup %s: %v", sessionID, err)
	}
	return true, nil
}

// Takedown force-ends a session after a report. Membership is not checked
// and an absent or already-ended session is not an error. The record and
// transcript are erased right after the end notification goes out.
func (m *Manager) Takedown(ctx context.Context, sessionID string) error {
	ended, err := m.End(ctx, sessionID, "", ReasonReported)
	if err != nil {
		return err
	}
	if ended {
		if err := m.Cleanup(ctx, sessionID); err != nil {
			log.Printf("[session] post-takedown cleanup %s: %v", sessionID, err)
		}
	}
	return nil
}

// Disconnected handles a participant's transport going away: whatever
// session they are bound to ends with the disconnect reason.
func (m *Manager) Disconnected(ctx context.Context, participantID string) error {
	sid, err := m.store.ParticipantSession(ctx, participantID)
	if err != nil {
		return fmt.Errorf("session: disconnect %s: %w", participantID, err)
	}
	if sid == "" {
		return nil
	}
	if _, err := m.End(ctx, sid, participantID, ReasonUserDisconnected); err != nil {
		return err
	}
	return nil
}

// Cleanup erases a session's record and transcript. Idempotent.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: cleanup %s: %w", sessionID, err)
	}
	if rec != nil {
		// A participant may already be bound to a newer session by the time
		// a deferred cleanup runs; only clear bindings that still point at
		// the session being erased.
		for _, pid := range []string{rec.SpeakerID, rec.ListenerID} {
			sid, err := m.store.ParticipantSession(ctx, pid)
			if err != nil {
				log.Printf("[session] cleanup binding lookup %s: %v", pid, err)
				continue
			}
			if sid != sessionID {
				continue
			}
			if err := m.store.UnbindParticipant(ctx, pid); err != nil {
				log.Printf("[session] cleanup unbind %s: %v", pid, err)
			}
		}
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("session: cleanup %s: %w", sessionID, err)
	}
	m.timers.Cancel("cleanup:" + sessionID)
	return nil
}

// sanitizeDisplayName trims a client-supplied pseudonym and caps its
// length. Returns "" when nothing usable remains.
func sanitizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if runes := []rune(name); len(runes) > maxDisplayNameLen {
		name = string(runes[:maxDisplayNameLen])
	}
	return name
}

// Get returns the session record, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, sessionID string) (*backend.SessionRecord, error) {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	return rec, nil
}

// Stop cancels all pending presence and cleanup timers.
func (m *Manager) Stop() {
	m.timers.Stop()
}

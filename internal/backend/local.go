package backend

import (
	"context"
	"sync"
	"time"
)

// LocalStore is the in-process fallback implementation of Store. A single
// mutex serializes all access, which trivially satisfies the atomicity the
// claim operation needs. State does not survive the process.
type LocalStore struct {
	mu       sync.Mutex
	queues   map[Role][]string
	waiting  map[string]Role // participantID -> queue currently holding it
	sessions map[string]SessionRecord
	messages map[string][]Message
	bindings map[string]string // participantID -> sessionID
}

// NewLocalStore creates an empty LocalStore.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		queues:   make(map[Role][]string),
		waiting:  make(map[string]Role),
		sessions: make(map[string]SessionRecord),
		messages: make(map[string][]Message),
		bindings: make(map[string]string),
	}
}

func (s *LocalStore) Enqueue(_ context.Context, role Role, participantID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[role] = append(s.queues[role], participantID)
	s.waiting[participantID] = role
	return nil
}

func (s *LocalStore) ClaimOldest(_ context.Context, role Role) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[role]
	if len(q) == 0 {
		return "", false, nil
	}
	pid := q[0]
	s.queues[role] = q[1:]
	delete(s.waiting, pid)
	return pid, true, nil
}

func (s *LocalStore) RemoveWaiting(_ context.Context, role Role, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[role]
	for i, pid := range q {
		if pid == participantID {
			s.queues[role] = append(q[:i:i], q[i+1:]...)
			delete(s.waiting, participantID)
			return true, nil
		}
	}
	return false, nil
}

func (s *LocalStore) QueueDepth(_ context.Context, role Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[role]), nil
}

func (s *LocalStore) QueuedRole(_ context.Context, participantID string) (Role, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.waiting[participantID]
	return role, ok, nil
}

func (s *LocalStore) PutSession(_ context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = *rec
	return nil
}

func (s *LocalStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *LocalStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *LocalStore) SessionIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *LocalStore) AppendMessage(_ context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.messages[sessionID], msg)
	if len(history) > MaxSessionMessages {
		history = history[len(history)-MaxSessionMessages:]
	}
	s.messages[sessionID] = history
	return nil
}

func (s *LocalStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.messages[sessionID]
	out := make([]Message, len(history))
	copy(out, history)
	return out, nil
}

func (s *LocalStore) BindParticipant(_ context.Context, participantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[participantID] = sessionID
	return nil
}

func (s *LocalStore) ParticipantSession(_ context.Context, participantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[participantID], nil
}

func (s *LocalStore) UnbindParticipant(_ context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, participantID)
	return nil
}

func (s *LocalStore) Name() string { return "local" }

func (s *LocalStore) Ping(_ context.Context) error { return nil }

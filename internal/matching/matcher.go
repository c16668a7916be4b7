// Package matching admits participants into the two-sided waiting queue and
// pairs speakers with listeners in strict arrival order.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ventline/ventline/internal/backend"
	"github.com/ventline/ventline/internal/metrics"
	"github.com/ventline/ventline/internal/timers"
)

// ErrActiveSession is returned by Admit when the participant is already in
// an active session.
var ErrActiveSession = errors.New("matching: participant already in an active session")

// RestrictedError is returned by Admit when the moderation engine vetoes
// the participant.
type RestrictedError struct {
	Kind             string
	Reason           string
	RemainingSeconds int // -1 for permanent restrictions
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("matching: participant restricted (%s): %s", e.Kind, e.Reason)
}

// RestrictionChecker is the moderation engine's admission veto. A nil
// restriction means the participant may enter the queue.
type RestrictionChecker interface {
	Check(ctx context.Context, participantID string) (kind, reason string, remainingSeconds int, restricted bool, err error)
}

// MatchResult describes a completed pairing.
type MatchResult struct {
	SessionID  string
	SpeakerID  string
	ListenerID string
}

// MatchSink receives each completed pairing. The matcher calls it
// synchronously from Admit; implementations create the session and notify
// both parties.
type MatchSink func(ctx context.Context, m MatchResult)

// ExpireFunc receives the participant ID of a queue entry that waited past
// the expiry window without finding a partner.
type ExpireFunc func(participantID string, role backend.Role)

// Stats is a snapshot of queue state for the stats endpoint.
type Stats struct {
	SpeakersWaiting  int `json:"speakers_waiting"`
	ListenersWaiting int `json:"listeners_waiting"`
	Total            int `json:"total"`
}

// Matcher pairs waiting participants. Pairing happens inline during Admit:
// an arriving participant either claims the oldest waiter of the opposite
// role or joins the tail of their own role's queue.
type Matcher struct {
	store    backend.Store
	checker  RestrictionChecker
	timers   *timers.Registry
	sink     MatchSink
	onExpire ExpireFunc

	expiry        time.Duration
	estimateFloor time.Duration

	// mu serializes Admit and Withdraw within this process. Cross-process
	// races are handled by the store's atomic claim.
	mu sync.Mutex

	// enqueuedAt tracks entries this process enqueued, for the wait-time
	// histogram. Entries claimed by another instance are simply not observed.
	enqueuedAt map[string]time.Time

	newSessionID func() string
}

// NewMatcher creates a Matcher. The sink is invoked for every pairing; the
// onExpire callback fires when a queue entry times out unmatched.
func NewMatcher(store backend.Store, checker RestrictionChecker, expiry, estimateFloor time.Duration, sink MatchSink, onExpire ExpireFunc) *Matcher {
	return &Matcher{
		store:         store,
		checker:       checker,
		timers:        timers.NewRegistry(),
		sink:          sink,
		onExpire:      onExpire,
		expiry:        expiry,
		estimateFloor: estimateFloor,
		enqueuedAt:    make(map[string]time.Time),
		newSessionID:  func() string { return uuid.New().String() },
	}
}

// AdmitOutcome is what Admit produced: either a match or a queue position.
type AdmitOutcome struct {
	Matched              bool
	Match                MatchResult
	EstimatedWaitSeconds int
}

// Admit runs the full admission pipeline for one participant: restriction
// veto, duplicate-session and duplicate-queue checks, then pair-or-enqueue.
// The moderation check fails open: if the checker errors, the participant
// is admitted and the error logged loudly.
func (m *Matcher) Admit(ctx context.Context, participantID string, role backend.Role) (*AdmitOutcome, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("matching: invalid role %q", role)
	}

	if m.checker != nil {
		kind, reason, remaining, restricted, err := m.checker.Check(ctx, participantID)
		if err != nil {
			log.Printf("[matcher] DEGRADED: restriction check failed for %s, admitting anyway: %v", participantID, err)
		} else if restricted {
			return nil, &RestrictedError{Kind: kind, Reason: reason, RemainingSeconds: remaining}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sid, err := m.store.ParticipantSession(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("matching: session check for %s: %w", participantID, err)
	}
	if sid != "" {
		return nil, ErrActiveSession
	}

	// Re-admitting while already queued is a no-op that refreshes nothing;
	// the participant keeps their original position.
	if _, queued, err := m.store.QueuedRole(ctx, participantID); err != nil {
		return nil, fmt.Errorf("matching: queue check for %s: %w", participantID, err)
	} else if queued {
		wait, err := m.estimateLocked(ctx, role)
		if err != nil {
			return nil, err
		}
		return &AdmitOutcome{EstimatedWaitSeconds: wait}, nil
	}

	partnerID, found, err := m.store.ClaimOldest(ctx, role.Opposite())
	if err != nil {
		return nil, fmt.Errorf("matching: claim %s: %w", role.Opposite(), err)
	}

	if found {
		m.timers.Cancel("queue:" + partnerID)
		metrics.QueueDepth.WithLabelValues(string(role.Opposite())).Dec()
		if since, ok := m.enqueuedAt[partnerID]; ok {
			metrics.MatchWaitSeconds.Observe(time.Since(since).Seconds())
			delete(m.enqueuedAt, partnerID)
		}

		result := MatchResult{SessionID: m.newSessionID()}
		if role == backend.RoleSpeaker {
			result.SpeakerID, result.ListenerID = participantID, partnerID
		} else {
			result.SpeakerID, result.ListenerID = partnerID, participantID
		}

		metrics.MatchesTotal.Inc()
		log.Printf("[matcher] paired speaker=%s listener=%s session=%s",
			result.SpeakerID, result.ListenerID, result.SessionID)

		if m.sink != nil {
			m.sink(ctx, result)
		}
		return &AdmitOutcome{Matched: true, Match: result}, nil
	}

	wait, err := m.estimateLocked(ctx, role)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := m.store.Enqueue(ctx, role, participantID, now); err != nil {
		return nil, fmt.Errorf("matching: enqueue %s: %w", participantID, err)
	}
	m.enqueuedAt[participantID] = now
	metrics.QueueDepth.WithLabelValues(string(role)).Inc()

	if m.expiry > 0 {
		pid, r := participantID, role
		m.timers.Schedule("queue:"+participantID, m.expiry, func() {
			m.expire(pid, r)
		})
	}

	log.Printf("[matcher] queued %s as %s (est wait %ds)", participantID, role, wait)
	return &AdmitOutcome{EstimatedWaitSeconds: wait}, nil
}

// Withdraw removes a waiting participant from the queue. It returns false
// when the participant was not waiting, which callers treat as success.
func (m *Matcher) Withdraw(ctx context.Context, participantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timers.Cancel("queue:" + participantID)

	role, queued, err := m.store.QueuedRole(ctx, participantID)
	if err != nil {
		return false, fmt.Errorf("matching: withdraw %s: %w", participantID, err)
	}
	if !queued {
		return false, nil
	}

	removed, err := m.store.RemoveWaiting(ctx, role, participantID)
	if err != nil {
		return false, fmt.Errorf("matching: withdraw %s: %w", participantID, err)
	}
	if removed {
		delete(m.enqueuedAt, participantID)
		metrics.QueueDepth.WithLabelValues(string(role)).Dec()
		log.Printf("[matcher] withdrew %s from %s queue", participantID, role)
	}
	return removed, nil
}

// expire fires when a queue entry's timer elapses without a match.
func (m *Matcher) expire(participantID string, role backend.Role) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.mu.Lock()
	removed, err := m.store.RemoveWaiting(ctx, role, participantID)
	delete(m.enqueuedAt, participantID)
	m.mu.Unlock()

	if err != nil {
		log.Printf("[matcher] expire %s: %v", participantID, err)
		return
	}
	if !removed {
		// Already matched or withdrawn between timer fire and lock.
		return
	}

	metrics.QueueDepth.WithLabelValues(string(role)).Dec()
	log.Printf("[matcher] queue entry expired for %s (%s)", participantID, role)
	if m.onExpire != nil {
		m.onExpire(participantID, role)
	}
}

// EstimatedWaitSeconds reports the current wait estimate for a role.
func (m *Matcher) EstimatedWaitSeconds(ctx context.Context, role backend.Role) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateLocked(ctx, role)
}

// estimateLocked returns zero when partners are already waiting, otherwise
// a floor per waiting participant ahead of (and including) this one.
func (m *Matcher) estimateLocked(ctx context.Context, role backend.Role) (int, error) {
	opposite, err := m.store.QueueDepth(ctx, role.Opposite())
	if err != nil {
		return 0, fmt.Errorf("matching: depth %s: %w", role.Opposite(), err)
	}
	if opposite > 0 {
		return 0, nil
	}
	same, err := m.store.QueueDepth(ctx, role)
	if err != nil {
		return 0, fmt.Errorf("matching: depth %s: %w", role, err)
	}
	return int(m.estimateFloor.Seconds()) * (same + 1), nil
}

// Stats returns the current queue depths.
func (m *Matcher) Stats(ctx context.Context) (Stats, error) {
	speakers, err := m.store.QueueDepth(ctx, backend.RoleSpeaker)
	if err != nil {
		return Stats{}, fmt.Errorf("matching: stats: %w", err)
	}
	listeners, err := m.store.QueueDepth(ctx, backend.RoleListener)
	if err != nil {
		return Stats{}, fmt.Errorf("matching: stats: %w", err)
	}
	return Stats{SpeakersWaiting: speakers, ListenersWaiting: listeners, Total: speakers + listeners}, nil
}

// Stop cancels all pending queue expiry timers.
func (m *Matcher) Stop() {
	m.timers.Stop()
}

package backend

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Failover presents a single Store backed by a primary (networked) store
// and a local in-process fallback. The first primary failure flips the
// adapter to the fallback for the remainder of the process lifetime; the
// primary is never retried per-call, which avoids thrashing a flapping
// backend. The active backend is observable and every transition is logged.
type Failover struct {
	primary   Store
	fallback  Store
	degraded  atomic.Bool
	onDegrade func(err error)
}

// NewFailover wraps primary with fallback. Passing a nil primary starts the
// adapter already degraded (local-only boot).
func NewFailover(primary, fallback Store) *Failover {
	f := &Failover{primary: primary, fallback: fallback}
	if primary == nil {
		f.degraded.Store(true)
	}
	return f
}

// SetOnDegrade registers a hook invoked once, on the transition to the
// fallback (used to flip the degradation metric).
func (f *Failover) SetOnDegrade(fn func(err error)) { f.onDegrade = fn }

// Degraded reports whether the adapter has switched to the fallback.
func (f *Failover) Degraded() bool { return f.degraded.Load() }

// Active returns the store currently serving operations.
func (f *Failover) Active() Store {
	if f.degraded.Load() {
		return f.fallback
	}
	return f.primary
}

func (f *Failover) degrade(op string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		log.Printf("[backend] %s store failed during %s, falling back to %s for the remainder of the process: %v",
			f.primary.Name(), op, f.fallback.Name(), err)
		if f.onDegrade != nil {
			f.onDegrade(err)
		}
	}
}

func (f *Failover) Enqueue(ctx context.Context, role Role, participantID string, enqueuedAt time.Time) error {
	if !f.degraded.Load() {
		err := f.primary.Enqueue(ctx, role, participantID, enqueuedAt)
		if err == nil {
			return nil
		}
		f.degrade("enqueue", err)
	}
	return f.fallback.Enqueue(ctx, role, participantID, enqueuedAt)
}

func (f *Failover) ClaimOldest(ctx context.Context, role Role) (string, bool, error) {
	if !f.degraded.Load() {
		pid, ok, err := f.primary.ClaimOldest(ctx, role)
		if err == nil {
			return pid, ok, nil
		}
		f.degrade("claim", err)
	}
	return f.fallback.ClaimOldest(ctx, role)
}

func (f *Failover) RemoveWaiting(ctx context.Context, role Role, participantID string) (bool, error) {
	if !f.degraded.Load() {
		removed, err := f.primary.RemoveWaiting(ctx, role, participantID)
		if err == nil {
			return removed, nil
		}
		f.degrade("remove", err)
	}
	return f.fallback.RemoveWaiting(ctx, role, participantID)
}

func (f *Failover) QueueDepth(ctx context.Context, role Role) (int, error) {
	if !f.degraded.Load() {
		n, err := f.primary.QueueDepth(ctx, role)
		if err == nil {
			return n, nil
		}
		f.degrade("depth", err)
	}
	return f.fallback.QueueDepth(ctx, role)
}

func (f *Failover) QueuedRole(ctx context.Context, participantID string) (Role, bool, error) {
	if !f.degraded.Load() {
		role, ok, err := f.primary.QueuedRole(ctx, participantID)
		if err == nil {
			return role, ok, nil
		}
		f.degrade("queued role", err)
	}
	return f.fallback.QueuedRole(ctx, participantID)
}

func (f *Failover) PutSession(ctx context.Context, rec *SessionRecord) error {
	if !f.degraded.Load() {
		err := f.primary.PutSession(ctx, rec)
		if err == nil {
			return nil
		}
		f.degrade("put session", err)
	}
	return f.fallback.PutSession(ctx, rec)
}

func (f *Failover) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	if !f.degraded.Load() {
		rec, err := f.primary.GetSession(ctx, sessionID)
		if err == nil {
			return rec, nil
		}
		f.degrade("get session", err)
	}
	return f.fallback.GetSession(ctx, sessionID)
}

func (f *Failover) DeleteSession(ctx context.Context, sessionID string) error {
	if !f.degraded.Load() {
		err := f.primary.DeleteSession(ctx, sessionID)
		if err == nil {
			return nil
		}
		f.degrade("delete session", err)
	}
	return f.fallback.DeleteSession(ctx, sessionID)
}

func (f *Failover) SessionIDs(ctx context.Context) ([]string, error) {
	if !f.degraded.Load() {
		ids, err := f.primary.SessionIDs(ctx)
		if err == nil {
			return ids, nil
		}
		f.degrade("session ids", err)
	}
	return f.fallback.SessionIDs(ctx)
}

func (f *Failover) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	if !f.degraded.Load() {
		err := f.primary.AppendMessage(ctx, sessionID, msg)
		if err == nil {
			return nil
		}
		f.degrade("append message", err)
	}
	return f.fallback.AppendMessage(ctx, sessionID, msg)
}

func (f *Failover) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if !f.degraded.Load() {
		msgs, err := f.primary.Messages(ctx, sessionID)
		if err == nil {
			return msgs, nil
		}
		f.degrade("messages", err)
	}
	return f.fallback.Messages(ctx, sessionID)
}

func (f *Failover) BindParticipant(ctx context.Context, participantID, sessionID string) error {
	if !f.degraded.Load() {
		err := f.primary.BindParticipant(ctx, participantID, sessionID)
		if err == nil {
			return nil
		}
		f.degrade("bind", err)
	}
	return f.fallback.BindParticipant(ctx, participantID, sessionID)
}

func (f *Failover) ParticipantSession(ctx context.Context, participantID string) (string, error) {
	if !f.degraded.Load() {
		sid, err := f.primary.ParticipantSession(ctx, participantID)
		if err == nil {
			return sid, nil
		}
		f.degrade("binding", err)
	}
	return f.fallback.ParticipantSession(ctx, participantID)
}

func (f *Failover) UnbindParticipant(ctx context.Context, participantID string) error {
	if !f.degraded.Load() {
		err := f.primary.UnbindParticipant(ctx, participantID)
		if err == nil {
			return nil
		}
		f.degrade("unbind", err)
	}
	return f.fallback.UnbindParticipant(ctx, participantID)
}

func (f *Failover) Name() string { return f.Active().Name() }

func (f *Failover) Ping(ctx context.Context) error { return f.Active().Ping(ctx) }

package session

import (
	"context"
	"log"
	"time"

	"github.com/ventline/ventline/internal/backend"
)

// Sweep runs the background janitor until ctx is cancelled. Each pass ends
// active sessions that outlived the max age and erases ended sessions whose
// retention window has passed. The scheduled per-session cleanup timers
// normally get there first; the sweep catches what they miss, such as
// sessions ended by a previous process.
func (m *Manager) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[session] sweep stopped")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	ids, err := m.store.SessionIDs(ctx)
	if err != nil {
		log.Printf("[session] sweep: list sessions: %v", err)
		return
	}

	now := m.now()
	for _, sid := range ids {
		rec, err := m.store.GetSession(ctx, sid)
		if err != nil {
			log.Printf("[session] sweep: get %s: %v", sid, err)
			continue
		}
		if rec == nil {
			// Index entry outlived the record; drop it.
			if err := m.store.DeleteSession(ctx, sid); err != nil {
				log.Printf("[session] sweep: drop stale index %s: %v", sid, err)
			}
			continue
		}

		switch rec.Status {
		case backend.StatusActive:
			if m.maxAge > 0 && now.Sub(rec.CreatedAt) > m.maxAge {
				if _, err := m.End(ctx, sid, "", ReasonExpired); err != nil {
					log.Printf("[session] sweep: expire %s: %v", sid, err)
				}
			}
		case backend.StatusEnded:
			if !rec.EndedAt.IsZero() && now.Sub(rec.EndedAt) > m.retention {
				if err := m.Cleanup(ctx, sid); err != nil {
					log.Printf("[session] sweep: cleanup %s: %v", sid, err)
				}
			}
		}
	}
}

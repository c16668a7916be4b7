// Package ratelimit provides rate limiting using the Redis INCR + EXPIRE
// fixed window algorithm, with an in-process fallback when no Redis client
// is available. Each action (message, admission, report) gets per-identity
// throttling.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:admit:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rules.
var (
	// RuleMessage allows 5 messages per 10 seconds per participant.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleAdmit allows 10 admission requests per minute per participant.
	RuleAdmit = Rule{Key: "rl:admit:", Limit: 10, Window: 1 * time.Minute}

	// RuleReport allows 5 reports per hour per reporter.
	RuleReport = Rule{Key: "rl:report:", Limit: 5, Window: 1 * time.Hour}
)

// Limiter performs rate limiting checks against Redis, or against a local
// in-process window when constructed without a client.
type Limiter struct {
	client *redis.Client

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

// NewLimiter creates a Limiter backed by the given Redis client. A nil
// client yields a purely in-process limiter.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, windows: make(map[string]*window)}
}

// Allow checks whether the identifier is within the rate limit defined by
// rule, incrementing its counter. On Redis errors it falls back to the
// local window rather than blocking legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	if l.client == nil {
		return l.allowLocal(identifier, rule)
	}

	key := rule.Key + identifier
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (using local window)", key, err)
		return l.allowLocal(identifier, rule)
	}

	// The first increment defines the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL and would block the identifier
			// forever. Best effort: delete it.
			l.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= rule.Limit
}

func (l *Limiter) allowLocal(identifier string, rule Rule) bool {
	key := rule.Key + identifier
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return true
	}
	w.count++
	return w.count <= rule.Limit
}

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowLocal_EnforcesLimit(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Hour}

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "p", rule) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(ctx, "p", rule) {
		t.Error("request over the limit should be blocked")
	}
}

func TestAllowLocal_PerIdentifier(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Hour}

	if !l.Allow(ctx, "a", rule) {
		t.Fatal("first request for a should pass")
	}
	if !l.Allow(ctx, "b", rule) {
		t.Error("b shares no window with a")
	}
	if l.Allow(ctx, "a", rule) {
		t.Error("a exhausted its window")
	}
}

func TestAllowLocal_WindowResets(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Millisecond}

	if !l.Allow(ctx, "p", rule) {
		t.Fatal("first request should pass")
	}
	if l.Allow(ctx, "p", rule) {
		t.Fatal("second request inside the window should be blocked")
	}

	time.Sleep(20 * time.Millisecond)
	if !l.Allow(ctx, "p", rule) {
		t.Error("request after the window reset should pass")
	}
}

func TestAllowLocal_RulesAreIndependent(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()

	strict := Rule{Key: "rl:strict:", Limit: 1, Window: time.Hour}
	loose := Rule{Key: "rl:loose:", Limit: 100, Window: time.Hour}

	_ = l.Allow(ctx, "p", strict)
	if l.Allow(ctx, "p", strict) {
		t.Error("strict rule exhausted")
	}
	if !l.Allow(ctx, "p", loose) {
		t.Error("loose rule shares no counter with the strict one")
	}
}

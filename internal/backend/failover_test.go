package backend

import (
	"context"
	"errors"
	"testing"
	"time"
)

// brokenStore fails every operation, standing in for a dead Redis.
type brokenStore struct{}

var errBroken = errors.New("connection refused")

func (b *brokenStore) Enqueue(context.Context, Role, string, time.Time) error { return errBroken }
func (b *brokenStore) ClaimOldest(context.Context, Role) (string, bool, error) {
	return "", false, errBroken
}
func (b *brokenStore) RemoveWaiting(context.Context, Role, string) (bool, error) {
	return false, errBroken
}
func (b *brokenStore) QueueDepth(context.Context, Role) (int, error) { return 0, errBroken }
func (b *brokenStore) QueuedRole(context.Context, string) (Role, bool, error) {
	return "", false, errBroken
}
func (b *brokenStore) PutSession(context.Context, *SessionRecord) error { return errBroken }
func (b *brokenStore) GetSession(context.Context, string) (*SessionRecord, error) {
	return nil, errBroken
}
func (b *brokenStore) DeleteSession(context.Context, string) error { return errBroken }
func (b *brokenStore) SessionIDs(context.Context) ([]string, error) { return nil, errBroken }
func (b *brokenStore) AppendMessage(context.Context, string, Message) error {
	return errBroken
}
func (b *brokenStore) Messages(context.Context, string) ([]Message, error) { return nil, errBroken }
func (b *brokenStore) BindParticipant(context.Context, string, string) error {
	return errBroken
}
func (b *brokenStore) ParticipantSession(context.Context, string) (string, error) {
	return "", errBroken
}
func (b *brokenStore) UnbindParticipant(context.Context, string) error { return errBroken }
func (b *brokenStore) Name() string                                    { return "broken" }
func (b *brokenStore) Ping(context.Context) error                      { return errBroken }

func TestFailover_DegradesOnPrimaryError(t *testing.T) {
	f := NewFailover(&brokenStore{}, NewLocalStore())
	ctx := context.Background()

	if f.Degraded() {
		t.Fatal("should start on the primary")
	}

	// The first failing call flips to the fallback and still succeeds.
	if err := f.Enqueue(ctx, RoleSpeaker, "a", time.Now()); err != nil {
		t.Fatalf("enqueue through failover: %v", err)
	}
	if !f.Degraded() {
		t.Fatal("failover should be degraded after a primary error")
	}
	if f.Name() != "local" {
		t.Errorf("active store = %s, want local", f.Name())
	}

	// The entry landed in the fallback and is claimable there.
	pid, ok, err := f.ClaimOldest(ctx, RoleSpeaker)
	if err != nil || !ok || pid != "a" {
		t.Errorf("claim after degrade: pid=%q ok=%v err=%v", pid, ok, err)
	}
}

func TestFailover_OnDegradeFiresOnce(t *testing.T) {
	f := NewFailover(&brokenStore{}, NewLocalStore())

	calls := 0
	f.SetOnDegrade(func(err error) { calls++ })

	ctx := context.Background()
	_ = f.Enqueue(ctx, RoleSpeaker, "a", time.Now())
	_, _, _ = f.ClaimOldest(ctx, RoleSpeaker)
	_ = f.DeleteSession(ctx, "s")

	if calls != 1 {
		t.Errorf("onDegrade calls = %d, want 1 (no flapping)", calls)
	}
}

func TestFailover_NilPrimaryStartsDegraded(t *testing.T) {
	f := NewFailover(nil, NewLocalStore())

	if !f.Degraded() {
		t.Fatal("nil primary should start degraded")
	}
	if err := f.Ping(context.Background()); err != nil {
		t.Errorf("local ping: %v", err)
	}
}

func TestFailover_NoReturnToPrimary(t *testing.T) {
	f := NewFailover(&brokenStore{}, NewLocalStore())
	ctx := context.Background()

	_ = f.PutSession(ctx, &SessionRecord{SessionID: "s1", Status: StatusActive})
	if !f.Degraded() {
		t.Fatal("expected degradation")
	}

	// Later reads keep using the fallback; the record written there is
	// visible and no error from the dead primary leaks out.
	rec, err := f.GetSession(ctx, "s1")
	if err != nil || rec == nil {
		t.Fatalf("get after degrade: rec=%v err=%v", rec, err)
	}
}

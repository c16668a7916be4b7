package backend

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestLocalStore_QueueFIFO(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	for _, pid := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, RoleSpeaker, pid, time.Now()); err != nil {
			t.Fatalf("enqueue %s: %v", pid, err)
		}
	}

	depth, err := s.QueueDepth(ctx, RoleSpeaker)
	if err != nil || depth != 3 {
		t.Fatalf("depth = %d, err = %v, want 3", depth, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := s.ClaimOldest(ctx, RoleSpeaker)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Errorf("claim order: got %s, want %s", got, want)
		}
	}

	if _, ok, _ := s.ClaimOldest(ctx, RoleSpeaker); ok {
		t.Error("claim from empty queue should report not found")
	}
}

func TestLocalStore_ClaimIsPerRole(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	if err := s.Enqueue(ctx, RoleSpeaker, "sp", time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.ClaimOldest(ctx, RoleListener); ok {
		t.Error("listener queue should be empty")
	}
	if pid, ok, _ := s.ClaimOldest(ctx, RoleSpeaker); !ok || pid != "sp" {
		t.Errorf("speaker claim: got %q ok=%v", pid, ok)
	}
}

func TestLocalStore_RemoveWaiting(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	_ = s.Enqueue(ctx, RoleListener, "a", time.Now())
	_ = s.Enqueue(ctx, RoleListener, "b", time.Now())

	removed, err := s.RemoveWaiting(ctx, RoleListener, "a")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}

	// Removing again is a no-op.
	if removed, _ := s.RemoveWaiting(ctx, RoleListener, "a"); removed {
		t.Error("second removal should report not removed")
	}

	// b is still claimable.
	if pid, ok, _ := s.ClaimOldest(ctx, RoleListener); !ok || pid != "b" {
		t.Errorf("remaining entry: got %q ok=%v", pid, ok)
	}
}

func TestLocalStore_QueuedRole(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	if _, queued, _ := s.QueuedRole(ctx, "x"); queued {
		t.Error("unknown participant should not be queued")
	}

	_ = s.Enqueue(ctx, RoleSpeaker, "x", time.Now())
	role, queued, err := s.QueuedRole(ctx, "x")
	if err != nil || !queued || role != RoleSpeaker {
		t.Errorf("queued role: role=%s queued=%v err=%v", role, queued, err)
	}

	// A claim consumes the entry and clears the waiting flag.
	_, _, _ = s.ClaimOldest(ctx, RoleSpeaker)
	if _, queued, _ := s.QueuedRole(ctx, "x"); queued {
		t.Error("claimed participant should no longer be queued")
	}
}

func TestLocalStore_SessionRoundTrip(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	rec := &SessionRecord{
		SessionID:  "s1",
		SpeakerID:  "sp",
		ListenerID: "li",
		Status:     StatusActive,
		CreatedAt:  time.Now(),
	}
	if err := s.PutSession(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil || got == nil {
		t.Fatalf("get: rec=%v err=%v", got, err)
	}
	if got.SpeakerID != "sp" || got.ListenerID != "li" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// The returned record is a copy: mutating it must not leak back.
	got.Status = StatusEnded
	again, _ := s.GetSession(ctx, "s1")
	if again.Status != StatusActive {
		t.Error("stored record was mutated through the returned copy")
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.GetSession(ctx, "s1"); rec != nil {
		t.Error("deleted session still present")
	}
}

func TestLocalStore_MessageCap(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	for i := 0; i < MaxSessionMessages+25; i++ {
		msg := Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Sender:    RoleSpeaker,
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: time.Now(),
		}
		if err := s.AppendMessage(ctx, "s1", msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.Messages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != MaxSessionMessages {
		t.Fatalf("message count = %d, want %d", len(msgs), MaxSessionMessages)
	}
	// Oldest messages are dropped first.
	if msgs[0].ID != "m25" {
		t.Errorf("oldest retained = %s, want m25", msgs[0].ID)
	}
}

func TestLocalStore_Bindings(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	if sid, _ := s.ParticipantSession(ctx, "p"); sid != "" {
		t.Error("unbound participant should have no session")
	}

	_ = s.BindParticipant(ctx, "p", "s1")
	sid, err := s.ParticipantSession(ctx, "p")
	if err != nil || sid != "s1" {
		t.Errorf("binding: sid=%q err=%v", sid, err)
	}

	_ = s.UnbindParticipant(ctx, "p")
	if sid, _ := s.ParticipantSession(ctx, "p"); sid != "" {
		t.Error("unbind did not remove the binding")
	}
}

func TestRole_Opposite(t *testing.T) {
	if RoleSpeaker.Opposite() != RoleListener {
		t.Error("speaker's opposite should be listener")
	}
	if RoleListener.Opposite() != RoleSpeaker {
		t.Error("listener's opposite should be speaker")
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole("speaker"); !ok || r != RoleSpeaker {
		t.Errorf("parse speaker: %v %v", r, ok)
	}
	if r, ok := ParseRole("listener"); !ok || r != RoleListener {
		t.Errorf("parse listener: %v %v", r, ok)
	}
	if _, ok := ParseRole("moderator"); ok {
		t.Error("unknown role should not parse")
	}
}

func TestSessionRecord_Membership(t *testing.T) {
	rec := &SessionRecord{SessionID: "s", SpeakerID: "a", ListenerID: "b"}

	if !rec.IsParticipant("a") || !rec.IsParticipant("b") || rec.IsParticipant("c") {
		t.Error("membership check wrong")
	}
	if rec.OtherParticipant("a") != "b" || rec.OtherParticipant("b") != "a" {
		t.Error("counterpart lookup wrong")
	}
	if role, ok := rec.RoleOf("a"); !ok || role != RoleSpeaker {
		t.Error("speaker role lookup wrong")
	}
	if role, ok := rec.RoleOf("b"); !ok || role != RoleListener {
		t.Error("listener role lookup wrong")
	}
	if _, ok := rec.RoleOf("c"); ok {
		t.Error("outsider should have no role")
	}
}

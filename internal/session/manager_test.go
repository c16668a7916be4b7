package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ventline/ventline/internal/backend"
)

type typingNote struct {
	pid      string
	isTyping bool
}

type notifierRecorder struct {
	mu         sync.Mutex
	joined     []string // participant IDs given SessionJoined
	userJoined []string // participant IDs given UserJoined
	messages   []string // message IDs relayed
	typing     []typingNote
	ended      []string // reasons
}

func (n *notifierRecorder) SessionJoined(_ *backend.SessionRecord, pid string) {
	n.mu.Lock()
	n.joined = append(n.joined, pid)
	n.mu.Unlock()
}

func (n *notifierRecorder) UserJoined(_ *backend.SessionRecord, pid string) {
	n.mu.Lock()
	n.userJoined = append(n.userJoined, pid)
	n.mu.Unlock()
}

func (n *notifierRecorder) MessagePosted(_ *backend.SessionRecord, msg *backend.Message) {
	n.mu.Lock()
	n.messages = append(n.messages, msg.ID)
	n.mu.Unlock()
}

func (n *notifierRecorder) Typing(_ *backend.SessionRecord, pid string, isTyping bool) {
	n.mu.Lock()
	n.typing = append(n.typing, typingNote{pid, isTyping})
	n.mu.Unlock()
}

func (n *notifierRecorder) SessionEnded(_ *backend.SessionRecord, reason string) {
	n.mu.Lock()
	n.ended = append(n.ended, reason)
	n.mu.Unlock()
}

func (n *notifierRecorder) snapshot() notifierRecorder {
	n.mu.Lock()
	defer n.mu.Unlock()
	return notifierRecorder{
		joined:     append([]string(nil), n.joined...),
		userJoined: append([]string(nil), n.userJoined...),
		messages:   append([]string(nil), n.messages...),
		typing:     append([]typingNote(nil), n.typing...),
		ended:      append([]string(nil), n.ended...),
	}
}

func newTestManager() (*Manager, backend.Store, *notifierRecorder) {
	store := backend.NewLocalStore()
	rec := &notifierRecorder{}
	m := NewManager(store, rec, 10*time.Millisecond, time.Hour, time.Hour)
	return m, store, rec
}

func TestCreate(t *testing.T) {
	m, store, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	rec, err := m.Create(ctx, "s1", "sp", "li")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != backend.StatusActive {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.SpeakerDisplayName != DisplayNameSpeaker || rec.ListenerDisplayName != DisplayNameListener {
		t.Errorf("display names = %q/%q", rec.SpeakerDisplayName, rec.ListenerDisplayName)
	}

	// Both participants are bound.
	for _, pid := range []string{"sp", "li"} {
		if sid, _ := store.ParticipantSession(ctx, pid); sid != "s1" {
			t.Errorf("binding for %s = %q", pid, sid)
		}
	}

	// Re-creating the same pairing is a no-op.
	if _, err := m.Create(ctx, "s1", "sp", "li"); err != nil {
		t.Errorf("idempotent create: %v", err)
	}

	// The same session ID with different members is a conflict.
	if _, err := m.Create(ctx, "s1", "other", "li"); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}

	// A participant bound elsewhere cannot enter a second session.
	if _, err := m.Create(ctx, "s2", "sp", "li2"); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestJoin_AnnouncesBothPresentOnce(t *testing.T) {
	m, _, notes := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")

	rec, history, err := m.Join(ctx, "s1", "sp", "")
	if err != nil || rec == nil {
		t.Fatalf("join: rec=%v err=%v", rec, err)
	}
	if len(history) != 0 {
		t.Errorf("fresh session has history of %d", len(history))
	}

	if _, _, err := m.Join(ctx, "s1", "li", ""); err != nil {
		t.Fatal(err)
	}
	// Rejoining before the debounce window closes must not double the
	// announcement.
	if _, _, err := m.Join(ctx, "s1", "sp", ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		snap := notes.snapshot()
		if len(snap.userJoined) >= 2 {
			if len(snap.userJoined) != 2 {
				t.Fatalf("userJoined = %v, want exactly one per side", snap.userJoined)
			}
			seen := map[string]bool{snap.userJoined[0]: true, snap.userJoined[1]: true}
			if !seen["sp"] || !seen["li"] {
				t.Fatalf("userJoined = %v", snap.userJoined)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence announcement never fired: %v", snap.userJoined)
		}
		time.Sleep(time.Millisecond)
	}

	// Give a late duplicate announcement a chance to show up.
	time.Sleep(50 * time.Millisecond)
	if snap := notes.snapshot(); len(snap.userJoined) != 2 {
		t.Errorf("userJoined grew to %v", snap.userJoined)
	}

	if snap := notes.snapshot(); len(snap.joined) != 3 {
		t.Errorf("SessionJoined confirmations = %v, want one per join", snap.joined)
	}
}

func TestJoin_GoneOrEndedSession(t *testing.T) {
	m, _, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	rec, history, err := m.Join(ctx, "nope", "p", "")
	if rec != nil || history != nil || err != nil {
		t.Errorf("join missing session: rec=%v err=%v", rec, err)
	}

	_, _ = m.Create(ctx, "s1", "sp", "li")
	_, _ = m.End(ctx, "s1", "sp", ReasonUserEnded)
	if rec, _, err := m.Join(ctx, "s1", "sp", ""); rec != nil || err != nil {
		t.Errorf("join ended session: rec=%v err=%v", rec, err)
	}
}

func TestJoin_Outsider(t *testing.T) {
	m, _, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")
	if _, _, err := m.Join(ctx, "s1", "stranger", ""); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("err = %v, want ErrNotParticipant", err)
	}
}

func TestJoin_ClientDisplayName(t *testing.T) {
	m, store, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")

	rec, _, err := m.Join(ctx, "s1", "sp", "  River  ")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SpeakerDisplayName != "River" {
		t.Errorf("speaker display name = %q", rec.SpeakerDisplayName)
	}
	stored, _ := store.GetSession(ctx, "s1")
	if stored.SpeakerDisplayName != "River" {
		t.Errorf("persisted speaker display name = %q", stored.SpeakerDisplayName)
	}

	// The pseudonym flows into message attribution.
	msg, err := m.PostMessage(ctx, "s1", "sp", "hello")
	if err != nil || msg == nil {
		t.Fatalf("post: msg=%v err=%v", msg, err)
	}
	if msg.SenderDisplayName != "River" {
		t.Errorf("sender display name = %q", msg.SenderDisplayName)
	}

	// A blank name keeps the role default on the other side.
	rec, _, err = m.Join(ctx, "s1", "li", "   ")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ListenerDisplayName != DisplayNameListener {
		t.Errorf("listener display name = %q", rec.ListenerDisplayName)
	}

	// Oversized names are truncated.
	long := strings.Repeat("x", 100)
	rec, _, err = m.Join(ctx, "s1", "li", long)
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Repeat("x", maxDisplayNameLen); rec.ListenerDisplayName != want {
		t.Errorf("truncated display name = %q", rec.ListenerDisplayName)
	}
}

func TestPostMessage(t *testing.T) {
	m, store, notes := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")

	msg, err := m.PostMessage(ctx, "s1", "sp", "hello out there")
	if err != nil || msg == nil {
		t.Fatalf("post: msg=%v err=%v", msg, err)
	}
	if msg.Sender != backend.RoleSpeaker || msg.SenderDisplayName != DisplayNameSpeaker {
		t.Errorf("sender attribution = %s/%s", msg.Sender, msg.SenderDisplayName)
	}

	stored, _ := store.Messages(ctx, "s1")
	if len(stored) != 1 || stored[0].Content != "hello out there" {
		t.Errorf("stored transcript = %+v", stored)
	}

	if snap := notes.snapshot(); len(snap.messages) != 1 || snap.messages[0] != msg.ID {
		t.Errorf("relayed = %v", notes.snapshot().messages)
	}

	if _, err := m.PostMessage(ctx, "s1", "stranger", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider post err = %v", err)
	}
}

func TestPostMessage_EndedSession(t *testing.T) {
	m, _, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")
	_, _ = m.End(ctx, "s1", "sp", ReasonUserEnded)

	msg, err := m.PostMessage(ctx, "s1", "sp", "too late")
	if msg != nil || err != nil {
		t.Errorf("post to ended session: msg=%v err=%v", msg, err)
	}
}

func TestTyping(t *testing.T) {
	m, _, notes := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")

	if err := m.Typing(ctx, "s1", "li", true); err != nil {
		t.Fatal(err)
	}
	// Stopping is relayed too, with the flag cleared.
	if err := m.Typing(ctx, "s1", "li", false); err != nil {
		t.Fatal(err)
	}
	snap := notes.snapshot()
	if len(snap.typing) != 2 {
		t.Fatalf("typing relays = %v", snap.typing)
	}
	if snap.typing[0] != (typingNote{"li", true}) || snap.typing[1] != (typingNote{"li", false}) {
		t.Errorf("typing relays = %v", snap.typing)
	}

	// Typing into a dead session is silently dropped.
	if err := m.Typing(ctx, "missing", "li", true); err != nil {
		t.Errorf("typing in missing session: %v", err)
	}
}

func TestEnd(t *testing.T) {
	m, store, notes := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")

	ended, err := m.End(ctx, "s1", "sp", ReasonUserEnded)
	if err != nil || !ended {
		t.Fatalf("end: ended=%v err=%v", ended, err)
	}

	rec, _ := store.GetSession(ctx, "s1")
	if rec.Status != backend.StatusEnded || rec.EndedBy != "sp" || rec.EndReason != ReasonUserEnded {
		t.Errorf("record after end: %+v", rec)
	}
	if rec.EndedAt.IsZero() {
		t.Error("EndedAt not stamped")
	}

	// Both participants are free to queue again.
	for _, pid := range []string{"sp", "li"} {
		if sid, _ := store.ParticipantSession(ctx, pid); sid != "" {
			t.Errorf("binding for %s survived end: %q", pid, sid)
		}
	}

	if snap := notes.snapshot(); len(snap.ended) != 1 || snap.ended[0] != ReasonUserEnded {
		t.Errorf("ended notifications = %v", snap.ended)
	}

	// Ending again reports false without error.
	ended, err = m.End(ctx, "s1", "li", ReasonUserEnded)
	if err != nil || ended {
		t.Errorf("second end: ended=%v err=%v", ended, err)
	}
}

func TestEndByParticipant_Authz(t *testing.T) {
	m, store, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")

	if _, err := m.EndByParticipant(ctx, "s1", "stranger", ReasonUserEnded); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("err = %v, want ErrNotParticipant", err)
	}

	ended, err := m.EndByParticipant(ctx, "s1", "li", ReasonUserEnded)
	if err != nil || !ended {
		t.Errorf("member end: ended=%v err=%v", ended, err)
	}

	// A deliberate end erases the session once both sides are notified.
	if rec, _ := store.GetSession(ctx, "s1"); rec != nil {
		t.Errorf("record survived member end: %+v", rec)
	}
}

func TestTakedown(t *testing.T) {
	m, store, notes := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")
	_, _ = m.PostMessage(ctx, "s1", "sp", "evidence")

	if err := m.Takedown(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if snap := notes.snapshot(); len(snap.ended) != 1 || snap.ended[0] != ReasonReported {
		t.Errorf("ended notifications = %v", snap.ended)
	}

	// Record and transcript are gone as soon as the notification is out.
	if rec, _ := store.GetSession(ctx, "s1"); rec != nil {
		t.Errorf("record survived takedown: %+v", rec)
	}
	if msgs, _ := store.Messages(ctx, "s1"); len(msgs) != 0 {
		t.Errorf("transcript survived takedown: %d messages", len(msgs))
	}
	for _, pid := range []string{"sp", "li"} {
		if sid, _ := store.ParticipantSession(ctx, pid); sid != "" {
			t.Errorf("binding for %s survived takedown: %q", pid, sid)
		}
	}

	// Tearing down an unknown or already-gone session is not an error.
	if err := m.Takedown(ctx, "s1"); err != nil {
		t.Errorf("repeat takedown: %v", err)
	}
	if err := m.Takedown(ctx, "missing"); err != nil {
		t.Errorf("takedown of missing session: %v", err)
	}
}

func TestDisconnected(t *testing.T) {
	m, store, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")

	if err := m.Disconnected(ctx, "li"); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.GetSession(ctx, "s1")
	if rec.Status != backend.StatusEnded || rec.EndedBy != "li" || rec.EndReason != ReasonUserDisconnected {
		t.Errorf("record after disconnect: %+v", rec)
	}

	// A participant with no session disconnecting is a no-op.
	if err := m.Disconnected(ctx, "nobody"); err != nil {
		t.Errorf("unbound disconnect: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	m, store, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")
	_, _ = m.PostMessage(ctx, "s1", "sp", "first")
	_, _ = m.End(ctx, "s1", "sp", ReasonUserEnded)

	if err := m.Cleanup(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := store.GetSession(ctx, "s1"); rec != nil {
		t.Error("record survived cleanup")
	}
	if msgs, _ := store.Messages(ctx, "s1"); len(msgs) != 0 {
		t.Errorf("transcript survived cleanup: %d messages", len(msgs))
	}

	if err := m.Cleanup(ctx, "s1"); err != nil {
		t.Errorf("repeat cleanup: %v", err)
	}
}

func TestCleanup_PreservesNewerBinding(t *testing.T) {
	m, store, _ := newTestManager()
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "p1", "p2")
	_, _ = m.End(ctx, "s1", "p1", ReasonUserEnded)

	// p1 re-matches into a new session while s1 sits in retention.
	if _, err := m.Create(ctx, "s2", "p1", "p3"); err != nil {
		t.Fatal(err)
	}

	// The deferred cleanup of s1 must not touch p1's binding to s2.
	if err := m.Cleanup(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if sid, _ := store.ParticipantSession(ctx, "p1"); sid != "s2" {
		t.Errorf("binding for p1 after stale cleanup = %q, want \"s2\"", sid)
	}
	if rec, _ := store.GetSession(ctx, "s2"); rec == nil || rec.Status != backend.StatusActive {
		t.Errorf("new session after stale cleanup: %+v", rec)
	}
}

func TestRetentionCleanupTimer(t *testing.T) {
	store := backend.NewLocalStore()
	m := NewManager(store, nil, 10*time.Millisecond, 20*time.Millisecond, time.Hour)
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")
	_, _ = m.End(ctx, "s1", "sp", ReasonUserEnded)

	deadline := time.Now().Add(time.Second)
	for {
		if rec, _ := store.GetSession(ctx, "s1"); rec == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("retention cleanup never erased the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSweep_ExpiresOldActiveSessions(t *testing.T) {
	store := backend.NewLocalStore()
	m := NewManager(store, nil, 10*time.Millisecond, time.Hour, 30*time.Minute)
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "old", "sp1", "li1")
	_, _ = m.Create(ctx, "young", "sp2", "li2")

	base := time.Now()
	rec, _ := store.GetSession(ctx, "old")
	rec.CreatedAt = base.Add(-time.Hour)
	_ = store.PutSession(ctx, rec)

	m.now = func() time.Time { return base }
	m.sweepOnce(ctx)

	old, _ := store.GetSession(ctx, "old")
	if old.Status != backend.StatusEnded || old.EndReason != ReasonExpired {
		t.Errorf("old session after sweep: %+v", old)
	}
	young, _ := store.GetSession(ctx, "young")
	if young.Status != backend.StatusActive {
		t.Errorf("young session after sweep: %+v", young)
	}
}

func TestSweep_ErasesExpiredRetention(t *testing.T) {
	store := backend.NewLocalStore()
	m := NewManager(store, nil, 10*time.Millisecond, 10*time.Minute, time.Hour)
	defer m.Stop()
	ctx := context.Background()

	_, _ = m.Create(ctx, "s1", "sp", "li")
	_, _ = m.End(ctx, "s1", "sp", ReasonUserEnded)

	base := time.Now()
	rec, _ := store.GetSession(ctx, "s1")
	rec.EndedAt = base.Add(-time.Hour)
	_ = store.PutSession(ctx, rec)

	m.now = func() time.Time { return base }
	m.sweepOnce(ctx)

	if rec, _ := store.GetSession(ctx, "s1"); rec != nil {
		t.Error("ended session survived the retention sweep")
	}
}

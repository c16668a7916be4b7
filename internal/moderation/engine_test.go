package moderation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ventline/ventline/internal/backend"
	"github.com/ventline/ventline/internal/config"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine() (*Engine, *fakeClock, *MemoryRestrictionStore) {
	restrictions := NewMemoryRestrictionStore()
	e := NewEngine(NewMemoryPatternStore(), restrictions, config.DefaultModerationPolicy())
	clock := newFakeClock()
	e.SetClock(clock.now)
	return e, clock, restrictions
}

func TestAnalyze_NoHistory(t *testing.T) {
	e, _, _ := newTestEngine()

	a, err := e.Analyze(context.Background(), "clean")
	if err != nil {
		t.Fatal(err)
	}
	if a.Score != 0 || a.RiskLevel != RiskLow || a.RecommendedAction != ActionNone {
		t.Errorf("analysis of clean subject: %+v", a)
	}
}

func TestAnalyze_SingleReportStaysLow(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, _ = e.RecordPattern(ctx, "subj", "s1", CategorySpam, backend.RoleSpeaker)

	a, err := e.Analyze(ctx, "subj")
	if err != nil {
		t.Fatal(err)
	}
	// volume 2 + surge 3 + week 1, spam carries no serious weight.
	if a.Score != 6 {
		t.Errorf("score = %d, want 6", a.Score)
	}
	if a.RiskLevel != RiskLow || a.RecommendedAction != ActionNone {
		t.Errorf("analysis: %+v", a)
	}
}

func TestAnalyze_SeriousAndFrequencyWeights(t *testing.T) {
	e, clock, _ := newTestEngine()
	ctx := context.Background()

	// Ten harassment reports five minutes apart: every additive component
	// and the rapid-fire penalty land at once.
	for i := 0; i < 10; i++ {
		if _, err := e.RecordPattern(ctx, "subj", "s1", CategoryHarassment, backend.RoleListener); err != nil {
			t.Fatal(err)
		}
		clock.advance(5 * time.Minute)
	}

	a, err := e.Analyze(ctx, "subj")
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalReports != 10 || a.ReportsLast24h != 10 || a.ReportsLastWeek != 10 {
		t.Errorf("counts: %+v", a)
	}
	if a.MeanInterReportIntervalMinutes != 5 {
		t.Errorf("mean interval = %v, want 5", a.MeanInterReportIntervalMinutes)
	}
	// volume 10*2 + surge 10*3 + week 10*1 + serious 10*2 + frequency 5.
	if a.Score != 85 {
		t.Errorf("score = %d, want 85", a.Score)
	}
	if a.RiskLevel != RiskCritical || a.RecommendedAction != ActionPermanentBan {
		t.Errorf("analysis: %+v", a)
	}
}

func TestAnalyze_OldReportsDecay(t *testing.T) {
	e, clock, _ := newTestEngine()
	ctx := context.Background()

	_, _ = e.RecordPattern(ctx, "subj", "s1", CategoryHarassment, backend.RoleSpeaker)
	_, _ = e.RecordPattern(ctx, "subj", "s2", CategoryHarassment, backend.RoleSpeaker)
	clock.advance(8 * 24 * time.Hour)

	a, err := e.Analyze(ctx, "subj")
	if err != nil {
		t.Fatal(err)
	}
	if a.ReportsLast24h != 0 || a.ReportsLastWeek != 0 {
		t.Errorf("recency counts after 8 days: %+v", a)
	}
	// Only volume 2*2 and serious 2*2 remain.
	if a.Score != 8 || a.RiskLevel != RiskLow {
		t.Errorf("analysis: %+v", a)
	}
}

func TestApplyRestriction_Durations(t *testing.T) {
	e, clock, _ := newTestEngine()
	ctx := context.Background()

	warning, err := e.ApplyRestriction(ctx, "w", KindWarning, "test", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if warning.EndTime == nil || warning.EndTime.Sub(clock.now()) != 5*time.Minute {
		t.Errorf("warning end = %v", warning.EndTime)
	}

	// Temporary bans scale with the report count.
	ban, err := e.ApplyRestriction(ctx, "t", KindTemporaryBan, "test", 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ban.EndTime == nil || ban.EndTime.Sub(clock.now()) != 120*time.Minute {
		t.Errorf("ban end = %v", ban.EndTime)
	}

	// The ladder tops out at a day.
	capped, err := e.ApplyRestriction(ctx, "c", KindTemporaryBan, "test", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if capped.EndTime == nil || capped.EndTime.Sub(clock.now()) != 24*time.Hour {
		t.Errorf("capped ban end = %v", capped.EndTime)
	}

	permanent, err := e.ApplyRestriction(ctx, "p", KindPermanentBan, "test", 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if permanent.EndTime != nil {
		t.Errorf("permanent ban end = %v, want nil", permanent.EndTime)
	}
	if permanent.RemainingSeconds(clock.now()) != -1 {
		t.Error("permanent ban should report -1 remaining seconds")
	}
}

func TestApplyRestriction_Supersedes(t *testing.T) {
	e, _, restrictions := newTestEngine()
	ctx := context.Background()

	first, _ := e.ApplyRestriction(ctx, "subj", KindWarning, "first", 1, 0)
	second, _ := e.ApplyRestriction(ctx, "subj", KindTemporaryBan, "second", 5, 0)

	active, err := restrictions.ActiveForSubject(ctx, "subj")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != second.ID {
		t.Fatalf("active = %+v, want the newer restriction", active)
	}
	if active.ID == first.ID {
		t.Error("superseded restriction still active")
	}
}

func TestIsRestricted_LazyExpiry(t *testing.T) {
	e, clock, restrictions := newTestEngine()
	ctx := context.Background()

	_, _ = e.ApplyRestriction(ctx, "subj", KindWarning, "cool down", 1, 0)

	r, err := e.IsRestricted(ctx, "subj")
	if err != nil || r == nil {
		t.Fatalf("active warning: r=%v err=%v", r, err)
	}

	clock.advance(10 * time.Minute)
	r, err = e.IsRestricted(ctx, "subj")
	if err != nil || r != nil {
		t.Fatalf("expired warning: r=%v err=%v", r, err)
	}

	// The expiry was persisted, not just filtered.
	if active, _ := restrictions.ActiveForSubject(ctx, "subj"); active != nil {
		t.Error("expired restriction still marked active in the store")
	}
}

func TestProcessReport_EscalatesToPermanentBan(t *testing.T) {
	e, clock, _ := newTestEngine()
	ctx := context.Background()

	var last *ReportOutcome
	for i := 0; i < 10; i++ {
		var err error
		last, err = e.ProcessReport(ctx, "subj", "s1", CategoryHarassment, backend.RoleListener)
		if err != nil {
			t.Fatal(err)
		}
		clock.advance(5 * time.Minute)
	}

	if last.Analysis == nil || last.Analysis.RiskLevel != RiskCritical {
		t.Fatalf("final analysis: %+v", last.Analysis)
	}
	if last.Restriction == nil || last.Restriction.Kind != KindPermanentBan {
		t.Fatalf("final restriction: %+v", last.Restriction)
	}

	r, err := e.IsRestricted(ctx, "subj")
	if err != nil || r == nil || r.Kind != KindPermanentBan {
		t.Errorf("restriction check: r=%+v err=%v", r, err)
	}
}

func TestProcessReport_BelowThresholdNoRestriction(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	outcome, err := e.ProcessReport(ctx, "subj", "s1", CategoryOther, backend.RoleSpeaker)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Record == nil || outcome.Analysis == nil {
		t.Fatalf("outcome: %+v", outcome)
	}
	if outcome.Restriction != nil {
		t.Errorf("restriction = %+v for a single report", outcome.Restriction)
	}
}

// failingRestrictionStore breaks every write, simulating a dead database
// behind a report that must still be recorded.
type failingRestrictionStore struct{}

var errRestrictions = errors.New("restrictions table unavailable")

func (f *failingRestrictionStore) Insert(context.Context, *Restriction) error {
	return errRestrictions
}
func (f *failingRestrictionStore) ActiveForSubject(context.Context, string) (*Restriction, error) {
	return nil, errRestrictions
}
func (f *failingRestrictionStore) DeactivateForSubject(context.Context, string) error {
	return errRestrictions
}
func (f *failingRestrictionStore) Deactivate(context.Context, string) error {
	return errRestrictions
}

func TestProcessReport_RestrictionFailureIsNotFatal(t *testing.T) {
	patterns := NewMemoryPatternStore()
	e := NewEngine(patterns, &failingRestrictionStore{}, config.DefaultModerationPolicy())
	clock := newFakeClock()
	e.SetClock(clock.now)
	ctx := context.Background()

	// Enough history that the next report would normally apply a ban.
	for i := 0; i < 9; i++ {
		_, _ = e.RecordPattern(ctx, "subj", "s1", CategoryHarassment, backend.RoleListener)
		clock.advance(5 * time.Minute)
	}

	outcome, err := e.ProcessReport(ctx, "subj", "s1", CategoryHarassment, backend.RoleListener)
	if err != nil {
		t.Fatalf("report must survive a restriction store failure: %v", err)
	}
	if outcome.Record == nil || outcome.Analysis == nil {
		t.Fatalf("outcome: %+v", outcome)
	}
	if outcome.Restriction != nil {
		t.Error("restriction reported despite store failure")
	}

	recs, _ := patterns.BySubject(ctx, "subj")
	if len(recs) != 10 {
		t.Errorf("recorded reports = %d, want 10", len(recs))
	}
}

func TestParseCategory(t *testing.T) {
	for _, s := range []string{"harassment", "spam", "inappropriate_behavior", "other"} {
		if _, ok := ParseCategory(s); !ok {
			t.Errorf("%q should parse", s)
		}
	}
	if _, ok := ParseCategory("rudeness"); ok {
		t.Error("unknown category should not parse")
	}
}

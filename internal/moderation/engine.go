package moderation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ventline/ventline/internal/backend"
	"github.com/ventline/ventline/internal/config"
	"github.com/ventline/ventline/internal/metrics"
)

// Engine is the moderation / restriction engine. Construct one per process
// with explicit stores and policy; it holds no global state.
type Engine struct {
	patterns     PatternStore
	restrictions RestrictionStore
	policy       config.ModerationPolicy

	now   func() time.Time
	newID func() string
}

// NewEngine creates an Engine with the given stores and policy.
func NewEngine(patterns PatternStore, restrictions RestrictionStore, policy config.ModerationPolicy) *Engine {
	return &Engine{
		patterns:     patterns,
		restrictions: restrictions,
		policy:       policy,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// SetClock overrides the engine's time source. Tests use this to replay
// report histories at fixed instants.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// RecordPattern appends one report to the subject's history.
func (e *Engine) RecordPattern(ctx context.Context, subjectID, sessionID string, category Category, reporterRole backend.Role) (*PatternRecord, error) {
	rec := &PatternRecord{
		ID:           e.newID(),
		SubjectID:    subjectID,
		SessionID:    sessionID,
		Category:     category,
		ReporterRole: reporterRole,
		ReportedAt:   e.now(),
	}
	if err := e.patterns.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("moderation: record pattern for %s: %w", subjectID, err)
	}
	metrics.ReportsTotal.WithLabelValues(string(category)).Inc()
	return rec, nil
}

// Analyze derives the subject's risk profile purely from their historical
// pattern records; there are no external signals. Scoring is additive and
// every weight and threshold comes from the configured policy.
func (e *Engine) Analyze(ctx context.Context, subjectID string) (*Analysis, error) {
	recs, err := e.patterns.BySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("moderation: analyze %s: %w", subjectID, err)
	}

	now := e.now()
	a := &Analysis{
		TotalReports:   len(recs),
		CategoryCounts: make(map[Category]int),
	}

	serious := 0
	for _, rec := range recs {
		a.CategoryCounts[rec.Category]++
		if rec.Category.Serious() {
			serious++
		}
		age := now.Sub(rec.ReportedAt)
		if age <= 24*time.Hour {
			a.ReportsLast24h++
		}
		if age <= 7*24*time.Hour {
			a.ReportsLastWeek++
		}
	}

	if len(recs) >= 2 {
		span := recs[len(recs)-1].ReportedAt.Sub(recs[0].ReportedAt)
		a.MeanInterReportIntervalMinutes = span.Minutes() / float64(len(recs)-1)
	}

	p := e.policy
	volume := a.TotalReports
	if volume > p.VolumeCap {
		volume = p.VolumeCap
	}
	score := volume * p.VolumeWeight
	score += a.ReportsLast24h * p.SurgeWeight
	score += a.ReportsLastWeek * p.WeekWeight
	score += serious * p.SeriousWeight
	if a.TotalReports >= p.FrequencyMinReports && a.MeanInterReportIntervalMinutes < p.FrequencyWindowMinutes {
		score += p.FrequencyPenalty
	}
	a.Score = score

	switch {
	case score >= p.CriticalThreshold:
		a.RiskLevel, a.RecommendedAction = RiskCritical, ActionPermanentBan
	case score >= p.HighThreshold:
		a.RiskLevel, a.RecommendedAction = RiskHigh, ActionTemporaryBan
	case score >= p.MediumThreshold:
		a.RiskLevel, a.RecommendedAction = RiskMedium, ActionWarning
	default:
		a.RiskLevel, a.RecommendedAction = RiskLow, ActionNone
	}
	return a, nil
}

// ApplyRestriction deactivates the subject's prior active restrictions and
// inserts a new one (supersession, never accumulation). A duration of zero
// derives the length from the policy: warnings carry the configured
// cool-down, temporary bans scale with the cumulative report count, and
// permanent bans have no end time.
func (e *Engine) ApplyRestriction(ctx context.Context, subjectID string, kind Kind, reason string, reportCount int, duration time.Duration) (*Restriction, error) {
	if duration <= 0 {
		duration = e.restrictionDuration(kind, reportCount)
	}

	if err := e.restrictions.DeactivateForSubject(ctx, subjectID); err != nil {
		return nil, fmt.Errorf("moderation: supersede restrictions for %s: %w", subjectID, err)
	}

	now := e.now()
	r := &Restriction{
		ID:                    e.newID(),
		SubjectID:             subjectID,
		Kind:                  kind,
		StartTime:             now,
		Reason:                reason,
		TriggeringReportCount: reportCount,
		Active:                true,
	}
	if kind != KindPermanentBan {
		end := now.Add(duration)
		r.EndTime = &end
	}

	if err := e.restrictions.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("moderation: insert restriction for %s: %w", subjectID, err)
	}

	metrics.RestrictionsTotal.WithLabelValues(string(kind)).Inc()
	log.Printf("[moderation] restriction applied subject=%s kind=%s reports=%d until=%v",
		subjectID, kind, reportCount, r.EndTime)
	return r, nil
}

func (e *Engine) restrictionDuration(kind Kind, reportCount int) time.Duration {
	p := e.policy
	switch kind {
	case KindWarning:
		return time.Duration(p.WarningMinutes) * time.Minute
	case KindTemporaryBan:
		minutes := p.TempBanBaseMinutes * reportCount
		if minutes < p.TempBanBaseMinutes {
			minutes = p.TempBanBaseMinutes
		}
		if minutes > p.TempBanMaxMinutes {
			minutes = p.TempBanMaxMinutes
		}
		return time.Duration(minutes) * time.Minute
	}
	return 0
}

// IsRestricted returns the subject's current active restriction, or nil.
// A restriction past its end time is deactivated as a side effect of being
// read (lazy expiry).
func (e *Engine) IsRestricted(ctx context.Context, subjectID string) (*Restriction, error) {
	r, err := e.restrictions.ActiveForSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("moderation: restriction check for %s: %w", subjectID, err)
	}
	if r == nil {
		return nil, nil
	}
	if r.Expired(e.now()) {
		if err := e.restrictions.Deactivate(ctx, r.ID); err != nil {
			log.Printf("[moderation] lazy deactivation of %s failed: %v", r.ID, err)
		}
		return nil, nil
	}
	return r, nil
}

// ProcessReport is the entry point invoked whenever a report is filed:
// record, analyze, and conditionally restrict, in one call. Only the record
// step may fail the call. If analysis or restriction application breaks,
// the report stays recorded and the caller proceeds.
func (e *Engine) ProcessReport(ctx context.Context, subjectID, sessionID string, category Category, reporterRole backend.Role) (*ReportOutcome, error) {
	rec, err := e.RecordPattern(ctx, subjectID, sessionID, category, reporterRole)
	if err != nil {
		return nil, err
	}
	outcome := &ReportOutcome{Record: rec}

	analysis, err := e.Analyze(ctx, subjectID)
	if err != nil {
		log.Printf("[moderation] DEGRADED: analysis failed for subject=%s, report recorded without scoring: %v", subjectID, err)
		return outcome, nil
	}
	outcome.Analysis = analysis

	var kind Kind
	switch analysis.RecommendedAction {
	case ActionWarning:
		kind = KindWarning
	case ActionTemporaryBan:
		kind = KindTemporaryBan
	case ActionPermanentBan:
		kind = KindPermanentBan
	default:
		return outcome, nil
	}

	reason := fmt.Sprintf("%s risk after %d reports", analysis.RiskLevel, analysis.TotalReports)
	restriction, err := e.ApplyRestriction(ctx, subjectID, kind, reason, analysis.TotalReports, 0)
	if err != nil {
		log.Printf("[moderation] DEGRADED: could not apply %s for subject=%s: %v", kind, subjectID, err)
		return outcome, nil
	}
	outcome.Restriction = restriction
	return outcome, nil
}

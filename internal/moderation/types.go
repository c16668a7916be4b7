// Package moderation turns abuse reports into restrictions. It records one
// pattern record per report, scores a subject's accumulated history, and
// issues warnings or bans that the matcher consults as an admission veto.
package moderation

import (
	"time"

	"github.com/ventline/ventline/internal/backend"
)

// Category classifies what a report accuses the subject of.
type Category string

const (
	CategoryHarassment    Category = "harassment"
	CategorySpam          Category = "spam"
	CategoryInappropriate Category = "inappropriate_behavior"
	CategoryOther         Category = "other"
)

// ParseCategory converts a wire string into a Category.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(s); c {
	case CategoryHarassment, CategorySpam, CategoryInappropriate, CategoryOther:
		return c, true
	}
	return "", false
}

// Serious reports whether the category carries the extra risk-score weight.
func (c Category) Serious() bool {
	return c == CategoryHarassment || c == CategoryInappropriate
}

// PatternRecord is one historical report attributed to a subject.
// Append-only; never mutated.
type PatternRecord struct {
	ID           string
	SubjectID    string
	SessionID    string
	Category     Category
	ReporterRole backend.Role
	ReportedAt   time.Time
}

// Kind is the severity of a restriction.
type Kind string

const (
	KindWarning      Kind = "warning"
	KindTemporaryBan Kind = "temporary_ban"
	KindPermanentBan Kind = "permanent_ban"
)

// Restriction blocks a subject from queue admission. At most one active
// restriction per subject is meaningful at a time: issuing a new one
// deactivates its predecessors (supersession, not accumulation).
type Restriction struct {
	ID                    string
	SubjectID             string
	Kind                  Kind
	StartTime             time.Time
	EndTime               *time.Time // nil means permanent
	Reason                string
	TriggeringReportCount int
	Active                bool
}

// Expired reports whether a temporary restriction has run out.
func (r *Restriction) Expired(now time.Time) bool {
	return r.EndTime != nil && !now.Before(*r.EndTime)
}

// RemainingSeconds returns the seconds left on a temporary restriction, or
// -1 for a permanent one.
func (r *Restriction) RemainingSeconds(now time.Time) int {
	if r.EndTime == nil {
		return -1
	}
	remaining := int(r.EndTime.Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RiskLevel buckets a subject's risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Action is what the engine recommends for a risk level.
type Action string

const (
	ActionNone         Action = "none"
	ActionWarning      Action = "warning"
	ActionTemporaryBan Action = "temporary_ban"
	ActionPermanentBan Action = "permanent_ban"
)

// Analysis is the derived risk profile of a subject, computed purely from
// their historical pattern records.
type Analysis struct {
	TotalReports                   int
	ReportsLast24h                 int
	ReportsLastWeek                int
	CategoryCounts                 map[Category]int
	MeanInterReportIntervalMinutes float64
	Score                          int
	RiskLevel                      RiskLevel
	RecommendedAction              Action
}

// ReportOutcome bundles everything ProcessReport produced for one report.
type ReportOutcome struct {
	Record      *PatternRecord
	Analysis    *Analysis   // nil when analysis failed (report still recorded)
	Restriction *Restriction // nil when no restriction was applied
}

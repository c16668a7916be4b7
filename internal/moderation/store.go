package moderation

import "context"

// PatternStore persists the append-only report history.
type PatternStore interface {
	// Create inserts a pattern record. This is the one write in the report
	// path that must not be lost.
	Create(ctx context.Context, rec *PatternRecord) error

	// BySubject returns all records for a subject, oldest first.
	BySubject(ctx context.Context, subjectID string) ([]PatternRecord, error)
}

// RestrictionStore persists restrictions and their supersession state.
type RestrictionStore interface {
	// Insert stores a new restriction.
	Insert(ctx context.Context, r *Restriction) error

	// ActiveForSubject returns the most recent active restriction for the
	// subject, or nil when there is none.
	ActiveForSubject(ctx context.Context, subjectID string) (*Restriction, error)

	// DeactivateForSubject flips every active restriction for the subject
	// to inactive (supersession).
	DeactivateForSubject(ctx context.Context, subjectID string) error

	// Deactivate flips a single restriction to inactive (lazy expiry).
	Deactivate(ctx context.Context, id string) error
}

package moderation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ventline/ventline/internal/backend"
)

// PostgresPatternStore persists pattern records in the pattern_records
// table. Records are append-only; there is no update or delete path.
type PostgresPatternStore struct {
	db *sql.DB
}

// NewPostgresPatternStore creates a store on an existing database handle.
func NewPostgresPatternStore(db *sql.DB) *PostgresPatternStore {
	return &PostgresPatternStore{db: db}
}

func (s *PostgresPatternStore) Create(ctx context.Context, rec *PatternRecord) error {
	const query = `
		INSERT INTO pattern_records (id, subject_id, session_id, category, reporter_role, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SubjectID, rec.SessionID, string(rec.Category), string(rec.ReporterRole), rec.ReportedAt)
	if err != nil {
		return fmt.Errorf("moderation: insert pattern record: %w", err)
	}
	return nil
}

func (s *PostgresPatternStore) BySubject(ctx context.Context, subjectID string) ([]PatternRecord, error) {
	const query = `
		SELECT id, subject_id, session_id, category, reporter_role, reported_at
		FROM pattern_records
		WHERE subject_id = $1
		ORDER BY reported_at ASC`

	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("moderation: query pattern records: %w", err)
	}
	defer rows.Close()

	var recs []PatternRecord
	for rows.Next() {
		var rec PatternRecord
		var category, role string
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.SessionID, &category, &role, &rec.ReportedAt); err != nil {
			return nil, fmt.Errorf("moderation: scan pattern record: %w", err)
		}
		rec.Category = Category(category)
		rec.ReporterRole = backend.Role(role)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("moderation: iterate pattern records: %w", err)
	}
	return recs, nil
}

// PostgresRestrictionStore persists restrictions in the restrictions table.
type PostgresRestrictionStore struct {
	db *sql.DB
}

// NewPostgresRestrictionStore creates a store on an existing database handle.
func NewPostgresRestrictionStore(db *sql.DB) *PostgresRestrictionStore {
	return &PostgresRestrictionStore{db: db}
}

func (s *PostgresRestrictionStore) Insert(ctx context.Context, r *Restriction) error {
	const query = `
		INSERT INTO restrictions (id, subject_id, kind, start_time, end_time, reason, triggering_report_count, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SubjectID, string(r.Kind), r.StartTime, r.EndTime, r.Reason, r.TriggeringReportCount, r.Active)
	if err != nil {
		return fmt.Errorf("moderation: insert restriction: %w", err)
	}
	return nil
}

func (s *PostgresRestrictionStore) ActiveForSubject(ctx context.Context, subjectID string) (*Restriction, error) {
	const query = `
		SELECT id, subject_id, kind, start_time, end_time, reason, triggering_report_count, active
		FROM restrictions
		WHERE subject_id = $1 AND active
		ORDER BY start_time DESC
		LIMIT 1`

	var r Restriction
	var kind string
	var endTime sql.NullTime
	err := s.db.QueryRowContext(ctx, query, subjectID).Scan(
		&r.ID, &r.SubjectID, &kind, &r.StartTime, &endTime, &r.Reason, &r.TriggeringReportCount, &r.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moderation: query active restriction: %w", err)
	}
	r.Kind = Kind(kind)
	if endTime.Valid {
		t := endTime.Time
		r.EndTime = &t
	}
	return &r, nil
}

func (s *PostgresRestrictionStore) DeactivateForSubject(ctx context.Context, subjectID string) error {
	const query = `UPDATE restrictions SET active = FALSE WHERE subject_id = $1 AND active`

	if _, err := s.db.ExecContext(ctx, query, subjectID); err != nil {
		return fmt.Errorf("moderation: deactivate restrictions for %s: %w", subjectID, err)
	}
	return nil
}

func (s *PostgresRestrictionStore) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE restrictions SET active = FALSE WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("moderation: deactivate restriction %s: %w", id, err)
	}
	return nil
}

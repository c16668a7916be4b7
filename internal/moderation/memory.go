package moderation

import (
	"context"
	"sort"
	"sync"
)

// MemoryPatternStore is an in-memory PatternStore. It backs tests and the
// degraded boot path when Postgres is unreachable.
type MemoryPatternStore struct {
	mu      sync.RWMutex
	records map[string][]PatternRecord // subjectID -> records, insertion order
}

// NewMemoryPatternStore creates an empty MemoryPatternStore.
func NewMemoryPatternStore() *MemoryPatternStore {
	return &MemoryPatternStore{records: make(map[string][]PatternRecord)}
}

func (s *MemoryPatternStore) Create(_ context.Context, rec *PatternRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SubjectID] = append(s.records[rec.SubjectID], *rec)
	return nil
}

func (s *MemoryPatternStore) BySubject(_ context.Context, subjectID string) ([]PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[subjectID]
	out := make([]PatternRecord, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
	return out, nil
}

// MemoryRestrictionStore is the in-memory RestrictionStore counterpart.
type MemoryRestrictionStore struct {
	mu           sync.RWMutex
	restrictions []Restriction // insertion order
}

// NewMemoryRestrictionStore creates an empty MemoryRestrictionStore.
func NewMemoryRestrictionStore() *MemoryRestrictionStore {
	return &MemoryRestrictionStore{}
}

func (s *MemoryRestrictionStore) Insert(_ context.Context, r *Restriction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restrictions = append(s.restrictions, *r)
	return nil
}

func (s *MemoryRestrictionStore) ActiveForSubject(_ context.Context, subjectID string) (*Restriction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.restrictions) - 1; i >= 0; i-- {
		if s.restrictions[i].SubjectID == subjectID && s.restrictions[i].Active {
			out := s.restrictions[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryRestrictionStore) DeactivateForSubject(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.restrictions {
		if s.restrictions[i].SubjectID == subjectID {
			s.restrictions[i].Active = false
		}
	}
	return nil
}

func (s *MemoryRestrictionStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.restrictions {
		if s.restrictions[i].ID == id {
			s.restrictions[i].Active = false
		}
	}
	return nil
}

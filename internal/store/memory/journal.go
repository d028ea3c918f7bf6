package memory

import (
	"context"
	"sync"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/store"
	"github.com/google/uuid"
)

// JournalStore keeps mutation records in append order. It survives for the
// life of the process only, which is enough for tests and single-run imports.
type JournalStore struct {
	mu         sync.RWMutex
	records    []domain.MutationRecord
	byID       map[uuid.UUID]int
	checkpoint int64
}

func NewJournalStore() *JournalStore {
	return &JournalStore{byID: make(map[uuid.UUID]int)}
}

func (s *JournalStore) Append(ctx context.Context, rec *domain.MutationRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.byID[rec.ID]; ok {
		return s.records[i].Sequence, nil
	}

	seq := int64(len(s.records) + 1)
	stored := cloneRecord(rec)
	stored.Sequence = seq
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, stored)
	return seq, nil
}

func (s *JournalStore) UpdateState(ctx context.Context, rec *domain.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	stored := &s.records[i]
	stored.State = rec.State
	stored.Attempts = rec.Attempts
	stored.LastError = rec.LastError
	stored.NextAttemptAt = nil
	if rec.NextAttemptAt != nil {
		t := *rec.NextAttemptAt
		stored.NextAttemptAt = &t
	}
	return nil
}

func (s *JournalStore) Records(ctx context.Context, afterSeq int64) ([]domain.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.MutationRecord
	for i := range s.records {
		if s.records[i].Sequence > afterSeq {
			out = append(out, cloneRecord(&s.records[i]))
		}
	}
	return out, nil
}

func (s *JournalStore) ListByState(ctx context.Context, state domain.MutationState, limit int) ([]domain.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.MutationRecord
	for i := range s.records {
		if s.records[i].State != state {
			continue
		}
		out = append(out, cloneRecord(&s.records[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *JournalStore) Checkpoint(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint, nil
}

func (s *JournalStore) SaveCheckpoint(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = seq
	return nil
}

func cloneRecord(rec *domain.MutationRecord) domain.MutationRecord {
	c := *rec
	c.Payload = domain.MutationPayload{
		Entity:   rec.Payload.Entity.Clone(),
		Relation: rec.Payload.Relation.Clone(),
	}
	if rec.NextAttemptAt != nil {
		t := *rec.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return c
}

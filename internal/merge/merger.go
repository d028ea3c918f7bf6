package merge

import (
	"fmt"
	"math"
	"sort"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Decision is the result of merging one relation assertion. Mutation is nil
// when the assertion adds nothing new.
type Decision struct {
	RelationID uuid.UUID
	Outcome    Outcome
	Mutation   *domain.MutationRecord

	snapshot *domain.CanonicalRelation
}

// Merger owns the relation key index. Like the resolver it is driven from a
// single goroutine and holds no locks.
type Merger struct {
	clock  domain.Clock
	logger *zap.Logger

	relations map[domain.RelationKey]*domain.CanonicalRelation
	byID      map[uuid.UUID]*domain.CanonicalRelation
}

func NewMerger(clock domain.Clock, logger *zap.Logger) *Merger {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Merger{
		clock:     clock,
		logger:    logger,
		relations: make(map[domain.RelationKey]*domain.CanonicalRelation),
		byID:      make(map[uuid.UUID]*domain.CanonicalRelation),
	}
}

// Merge folds one (subject, predicate, object) assertion into the relation
// table. Direction is taken as given: the mirror of an existing relation is a
// separate relation. A self-loop is rejected with ErrDegenerateRelation.
func (m *Merger) Merge(subjectID uuid.UUID, predicate domain.NormalizedKey, objectID uuid.UUID, confidence float64, span domain.SpanRef) (*Decision, error) {
	if subjectID == uuid.Nil || objectID == uuid.Nil {
		return nil, fmt.Errorf("%w: relation endpoint is empty", domain.ErrMalformedInput)
	}
	if predicate == "" {
		return nil, fmt.Errorf("%w: predicate is empty", domain.ErrMalformedInput)
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", domain.ErrMalformedInput, confidence)
	}
	if subjectID == objectID {
		m.logger.Warn("degenerate relation rejected",
			zap.String("entity_id", subjectID.String()),
			zap.String("predicate", string(predicate)),
			zap.String("span", span.String()))
		return nil, fmt.Errorf("%w: %s %q %s", domain.ErrDegenerateRelation, subjectID, predicate, subjectID)
	}

	key := domain.RelationKey{SubjectID: subjectID, Predicate: predicate, ObjectID: objectID}

	if existing, ok := m.relations[key]; ok {
		next := existing.Clone()
		if !next.AddEvidence(span, confidence) {
			return &Decision{RelationID: existing.ID, Outcome: OutcomeUnchanged}, nil
		}
		next.Version++
		return &Decision{
			RelationID: next.ID,
			Outcome:    OutcomeUpdated,
			Mutation:   domain.NewRelationMutation(domain.MutationUpdateRelationEvidence, next),
			snapshot:   next,
		}, nil
	}

	id := key.ID()
	if other, ok := m.byID[id]; ok && other.Key() != key {
		return nil, fmt.Errorf("%w: relation id %s already used by another key", domain.ErrConsistencyViolation, id)
	}

	rel := &domain.CanonicalRelation{
		ID:        id,
		SubjectID: subjectID,
		Predicate: predicate,
		ObjectID:  objectID,
		CreatedAt: m.clock.Now(),
		Version:   1,
	}
	rel.AddEvidence(span, confidence)

	return &Decision{
		RelationID: id,
		Outcome:    OutcomeCreated,
		Mutation:   domain.NewRelationMutation(domain.MutationCreateRelation, rel),
		snapshot:   rel,
	}, nil
}

// Commit installs a decision's snapshot once its mutation is journaled.
func (m *Merger) Commit(d *Decision) {
	if d == nil || d.snapshot == nil {
		return
	}
	m.install(d.snapshot.Clone())
}

// Restore installs a relation snapshot recovered from the journal, ignoring
// snapshots older than the one already held.
func (m *Merger) Restore(r *domain.CanonicalRelation) error {
	if r == nil {
		return nil
	}
	if r.ID != r.Key().ID() {
		return fmt.Errorf("%w: relation %s does not match its key", domain.ErrConsistencyViolation, r.ID)
	}
	if cur, ok := m.byID[r.ID]; ok && cur.Version >= r.Version {
		return nil
	}
	m.install(r.Clone())
	return nil
}

func (m *Merger) install(r *domain.CanonicalRelation) {
	m.relations[r.Key()] = r
	m.byID[r.ID] = r
}

func (m *Merger) Relation(id uuid.UUID) (*domain.CanonicalRelation, bool) {
	r, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (m *Merger) Lookup(key domain.RelationKey) (*domain.CanonicalRelation, bool) {
	r, ok := m.relations[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// ByEntity returns every relation touching id, ordered by relation id.
func (m *Merger) ByEntity(id uuid.UUID) []domain.CanonicalRelation {
	var out []domain.CanonicalRelation
	for _, r := range m.byID {
		if r.SubjectID == id || r.ObjectID == id {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (m *Merger) RelationCount() int {
	return len(m.relations)
}

// CheckInvariants verifies that the key index and the id index describe the
// same set of relations.
func (m *Merger) CheckInvariants() []string {
	var violations []string
	if len(m.relations) != len(m.byID) {
		violations = append(violations, fmt.Sprintf("relation index has %d keys but %d ids", len(m.relations), len(m.byID)))
	}
	for key, r := range m.relations {
		if r.Key() != key {
			violations = append(violations, fmt.Sprintf("relation %s indexed under a foreign key", r.ID))
		}
		if m.byID[r.ID] != r {
			violations = append(violations, fmt.Sprintf("relation %s missing from id index", r.ID))
		}
	}
	sort.Strings(violations)
	return violations
}

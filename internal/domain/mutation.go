package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MutationKind string

const (
	MutationCreateEntity           MutationKind = "create_entity"
	MutationMergeEntity            MutationKind = "merge_entity"
	MutationCreateRelation         MutationKind = "create_relation"
	MutationUpdateRelationEvidence MutationKind = "update_relation_evidence"
)

func (k MutationKind) IsEntity() bool {
	return k == MutationCreateEntity || k == MutationMergeEntity
}

func (k MutationKind) IsRelation() bool {
	return k == MutationCreateRelation || k == MutationUpdateRelationEvidence
}

func ValidMutationKind(k string) bool {
	switch MutationKind(k) {
	case MutationCreateEntity, MutationMergeEntity, MutationCreateRelation, MutationUpdateRelationEvidence:
		return true
	}
	return false
}

// MutationState tracks a journal record through
// Appended -> Applied -> Acknowledged, or Appended -> Failed -> Appended ...
// -> DeadLettered once the retry ceiling is exceeded.
type MutationState string

const (
	StateAppended     MutationState = "appended"
	StateApplied      MutationState = "applied"
	StateAcknowledged MutationState = "acknowledged"
	StateFailed       MutationState = "failed"
	StateDeadLettered MutationState = "dead_lettered"
)

func (s MutationState) Terminal() bool {
	return s == StateAcknowledged || s == StateDeadLettered
}

// MutationPayload carries the full post-mutation snapshot of the target, so
// applying or restoring a record never depends on earlier records.
type MutationPayload struct {
	Entity   *CanonicalEntity   `json:"entity,omitempty"`
	Relation *CanonicalRelation `json:"relation,omitempty"`
}

type MutationRecord struct {
	ID               uuid.UUID       `json:"mutation_id"`
	Sequence         int64           `json:"sequence"`
	Kind             MutationKind    `json:"kind"`
	Payload          MutationPayload `json:"payload"`
	LogicalTimestamp int64           `json:"logical_timestamp"`

	State         MutationState `json:"state"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewEntityMutation builds a record whose id is derived from the target and
// its version, so re-deciding the same mutation yields the same id.
func NewEntityMutation(kind MutationKind, e *CanonicalEntity) *MutationRecord {
	return &MutationRecord{
		ID:      mutationID(kind, e.ID, e.Version),
		Kind:    kind,
		Payload: MutationPayload{Entity: e.Clone()},
		State:   StateAppended,
	}
}

func NewRelationMutation(kind MutationKind, r *CanonicalRelation) *MutationRecord {
	return &MutationRecord{
		ID:      mutationID(kind, r.ID, r.Version),
		Kind:    kind,
		Payload: MutationPayload{Relation: r.Clone()},
		State:   StateAppended,
	}
}

func mutationID(kind MutationKind, target uuid.UUID, version int) uuid.UUID {
	return uuid.NewSHA1(MutationNamespace, []byte(fmt.Sprintf("%s\x00%s\x00%d", kind, target, version)))
}

// TargetKey is the ordering key of the record: mutations sharing it are
// applied in sequence order.
func (m *MutationRecord) TargetKey() string {
	switch {
	case m.Kind.IsEntity() && m.Payload.Entity != nil:
		return "entity:" + m.Payload.Entity.ID.String()
	case m.Kind.IsRelation() && m.Payload.Relation != nil:
		return "relation:" + m.Payload.Relation.ID.String()
	}
	return "mutation:" + m.ID.String()
}

// Validate checks that the payload variant matches the kind discriminator.
func (m *MutationRecord) Validate() error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("%w: mutation id is empty", ErrMalformedInput)
	}
	if !ValidMutationKind(string(m.Kind)) {
		return fmt.Errorf("%w: unknown mutation kind %q", ErrMalformedInput, m.Kind)
	}
	if m.Kind.IsEntity() {
		if m.Payload.Entity == nil || m.Payload.Relation != nil {
			return fmt.Errorf("%w: %s requires an entity payload", ErrMalformedInput, m.Kind)
		}
		if m.Payload.Entity.ID == uuid.Nil {
			return fmt.Errorf("%w: entity payload has no id", ErrMalformedInput)
		}
		return nil
	}
	if m.Payload.Relation == nil || m.Payload.Entity != nil {
		return fmt.Errorf("%w: %s requires a relation payload", ErrMalformedInput, m.Kind)
	}
	if m.Payload.Relation.ID == uuid.Nil {
		return fmt.Errorf("%w: relation payload has no id", ErrMalformedInput)
	}
	return nil
}

package domain

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Evidence is one extraction supporting a relation.
type Evidence struct {
	Span       SpanRef `json:"span"`
	Confidence float64 `json:"raw_confidence"`
}

// RelationKey identifies a directed relation. Direction is owned by the
// extraction; (a, p, b) and (b, p, a) are distinct keys.
type RelationKey struct {
	SubjectID uuid.UUID
	Predicate NormalizedKey
	ObjectID  uuid.UUID
}

func (k RelationKey) ID() uuid.UUID {
	name := k.SubjectID.String() + "\x00" + string(k.Predicate) + "\x00" + k.ObjectID.String()
	return uuid.NewSHA1(RelationNamespace, []byte(name))
}

type CanonicalRelation struct {
	ID         uuid.UUID     `json:"relation_id"`
	SubjectID  uuid.UUID     `json:"subject_entity_id"`
	Predicate  NormalizedKey `json:"predicate"`
	ObjectID   uuid.UUID     `json:"object_entity_id"`
	Confidence float64       `json:"confidence"`
	Evidence   []Evidence    `json:"evidence"`
	CreatedAt  time.Time     `json:"created_at"`
	Version    int           `json:"version"`
}

func (r *CanonicalRelation) Key() RelationKey {
	return RelationKey{SubjectID: r.SubjectID, Predicate: r.Predicate, ObjectID: r.ObjectID}
}

// AddEvidence records c for span. Evidence is a set keyed by span: a span
// asserting the same relation twice keeps its highest confidence. Returns
// whether the evidence set changed.
func (r *CanonicalRelation) AddEvidence(span SpanRef, c float64) bool {
	i := sort.Search(len(r.Evidence), func(i int) bool { return !r.Evidence[i].Span.Less(span) })
	if i < len(r.Evidence) && r.Evidence[i].Span == span {
		if c <= r.Evidence[i].Confidence {
			return false
		}
		r.Evidence[i].Confidence = c
		r.Confidence = NoisyOR(r.Evidence)
		return true
	}
	r.Evidence = append(r.Evidence, Evidence{})
	copy(r.Evidence[i+1:], r.Evidence[i:])
	r.Evidence[i] = Evidence{Span: span, Confidence: c}
	r.Confidence = NoisyOR(r.Evidence)
	return true
}

func (r *CanonicalRelation) Clone() *CanonicalRelation {
	if r == nil {
		return nil
	}
	c := *r
	c.Evidence = append([]Evidence(nil), r.Evidence...)
	return &c
}

// NoisyOR aggregates independent evidence as 1 - Π(1 - c_i), bounded to [0, 1].
func NoisyOR(evidence []Evidence) float64 {
	miss := 1.0
	for _, ev := range evidence {
		miss *= 1 - ev.Confidence
	}
	return math.Min(1, math.Max(0, 1-miss))
}

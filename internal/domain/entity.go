package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Namespaces for name-based (UUIDv5) identifiers. Changing these changes every
// id the engine produces, so they are fixed for the lifetime of a graph.
var (
	EntityNamespace   = uuid.MustParse("6f1c6a4e-2d1b-5b8e-9a0e-3c6d8e2f4a10")
	RelationNamespace = uuid.MustParse("0b9d7c3a-8e4f-5a2b-b1c6-7d2e9f3a5c21")
	MutationNamespace = uuid.MustParse("c4e2a9f1-6b3d-5e7c-8a1f-2b4d6e8a0c32")
)

// NormalizedKey is the canonical form of a mention or predicate.
type NormalizedKey string

type EntityType string

// Compatible reports whether two declared types may describe the same entity.
// An undeclared type is compatible with everything.
func (t EntityType) Compatible(other EntityType) bool {
	if t == "" || other == "" {
		return true
	}
	return t == other
}

// QualifiedKey scopes key to a declared type. It is the alias an entity gets
// when its plain key already belongs to an entity of another type.
func QualifiedKey(key NormalizedKey, typ EntityType) NormalizedKey {
	if typ == "" {
		return key
	}
	return NormalizedKey(string(key) + "#" + string(typ))
}

// SpanRef points at the text span an assertion was extracted from.
type SpanRef struct {
	DocumentID string `json:"document_id"`
	SpanID     string `json:"span_id"`
	Locator    string `json:"locator,omitempty"`
}

func (s SpanRef) String() string {
	return s.DocumentID + "#" + s.SpanID
}

func (s SpanRef) Less(o SpanRef) bool {
	if s.DocumentID != o.DocumentID {
		return s.DocumentID < o.DocumentID
	}
	if s.SpanID != o.SpanID {
		return s.SpanID < o.SpanID
	}
	return s.Locator < o.Locator
}

// Span is a unit of text emitted by the document parser.
type Span struct {
	DocumentID string `json:"document_id"`
	SpanID     string `json:"span_id"`
	Text       string `json:"text"`
	Locator    string `json:"locator,omitempty"`
}

func (s Span) Ref() SpanRef {
	return SpanRef{DocumentID: s.DocumentID, SpanID: s.SpanID, Locator: s.Locator}
}

// Document is an ordered sequence of spans with optional entity type hints
// forwarded to the extraction adapter.
type Document struct {
	ID        string       `json:"document_id"`
	Spans     []Span       `json:"spans"`
	TypeHints []EntityType `json:"type_hints,omitempty"`
}

// Mention is a raw entity reference. It only lives for the duration of one
// resolution.
type Mention struct {
	Raw       string        `json:"raw"`
	Key       NormalizedKey `json:"key"`
	Type      EntityType    `json:"type,omitempty"`
	Span      SpanRef       `json:"span"`
	Embedding []float32     `json:"-"`
}

type CanonicalEntity struct {
	ID         uuid.UUID       `json:"entity_id"`
	Label      string          `json:"canonical_label"`
	Type       EntityType      `json:"type,omitempty"`
	Aliases    []NormalizedKey `json:"aliases"`
	Embedding  []float32       `json:"embedding,omitempty"`
	Provenance []SpanRef       `json:"provenance"`
	CreatedAt  time.Time       `json:"created_at"`
	Version    int             `json:"version"`
}

func (e *CanonicalEntity) HasAlias(k NormalizedKey) bool {
	i := sort.Search(len(e.Aliases), func(i int) bool { return e.Aliases[i] >= k })
	return i < len(e.Aliases) && e.Aliases[i] == k
}

// AddAlias inserts k keeping the alias set sorted. Returns false if already present.
func (e *CanonicalEntity) AddAlias(k NormalizedKey) bool {
	i := sort.Search(len(e.Aliases), func(i int) bool { return e.Aliases[i] >= k })
	if i < len(e.Aliases) && e.Aliases[i] == k {
		return false
	}
	e.Aliases = append(e.Aliases, "")
	copy(e.Aliases[i+1:], e.Aliases[i:])
	e.Aliases[i] = k
	return true
}

// AddProvenance inserts ref keeping provenance sorted. Returns false if already present.
func (e *CanonicalEntity) AddProvenance(ref SpanRef) bool {
	i := sort.Search(len(e.Provenance), func(i int) bool { return !e.Provenance[i].Less(ref) })
	if i < len(e.Provenance) && e.Provenance[i] == ref {
		return false
	}
	e.Provenance = append(e.Provenance, SpanRef{})
	copy(e.Provenance[i+1:], e.Provenance[i:])
	e.Provenance[i] = ref
	return true
}

// Clone returns a deep copy so snapshots handed to the journal never alias
// the resolver's live state.
func (e *CanonicalEntity) Clone() *CanonicalEntity {
	if e == nil {
		return nil
	}
	c := *e
	c.Aliases = append([]NormalizedKey(nil), e.Aliases...)
	c.Embedding = append([]float32(nil), e.Embedding...)
	c.Provenance = append([]SpanRef(nil), e.Provenance...)
	return &c
}

// EntityID derives the stable id of a newly created entity from the key that
// first introduced it, its declared type and the first document it was seen in.
// salt disambiguates the rare collision with an existing id.
func EntityID(key NormalizedKey, typ EntityType, documentID string, salt int) uuid.UUID {
	name := fmt.Sprintf("%s\x00%s\x00%s", key, typ, documentID)
	if salt > 0 {
		name = fmt.Sprintf("%s\x00%d", name, salt)
	}
	return uuid.NewSHA1(EntityNamespace, []byte(name))
}

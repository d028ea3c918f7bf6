package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GraphStore is the property-graph backend. Both upserts must be idempotent
// and must never replace a row with an older version.
type GraphStore interface {
	UpsertNode(ctx context.Context, e *CanonicalEntity) error
	UpsertEdge(ctx context.Context, r *CanonicalRelation) error
	GetNode(ctx context.Context, id uuid.UUID) (*CanonicalEntity, error)
	GetEdge(ctx context.Context, id uuid.UUID) (*CanonicalRelation, error)
	GetEdgesByEntity(ctx context.Context, entityID uuid.UUID) ([]CanonicalRelation, error)
}

type SimilarEntity struct {
	EntityID   uuid.UUID `json:"entity_id"`
	Similarity float64   `json:"similarity"`
}

// EmbeddingIndex answers nearest-neighbour queries over canonical entities.
type EmbeddingIndex interface {
	Query(ctx context.Context, vector []float32, k int) ([]SimilarEntity, error)
	Index(ctx context.Context, entityID uuid.UUID, vector []float32) error
}

// JournalStore persists mutation records. Append must be durable when it
// returns and idempotent on the mutation id: appending a record whose id is
// already stored returns the existing sequence number.
type JournalStore interface {
	Append(ctx context.Context, rec *MutationRecord) (int64, error)
	UpdateState(ctx context.Context, rec *MutationRecord) error
	Records(ctx context.Context, afterSeq int64) ([]MutationRecord, error)
	ListByState(ctx context.Context, state MutationState, limit int) ([]MutationRecord, error)
	Checkpoint(ctx context.Context) (int64, error)
	SaveCheckpoint(ctx context.Context, seq int64) error
}

type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor is the language-model extraction boundary.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) ([]RawTriple, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

package store

import (
	"context"
	"fmt"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// EmbeddingIndex answers cosine nearest-neighbour queries with pgvector.
// Vectors of a different width than the query are never compared.
type EmbeddingIndex struct {
	db *pgxpool.Pool
}

func NewEmbeddingIndex(db *pgxpool.Pool) *EmbeddingIndex {
	return &EmbeddingIndex{db: db}
}

func (x *EmbeddingIndex) Index(ctx context.Context, entityID uuid.UUID, vector []float32) error {
	_, err := x.db.Exec(ctx,
		`INSERT INTO kg_entity_embeddings (entity_id, embedding, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (entity_id) DO UPDATE
		 SET embedding = EXCLUDED.embedding, updated_at = NOW()`,
		entityID, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("index entity %s: %w", entityID, err)
	}
	return nil
}

func (x *EmbeddingIndex) Query(ctx context.Context, vector []float32, k int) ([]domain.SimilarEntity, error) {
	if k <= 0 {
		k = 5
	}
	vec := pgvector.NewVector(vector)

	rows, err := x.db.Query(ctx,
		`SELECT entity_id, 1 - (embedding <=> $1) AS similarity
		 FROM kg_entity_embeddings
		 WHERE vector_dims(embedding) = $2
		 ORDER BY embedding <=> $1, entity_id
		 LIMIT $3`,
		vec, len(vector), k,
	)
	if err != nil {
		return nil, fmt.Errorf("query embedding index: %w", err)
	}
	defer rows.Close()

	var out []domain.SimilarEntity
	for rows.Next() {
		var s domain.SimilarEntity
		if err := rows.Scan(&s.EntityID, &s.Similarity); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

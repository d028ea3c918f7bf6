package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/google/uuid"
)

// EmbeddingIndex is a brute-force cosine similarity index.
type EmbeddingIndex struct {
	mu      sync.RWMutex
	vectors map[uuid.UUID][]float32
}

func NewEmbeddingIndex() *EmbeddingIndex {
	return &EmbeddingIndex{vectors: make(map[uuid.UUID][]float32)}
}

func (x *EmbeddingIndex) Index(ctx context.Context, entityID uuid.UUID, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors[entityID] = append([]float32(nil), vector...)
	return nil
}

func (x *EmbeddingIndex) Query(ctx context.Context, vector []float32, k int) ([]domain.SimilarEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]domain.SimilarEntity, 0, len(x.vectors))
	for id, v := range x.vectors {
		if len(v) != len(vector) {
			continue
		}
		out = append(out, domain.SimilarEntity{EntityID: id, Similarity: cosine(vector, v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].EntityID.String() < out[j].EntityID.String()
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (x *EmbeddingIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

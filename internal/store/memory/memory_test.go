package memory

import (
	"context"
	"testing"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphStoreUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewGraphStore()

	e := &domain.CanonicalEntity{ID: uuid.New(), Label: "Graphs", Aliases: []domain.NormalizedKey{"graphs"}, Version: 1}
	require.NoError(t, s.UpsertNode(ctx, e))
	nodesOnce, _ := s.Snapshot()
	require.NoError(t, s.UpsertNode(ctx, e))
	nodesTwice, _ := s.Snapshot()

	assert.Equal(t, nodesOnce, nodesTwice)
	assert.Len(t, nodesTwice, 1)
}

func TestGraphStoreNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := NewGraphStore()
	id := uuid.New()

	require.NoError(t, s.UpsertNode(ctx, &domain.CanonicalEntity{ID: id, Label: "v2", Version: 2}))
	require.NoError(t, s.UpsertNode(ctx, &domain.CanonicalEntity{ID: id, Label: "v1", Version: 1}))

	got, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Label)

	rel := &domain.CanonicalRelation{ID: uuid.New(), SubjectID: id, ObjectID: uuid.New(), Predicate: "uses", Version: 3}
	require.NoError(t, s.UpsertEdge(ctx, rel))
	older := rel.Clone()
	older.Version = 2
	older.Confidence = 0.1
	require.NoError(t, s.UpsertEdge(ctx, older))

	edges, err := s.GetEdgesByEntity(ctx, id)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 3, edges[0].Version)

	_, err = s.GetEdge(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJournalStoreAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewJournalStore()

	e := &domain.CanonicalEntity{ID: uuid.New(), Version: 1}
	rec := domain.NewEntityMutation(domain.MutationCreateEntity, e)

	seq1, err := s.Append(ctx, rec)
	require.NoError(t, err)
	seq2, err := s.Append(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)

	records, err := s.Records(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestJournalStoreStateAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := NewJournalStore()

	for i := 0; i < 3; i++ {
		rec := domain.NewEntityMutation(domain.MutationCreateEntity, &domain.CanonicalEntity{ID: uuid.New(), Version: 1})
		seq, err := s.Append(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
		if i == 1 {
			rec.State = domain.StateDeadLettered
			rec.Attempts = 6
			require.NoError(t, s.UpdateState(ctx, rec))
		}
	}

	dead, err := s.ListByState(ctx, domain.StateDeadLettered, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(2), dead[0].Sequence)
	assert.Equal(t, 6, dead[0].Attempts)

	after, err := s.Records(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, after, 2)

	require.NoError(t, s.SaveCheckpoint(ctx, 2))
	cp, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp)

	missing := domain.NewEntityMutation(domain.MutationCreateEntity, &domain.CanonicalEntity{ID: uuid.New(), Version: 1})
	assert.ErrorIs(t, s.UpdateState(ctx, missing), store.ErrNotFound)
}

func TestEmbeddingIndexQuery(t *testing.T) {
	ctx := context.Background()
	x := NewEmbeddingIndex()

	near, far := uuid.New(), uuid.New()
	require.NoError(t, x.Index(ctx, near, []float32{1, 0.1, 0}))
	require.NoError(t, x.Index(ctx, far, []float32{0, 0, 1}))
	require.NoError(t, x.Index(ctx, uuid.New(), []float32{1, 0}))

	got, err := x.Query(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2, "vectors of another dimension are skipped")
	assert.Equal(t, near, got[0].EntityID)
	assert.Greater(t, got[0].Similarity, 0.99)
	assert.InDelta(t, 0, got[1].Similarity, 1e-9)

	top, err := x.Query(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestGraphStoreRejectsDuplicateRelationKey(t *testing.T) {
	ctx := context.Background()
	s := NewGraphStore()

	a, b := uuid.New(), uuid.New()
	first := &domain.CanonicalRelation{ID: uuid.New(), SubjectID: a, Predicate: "uses", ObjectID: b, Version: 1}
	require.NoError(t, s.UpsertEdge(ctx, first))

	dup := first.Clone()
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.UpsertEdge(ctx, dup), store.ErrConflict)

	mirror := &domain.CanonicalRelation{ID: uuid.New(), SubjectID: b, Predicate: "uses", ObjectID: a, Version: 1}
	assert.NoError(t, s.UpsertEdge(ctx, mirror))
}

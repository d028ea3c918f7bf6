package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/store/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// flakyGraph fails the next `failures` upserts and records the versions it
// accepted, in order.
type flakyGraph struct {
	*memory.GraphStore
	failures int
	onUpsert func()
	applied  []string
}

func (g *flakyGraph) UpsertNode(ctx context.Context, e *domain.CanonicalEntity) error {
	if g.onUpsert != nil {
		g.onUpsert()
	}
	if g.failures > 0 {
		g.failures--
		return errors.New("graph store unavailable")
	}
	if err := g.GraphStore.UpsertNode(ctx, e); err != nil {
		return err
	}
	g.applied = append(g.applied, e.Label)
	return nil
}

func (g *flakyGraph) UpsertEdge(ctx context.Context, r *domain.CanonicalRelation) error {
	if g.failures > 0 {
		g.failures--
		return errors.New("graph store unavailable")
	}
	return g.GraphStore.UpsertEdge(ctx, r)
}

type fixture struct {
	store *memory.JournalStore
	graph *flakyGraph
	index *memory.EmbeddingIndex
	clock *fakeClock
	cfg   Config
}

func newFixture() *fixture {
	return &fixture{
		store: memory.NewJournalStore(),
		graph: &flakyGraph{GraphStore: memory.NewGraphStore()},
		index: memory.NewEmbeddingIndex(),
		clock: &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		cfg: Config{
			RetryCeiling:  2,
			Backoff:       []time.Duration{time.Second, 5 * time.Second},
			RetryInterval: time.Second,
		},
	}
}

func (f *fixture) journal() *Journal {
	return New(f.store, f.graph, f.index, f.clock, f.cfg, zap.NewNop())
}

func entity(label string, version int, id uuid.UUID) *domain.CanonicalEntity {
	return &domain.CanonicalEntity{
		ID:        id,
		Label:     label,
		Aliases:   []domain.NormalizedKey{domain.NormalizedKey(label)},
		Embedding: []float32{1, 0, 0},
		Version:   version,
	}
}

func createMutation(label string) *domain.MutationRecord {
	return domain.NewEntityMutation(domain.MutationCreateEntity, entity(label, 1, uuid.New()))
}

func TestSubmitAppliesAndAcknowledges(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	j := f.journal()

	rec := createMutation("graphs")
	seq, err := j.Submit(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	_, err = f.graph.GetNode(ctx, rec.Payload.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.index.Len(), "created entities are indexed")

	records, err := f.store.Records(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateAcknowledged, records[0].State)

	cp, err := f.store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp)
}

func TestSubmitDuplicateIsNotReapplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	j := f.journal()

	rec := createMutation("graphs")
	first, err := j.Submit(ctx, rec)
	require.NoError(t, err)
	second, err := j.Submit(ctx, createCopy(rec))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.graph.applied, 1)
}

func createCopy(rec *domain.MutationRecord) *domain.MutationRecord {
	return domain.NewEntityMutation(rec.Kind, rec.Payload.Entity)
}

func TestRecoverReappliesUnacknowledged(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// Appended, then the process died before the store saw it.
	rec := createMutation("recursion")
	_, err := f.store.Append(ctx, rec)
	require.NoError(t, err)

	n, err := f.journal().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.graph.GetNode(ctx, rec.Payload.Entity.ID)
	require.NoError(t, err)
	assert.Len(t, f.graph.applied, 1)

	// A second restart finds nothing left to do.
	n, err = f.journal().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.graph.applied, 1, "the mutation is observably applied exactly once")
}

func TestApplyTwiceYieldsSameGraph(t *testing.T) {
	ctx := context.Background()
	once := newFixture()
	twice := newFixture()

	e := entity("sorting", 1, uuid.New())
	rel := &domain.CanonicalRelation{SubjectID: e.ID, Predicate: "uses", ObjectID: uuid.New(), Version: 1}
	rel.ID = rel.Key().ID()
	rel.AddEvidence(domain.SpanRef{DocumentID: "cs101", SpanID: "s1"}, 0.7)

	recs := []*domain.MutationRecord{
		domain.NewEntityMutation(domain.MutationCreateEntity, e),
		domain.NewRelationMutation(domain.MutationCreateRelation, rel),
	}

	j := once.journal()
	for _, rec := range recs {
		_, err := j.Submit(ctx, rec)
		require.NoError(t, err)
	}

	// Crash after apply but before acknowledgement: recovery applies again.
	for _, rec := range recs {
		applied := *rec
		applied.State = domain.StateApplied
		_, err := twice.store.Append(ctx, &applied)
		require.NoError(t, err)
		require.NoError(t, twice.graph.GraphStore.UpsertNode(ctx, e))
	}
	require.NoError(t, twice.graph.GraphStore.UpsertEdge(ctx, rel))
	_, err := twice.journal().Recover(ctx)
	require.NoError(t, err)

	nodesOnce, edgesOnce := once.graph.Snapshot()
	nodesTwice, edgesTwice := twice.graph.Snapshot()
	assert.Equal(t, nodesOnce, nodesTwice)
	assert.Equal(t, edgesOnce, edgesTwice)
}

func TestRetryBackoffAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.graph.failures = 100
	j := f.journal()

	rec := createMutation("heaps")
	_, err := j.Submit(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.NextAttemptAt)
	assert.Equal(t, f.clock.now.Add(time.Second), *rec.NextAttemptAt)

	n, err := j.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "backoff has not elapsed")

	f.clock.Advance(time.Second)
	n, err = j.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, f.clock.now.Add(5*time.Second), *rec.NextAttemptAt)

	f.clock.Advance(5 * time.Second)
	_, err = j.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeadLettered, rec.State)
	assert.Equal(t, 3, rec.Attempts)

	dead, err := j.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, rec.ID, dead[0].ID)
	assert.NotEmpty(t, dead[0].LastError)

	stats := j.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, int64(1), stats.Checkpoint)

	// Nothing further is attempted once dead-lettered.
	f.clock.Advance(time.Hour)
	n, err = j.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPerKeyFIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.graph.failures = 1
	j := f.journal()

	id := uuid.New()
	_, err := j.Submit(ctx, domain.NewEntityMutation(domain.MutationCreateEntity, entity("v1", 1, id)))
	require.NoError(t, err)
	_, err = j.Submit(ctx, domain.NewEntityMutation(domain.MutationMergeEntity, entity("v2", 2, id)))
	require.NoError(t, err)

	// An unrelated key is not held back.
	_, err = j.Submit(ctx, createMutation("other"))
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, f.graph.applied)
	assert.Equal(t, 2, j.Stats().Pending)

	f.clock.Advance(time.Second)
	n, err := j.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"other", "v1", "v2"}, f.graph.applied)

	node, err := f.graph.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, node.Version)

	cp, err := f.store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp)
}

func TestCanceledApplyIsNotAnAttempt(t *testing.T) {
	f := newFixture()
	j := f.journal()

	ctx, cancel := context.WithCancel(context.Background())
	f.graph.onUpsert = cancel

	rec := createMutation("tries")
	_, err := j.Submit(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAppended, rec.State)
	assert.Equal(t, 0, rec.Attempts)

	f.graph.onUpsert = nil
	n, err := j.RetryDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StateAcknowledged, rec.State)
}

func TestRecoverKeepsFailedSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.graph.failures = 1

	rec := createMutation("queues")
	_, err := f.journal().Submit(ctx, rec)
	require.NoError(t, err)

	// Restart before the backoff elapses.
	j := f.journal()
	n, err := j.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, j.Stats().Failed)

	f.clock.Advance(time.Second)
	n, err = j.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, j.Stats().Pending)
}

func TestRedrive(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.cfg.RetryCeiling = 0
	f.graph.failures = 1
	j := f.journal()

	rec := createMutation("tries")
	_, err := j.Submit(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, domain.StateDeadLettered, rec.State)

	require.NoError(t, j.Redrive(ctx, rec.ID))
	_, err = f.graph.GetNode(ctx, rec.Payload.Entity.ID)
	require.NoError(t, err)

	dead, err := j.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)

	assert.ErrorIs(t, j.Redrive(ctx, uuid.New()), ErrNotDeadLettered)
}

func TestReplayStreamsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	j := f.journal()

	for _, label := range []string{"a", "b", "c"} {
		_, err := j.Submit(ctx, createMutation(label))
		require.NoError(t, err)
	}

	var seqs []int64
	require.NoError(t, j.Replay(ctx, func(rec *domain.MutationRecord) error {
		seqs = append(seqs, rec.Sequence)
		return nil
	}))
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestStartStop(t *testing.T) {
	f := newFixture()
	f.cfg.RetryInterval = 10 * time.Millisecond
	j := f.journal()
	j.Start()
	j.Stop()
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/merge"
	"github.com/Harshitk-cp/coursegraph/internal/resolve"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("coordinator stopped")

// Submitter is the journal entry point the coordinator writes through.
type Submitter interface {
	Submit(ctx context.Context, rec *domain.MutationRecord) (int64, error)
}

// Replayer streams journaled records for state hydration.
type Replayer interface {
	Replay(ctx context.Context, fn func(*domain.MutationRecord) error) error
}

// Assertion is one validated, normalized triple ready for resolution.
type Assertion struct {
	Span       domain.SpanRef
	Subject    domain.Mention
	Predicate  domain.NormalizedKey
	Object     domain.Mention
	Confidence float64
}

// Outcome is what processing one assertion did to the graph.
type Outcome struct {
	SubjectID       uuid.UUID
	ObjectID        uuid.UUID
	RelationID      uuid.UUID
	EntitiesCreated int
	EntitiesMerged  int
	RelationCreated bool
	RelationUpdated bool
}

type op struct {
	fn   func()
	done chan struct{}
}

// Coordinator is the single writer for the alias and relation tables. Every
// read or write of resolver and merger state runs on its goroutine, so the
// tables need no locks and decisions are made against a consistent view.
type Coordinator struct {
	resolver *resolve.Resolver
	merger   *merge.Merger
	journal  Submitter
	logger   *zap.Logger

	logicalTS int64

	ops    chan op
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewCoordinator(resolver *resolve.Resolver, merger *merge.Merger, journal Submitter, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		resolver: resolver,
		merger:   merger,
		journal:  journal,
		logger:   logger,
		ops:      make(chan op),
		stopCh:   make(chan struct{}),
	}
}

func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case o := <-c.ops:
				o.fn()
				close(o.done)
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// do runs fn on the coordinator goroutine and waits for it. Once accepted,
// fn always runs to completion; it is expected to honour ctx itself.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case c.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrStopped
	}
	<-o.done
	return nil
}

// Process resolves both mentions of a and merges the relation between them.
func (c *Coordinator) Process(ctx context.Context, a Assertion) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	if doErr := c.do(ctx, func() { out, err = c.process(ctx, a) }); doErr != nil {
		return Outcome{}, doErr
	}
	return out, err
}

func (c *Coordinator) process(ctx context.Context, a Assertion) (Outcome, error) {
	var out Outcome

	subjectID, err := c.resolveMention(ctx, a.Subject, &out)
	if err != nil {
		return out, fmt.Errorf("resolve subject %q: %w", a.Subject.Key, err)
	}
	out.SubjectID = subjectID

	objectID, err := c.resolveMention(ctx, a.Object, &out)
	if err != nil {
		return out, fmt.Errorf("resolve object %q: %w", a.Object.Key, err)
	}
	out.ObjectID = objectID

	d, err := c.merger.Merge(subjectID, a.Predicate, objectID, a.Confidence, a.Span)
	if err != nil {
		return out, err
	}
	out.RelationID = d.RelationID
	if d.Mutation == nil {
		return out, nil
	}
	if err := c.submit(ctx, d.Mutation); err != nil {
		return out, err
	}
	c.merger.Commit(d)

	switch d.Outcome {
	case merge.OutcomeCreated:
		out.RelationCreated = true
	case merge.OutcomeUpdated:
		out.RelationUpdated = true
	}
	return out, nil
}

func (c *Coordinator) resolveMention(ctx context.Context, m domain.Mention, out *Outcome) (uuid.UUID, error) {
	d, err := c.resolver.Resolve(ctx, m)
	if err != nil {
		return uuid.Nil, err
	}
	if d.Mutation == nil {
		return d.EntityID, nil
	}
	if err := c.resolver.Index(ctx, d); err != nil {
		return uuid.Nil, err
	}
	if err := c.submit(ctx, d.Mutation); err != nil {
		return uuid.Nil, err
	}
	if err := c.resolver.Commit(d); err != nil {
		// Journaled but not installed: stop touching this entity.
		c.resolver.QuarantineEntity(d.EntityID, err.Error())
		return uuid.Nil, err
	}

	switch d.Outcome {
	case resolve.OutcomeCreated:
		out.EntitiesCreated++
		c.logger.Debug("entity created",
			zap.String("entity_id", d.EntityID.String()),
			zap.String("key", string(m.Key)))
	case resolve.OutcomeMerged:
		out.EntitiesMerged++
		c.logger.Debug("mention merged into entity",
			zap.String("entity_id", d.EntityID.String()),
			zap.String("key", string(m.Key)))
	}
	return d.EntityID, nil
}

func (c *Coordinator) submit(ctx context.Context, rec *domain.MutationRecord) error {
	c.logicalTS++
	rec.LogicalTimestamp = c.logicalTS
	if _, err := c.journal.Submit(ctx, rec); err != nil {
		return fmt.Errorf("journal %s: %w", rec.Kind, err)
	}
	return nil
}

// Hydrate rebuilds the entity and relation tables from the journal so alias
// and relation uniqueness hold across restarts. Conflicting snapshots are
// quarantined by the resolver and counted, not fatal.
func (c *Coordinator) Hydrate(ctx context.Context, r Replayer) (int, error) {
	var (
		n         int
		conflicts int
		err       error
	)
	doErr := c.do(ctx, func() {
		err = r.Replay(ctx, func(rec *domain.MutationRecord) error {
			if rec.LogicalTimestamp > c.logicalTS {
				c.logicalTS = rec.LogicalTimestamp
			}
			var restoreErr error
			switch {
			case rec.Payload.Entity != nil:
				restoreErr = c.resolver.Restore(rec.Payload.Entity)
			case rec.Payload.Relation != nil:
				restoreErr = c.merger.Restore(rec.Payload.Relation)
			}
			if restoreErr != nil {
				conflicts++
				c.logger.Error("journal snapshot conflicts with hydrated state",
					zap.Int64("sequence", rec.Sequence),
					zap.Error(restoreErr))
			}
			n++
			return nil
		})
	})
	if doErr != nil {
		return 0, doErr
	}
	if err != nil {
		return n, err
	}
	c.logger.Info("graph state hydrated",
		zap.Int("records", n),
		zap.Int("conflicts", conflicts),
		zap.Int64("logical_timestamp", c.logicalTS))
	return n, nil
}

// CheckInvariants cross-checks the alias and relation indexes.
func (c *Coordinator) CheckInvariants(ctx context.Context) ([]string, error) {
	var violations []string
	err := c.do(ctx, func() {
		violations = append(c.resolver.CheckInvariants(), c.merger.CheckInvariants()...)
	})
	return violations, err
}

func (c *Coordinator) Entity(ctx context.Context, id uuid.UUID) (*domain.CanonicalEntity, bool, error) {
	var (
		e  *domain.CanonicalEntity
		ok bool
	)
	err := c.do(ctx, func() { e, ok = c.resolver.Entity(id) })
	return e, ok, err
}

func (c *Coordinator) LookupAlias(ctx context.Context, key domain.NormalizedKey) (*domain.CanonicalEntity, bool, error) {
	var (
		e  *domain.CanonicalEntity
		ok bool
	)
	err := c.do(ctx, func() { e, ok = c.resolver.Lookup(key) })
	return e, ok, err
}

func (c *Coordinator) Relation(ctx context.Context, id uuid.UUID) (*domain.CanonicalRelation, bool, error) {
	var (
		r  *domain.CanonicalRelation
		ok bool
	)
	err := c.do(ctx, func() { r, ok = c.merger.Relation(id) })
	return r, ok, err
}

func (c *Coordinator) RelationsOf(ctx context.Context, entityID uuid.UUID) ([]domain.CanonicalRelation, error) {
	var out []domain.CanonicalRelation
	err := c.do(ctx, func() { out = c.merger.ByEntity(entityID) })
	return out, err
}

func (c *Coordinator) Quarantined(ctx context.Context) ([]resolve.QuarantineEntry, error) {
	var out []resolve.QuarantineEntry
	err := c.do(ctx, func() { out = c.resolver.Quarantined() })
	return out, err
}

func (c *Coordinator) Release(ctx context.Context, key string) (bool, error) {
	var released bool
	err := c.do(ctx, func() { released = c.resolver.Release(key) })
	return released, err
}

type Counts struct {
	Entities         int   `json:"entities"`
	Relations        int   `json:"relations"`
	LogicalTimestamp int64 `json:"logical_timestamp"`
}

func (c *Coordinator) Counts(ctx context.Context) (Counts, error) {
	var out Counts
	err := c.do(ctx, func() {
		out = Counts{Entities: c.resolver.EntityCount(), Relations: c.merger.RelationCount(), LogicalTimestamp: c.logicalTS}
	})
	return out, err
}

package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	SimilarityThreshold float64
	TieBreakEpsilon     float64
	TopK                int
}

func DefaultConfig() Config {
	return Config{SimilarityThreshold: 0.85, TieBreakEpsilon: 0.01, TopK: 5}
}

type Outcome string

const (
	// OutcomeExisting is an exact alias hit: nothing changes.
	OutcomeExisting Outcome = "existing"
	OutcomeMerged   Outcome = "merged"
	OutcomeCreated  Outcome = "created"
)

// Decision is the result of resolving one mention. Mutation is nil when the
// graph does not change. The decision is not visible to later resolutions
// until it is committed.
type Decision struct {
	EntityID uuid.UUID
	Outcome  Outcome
	Mutation *domain.MutationRecord

	snapshot *domain.CanonicalEntity
}

// Resolver owns the canonical entity table and the alias index. It is not safe
// for concurrent use: every call must come from the single coordinating
// goroutine.
type Resolver struct {
	cfg    Config
	index  domain.EmbeddingIndex
	clock  domain.Clock
	logger *zap.Logger

	entities map[uuid.UUID]*domain.CanonicalEntity
	aliases  map[domain.NormalizedKey]uuid.UUID

	quarantinedKeys     map[domain.NormalizedKey]string
	quarantinedEntities map[uuid.UUID]string
}

func NewResolver(cfg Config, index domain.EmbeddingIndex, clock domain.Clock, logger *zap.Logger) *Resolver {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Resolver{
		cfg:                 cfg,
		index:               index,
		clock:               clock,
		logger:              logger,
		entities:            make(map[uuid.UUID]*domain.CanonicalEntity),
		aliases:             make(map[domain.NormalizedKey]uuid.UUID),
		quarantinedKeys:     make(map[domain.NormalizedKey]string),
		quarantinedEntities: make(map[uuid.UUID]string),
	}
}

// Resolve maps a mention to a canonical entity. An exact alias hit of a
// compatible type returns immediately. Otherwise the embedding index is
// consulted and the mention either merges into the best candidate or creates
// a new entity. A missing context embedding or an unreachable index yields
// ErrTransientDependency so the caller can defer the mention.
func (r *Resolver) Resolve(ctx context.Context, m domain.Mention) (*Decision, error) {
	if reason, ok := r.quarantinedKeys[m.Key]; ok {
		return nil, fmt.Errorf("%w: key %q is quarantined: %s", domain.ErrConsistencyViolation, m.Key, reason)
	}

	aliasTaken := false
	if id, ok := r.aliases[m.Key]; ok {
		e, err := r.aliasOwner(m.Key, id)
		if err != nil {
			return nil, err
		}
		if e.Type.Compatible(m.Type) {
			return &Decision{EntityID: id, Outcome: OutcomeExisting}, nil
		}
		// Same surface form, different thing. The alias stays with its owner
		// and this mention is addressed by its type-qualified key instead.
		aliasTaken = true
		qk := domain.QualifiedKey(m.Key, m.Type)
		if qid, ok := r.aliases[qk]; ok {
			q, err := r.aliasOwner(qk, qid)
			if err != nil {
				return nil, err
			}
			if q.Type.Compatible(m.Type) {
				return &Decision{EntityID: qid, Outcome: OutcomeExisting}, nil
			}
		}
	}

	if len(m.Embedding) == 0 {
		return nil, fmt.Errorf("%w: no context embedding for %q", domain.ErrTransientDependency, m.Key)
	}

	similar, err := r.index.Query(ctx, m.Embedding, r.cfg.TopK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, domain.ErrTransientDependency) {
			return nil, fmt.Errorf("query embedding index: %w", err)
		}
		return nil, fmt.Errorf("%w: query embedding index: %v", domain.ErrTransientDependency, err)
	}

	if match := r.bestCandidate(similar, m.Type); match != nil {
		return r.mergeInto(match, m, aliasTaken), nil
	}
	return r.create(m, aliasTaken), nil
}

func (r *Resolver) aliasOwner(key domain.NormalizedKey, id uuid.UUID) (*domain.CanonicalEntity, error) {
	e, ok := r.entities[id]
	if !ok || !e.HasAlias(key) {
		r.quarantineKey(key, fmt.Sprintf("alias index points at %s which does not carry the alias", id))
		return nil, fmt.Errorf("%w: alias %q maps to %s inconsistently", domain.ErrConsistencyViolation, key, id)
	}
	if reason, ok := r.quarantinedEntities[id]; ok {
		return nil, fmt.Errorf("%w: entity %s is quarantined: %s", domain.ErrConsistencyViolation, id, reason)
	}
	return e, nil
}

// bestCandidate filters the index answer down to live, compatible entities at
// or above the threshold and picks one. Candidates within TieBreakEpsilon of
// the top similarity are ordered by alias count (descending) and then by id,
// so the choice is reproducible across runs.
func (r *Resolver) bestCandidate(similar []domain.SimilarEntity, typ domain.EntityType) *domain.CanonicalEntity {
	type candidate struct {
		entity     *domain.CanonicalEntity
		similarity float64
	}

	var eligible []candidate
	for _, s := range similar {
		if s.Similarity < r.cfg.SimilarityThreshold {
			continue
		}
		e, ok := r.entities[s.EntityID]
		if !ok {
			continue
		}
		if _, q := r.quarantinedEntities[e.ID]; q {
			continue
		}
		if !e.Type.Compatible(typ) {
			continue
		}
		eligible = append(eligible, candidate{entity: e, similarity: s.Similarity})
	}
	if len(eligible) == 0 {
		return nil
	}

	top := eligible[0].similarity
	for _, c := range eligible[1:] {
		if c.similarity > top {
			top = c.similarity
		}
	}

	var best *domain.CanonicalEntity
	for _, c := range eligible {
		if c.similarity < top-r.cfg.TieBreakEpsilon {
			continue
		}
		if best == nil || preferred(c.entity, best) {
			best = c.entity
		}
	}
	return best
}

func preferred(a, b *domain.CanonicalEntity) bool {
	if len(a.Aliases) != len(b.Aliases) {
		return len(a.Aliases) > len(b.Aliases)
	}
	return a.ID.String() < b.ID.String()
}

func (r *Resolver) mergeInto(target *domain.CanonicalEntity, m domain.Mention, aliasTaken bool) *Decision {
	next := target.Clone()
	changed := false
	if alias, ok := r.freeAlias(m, aliasTaken); ok && next.AddAlias(alias) {
		changed = true
	}
	if next.AddProvenance(m.Span) {
		changed = true
	}
	if next.Type == "" && m.Type != "" {
		next.Type = m.Type
		changed = true
	}
	if !changed {
		return &Decision{EntityID: target.ID, Outcome: OutcomeExisting}
	}
	next.Version++

	return &Decision{
		EntityID: next.ID,
		Outcome:  OutcomeMerged,
		Mutation: domain.NewEntityMutation(domain.MutationMergeEntity, next),
		snapshot: next,
	}
}

func (r *Resolver) create(m domain.Mention, aliasTaken bool) *Decision {
	id := domain.EntityID(m.Key, m.Type, m.Span.DocumentID, 0)
	for salt := 1; r.entities[id] != nil; salt++ {
		id = domain.EntityID(m.Key, m.Type, m.Span.DocumentID, salt)
	}

	label := strings.TrimSpace(m.Raw)
	if label == "" {
		label = string(m.Key)
	}

	e := &domain.CanonicalEntity{
		ID:        id,
		Label:     label,
		Type:      m.Type,
		Embedding: append([]float32(nil), m.Embedding...),
		CreatedAt: r.clock.Now(),
		Version:   1,
	}
	if alias, ok := r.freeAlias(m, aliasTaken); ok {
		e.AddAlias(alias)
	}
	e.AddProvenance(m.Span)

	return &Decision{
		EntityID: id,
		Outcome:  OutcomeCreated,
		Mutation: domain.NewEntityMutation(domain.MutationCreateEntity, e),
		snapshot: e,
	}
}

// freeAlias picks the alias a mention contributes: its key, or the
// type-qualified key when the plain one is taken. Keys owned by another
// entity are never handed out.
func (r *Resolver) freeAlias(m domain.Mention, aliasTaken bool) (domain.NormalizedKey, bool) {
	alias := m.Key
	if aliasTaken {
		alias = domain.QualifiedKey(m.Key, m.Type)
	}
	if _, owned := r.aliases[alias]; owned {
		return "", false
	}
	return alias, true
}

// Index adds the embedding of a created entity to the similarity index. It
// must run before the creation is journaled; the journal repeats the upsert
// on apply.
func (r *Resolver) Index(ctx context.Context, d *Decision) error {
	if d == nil || d.Outcome != OutcomeCreated || d.snapshot == nil || len(d.snapshot.Embedding) == 0 {
		return nil
	}
	if err := r.index.Index(ctx, d.EntityID, d.snapshot.Embedding); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrTransientDependency) {
			return fmt.Errorf("index entity %s: %w", d.EntityID, err)
		}
		return fmt.Errorf("%w: index entity %s: %v", domain.ErrTransientDependency, d.EntityID, err)
	}
	return nil
}

// Commit installs a decision's snapshot into the tables. It must only be
// called once the decision's mutation has been durably journaled.
func (r *Resolver) Commit(d *Decision) error {
	if d == nil || d.snapshot == nil {
		return nil
	}
	return r.install(d.snapshot.Clone())
}

// Restore installs an entity snapshot recovered from the journal. Snapshots
// older than the one already held are ignored.
func (r *Resolver) Restore(e *domain.CanonicalEntity) error {
	if e == nil {
		return nil
	}
	if cur, ok := r.entities[e.ID]; ok && cur.Version >= e.Version {
		return nil
	}
	return r.install(e.Clone())
}

func (r *Resolver) install(e *domain.CanonicalEntity) error {
	for _, k := range e.Aliases {
		if owner, ok := r.aliases[k]; ok && owner != e.ID {
			reason := fmt.Sprintf("alias claimed by %s and %s", owner, e.ID)
			r.quarantineKey(k, reason)
			r.quarantineEntity(e.ID, reason)
			r.quarantineEntity(owner, reason)
			return fmt.Errorf("%w: alias %q already belongs to %s", domain.ErrConsistencyViolation, k, owner)
		}
	}
	r.entities[e.ID] = e
	for _, k := range e.Aliases {
		r.aliases[k] = e.ID
	}
	return nil
}

// Entity returns a copy of the entity with the given id.
func (r *Resolver) Entity(id uuid.UUID) (*domain.CanonicalEntity, bool) {
	e, ok := r.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Lookup returns a copy of the entity owning key, if any.
func (r *Resolver) Lookup(key domain.NormalizedKey) (*domain.CanonicalEntity, bool) {
	id, ok := r.aliases[key]
	if !ok {
		return nil, false
	}
	return r.Entity(id)
}

func (r *Resolver) EntityCount() int {
	return len(r.entities)
}

func (r *Resolver) quarantineKey(k domain.NormalizedKey, reason string) {
	if _, ok := r.quarantinedKeys[k]; ok {
		return
	}
	r.quarantinedKeys[k] = reason
	r.logger.Error("alias quarantined", zap.String("key", string(k)), zap.String("reason", reason))
}

func (r *Resolver) quarantineEntity(id uuid.UUID, reason string) {
	if _, ok := r.quarantinedEntities[id]; ok {
		return
	}
	r.quarantinedEntities[id] = reason
	r.logger.Error("entity quarantined", zap.String("entity_id", id.String()), zap.String("reason", reason))
}

// QuarantineEntity halts further resolution into id.
func (r *Resolver) QuarantineEntity(id uuid.UUID, reason string) {
	r.quarantineEntity(id, reason)
}

type QuarantineEntry struct {
	Key      string `json:"key"`
	EntityID string `json:"entity_id,omitempty"`
	Reason   string `json:"reason"`
}

// Quarantined lists quarantined keys and entities in a stable order.
func (r *Resolver) Quarantined() []QuarantineEntry {
	out := make([]QuarantineEntry, 0, len(r.quarantinedKeys)+len(r.quarantinedEntities))
	for k, reason := range r.quarantinedKeys {
		out = append(out, QuarantineEntry{Key: string(k), Reason: reason})
	}
	for id, reason := range r.quarantinedEntities {
		out = append(out, QuarantineEntry{Key: id.String(), EntityID: id.String(), Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Release lifts the quarantine on a normalized key or an entity id. It
// reports whether anything was released.
func (r *Resolver) Release(key string) bool {
	if id, err := uuid.Parse(key); err == nil {
		if _, ok := r.quarantinedEntities[id]; ok {
			delete(r.quarantinedEntities, id)
			r.logger.Info("entity released from quarantine", zap.String("entity_id", id.String()))
			return true
		}
	}
	k := domain.NormalizedKey(key)
	if _, ok := r.quarantinedKeys[k]; ok {
		delete(r.quarantinedKeys, k)
		r.logger.Info("alias released from quarantine", zap.String("key", key))
		return true
	}
	return false
}

// CheckInvariants cross-checks the alias index against the entity table and
// returns a description of every disagreement.
func (r *Resolver) CheckInvariants() []string {
	var violations []string
	for k, id := range r.aliases {
		e, ok := r.entities[id]
		if !ok {
			violations = append(violations, fmt.Sprintf("alias %q points at unknown entity %s", k, id))
			continue
		}
		if !e.HasAlias(k) {
			violations = append(violations, fmt.Sprintf("alias %q points at %s which does not carry it", k, id))
		}
	}
	for id, e := range r.entities {
		for _, k := range e.Aliases {
			if owner := r.aliases[k]; owner != id {
				violations = append(violations, fmt.Sprintf("entity %s carries alias %q owned by %s", id, k, owner))
			}
		}
	}
	sort.Strings(violations)
	return violations
}

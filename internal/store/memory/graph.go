package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/store"
	"github.com/google/uuid"
)

// GraphStore is an in-process property graph. Upserts keep the newest
// version of each node and edge, like the Postgres store.
type GraphStore struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*domain.CanonicalEntity
	edges map[uuid.UUID]*domain.CanonicalRelation
	keys  map[domain.RelationKey]uuid.UUID

	nodeWrites int
	edgeWrites int
}

func NewGraphStore() *GraphStore {
	return &GraphStore{
		nodes: make(map[uuid.UUID]*domain.CanonicalEntity),
		edges: make(map[uuid.UUID]*domain.CanonicalRelation),
		keys:  make(map[domain.RelationKey]uuid.UUID),
	}
}

func (s *GraphStore) UpsertNode(ctx context.Context, e *domain.CanonicalEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodeWrites++
	if cur, ok := s.nodes[e.ID]; ok && cur.Version > e.Version {
		return nil
	}
	s.nodes[e.ID] = e.Clone()
	return nil
}

func (s *GraphStore) UpsertEdge(ctx context.Context, r *domain.CanonicalRelation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edgeWrites++
	if owner, ok := s.keys[r.Key()]; ok && owner != r.ID {
		return fmt.Errorf("relation %s duplicates %s: %w", r.ID, owner, store.ErrConflict)
	}
	if cur, ok := s.edges[r.ID]; ok && cur.Version > r.Version {
		return nil
	}
	s.edges[r.ID] = r.Clone()
	s.keys[r.Key()] = r.ID
	return nil
}

func (s *GraphStore) GetNode(ctx context.Context, id uuid.UUID) (*domain.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *GraphStore) GetEdge(ctx context.Context, id uuid.UUID) (*domain.CanonicalRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.edges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *GraphStore) GetEdgesByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.CanonicalRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CanonicalRelation
	for _, r := range s.edges {
		if r.SubjectID == entityID || r.ObjectID == entityID {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// Snapshot returns copies of every node and edge, ordered by id. Two stores
// holding the same graph produce equal snapshots.
func (s *GraphStore) Snapshot() ([]domain.CanonicalEntity, []domain.CanonicalRelation) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]domain.CanonicalEntity, 0, len(s.nodes))
	for _, e := range s.nodes {
		nodes = append(nodes, *e.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.String() < nodes[j].ID.String() })

	edges := make([]domain.CanonicalRelation, 0, len(s.edges))
	for _, r := range s.edges {
		edges = append(edges, *r.Clone())
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID.String() < edges[j].ID.String() })
	return nodes, edges
}

// Writes reports how many upsert calls the store has served.
func (s *GraphStore) Writes() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeWrites, s.edgeWrites
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// GraphStore persists canonical entities and relations as property-graph
// nodes and edges. Upserts carry the snapshot version and never replace a
// row with an older one, so re-applying a journal record is a no-op.
type GraphStore struct {
	db *pgxpool.Pool
}

func NewGraphStore(db *pgxpool.Pool) *GraphStore {
	return &GraphStore{db: db}
}

func (s *GraphStore) UpsertNode(ctx context.Context, e *domain.CanonicalEntity) error {
	aliases := make([]string, len(e.Aliases))
	for i, a := range e.Aliases {
		aliases[i] = string(a)
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO kg_entities (id, label, type, aliases, provenance, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET label = EXCLUDED.label,
		     type = EXCLUDED.type,
		     aliases = EXCLUDED.aliases,
		     provenance = EXCLUDED.provenance,
		     version = EXCLUDED.version,
		     updated_at = NOW()
		 WHERE kg_entities.version <= EXCLUDED.version`,
		e.ID, e.Label, string(e.Type), aliases, e.Provenance, e.Version, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *GraphStore) UpsertEdge(ctx context.Context, r *domain.CanonicalRelation) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO kg_relations (id, subject_id, predicate, object_id, confidence, evidence, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET confidence = EXCLUDED.confidence,
		     evidence = EXCLUDED.evidence,
		     version = EXCLUDED.version,
		     updated_at = NOW()
		 WHERE kg_relations.version <= EXCLUDED.version`,
		r.ID, r.SubjectID, string(r.Predicate), r.ObjectID, r.Confidence, r.Evidence, r.Version, r.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("relation %s duplicates an existing key: %w", r.ID, ErrConflict)
		}
		return fmt.Errorf("upsert relation %s: %w", r.ID, err)
	}
	return nil
}

func (s *GraphStore) GetNode(ctx context.Context, id uuid.UUID) (*domain.CanonicalEntity, error) {
	var (
		e       domain.CanonicalEntity
		typ     string
		aliases []string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, label, type, aliases, provenance, version, created_at
		 FROM kg_entities
		 WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Label, &typ, &aliases, &e.Provenance, &e.Version, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Type = domain.EntityType(typ)
	e.Aliases = make([]domain.NormalizedKey, len(aliases))
	for i, a := range aliases {
		e.Aliases[i] = domain.NormalizedKey(a)
	}
	return &e, nil
}

const relationColumns = `id, subject_id, predicate, object_id, confidence, evidence, version, created_at`

func scanRelation(row pgx.Row) (*domain.CanonicalRelation, error) {
	var (
		r         domain.CanonicalRelation
		predicate string
	)
	if err := row.Scan(&r.ID, &r.SubjectID, &predicate, &r.ObjectID, &r.Confidence, &r.Evidence, &r.Version, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Predicate = domain.NormalizedKey(predicate)
	return &r, nil
}

func (s *GraphStore) GetEdge(ctx context.Context, id uuid.UUID) (*domain.CanonicalRelation, error) {
	r, err := scanRelation(s.db.QueryRow(ctx,
		`SELECT `+relationColumns+` FROM kg_relations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *GraphStore) GetEdgesByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.CanonicalRelation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+relationColumns+`
		 FROM kg_relations
		 WHERE subject_id = $1 OR object_id = $1
		 ORDER BY id`,
		entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CanonicalRelation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

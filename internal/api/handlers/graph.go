package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// GraphReader is the read side of the coordinator's entity and relation tables.
type GraphReader interface {
	Entity(ctx context.Context, id uuid.UUID) (*domain.CanonicalEntity, bool, error)
	LookupAlias(ctx context.Context, key domain.NormalizedKey) (*domain.CanonicalEntity, bool, error)
	Relation(ctx context.Context, id uuid.UUID) (*domain.CanonicalRelation, bool, error)
	RelationsOf(ctx context.Context, entityID uuid.UUID) ([]domain.CanonicalRelation, error)
}

type KeyNormalizer interface {
	Normalize(raw string) (domain.NormalizedKey, error)
}

type GraphHandler struct {
	graph      GraphReader
	normalizer KeyNormalizer
}

func NewGraphHandler(graph GraphReader, normalizer KeyNormalizer) *GraphHandler {
	return &GraphHandler{graph: graph, normalizer: normalizer}
}

type entityResponse struct {
	*domain.CanonicalEntity
	Relations []domain.CanonicalRelation `json:"relations"`
}

func (h *GraphHandler) entityWithRelations(w http.ResponseWriter, r *http.Request, e *domain.CanonicalEntity) {
	rels, err := h.graph.RelationsOf(r.Context(), e.ID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to load relations")
		return
	}
	if rels == nil {
		rels = []domain.CanonicalRelation{}
	}
	out := e.Clone()
	out.Embedding = nil
	writeJSON(w, http.StatusOK, entityResponse{CanonicalEntity: out, Relations: rels})
}

func (h *GraphHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity id")
		return
	}

	e, ok, err := h.graph.Entity(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "graph unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	h.entityWithRelations(w, r, e)
}

// LookupEntity resolves ?key= through the normalizer and the alias table. An
// optional ?type= narrows the answer to an entity of that type, falling back
// to the type-qualified alias when the plain key belongs to another type.
func (h *GraphHandler) LookupEntity(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	key, err := h.normalizer.Normalize(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, ok, err := h.graph.LookupAlias(r.Context(), key)
	typ := domain.EntityType(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type"))))
	if err == nil && typ != "" && (!ok || !e.Type.Compatible(typ)) {
		key = domain.QualifiedKey(key, typ)
		e, ok, err = h.graph.LookupAlias(r.Context(), key)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "graph unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no entity for key "+string(key))
		return
	}
	h.entityWithRelations(w, r, e)
}

func (h *GraphHandler) GetRelation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid relation id")
		return
	}

	rel, ok, err := h.graph.Relation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "graph unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "relation not found")
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

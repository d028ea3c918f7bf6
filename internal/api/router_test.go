package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/embedding"
	"github.com/Harshitk-cp/coursegraph/internal/journal"
	"github.com/Harshitk-cp/coursegraph/internal/llm"
	"github.com/Harshitk-cp/coursegraph/internal/merge"
	"github.com/Harshitk-cp/coursegraph/internal/normalize"
	"github.com/Harshitk-cp/coursegraph/internal/pipeline"
	"github.com/Harshitk-cp/coursegraph/internal/resolve"
	"github.com/Harshitk-cp/coursegraph/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAPIKey = "test-key"

type testEnv struct {
	app       *App
	extractor *llm.MockClient
	graph     *memory.GraphStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	clock := domain.SystemClock{}

	graph := memory.NewGraphStore()
	index := memory.NewEmbeddingIndex()
	journalStore := memory.NewJournalStore()

	normalizer, err := normalize.New(map[string]string{"Dijkstra's Algorithm": "Dijkstra"})
	require.NoError(t, err)

	resolver := resolve.NewResolver(resolve.DefaultConfig(), index, clock, logger)
	merger := merge.NewMerger(clock, logger)
	j := journal.New(journalStore, graph, index, clock, journal.DefaultConfig(), logger)

	coord := pipeline.NewCoordinator(resolver, merger, j, logger)
	coord.Start()
	t.Cleanup(coord.Stop)

	extractor := llm.NewMockClient()
	p := pipeline.New(coord, extractor, embedding.NewMockClient(), normalizer, clock, pipeline.DefaultConfig(), logger)

	app := NewApp(Deps{
		Engine:         coord,
		Pipeline:       p,
		Deferred:       p,
		Journal:        j,
		Normalizer:     normalizer,
		APIKey:         testAPIKey,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		StoreBackend:   "memory",
	}, logger)

	return &testEnv{app: app, extractor: extractor, graph: graph}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	e.app.Router.ServeHTTP(rec, req)
	return rec
}

func confidence(v float64) *float64 { return &v }

func TestDocumentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.BySpan["s1"] = []domain.RawTriple{
		{Subject: "Graphs", Predicate: "prerequisite of", Object: "Dijkstra's Algorithm", Confidence: confidence(0.6)},
	}
	env.extractor.BySpan["s2"] = []domain.RawTriple{
		{Subject: "graphs", Predicate: "Prerequisite of", Object: "Dijkstra", Confidence: confidence(0.7)},
	}

	doc := domain.Document{
		ID: "course-101",
		Spans: []domain.Span{
			{SpanID: "s1", Text: "Graphs are a prerequisite of Dijkstra's Algorithm."},
			{SpanID: "s2", Text: "Before Dijkstra, study graphs."},
		},
	}
	rec := env.do(t, http.MethodPost, "/v1/documents", doc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report domain.DocumentReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Triples)
	assert.Equal(t, 2, report.EntitiesCreated)
	assert.Equal(t, 1, report.RelationsCreated)
	assert.Equal(t, 1, report.RelationsUpdated)

	rec = env.do(t, http.MethodGet, "/v1/entities?key="+url.QueryEscape("  GRAPHS "), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var entity struct {
		ID        string                     `json:"entity_id"`
		Label     string                     `json:"canonical_label"`
		Relations []domain.CanonicalRelation `json:"relations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entity))
	assert.Equal(t, "Graphs", entity.Label)
	require.Len(t, entity.Relations, 1)
	assert.InDelta(t, 0.88, entity.Relations[0].Confidence, 1e-9)

	rec = env.do(t, http.MethodGet, "/v1/entities/"+entity.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/relations/"+entity.Relations[0].ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	nodes, edges := env.graph.Snapshot()
	assert.Len(t, nodes, 2)
	assert.Len(t, edges, 1)
}

func TestDocumentValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/documents", domain.Document{ID: "d"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/documents", domain.Document{Spans: []domain.Span{{SpanID: "s1", Text: "x"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	raw := httptest.NewRecorder()
	env.app.Router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestLookupMissing(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/entities?key=heaps", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/entities?key="+url.QueryEscape("!!!"), nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/entities/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/relations/6f1c6a4e-2d1b-5b8e-9a0e-3c6d8e2f4a10", nil).Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/quarantine", nil)
	rec := httptest.NewRecorder()
	env.app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	env.app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJournalAndQuarantineEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/journal/dead-letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dead_letters":[],"count":0}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/journal/dead-letters?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/journal/retry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/journal/dead-letters/6f1c6a4e-2d1b-5b8e-9a0e-3c6d8e2f4a10/redrive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/quarantine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[],"count":0}`, rec.Body.String())

	rec = env.do(t, http.MethodDelete, "/v1/quarantine/graphs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/deferred", nil)
	assert.JSONEq(t, `{"pending":0,"exhausted":0}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "memory", health["store"])
	assert.Contains(t, health, "build")

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Contains(t, metrics, "engine")
	assert.Contains(t, metrics, "request_count")
}

package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTriples(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		got, err := parseTriples(`[{"subject":"Graphs","predicate":"prerequisite of","object":"Dijkstra","confidence":0.7}]`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Graphs", got[0].Subject)
		require.NotNil(t, got[0].Confidence)
		assert.InDelta(t, 0.7, *got[0].Confidence, 1e-9)
	})

	t.Run("fenced", func(t *testing.T) {
		got, err := parseTriples("```json\n[{\"subject\":\"a\",\"predicate\":\"uses\",\"object\":\"b\"}]\n```")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Nil(t, got[0].Confidence)
	})

	t.Run("wrapped object", func(t *testing.T) {
		got, err := parseTriples(`{"triples":[{"subject":"a","predicate":"uses","object":"b"}]}`)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("empty array", func(t *testing.T) {
		got, err := parseTriples(`[]`)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseTriples(`the passage mentions graphs`)
		assert.ErrorIs(t, err, domain.ErrMalformedInput)

		_, err = parseTriples("   ")
		assert.ErrorIs(t, err, domain.ErrMalformedInput)
	})
}

func TestStatusErrorClassification(t *testing.T) {
	assert.ErrorIs(t, statusError("openai", http.StatusTooManyRequests, nil), domain.ErrTransientDependency)
	assert.ErrorIs(t, statusError("openai", http.StatusBadGateway, nil), domain.ErrTransientDependency)
	assert.ErrorIs(t, statusError("anthropic", 529, nil), domain.ErrTransientDependency)

	err := statusError("openai", http.StatusUnauthorized, []byte("bad key"))
	assert.NotErrorIs(t, err, domain.ErrTransientDependency)
	assert.Contains(t, err.Error(), "401")
}

func TestBuildPromptIncludesHints(t *testing.T) {
	p := buildPrompt(domain.ExtractionRequest{
		SpanID:    "s1",
		Text:      "Graphs are a prerequisite of Dijkstra's algorithm.",
		TypeHints: []domain.EntityType{"concept", "algorithm"},
	})
	assert.Contains(t, p, "concept, algorithm")
	assert.Contains(t, p, "Dijkstra's algorithm.")

	p = buildPrompt(domain.ExtractionRequest{Text: "x"})
	assert.Contains(t, p, "preferred types: any")
}

func TestOpenAIClientExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, openAIModel, req.Model)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "Graphs come before shortest paths.")

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "```json\n[{\"subject\":\"graphs\",\"predicate\":\"prerequisite of\",\"object\":\"shortest paths\"}]\n```"}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key")
	c.url = srv.URL

	got, err := c.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s1", Text: "Graphs come before shortest paths."})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shortest paths", got[0].Object)
}

func TestOpenAIClientRateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("k")
	c.url = srv.URL

	_, err := c.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s1", Text: "x"})
	assert.ErrorIs(t, err, domain.ErrTransientDependency)
}

func TestOpenAIClientCanceledIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewOpenAIClient("k")
	c.url = srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Extract(ctx, domain.ExtractionRequest{SpanID: "s1", Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrTransientDependency)
}

func TestAnthropicClientExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"[{\"subject\":\"heap\",\"predicate\":\"implements\",\"object\":\"priority queue\",\"confidence\":0.8}]"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k")
	c.url = srv.URL

	got, err := c.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s1", Text: "x"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "heap", got[0].Subject)
}

func TestAnthropicClientMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"I could not find any triples."}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k")
	c.url = srv.URL

	_, err := c.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s1", Text: "x"})
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
}

func TestGeminiClientServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewGeminiClient("k")
	c.url = srv.URL

	_, err := c.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s1", Text: "x"})
	assert.ErrorIs(t, err, domain.ErrTransientDependency)
}

func TestCerebrasClientExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[]"}}]}`))
	}))
	defer srv.Close()

	c := NewCerebrasClient("k")
	c.url = srv.URL

	got, err := c.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s1", Text: "x"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	m.BySpan["s2"] = []domain.RawTriple{{Subject: "a", Predicate: "uses", Object: "b"}}

	got, err := m.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.Extract(context.Background(), domain.ExtractionRequest{SpanID: "s2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Len(t, m.Calls(), 2)
}

func TestNewClient(t *testing.T) {
	for _, p := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderCerebras} {
		_, err := NewClient(p, "")
		assert.Error(t, err, p)

		c, err := NewClient(p, "k")
		require.NoError(t, err, p)
		assert.NotNil(t, c)
	}

	c, err := NewClient(ProviderMock, "")
	require.NoError(t, err)
	assert.IsType(t, &MockClient{}, c)

	_, err = NewClient("palm", "k")
	assert.Error(t, err)
}

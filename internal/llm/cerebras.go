package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
)

const (
	cerebrasAPIURL = "https://api.cerebras.ai/v1/chat/completions"
	cerebrasModel  = "llama-3.3-70b"
)

type CerebrasClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
}

func NewCerebrasClient(apiKey string) *CerebrasClient {
	return &CerebrasClient{
		apiKey:     apiKey,
		url:        cerebrasAPIURL,
		httpClient: &http.Client{},
	}
}

func (c *CerebrasClient) Extract(ctx context.Context, req domain.ExtractionRequest) ([]domain.RawTriple, error) {
	messages := []chatMessage{
		{Role: "system", Content: "You extract knowledge graph triples and answer with JSON only."},
		{Role: "user", Content: buildPrompt(req)},
	}

	result, err := completeChat(ctx, c.httpClient, ProviderCerebras, c.url, c.apiKey, cerebrasModel, messages, 0.1)
	if err != nil {
		return nil, fmt.Errorf("extract span %s: %w", req.SpanID, err)
	}

	return parseTriples(result)
}

package llm

import (
	"context"
	"sync"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
)

// MockClient is a configurable extraction client for testing and local runs.
// Responses are keyed by span id; spans without an entry get ExtractResponse.
type MockClient struct {
	ExtractResponse []domain.RawTriple
	ExtractError    error
	BySpan          map[string][]domain.RawTriple

	mu sync.Mutex
	// Call tracking for assertions
	ExtractCalls []domain.ExtractionRequest
}

func NewMockClient() *MockClient {
	return &MockClient{
		ExtractResponse: []domain.RawTriple{},
		BySpan:          map[string][]domain.RawTriple{},
	}
}

func (c *MockClient) Extract(ctx context.Context, req domain.ExtractionRequest) ([]domain.RawTriple, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExtractCalls = append(c.ExtractCalls, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ExtractError != nil {
		return nil, c.ExtractError
	}
	if triples, ok := c.BySpan[req.SpanID]; ok {
		return append([]domain.RawTriple(nil), triples...), nil
	}
	return append([]domain.RawTriple(nil), c.ExtractResponse...), nil
}

func (c *MockClient) Calls() []domain.ExtractionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ExtractionRequest(nil), c.ExtractCalls...)
}

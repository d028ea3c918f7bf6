package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
)

// Provider constants
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderCerebras  = "cerebras"
	ProviderMock      = "mock"
)

// NewClient creates an extraction client based on the provider name.
// Returns an error if the provider is unknown or the API key is empty (except for mock).
func NewClient(provider, apiKey string) (domain.Extractor, error) {
	switch provider {
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("API_KEY is required for OpenAI provider")
		}
		return NewOpenAIClient(apiKey), nil

	case ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("API_KEY is required for Anthropic provider")
		}
		return NewAnthropicClient(apiKey), nil

	case ProviderGemini:
		if apiKey == "" {
			return nil, fmt.Errorf("API_KEY is required for Gemini provider")
		}
		return NewGeminiClient(apiKey), nil

	case ProviderCerebras:
		if apiKey == "" {
			return nil, fmt.Errorf("API_KEY is required for Cerebras provider")
		}
		return NewCerebrasClient(apiKey), nil

	case ProviderMock:
		return NewMockClient(), nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (valid options: openai, anthropic, gemini, cerebras, mock)", provider)
	}
}

// statusError classifies a non-200 provider response. Rate limiting and
// server-side failures are retryable; everything else is not.
func statusError(provider string, code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return fmt.Errorf("%w: %s API returned status %d: %s", domain.ErrTransientDependency, provider, code, msg)
	}
	return fmt.Errorf("%s API returned status %d: %s", provider, code, msg)
}

// requestError wraps a transport failure. Cancellation is passed through so
// callers stop instead of retrying.
func requestError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s request failed: %v", domain.ErrTransientDependency, provider, err)
}

// parseTriples decodes a model response into raw triples. Responses may be
// wrapped in markdown fences or in an object with a "triples" field.
func parseTriples(result string) ([]domain.RawTriple, error) {
	result = strings.TrimSpace(result)
	result = strings.TrimPrefix(result, "```json")
	result = strings.TrimPrefix(result, "```")
	result = strings.TrimSuffix(result, "```")
	result = strings.TrimSpace(result)

	if result == "" {
		return nil, fmt.Errorf("%w: empty extraction response", domain.ErrMalformedInput)
	}

	var triples []domain.RawTriple
	if strings.HasPrefix(result, "{") {
		var wrapped struct {
			Triples []domain.RawTriple `json:"triples"`
		}
		if err := json.Unmarshal([]byte(result), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: parse extraction result: %v", domain.ErrMalformedInput, err)
		}
		triples = wrapped.Triples
	} else if err := json.Unmarshal([]byte(result), &triples); err != nil {
		return nil, fmt.Errorf("%w: parse extraction result: %v", domain.ErrMalformedInput, err)
	}

	if triples == nil {
		triples = []domain.RawTriple{}
	}
	return triples, nil
}

func buildPrompt(req domain.ExtractionRequest) string {
	hints := "any"
	if len(req.TypeHints) > 0 {
		names := make([]string, len(req.TypeHints))
		for i, h := range req.TypeHints {
			names[i] = string(h)
		}
		hints = strings.Join(names, ", ")
	}
	return fmt.Sprintf(extractTriplesPrompt, hints, req.Text)
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
)

const (
	openAIChatURL = "https://api.openai.com/v1/chat/completions"
	openAIModel   = "gpt-4o-mini"
)

type OpenAIClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		url:        openAIChatURL,
		httpClient: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// completeChat posts an OpenAI-compatible chat completion. Cerebras serves the
// same wire format, so both clients share it.
func completeChat(ctx context.Context, httpClient *http.Client, provider, url, apiKey, model string, messages []chatMessage, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", requestError(ctx, provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", requestError(ctx, provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", statusError(provider, resp.StatusCode, respBody)
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("%w: unmarshal %s response: %v", domain.ErrMalformedInput, provider, err)
	}

	if result.Error != nil {
		return "", fmt.Errorf("%s API error: %s", provider, result.Error.Message)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: %s API returned no choices", domain.ErrMalformedInput, provider)
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) Extract(ctx context.Context, req domain.ExtractionRequest) ([]domain.RawTriple, error) {
	messages := []chatMessage{
		{Role: "user", Content: buildPrompt(req)},
	}

	result, err := completeChat(ctx, c.httpClient, ProviderOpenAI, c.url, c.apiKey, openAIModel, messages, 0.1)
	if err != nil {
		return nil, fmt.Errorf("extract span %s: %w", req.SpanID, err)
	}

	return parseTriples(result)
}

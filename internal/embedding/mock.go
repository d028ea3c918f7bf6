package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// MockDimensions is the vector width produced by MockClient.
const MockDimensions = 256

// MockClient is a deterministic embedder for tests and offline runs. Each
// whitespace token and each character trigram is hashed into a bucket, so
// texts sharing vocabulary land close together.
type MockClient struct {
	dims int
}

func NewMockClient() *MockClient {
	return &MockClient{dims: MockDimensions}
}

func (c *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, c.dims)
	text = strings.ToLower(text)
	for _, tok := range strings.Fields(text) {
		vec[c.bucket(tok)] += 2
		padded := " " + tok + " "
		for i := 0; i+3 <= len(padded); i++ {
			vec[c.bucket(padded[i:i+3])]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (c *MockClient) bucket(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(c.dims))
}

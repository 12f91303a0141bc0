package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const mockDimension = 64

// MockClient is a deterministic embedding client for tests and offline
// development. It is prefix-sensitive: the task type is prepended to the
// input, so queries and documents embed differently but the same text with
// the same task always maps to the same unit vector. Token overlap still
// yields correlated vectors because each token contributes independently.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) EmbedText(ctx context.Context, text string, task domain.EmbeddingTaskType) ([]float32, error) {
	tokens := strings.Fields(strings.ToLower(string(task) + ": " + text))
	vec := make([]float64, mockDimension)
	for _, token := range tokens {
		sum := sha256.Sum256([]byte(token))
		for i := 0; i < mockDimension; i++ {
			bits := binary.LittleEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
			vec[i] += float64(int32(bits^uint32(i)*2654435761)) / math.MaxInt32
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, mockDimension)
	if norm == 0 {
		out[0] = 1
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (c *MockClient) EmbedBatch(ctx context.Context, texts []string, task domain.EmbeddingTaskType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.EmbedText(ctx, t, task)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (c *MockClient) Dimension() int {
	return mockDimension
}

func (c *MockClient) ModelName() string {
	return "mock-embedding"
}

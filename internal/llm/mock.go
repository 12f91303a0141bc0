package llm

import (
	"context"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// MockClient is a configurable LLM client for testing.
// Set the response fields to control what each method returns.
type MockClient struct {
	GenerateResponse  string
	GenerateError     error
	SummarizeResponse string
	SummarizeError    error
	ExtractResponse   []string
	ExtractError      error

	// Call tracking for assertions
	GenerateCalls  []domain.GenerateRequest
	SummarizeCalls []string
	ExtractCalls   []string
}

func NewMockClient() *MockClient {
	return &MockClient{
		GenerateResponse:  "Mock generation",
		SummarizeResponse: "Mock summary",
	}
}

func (c *MockClient) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	c.GenerateCalls = append(c.GenerateCalls, req)
	return c.GenerateResponse, c.GenerateError
}

func (c *MockClient) GenerateWithContext(ctx context.Context, messages []domain.Message) (string, error) {
	return c.GenerateResponse, c.GenerateError
}

func (c *MockClient) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *MockClient) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	c.SummarizeCalls = append(c.SummarizeCalls, text)
	return c.SummarizeResponse, c.SummarizeError
}

func (c *MockClient) ExtractEntities(ctx context.Context, text string) ([]string, error) {
	c.ExtractCalls = append(c.ExtractCalls, text)
	return c.ExtractResponse, c.ExtractError
}

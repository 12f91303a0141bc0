package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const (
	openAIChatURL = "https://api.openai.com/v1/chat/completions"
	openAIModel   = "gpt-4o-mini"
)

type OpenAIClient struct {
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message domain.Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	messages := []domain.Message{}
	if req.SystemPrompt != "" {
		messages = append(messages, domain.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, domain.Message{Role: "user", Content: req.Prompt})

	return c.complete(ctx, chatRequest{
		Model:       openAIModel,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.StopSequences,
	})
}

func (c *OpenAIClient) GenerateWithContext(ctx context.Context, messages []domain.Message) (string, error) {
	return c.complete(ctx, chatRequest{
		Model:    openAIModel,
		Messages: messages,
	})
}

func (c *OpenAIClient) complete(ctx context.Context, payload chatRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIChatURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: chat request: %v", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal chat response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("chat API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// CountTokens approximates with the usual four-characters-per-token rule.
func (c *OpenAIClient) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *OpenAIClient) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	return c.Generate(ctx, domain.GenerateRequest{
		Prompt:       summarizePrompt(text, maxLength),
		SystemPrompt: summarizeSystemPrompt,
		MaxTokens:    maxLength / 2,
		Temperature:  0.2,
	})
}

func (c *OpenAIClient) ExtractEntities(ctx context.Context, text string) ([]string, error) {
	out, err := c.Generate(ctx, domain.GenerateRequest{
		Prompt:      extractEntitiesPrompt(text),
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}
	var entities []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			entities = append(entities, line)
		}
	}
	return entities, nil
}

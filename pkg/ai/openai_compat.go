package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"convoai/pkg/domain"
)

// OpenAICompatModel calls any OpenAI-compatible /v1/chat/completions
// endpoint. Works with vLLM, LiteLLM, LocalAI, Deepseek, OpenRouter,
// self-hosted models, etc.
type OpenAICompatModel struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatModel builds an OpenAI-compatible LanguageModel.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatModel(baseURL, apiKey, model string) (*OpenAICompatModel, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	model = strings.TrimSpace(model)
	if baseURL == "" {
		return nil, fmt.Errorf("openai-compat base URL required")
	}
	if model == "" {
		return nil, fmt.Errorf("openai-compat model required")
	}
	return &OpenAICompatModel{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Name returns the configured model identifier.
func (m *OpenAICompatModel) Name() string { return m.model }

// Generate implements LanguageModel using the chat completions API.
func (m *OpenAICompatModel) Generate(ctx context.Context, turns []domain.Turn, params Params) (Result, error) {
	start := time.Now()

	messages := make([]oaiMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, oaiMessage{Role: turn.Role, Content: turn.Content})
	}
	reqBody := oaiChatRequest{
		Model:       m.model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, &GenerationError{Err: err}
	}

	url := m.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &GenerationError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Result{}, &GenerationError{Err: fmt.Errorf("openai-compat request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return Result{}, &GenerationError{Err: fmt.Errorf("openai-compat api error: %s", errResp.Error.Message)}
		}
		return Result{}, &GenerationError{Err: fmt.Errorf("openai-compat api error: %s", resp.Status)}
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Result{}, &GenerationError{Err: fmt.Errorf("openai-compat decode: %w", err)}
	}
	if len(chatResp.Choices) == 0 {
		return Result{}, &GenerationError{Err: fmt.Errorf("empty response from openai-compat api")}
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, &GenerationError{Err: fmt.Errorf("empty response from openai-compat api")}
	}

	return Result{
		Text: text,
		Metadata: Metadata{
			ModelUsed:       m.model,
			ProcessingTime:  time.Since(start).Seconds(),
			ConfidenceScore: confidenceScore(text),
			TokensUsed:      chatResp.Usage.TotalTokens,
			MaxTokens:       params.MaxTokens,
			Temperature:     params.Temperature,
		},
	}, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

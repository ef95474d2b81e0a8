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

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaModel calls the Ollama /api/chat endpoint with a fixed model.
type OllamaModel struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaModel builds an Ollama-backed LanguageModel.
func NewOllamaModel(baseURL, model string) (*OllamaModel, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("ollama generation model required")
	}
	return &OllamaModel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the configured model identifier.
func (m *OllamaModel) Name() string { return m.model }

// Generate implements LanguageModel using Ollama /api/chat.
func (m *OllamaModel) Generate(ctx context.Context, turns []domain.Turn, params Params) (Result, error) {
	start := time.Now()

	messages := make([]ollamaChatMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, ollamaChatMessage{Role: turn.Role, Content: turn.Content})
	}
	reqBody := ollamaChatRequest{
		Model:    m.model,
		Messages: messages,
		Stream:   false,
	}
	if params.MaxTokens > 0 || params.Temperature > 0 {
		reqBody.Options = &ollamaChatOptions{
			NumPredict:  params.MaxTokens,
			Temperature: params.Temperature,
		}
	}

	var resp ollamaChatResponse
	if err := m.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return Result{}, &GenerationError{Err: fmt.Errorf("ollama generate: %w", err)}
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return Result{}, &GenerationError{Err: fmt.Errorf("empty response from ollama")}
	}

	return Result{
		Text: text,
		Metadata: Metadata{
			ModelUsed:       m.model,
			ProcessingTime:  time.Since(start).Seconds(),
			ConfidenceScore: confidenceScore(text),
			TokensUsed:      resp.PromptEvalCount + resp.EvalCount,
			MaxTokens:       params.MaxTokens,
			Temperature:     params.Temperature,
		},
	}, nil
}

func (m *OllamaModel) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return fmt.Errorf("ollama api error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaChatOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

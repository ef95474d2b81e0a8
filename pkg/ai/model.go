package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"convoai/pkg/domain"
)

// ErrModelUnavailable indicates no language model was initialized. Chat
// endpoints surface it as "feature unavailable"; the rest of the service
// keeps running.
var ErrModelUnavailable = errors.New("language model unavailable")

// GenerationError wraps any failure during a single generate call.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Params are per-call generation settings.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Metadata describes one completed generation.
type Metadata struct {
	ModelUsed       string  `json:"model_used"`
	ProcessingTime  float64 `json:"processing_time"`
	ConfidenceScore float64 `json:"confidence_score"`
	TokensUsed      int     `json:"tokens_used,omitempty"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
}

// Map flattens metadata into a generic bag for message persistence.
func (m Metadata) Map() map[string]any {
	out := map[string]any{
		"model_used":       m.ModelUsed,
		"processing_time":  m.ProcessingTime,
		"confidence_score": m.ConfidenceScore,
		"max_tokens":       m.MaxTokens,
		"temperature":      m.Temperature,
	}
	if m.TokensUsed > 0 {
		out["tokens_used"] = m.TokensUsed
	}
	return out
}

// Result is the output of one generate call.
type Result struct {
	Text     string
	Metadata Metadata
}

// LanguageModel turns an ordered sequence of role-tagged turns into generated
// text plus metadata. An empty turn slice is valid and means "no prior
// context". Implementations must be safe for concurrent calls.
type LanguageModel interface {
	Generate(ctx context.Context, turns []domain.Turn, params Params) (Result, error)
	Name() string
}

// Unavailable is the LanguageModel used when provider initialization failed.
// Every call fails with ErrModelUnavailable.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, []domain.Turn, Params) (Result, error) {
	return Result{}, ErrModelUnavailable
}

func (Unavailable) Name() string { return "unavailable" }

// confidenceScore estimates response quality from length when the provider
// reports no signal of its own.
func confidenceScore(text string) float64 {
	if len(strings.TrimSpace(text)) < 5 {
		return 0.1
	}
	words := len(strings.Fields(text))
	switch {
	case words < 3:
		return 0.3
	case words > 100:
		return 0.6
	default:
		score := 0.4 + float64(words)/100*0.5
		if score > 0.9 {
			score = 0.9
		}
		return score
	}
}

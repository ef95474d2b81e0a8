package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"convoai/pkg/domain"
)

func TestNewOpenAICompatModelValidation(t *testing.T) {
	if _, err := NewOpenAICompatModel("", "", "m"); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
	if _, err := NewOpenAICompatModel("http://localhost:8000/v1", "", ""); err == nil {
		t.Fatalf("expected error for empty model")
	}
}

func TestOpenAICompatGenerate(t *testing.T) {
	var gotReq oaiChatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "A generated answer with several words."}},
			},
			"usage": map[string]int{"total_tokens": 42},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	model, err := NewOpenAICompatModel(srv.URL, "secret", "test-model")
	if err != nil {
		t.Fatalf("NewOpenAICompatModel: %v", err)
	}
	turns := []domain.Turn{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "now"},
	}
	result, err := model.Generate(context.Background(), turns, Params{MaxTokens: 256, Temperature: 0.5})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "A generated answer with several words." {
		t.Fatalf("text = %q", result.Text)
	}
	if result.Metadata.TokensUsed != 42 {
		t.Fatalf("tokensUsed = %d, want 42", result.Metadata.TokensUsed)
	}
	if result.Metadata.ModelUsed != "test-model" {
		t.Fatalf("modelUsed = %q", result.Metadata.ModelUsed)
	}
	if result.Metadata.ConfidenceScore <= 0 {
		t.Fatalf("confidenceScore = %f, want > 0", result.Metadata.ConfidenceScore)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "test-model" || gotReq.MaxTokens != 256 || gotReq.Temperature != 0.5 {
		t.Fatalf("request = %+v", gotReq)
	}
	if len(gotReq.Messages) != 3 || gotReq.Messages[2].Content != "now" {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
}

func TestOpenAICompatGenerateEmptyTurns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 0 {
			t.Errorf("messages = %+v, want empty", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "no context reply"}},
			},
		})
	}))
	defer srv.Close()

	model, _ := NewOpenAICompatModel(srv.URL, "", "test-model")
	if _, err := model.Generate(context.Background(), nil, Params{}); err != nil {
		t.Fatalf("Generate with no turns: %v", err)
	}
}

func TestOpenAICompatGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "model overloaded"},
		})
	}))
	defer srv.Close()

	model, _ := NewOpenAICompatModel(srv.URL, "", "test-model")
	_, err := model.Generate(context.Background(), nil, Params{})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
}

func TestOpenAICompatGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	model, _ := NewOpenAICompatModel(srv.URL, "", "test-model")
	var genErr *GenerationError
	if _, err := model.Generate(context.Background(), nil, Params{}); !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
}

func TestUnavailableModel(t *testing.T) {
	_, err := Unavailable{}.Generate(context.Background(), nil, Params{})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("error = %v, want ErrModelUnavailable", err)
	}
}

func TestConfidenceScore(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"", 0.1},
		{"ok", 0.1},
		{"hello there", 0.3},
		{"one two", 0.3},
	}
	for _, tc := range cases {
		if got := confidenceScore(tc.text); got != tc.want {
			t.Errorf("confidenceScore(%q) = %f, want %f", tc.text, got, tc.want)
		}
	}

	mid := confidenceScore("this is a reasonably detailed answer that spans a dozen words or so in total")
	if mid < 0.4 || mid > 0.9 {
		t.Errorf("mid-length score = %f, want within [0.4, 0.9]", mid)
	}

	long := ""
	for i := 0; i < 150; i++ {
		long += "word "
	}
	if got := confidenceScore(long); got != 0.6 {
		t.Errorf("long score = %f, want 0.6", got)
	}
}

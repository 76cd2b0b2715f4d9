package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

type scriptedProvider struct {
	name  string
	errs  []error
	calls int
	seen  []ChatRequest
}

func (p *scriptedProvider) Name() string     { return p.name }
func (p *scriptedProvider) Models() []string { return []string{p.name + "-model"} }

func (p *scriptedProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.calls++
	p.seen = append(p.seen, req)
	if p.calls <= len(p.errs) && p.errs[p.calls-1] != nil {
		return nil, p.errs[p.calls-1]
	}
	return &ChatResponse{Provider: p.name, Model: req.Model, Content: "ok"}, nil
}

func noSleepExecutor() *retry.Executor {
	p := retry.DefaultPolicy()
	p.MaxAttempts = 3
	return retry.New("llm", p, retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func TestGatewayRetriesTransientErrors(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{
		&retry.StatusError{StatusCode: http.StatusTooManyRequests},
		&retry.StatusError{StatusCode: http.StatusBadGateway},
	}}
	g := NewGatewayWithProviders(config.LLMConfig{DefaultProvider: "openai", DefaultModel: "gpt-4o-mini"}, noSleepExecutor(), primary)

	resp, err := g.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if primary.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", primary.calls)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Fatalf("expected default model to be applied, got %q", resp.Model)
	}
}

func TestGatewayFallsBackWithFallbackModel(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{errors.New("invalid api key")}}
	fallback := &scriptedProvider{name: "anthropic"}
	cfg := config.LLMConfig{
		DefaultProvider:  "openai",
		DefaultModel:     "gpt-4o-mini",
		FallbackProvider: "anthropic",
		FallbackModel:    "claude-3-5-haiku-latest",
	}
	g := NewGatewayWithProviders(cfg, noSleepExecutor(), primary, fallback)

	resp, err := g.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("permanent error should not be retried, got %d calls", primary.calls)
	}
	if resp.Provider != "anthropic" || fallback.seen[0].Model != "claude-3-5-haiku-latest" {
		t.Fatalf("expected fallback with its own model, got %+v", fallback.seen)
	}
}

func TestGatewayFallbackWithoutModelUsesProviderDefault(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{
		&retry.StatusError{StatusCode: http.StatusInternalServerError},
		&retry.StatusError{StatusCode: http.StatusInternalServerError},
		&retry.StatusError{StatusCode: http.StatusInternalServerError},
	}}
	fallback := &scriptedProvider{name: "anthropic"}
	cfg := config.LLMConfig{
		DefaultProvider:  "openai",
		DefaultModel:     "gpt-4o-mini",
		FallbackProvider: "anthropic",
	}
	g := NewGatewayWithProviders(cfg, noSleepExecutor(), primary, fallback)

	if _, err := g.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if primary.seen[0].Model != "gpt-4o-mini" {
		t.Fatalf("primary got model %q", primary.seen[0].Model)
	}
	if got := fallback.seen[0].Model; got != "anthropic-model" {
		t.Fatalf("fallback got model %q, want its own default", got)
	}
}

func TestGatewayDefaultModelOnlyForDefaultProvider(t *testing.T) {
	openai := &scriptedProvider{name: "openai"}
	gemini := &scriptedProvider{name: "gemini"}
	g := NewGatewayWithProviders(config.LLMConfig{DefaultProvider: "openai", DefaultModel: "gpt-4o-mini"}, noSleepExecutor(), openai, gemini)

	if _, err := g.Chat(context.Background(), ChatRequest{Provider: "gemini", Messages: []Message{{Role: "user", Content: "hi"}}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got := gemini.seen[0].Model; got != "gemini-model" {
		t.Fatalf("gemini got model %q", got)
	}
}

func TestGatewayDoesNotFallBackOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &scriptedProvider{name: "openai"}
	fallback := &scriptedProvider{name: "anthropic"}
	g := NewGatewayWithProviders(config.LLMConfig{DefaultProvider: "openai", FallbackProvider: "anthropic"}, noSleepExecutor(), primary, fallback)

	if _, err := g.Chat(ctx, ChatRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback must not run after cancellation")
	}
}

func TestOllamaJSONModeAndStatusErrors(t *testing.T) {
	var gotFormat string
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body ollamaChatReq
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotFormat = body.Format
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"scenes\":[]}"},"done":true,"prompt_eval_count":3,"eval_count":4}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL)
	req := ChatRequest{Model: "llama3.1", JSON: true, Messages: []Message{{Role: "user", Content: "x"}}}

	_, err := p.ChatCompletion(context.Background(), req)
	if retry.Classify(err) != retry.ClassTransient {
		t.Fatalf("expected 503 to classify as transient, got %v", err)
	}
	if gotFormat != "json" {
		t.Fatalf("expected json format to be requested, got %q", gotFormat)
	}

	status = http.StatusOK
	resp, err := p.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.TotalTokens != 7 || resp.Content != `{"scenes":[]}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSystemAndTurns(t *testing.T) {
	sys, turns := systemAndTurns([]Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "q"},
		{Role: "system", Content: "b"},
	})
	if sys != "a\n\nb" || len(turns) != 1 || turns[0].Content != "q" {
		t.Fatalf("unexpected split: %q %+v", sys, turns)
	}
}

func TestCalculateCostMatchesDatedModels(t *testing.T) {
	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o-mini", 0.00015 + 0.0006},
		{"gpt-4o-mini-2024-07-18", 0.00015 + 0.0006},
		{"gpt-4o-2024-08-06", 0.0025 + 0.01},
		{"claude-sonnet-4-20250514", 0.003 + 0.015},
		{"llama3", 0},
	}
	for _, tt := range tests {
		got := CalculateCost(tt.model, 1000, 1000)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s: got %v, want %v", tt.model, got, tt.want)
		}
	}
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

type gateway struct {
	providers        map[string]Provider
	defaultProvider  string
	defaultModel     string
	fallbackProvider string
	fallbackModel    string
	exec             *retry.Executor
}

// NewGateway builds a gateway with every provider that has credentials in
// cfg. exec wraps each completion call; give it the text throttle gate.
func NewGateway(ctx context.Context, cfg config.LLMConfig, exec *retry.Executor) (Gateway, error) {
	var providers []Provider
	if cfg.OpenAIKey != "" {
		providers = append(providers, NewOpenAIProvider(cfg.OpenAIKey))
	}
	if cfg.AnthropicKey != "" {
		providers = append(providers, NewAnthropicProvider(cfg.AnthropicKey))
	}
	if cfg.GeminiKey != "" {
		gp, err := NewGeminiProvider(ctx, cfg.GeminiKey)
		if err != nil {
			return nil, err
		}
		providers = append(providers, gp)
	}
	if cfg.OllamaURL != "" {
		providers = append(providers, NewOllamaProvider(cfg.OllamaURL))
	}

	g := NewGatewayWithProviders(cfg, exec, providers...)
	if _, err := g.Provider(cfg.DefaultProvider); err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}
	return g, nil
}

func NewGatewayWithProviders(cfg config.LLMConfig, exec *retry.Executor, providers ...Provider) Gateway {
	g := &gateway{
		providers:        make(map[string]Provider, len(providers)),
		defaultProvider:  cfg.DefaultProvider,
		defaultModel:     cfg.DefaultModel,
		fallbackProvider: cfg.FallbackProvider,
		fallbackModel:    cfg.FallbackModel,
		exec:             exec,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	if g.exec == nil {
		g.exec = retry.New("llm", retry.DefaultPolicy())
	}
	return g
}

func (g *gateway) Provider(name string) (Provider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

func (g *gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	providerName := req.Provider
	if providerName == "" {
		providerName = g.defaultProvider
	}
	// A caller-chosen model belongs to the primary provider. The fallback
	// gets the configured fallback model or the provider's own default.
	if req.Model == "" && providerName == g.defaultProvider {
		req.Model = g.defaultModel
	}

	resp, err := g.chatWithRetry(ctx, providerName, req)
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return resp, err
	}
	if g.fallbackProvider == "" || g.fallbackProvider == providerName {
		return nil, err
	}

	slog.Warn("primary provider failed, trying fallback",
		"primary", providerName,
		"fallback", g.fallbackProvider,
		"error", err,
	)
	fb := req
	fb.Model = g.fallbackModel
	return g.chatWithRetry(ctx, g.fallbackProvider, fb)
}

func (g *gateway) chatWithRetry(ctx context.Context, providerName string, req ChatRequest) (*ChatResponse, error) {
	p, err := g.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		if ms := p.Models(); len(ms) > 0 {
			req.Model = ms[0]
		}
	}

	resp, err := retry.Call(ctx, g.exec, func(ctx context.Context) (*ChatResponse, error) {
		return p.ChatCompletion(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("llm call complete",
		"provider", resp.Provider,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"cost_usd", resp.CostUSD,
		"latency_ms", resp.LatencyMs,
	)
	return resp, nil
}

func (g *gateway) ListModels() []ModelInfo {
	var models []ModelInfo
	for _, p := range g.providers {
		for _, m := range p.Models() {
			models = append(models, ModelInfo{
				Provider: p.Name(),
				Model:    m,
			})
		}
	}
	return models
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Models() []string {
	return []string{"gemini-2.0-flash", "gemini-2.5-flash", "gemini-2.5-pro"}
}

func (p *GeminiProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	model := p.client.GenerativeModel(req.Model)
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.TopP > 0 {
		model.SetTopP(float32(req.TopP))
	}
	if len(req.Stop) > 0 {
		model.StopSequences = req.Stop
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	systemText, turns := systemAndTurns(req.Messages)
	if systemText != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(systemText))
	}
	if len(turns) == 0 {
		return nil, errors.New("gemini chat: request has no user message")
	}

	cs := model.StartChat()
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(turns[len(turns)-1].Content))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return nil, fmt.Errorf("gemini chat: %w: %v", retry.ErrContentPolicy, err)
		}
		return nil, fmt.Errorf("gemini chat: %w", err)
	}

	content, truncated, err := geminiText(resp)
	if err != nil {
		return nil, fmt.Errorf("gemini chat: %w", err)
	}

	out := &ChatResponse{
		Provider:  p.Name(),
		Model:     req.Model,
		Content:   content,
		LatencyMs: time.Since(start).Milliseconds(),
		Truncated: truncated,
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
		out.CostUSD = CalculateCost(req.Model, out.InputTokens, out.OutputTokens)
	}
	return out, nil
}

func geminiText(resp *genai.GenerateContentResponse) (string, bool, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", false, retry.ErrEmptyResponse
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", false, retry.ErrContentPolicy
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", false, retry.ErrEmptyResponse
	}
	return sb.String(), cand.FinishReason == genai.FinishReasonMaxTokens, nil
}

package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

type OpenAIImagesConfig struct {
	APIKey  string
	BaseURL string // default: "https://api.openai.com/v1"
	Model   string // default: "dall-e-3"
	Quality string // standard, hd
}

// OpenAIImages creates images with the DALL-E images endpoint.
type OpenAIImages struct {
	cfg        OpenAIImagesConfig
	httpClient *http.Client
}

func NewOpenAIImages(cfg OpenAIImagesConfig) *OpenAIImages {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "dall-e-3"
	}
	return &OpenAIImages{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (g *OpenAIImages) Name() string { return "openai" }

// dalleSize maps an aspect ratio onto a size DALL-E 3 accepts.
func dalleSize(aspect string) string {
	switch aspect {
	case "9:16":
		return "1024x1792"
	case "1:1":
		return "1024x1024"
	default:
		return "1792x1024"
	}
}

func (g *OpenAIImages) Generate(ctx context.Context, req Request) (*Image, error) {
	body := map[string]any{
		"model":           g.cfg.Model,
		"prompt":          FullPrompt(req),
		"size":            dalleSize(req.AspectRatio),
		"n":               1,
		"response_format": "b64_json",
	}
	if g.cfg.Quality != "" {
		body["quality"] = g.cfg.Quality
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/images/generations", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("image generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := retry.NewStatusError("openai-images", resp)
		if strings.Contains(se.Body, "content_policy_violation") {
			return nil, fmt.Errorf("image generation: %w: %w", retry.ErrContentPolicy, se)
		}
		return nil, fmt.Errorf("image generation: %w", se)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read response: %w", err))
	}

	var apiResp struct {
		Data []struct {
			B64JSON       string `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %v: %w", err, retry.ErrMalformed)
	}
	if len(apiResp.Data) == 0 || apiResp.Data[0].B64JSON == "" {
		return nil, retry.Transient(fmt.Errorf("image generation: %w", retry.ErrEmptyResponse))
	}
	img, err := base64.StdEncoding.DecodeString(apiResp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", errors.Join(err, retry.ErrMalformed))
	}

	return &Image{Data: img, MIME: http.DetectContentType(img), RevisedPrompt: apiResp.Data[0].RevisedPrompt}, nil
}

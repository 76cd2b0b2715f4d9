package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string // default: "https://api.elevenlabs.io"
	Model   string // default: "eleven_multilingual_v2"
}

// ElevenLabs uses the with-timestamps endpoint so every scene gets
// character-aligned word timings alongside its audio.
type ElevenLabs struct {
	cfg        ElevenLabsConfig
	httpClient *http.Client
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_multilingual_v2"
	}
	return &ElevenLabs{cfg: cfg, httpClient: &http.Client{Timeout: 120 * time.Second}}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type elevenAlignment struct {
	Characters []string  `json:"characters"`
	Starts     []float64 `json:"character_start_times_seconds"`
	Ends       []float64 `json:"character_end_times_seconds"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	if req.Voice == "" {
		return nil, retry.Permanent(fmt.Errorf("elevenlabs requires a voice id"))
	}

	settings := map[string]any{}
	if req.Stability > 0 {
		settings["stability"] = req.Stability
	}
	if req.Clarity > 0 {
		settings["similarity_boost"] = req.Clarity
	}
	if req.Speed > 0 {
		settings["speed"] = min(max(req.Speed, 0.7), 1.2)
	}
	body := map[string]any{
		"text":     req.Input,
		"model_id": e.cfg.Model,
	}
	if len(settings) > 0 {
		body["voice_settings"] = settings
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/with-timestamps?output_format=mp3_44100_128",
		e.cfg.BaseURL, url.PathEscape(req.Voice))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.cfg.APIKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: %w", retry.NewStatusError("elevenlabs", resp))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read response: %w", err))
	}
	var apiResp struct {
		AudioBase64 string           `json:"audio_base64"`
		Alignment   *elevenAlignment `json:"alignment"`
	}
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("parse elevenlabs response: %v: %w", err, retry.ErrMalformed)
	}
	payload, err := base64.StdEncoding.DecodeString(apiResp.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode elevenlabs audio: %v: %w", err, retry.ErrMalformed)
	}
	if len(payload) == 0 {
		return nil, retry.Transient(fmt.Errorf("elevenlabs returned no audio: %w", retry.ErrEmptyResponse))
	}

	res := &SynthesisResult{Audio: payload, Format: audio.FormatMP3}
	if a := apiResp.Alignment; a != nil {
		res.Words = wordsFromCharacters(a.Characters, a.Starts, a.Ends)
	}
	return res, nil
}

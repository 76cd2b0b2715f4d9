package stt

import (
	"context"
	"fmt"

	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/models"
)

// AlignmentRequest carries one scene's narration audio.
type AlignmentRequest struct {
	Audio    []byte
	Filename string // e.g. "scene.mp3"; the extension tells the server the codec
	Language string
	// Prompt biases recognition towards the known narration text.
	Prompt string
}

// AlignmentResponse holds the transcript and word timings in milliseconds
// relative to the start of the audio.
type AlignmentResponse struct {
	Text     string
	Duration float64
	Words    []models.WordTiming
}

// Aligner recovers word timings from narration audio for TTS backends that
// do not report them.
type Aligner interface {
	Align(ctx context.Context, req AlignmentRequest) (*AlignmentResponse, error)
	Name() string
}

// New returns the configured aligner, or nil when alignment is disabled.
func New(cfg config.STTConfig) (Aligner, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("stt backend openai requires OPENAI_API_KEY")
		}
		return NewOpenAISTT(OpenAISTTConfig{APIKey: cfg.OpenAIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel}), nil
	case "local":
		return NewLocalSTT(LocalSTTConfig{BaseURL: cfg.LocalBaseURL}), nil
	default:
		return nil, fmt.Errorf("unknown stt backend %q", cfg.Backend)
	}
}

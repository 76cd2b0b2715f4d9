package tts

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/models"
)

// SynthesisRequest holds the parameters for text-to-speech generation.
// Providers ignore the shaping fields they do not support.
type SynthesisRequest struct {
	Input     string  `json:"input"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Stability float64 `json:"stability,omitempty"`
	Clarity   float64 `json:"clarity,omitempty"`
}

// SynthesisResult holds the generated audio. Words is nil when the backend
// does not report timings.
type SynthesisResult struct {
	Audio  []byte
	Format audio.Format
	Words  []models.WordTiming
}

// Provider is the interface for text-to-speech backends.
type Provider interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
	Name() string
}

// New builds the backend selected in cfg.
func New(cfg config.TTSConfig) (Provider, error) {
	switch cfg.Backend {
	case "openai", "":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("tts backend openai requires OPENAI_API_KEY")
		}
		return NewOpenAITTS(OpenAITTSConfig{APIKey: cfg.OpenAIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel}), nil
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" {
			return nil, fmt.Errorf("tts backend elevenlabs requires ELEVENLABS_API_KEY")
		}
		return NewElevenLabs(ElevenLabsConfig{APIKey: cfg.ElevenLabsKey, BaseURL: cfg.ElevenLabsBaseURL, Model: cfg.ElevenLabsModel}), nil
	case "local":
		return NewLocalTTS(LocalTTSConfig{PiperBinPath: cfg.LocalBinPath, ModelPath: cfg.LocalModel}), nil
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.Backend)
	}
}

// wordsFromCharacters groups per-character timings (seconds) into words.
func wordsFromCharacters(chars []string, starts, ends []float64) []models.WordTiming {
	n := min(len(chars), len(starts), len(ends))
	var (
		words []models.WordTiming
		cur   strings.Builder
		start float64
		end   float64
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, models.WordTiming{Word: cur.String(), StartMs: start * 1000, EndMs: end * 1000})
			cur.Reset()
		}
	}
	for i := 0; i < n; i++ {
		c := chars[i]
		if strings.TrimFunc(c, unicode.IsSpace) == "" {
			flush()
			continue
		}
		if cur.Len() == 0 {
			start = starts[i]
		}
		cur.WriteString(c)
		end = ends[i]
	}
	flush()
	return words
}

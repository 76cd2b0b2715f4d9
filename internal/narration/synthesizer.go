// Package narration turns scene text into measured audio and word timings.
package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/limiter"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/stt"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/tts"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/pkg/chunker"
)

const DefaultCharsPerSecond = 15.0

// Output is one scene's narration. When synthesis failed, Audio is nil,
// Duration is a text-length estimate and Err holds the cause.
type Output struct {
	Audio             []byte
	Format            audio.Format
	Duration          float64
	DurationEstimated bool
	Words             []models.WordTiming
	WordsEstimated    bool
	Provider          string
	// Key is where the audio was stored, when a Persist hook saved it.
	Key string
	Err error
}

// Persist stores one scene's audio as soon as it is produced and returns
// the storage key.
type Persist func(ctx context.Context, scene int, out *Output) (string, error)

type Synthesizer struct {
	tts     tts.Provider
	aligner stt.Aligner
	exec    *retry.Executor
	cps     float64
	logger  *slog.Logger
}

type Option func(*Synthesizer)

// WithAligner recovers word timings for providers that do not report them.
func WithAligner(a stt.Aligner) Option { return func(s *Synthesizer) { s.aligner = a } }

func WithCharsPerSecond(cps float64) Option {
	return func(s *Synthesizer) {
		if cps > 0 {
			s.cps = cps
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(s *Synthesizer) { s.logger = l } }

// New returns a synthesizer. exec should carry the speech throttle gate.
func New(p tts.Provider, exec *retry.Executor, opts ...Option) *Synthesizer {
	s := &Synthesizer{tts: p, exec: exec, cps: DefaultCharsPerSecond, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.exec == nil {
		s.exec = retry.New("narration", retry.DefaultPolicy())
	}
	return s
}

// Synthesize narrates one scene. Failures after retries degrade to an
// estimate; only cancellation is returned as an error.
func (s *Synthesizer) Synthesize(ctx context.Context, scene int, text string, voice models.VoiceSettings) (*Output, error) {
	res, err := retry.Call(ctx, s.exec, func(ctx context.Context) (*tts.SynthesisResult, error) {
		return s.tts.Synthesize(ctx, tts.SynthesisRequest{
			Input:     text,
			Voice:     voice.Voice,
			Speed:     voice.Speed,
			Stability: voice.Stability,
			Clarity:   voice.Clarity,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("narration failed, estimating duration", "scene", scene, "provider", s.tts.Name(), "error", err)
		return s.Fallback(text, err), nil
	}

	secs, format, err := audio.Measure(res.Audio)
	if err == nil && secs <= 0 {
		err = fmt.Errorf("%w: zero-length audio", audio.ErrUndecodable)
	}
	if err != nil {
		s.logger.Warn("narration audio undecodable, estimating duration", "scene", scene, "provider", s.tts.Name(), "error", err)
		return s.Fallback(text, err), nil
	}

	out := &Output{Audio: res.Audio, Format: format, Duration: secs, Provider: s.tts.Name()}
	switch {
	case len(res.Words) > 0:
		out.Words = Sanitize(res.Words, secs)
	case s.aligner != nil:
		words, err := s.align(ctx, res.Audio, format, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("word alignment failed, distributing evenly", "scene", scene, "aligner", s.aligner.Name(), "error", err)
		} else {
			out.Words = Sanitize(words, secs)
		}
	}
	if len(out.Words) == 0 {
		out.Words = Distribute(text, secs)
		out.WordsEstimated = true
	}
	return out, nil
}

func (s *Synthesizer) align(ctx context.Context, payload []byte, format audio.Format, text string) ([]models.WordTiming, error) {
	resp, err := retry.Call(ctx, s.exec, func(ctx context.Context) (*stt.AlignmentResponse, error) {
		return s.aligner.Align(ctx, stt.AlignmentRequest{Audio: payload, Filename: "scene" + format.Ext(), Prompt: text})
	})
	if err != nil {
		return nil, err
	}
	return resp.Words, nil
}

// Fallback is the degraded output for text that could not be narrated: a
// text-length duration and evenly spread words.
func (s *Synthesizer) Fallback(text string, cause error) *Output {
	secs := EstimateDuration(text, s.cps)
	return &Output{
		Duration:          secs,
		DurationEstimated: true,
		Words:             Distribute(text, secs),
		WordsEstimated:    true,
		Provider:          s.tts.Name(),
		Err:               cause,
	}
}

// Stage narrates every non-filler scene with at most lim.Cap() requests in
// flight. Results arrive in completion order.
// A nil persist keeps the audio in memory only.
func (s *Synthesizer) Stage(ctx context.Context, lim *limiter.Limiter, scenes []models.Scene, voice models.VoiceSettings, persist Persist, onProgress limiter.ProgressFunc) ([]limiter.Result[*Output], error) {
	jobs := make([]limiter.Job[*Output], 0, len(scenes))
	for _, sc := range scenes {
		if sc.IsFiller() {
			continue
		}
		jobs = append(jobs, limiter.Job[*Output]{
			Scene: sc.Index,
			Kind:  limiter.KindNarration,
			Run: func(ctx context.Context) (*Output, error) {
				out, err := s.Synthesize(ctx, sc.Index, sc.Text, voice)
				if err != nil || persist == nil || out.Audio == nil {
					return out, err
				}
				key, err := persist(ctx, sc.Index, out)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					s.logger.Warn("narration audio not saved", "scene", sc.Index, "error", err)
					return out, nil
				}
				out.Key = key
				return out, nil
			},
		})
	}
	results, err := limiter.Run(ctx, lim, jobs, onProgress)
	if err != nil {
		return nil, err
	}
	// a panicking job still has to yield a usable scene
	for i := range results {
		var pe limiter.PanicError
		if errors.As(results[i].Err, &pe) {
			text := textOf(scenes, results[i].Scene)
			results[i].Value = s.Fallback(text, results[i].Err)
			results[i].Err = nil
		}
	}
	return results, nil
}

func textOf(scenes []models.Scene, index int) string {
	for _, sc := range scenes {
		if sc.Index == index {
			return sc.Text
		}
	}
	return ""
}

// EstimateDuration is the text-length fallback: characters / cps.
func EstimateDuration(text string, cps float64) float64 {
	if cps <= 0 {
		cps = DefaultCharsPerSecond
	}
	return float64(utf8.RuneCountInString(text)) / cps
}

// Distribute spreads the words of text evenly across seconds.
func Distribute(text string, seconds float64) []models.WordTiming {
	spans := chunker.Words(text)
	if len(spans) == 0 || seconds <= 0 {
		return nil
	}
	step := seconds * 1000 / float64(len(spans))
	words := make([]models.WordTiming, len(spans))
	for i, sp := range spans {
		words[i] = models.WordTiming{
			Word:    sp.Of(text),
			StartMs: float64(i) * step,
			EndMs:   float64(i+1) * step,
		}
	}
	return words
}

// Sanitize makes provider timings non-decreasing, non-overlapping and
// contained in [0, seconds]. Blank words are dropped.
func Sanitize(in []models.WordTiming, seconds float64) []models.WordTiming {
	limit := seconds * 1000
	out := make([]models.WordTiming, 0, len(in))
	prevEnd := 0.0
	for _, w := range in {
		word := strings.TrimSpace(w.Word)
		if word == "" {
			continue
		}
		start := min(max(w.StartMs, prevEnd), limit)
		end := min(max(w.EndMs, start), limit)
		out = append(out, models.WordTiming{Word: word, StartMs: start, EndMs: end})
		prevEnd = end
	}
	return out
}

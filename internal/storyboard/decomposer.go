// Package storyboard splits a narration script into ordered scenes whose
// text slices partition the script.
package storyboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nikhilbhutani/lessonreel/internal/llm"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/prompt"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/pkg/chunker"
	"github.com/nikhilbhutani/lessonreel/pkg/tokenizer"
)

const (
	DefaultCharsPerSecond = 15.0
	captionRunes          = 60
)

var ErrEmptyNarration = errors.New("narration is empty")

type Request struct {
	Narration          string
	Pacing             models.Pacing
	Style              string
	VisualInstructions string
	Model              string
}

// Result is the storyboard plus how it was obtained.
type Result struct {
	Scenes []models.Scene
	// Realigned is set when the model altered the narration and scene
	// boundaries were mapped back onto the original text proportionally.
	Realigned bool
	// Fallback is set when the model output was unusable and the whole script
	// became a single scene. Reason carries the underlying error.
	Fallback bool
	Reason   error
}

type Decomposer struct {
	gw             llm.Gateway
	charsPerSecond float64
	logger         *slog.Logger
}

type Option func(*Decomposer)

func WithCharsPerSecond(cps float64) Option {
	return func(d *Decomposer) {
		if cps > 0 {
			d.charsPerSecond = cps
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(d *Decomposer) { d.logger = l } }

func New(gw llm.Gateway, opts ...Option) *Decomposer {
	d := &Decomposer{gw: gw, charsPerSecond: DefaultCharsPerSecond, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SceneCount is the number of scenes the pacing asks for given the estimated
// length of the narration.
func (d *Decomposer) SceneCount(narration string, pacing models.Pacing) int {
	seconds := float64(utf8.RuneCountInString(narration)) / d.charsPerSecond
	n := int(math.Round(seconds / pacing.SecondsPerScene()))
	return max(n, 1)
}

// Decompose never returns zero scenes for non-empty narration. Only an empty
// script or cancellation produce an error; any other failure falls back to a
// single scene spanning the whole script.
func (d *Decomposer) Decompose(ctx context.Context, req Request) (*Result, error) {
	narration := strings.TrimSpace(req.Narration)
	if narration == "" {
		return nil, ErrEmptyNarration
	}
	if req.Pacing == "" {
		req.Pacing = models.PacingNormal
	}

	words := chunker.Words(narration)
	count := min(d.SceneCount(narration, req.Pacing), len(words))

	drafts, err := d.requestDrafts(ctx, req, narration, count)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("storyboard failed, using single scene", "error", err)
		return d.fallback(narration, err), nil
	}

	scenes, realigned := partition(narration, words, drafts)
	if realigned {
		d.logger.Warn("storyboard text diverged from script, realigned boundaries",
			"scenes", len(scenes), "words", len(words))
	}
	for i := range scenes {
		d.estimate(&scenes[i])
	}
	return &Result{Scenes: scenes, Realigned: realigned}, nil
}

func (d *Decomposer) requestDrafts(ctx context.Context, req Request, narration string, count int) ([]draft, error) {
	style := strings.TrimSpace(req.Style)
	if style == "" {
		style = "clean, colourful educational illustration"
	}
	visual := ""
	if v := strings.TrimSpace(req.VisualInstructions); v != "" {
		visual = "Additional visual instructions: " + v
	}
	system, user, err := prompt.Storyboard.Render(map[string]string{
		"scene_count":         strconv.Itoa(count),
		"seconds":             strconv.FormatFloat(req.Pacing.SecondsPerScene(), 'f', -1, 64),
		"style":               style,
		"visual_instructions": visual,
		"narration":           narration,
	})
	if err != nil {
		return nil, fmt.Errorf("render storyboard prompt: %w", err)
	}

	words := len(chunker.Words(narration))
	resp, err := d.gw.Chat(ctx, llm.ChatRequest{
		Model: req.Model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.4,
		MaxTokens:   tokenizer.BudgetForWords(words+count*40, 0.5, 1024),
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		return nil, fmt.Errorf("storyboard reply cut off at token limit: %w", retry.ErrMalformed)
	}
	drafts, err := parseDrafts(resp.Content)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("storyboard has no scenes: %w", retry.ErrMalformed)
	}
	return drafts, nil
}

func (d *Decomposer) fallback(narration string, reason error) *Result {
	sc := models.Scene{
		Index:        0,
		Text:         narration,
		VisualPrompt: genericVisual(narration),
		Caption:      chunker.FirstSentence(narration, captionRunes),
	}
	d.estimate(&sc)
	return &Result{Scenes: []models.Scene{sc}, Fallback: true, Reason: reason}
}

func (d *Decomposer) estimate(sc *models.Scene) {
	sc.Duration = float64(utf8.RuneCountInString(sc.Text)) / d.charsPerSecond
	sc.DurationEstimated = true
}

func genericVisual(text string) string {
	return "An illustration representing: " + chunker.FirstSentence(text, 120)
}

// draft is one scene as returned by the model.
type draft struct {
	Text    string `json:"text"`
	Visual  string `json:"visual"`
	Caption string `json:"caption"`
}

var (
	fence         = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*(.*?)\\s*```\\s*$")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// sanitize repairs the usual ways a model breaks JSON: code fences, chatter
// around the document and trailing commas.
func sanitize(s string) string {
	if m := fence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start < 0 || end < start {
		return s
	}
	s = s[start : end+1]
	return trailingComma.ReplaceAllString(s, "$1")
}

func parseDrafts(raw string) ([]draft, error) {
	clean := sanitize(raw)

	var wrapped struct {
		Scenes []draft `json:"scenes"`
	}
	if err := json.Unmarshal([]byte(clean), &wrapped); err == nil && wrapped.Scenes != nil {
		return wrapped.Scenes, nil
	}
	var bare []draft
	if err := json.Unmarshal([]byte(clean), &bare); err != nil {
		return nil, fmt.Errorf("parse storyboard: %v: %w", err, retry.ErrMalformed)
	}
	return bare, nil
}

// partition cuts narration into len(drafts) slices on word boundaries. When
// the drafts reproduce the script word for word, their boundaries are used
// as-is; otherwise each draft keeps its share of words in order.
func partition(narration string, words []chunker.Span, drafts []draft) ([]models.Scene, bool) {
	var (
		keyed []int // indexes into words with a non-empty normalized form
		norm  []string
	)
	for i, w := range words {
		if n := chunker.Normalize(w.Of(narration)); n != "" {
			keyed = append(keyed, i)
			norm = append(norm, n)
		}
	}
	if len(keyed) == 0 {
		keyed = []int{0}
		norm = []string{""}
	}

	counts := make([]int, len(drafts))
	var draftNorm []string
	for i, dr := range drafts {
		for _, w := range chunker.Words(dr.Text) {
			if n := chunker.Normalize(w.Of(dr.Text)); n != "" {
				draftNorm = append(draftNorm, n)
				counts[i]++
			}
		}
	}

	exact := slices.Equal(norm, draftNorm)
	if exact {
		// drafts with no words are merged into their neighbours
		kept := drafts[:0:0]
		keptCounts := counts[:0:0]
		for i, dr := range drafts {
			if counts[i] > 0 {
				kept = append(kept, dr)
				keptCounts = append(keptCounts, counts[i])
			}
		}
		drafts, counts = kept, keptCounts
	} else {
		if len(drafts) > len(keyed) {
			drafts = drafts[:len(keyed)]
			counts = counts[:len(keyed)]
		}
		for i := range counts {
			counts[i] = max(counts[i], 1)
		}
	}

	bounds := boundaries(counts, len(keyed))
	scenes := make([]models.Scene, len(drafts))
	for i := range drafts {
		start := 0
		if i > 0 {
			start = words[keyed[bounds[i]]].Start
		}
		end := len(narration)
		if i+1 < len(drafts) {
			end = words[keyed[bounds[i+1]]].Start
		}
		text := strings.TrimSpace(narration[start:end])
		caption := strings.TrimSpace(drafts[i].Caption)
		if caption == "" {
			caption = chunker.FirstSentence(text, captionRunes)
		}
		visual := strings.TrimSpace(drafts[i].Visual)
		if visual == "" {
			visual = genericVisual(text)
		}
		scenes[i] = models.Scene{Index: i, Text: text, VisualPrompt: visual, Caption: caption}
	}
	return scenes, !exact
}

// boundaries returns the first keyed-word index of each scene given each
// scene's word count. Counts are rescaled to n words; every scene keeps at
// least one word and boundaries strictly increase.
func boundaries(counts []int, n int) []int {
	total := 0
	for _, c := range counts {
		total += c
	}
	k := len(counts)
	bounds := make([]int, k)
	cum := 0
	for i := 1; i < k; i++ {
		cum += counts[i-1]
		b := int(math.Round(float64(cum) / float64(total) * float64(n)))
		b = max(b, bounds[i-1]+1)
		b = min(b, n-(k-i))
		bounds[i] = b
	}
	return bounds
}

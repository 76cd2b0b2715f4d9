// Package script writes narration for a lesson from a topic or an uploaded
// source document.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nikhilbhutani/lessonreel/internal/cache"
	"github.com/nikhilbhutani/lessonreel/internal/document"
	"github.com/nikhilbhutani/lessonreel/internal/llm"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/prompt"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/pkg/chunker"
	"github.com/nikhilbhutani/lessonreel/pkg/tokenizer"
)

const (
	DefaultTargetWords = 300
	MinTargetWords     = 30
	MaxTargetWords     = 5000
)

// ErrInvalidRequest marks requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid script request")

type Request struct {
	Topic string
	// SourceKey names an uploaded document in storage.
	SourceKey string
	// SourceText is used as-is when set and takes precedence over SourceKey.
	SourceText   string
	TargetWords  int
	Strategy     models.Strategy
	Instructions string
	Model        string
}

type Result struct {
	Text     string `json:"text"`
	Words    int    `json:"words"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// Truncated is set when the model hit its token limit and the trailing
	// partial sentence was dropped.
	Truncated bool `json:"truncated,omitempty"`
	Cached    bool `json:"-"`
}

type SourceLoader interface {
	Load(ctx context.Context, key string) (*document.Source, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Generator struct {
	gw       llm.Gateway
	loader   SourceLoader
	cache    Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

type Option func(*Generator)

func WithSourceLoader(l SourceLoader) Option { return func(g *Generator) { g.loader = l } }

func WithCache(c Cache, ttl time.Duration) Option {
	return func(g *Generator) {
		g.cache = c
		g.cacheTTL = ttl
	}
}

func WithLogger(l *slog.Logger) Option { return func(g *Generator) { g.logger = l } }

func New(gw llm.Gateway, opts ...Option) *Generator {
	g := &Generator{gw: gw, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate returns narration text for req. Invalid requests fail with
// ErrInvalidRequest; remote failures have already been retried by the
// gateway.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	req, err := g.normalize(req)
	if err != nil {
		return nil, err
	}

	if req.SourceText == "" && req.SourceKey != "" {
		if g.loader == nil {
			return nil, fmt.Errorf("%w: source documents are not configured", ErrInvalidRequest)
		}
		src, err := g.loader.Load(ctx, req.SourceKey)
		if err != nil {
			if errors.Is(err, document.ErrEmptySource) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			return nil, fmt.Errorf("load source: %w", err)
		}
		req.SourceText = src.Text
	}

	key := cacheKey(req)
	if g.cache != nil {
		var hit Result
		if err := g.cache.Get(ctx, key, &hit); err == nil && hit.Text != "" {
			hit.Cached = true
			g.logger.Debug("script cache hit", "key", key)
			return &hit, nil
		} else if err != nil && !errors.Is(err, cache.ErrMiss) {
			g.logger.Warn("script cache read failed", "error", err)
		}
	}

	system, user, err := prompt.Script.Render(map[string]string{
		"strategy_rules": prompt.StrategyRules(req.Strategy),
		"topic":          topicLine(req),
		"words":          strconv.Itoa(req.TargetWords),
		"instructions":   optional("Style instructions", req.Instructions),
		"source":         optional("Source material", req.SourceText),
	})
	if err != nil {
		return nil, fmt.Errorf("render script prompt: %w", err)
	}

	resp, err := g.gw.Chat(ctx, llm.ChatRequest{
		Model: req.Model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
		MaxTokens:   tokenizer.BudgetForWords(req.TargetWords, 0.5, 512),
	})
	if err != nil {
		return nil, fmt.Errorf("generate script: %w", err)
	}

	text := Clean(resp.Content)
	truncated := false
	if resp.Truncated {
		text = dropPartialSentence(text)
		truncated = true
		g.logger.Warn("script hit token limit", "provider", resp.Provider, "model", resp.Model)
	}
	if text == "" {
		return nil, fmt.Errorf("generate script: %w", retry.ErrEmptyResponse)
	}

	res := &Result{
		Text:      text,
		Words:     len(chunker.Words(text)),
		Provider:  resp.Provider,
		Model:     resp.Model,
		Truncated: truncated,
	}
	if g.cache != nil && !truncated {
		if err := g.cache.Set(ctx, key, res, g.cacheTTL); err != nil {
			g.logger.Warn("script cache write failed", "error", err)
		}
	}
	return res, nil
}

func (g *Generator) normalize(req Request) (Request, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	req.SourceText = strings.TrimSpace(req.SourceText)
	req.Instructions = strings.TrimSpace(req.Instructions)
	if req.Topic == "" && req.SourceKey == "" && req.SourceText == "" {
		return req, fmt.Errorf("%w: topic or source document is required", ErrInvalidRequest)
	}
	switch {
	case req.TargetWords == 0:
		req.TargetWords = DefaultTargetWords
	case req.TargetWords < MinTargetWords || req.TargetWords > MaxTargetWords:
		return req, fmt.Errorf("%w: target words must be between %d and %d", ErrInvalidRequest, MinTargetWords, MaxTargetWords)
	}
	if req.Strategy == "" {
		req.Strategy = models.StrategyHybrid
	}
	if !req.Strategy.Valid() {
		return req, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	return req, nil
}

func topicLine(req Request) string {
	if req.Topic != "" {
		return req.Topic
	}
	return "the source material below"
}

func optional(label, v string) string {
	if v == "" {
		return ""
	}
	return label + ":\n" + v
}

func cacheKey(req Request) string {
	h := sha256.New()
	_ = json.NewEncoder(h).Encode([]string{
		req.Topic, req.SourceText, strconv.Itoa(req.TargetWords),
		string(req.Strategy), req.Instructions, req.Model,
	})
	return "script:" + hex.EncodeToString(h.Sum(nil))
}

var (
	headingLine = regexp.MustCompile(`(?m)^[ \t]*(#{1,6}[ \t].*|\*\*[^*\n]+\*\*[ \t]*|(?i:title)[ \t]*:.*)$`)
	speakerTag  = regexp.MustCompile(`(?m)^[ \t]*(?i:narrator|narration|script)[ \t]*:[ \t]*`)
	stageDir    = regexp.MustCompile(`\[[^\]]*\]|\((?i:pause|music|sfx)[^)]*\)`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
)

// Clean strips formatting models add despite instructions: headings, labels,
// stage directions and wrapping quotes.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = headingLine.ReplaceAllString(s, "")
	s = speakerTag.ReplaceAllString(s, "")
	s = stageDir.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "**", "")
	s = spaceRuns.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && strings.Count(s, `"`) == 2 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func dropPartialSentence(s string) string {
	spans := chunker.Sentences(s)
	if len(spans) < 2 {
		return s
	}
	last := spans[len(spans)-1].Of(s)
	if r, _ := utf8.DecodeLastRuneInString(last); strings.ContainsRune(".!?\"'”’", r) {
		return s
	}
	return strings.TrimSpace(s[:spans[len(spans)-2].End])
}

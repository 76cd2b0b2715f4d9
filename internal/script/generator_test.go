package script

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nikhilbhutani/lessonreel/internal/cache"
	"github.com/nikhilbhutani/lessonreel/internal/document"
	"github.com/nikhilbhutani/lessonreel/internal/llm"
)

type fakeGateway struct {
	reply     string
	truncated bool
	calls     int
	last      llm.ChatRequest
}

func (f *fakeGateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	f.last = req
	return &llm.ChatResponse{Provider: "fake", Model: "fake-1", Content: f.reply, Truncated: f.truncated}, nil
}

func (f *fakeGateway) Provider(name string) (llm.Provider, error) { return nil, errors.New("unused") }
func (f *fakeGateway) ListModels() []llm.ModelInfo                 { return nil }

type mapCache map[string][]byte

func (m mapCache) Get(ctx context.Context, key string, dest any) error {
	b, ok := m[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(b, dest)
}

func (m mapCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	m[key] = b
	return err
}

type staticLoader struct{ text string }

func (s staticLoader) Load(ctx context.Context, key string) (*document.Source, error) {
	return &document.Source{Key: key, Text: s.text}, nil
}

func TestGenerateBuildsPromptAndCaches(t *testing.T) {
	gw := &fakeGateway{reply: "## Photosynthesis\n\nPlants turn light into sugar. They need water too."}
	c := mapCache{}
	g := New(gw, WithCache(c, time.Hour))

	req := Request{Topic: "Photosynthesis", TargetWords: 120, Instructions: "Keep it playful."}
	res, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Plants turn light into sugar. They need water too." {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Words != 9 || res.Cached {
		t.Fatalf("unexpected result %+v", res)
	}

	user := gw.last.Messages[1].Content
	for _, want := range []string{"Photosynthesis", "about 120 words", "Keep it playful."} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
	if gw.last.MaxTokens < 512 {
		t.Errorf("max tokens too small: %d", gw.last.MaxTokens)
	}

	again, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if !again.Cached || gw.calls != 1 {
		t.Fatalf("expected cache hit, calls=%d cached=%v", gw.calls, again.Cached)
	}
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	g := New(&fakeGateway{reply: "x."})
	cases := []Request{
		{},
		{Topic: "Volcanoes", TargetWords: 5},
		{Topic: "Volcanoes", Strategy: "poetic"},
		{SourceKey: "notes.pdf"},
	}
	for _, req := range cases {
		if _, err := g.Generate(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("request %+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
}

func TestGenerateUsesSourceDocument(t *testing.T) {
	gw := &fakeGateway{reply: "Rivers carve valleys."}
	g := New(gw, WithSourceLoader(staticLoader{text: "Erosion is slow."}))
	if _, err := g.Generate(context.Background(), Request{SourceKey: "geo.txt"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	user := gw.last.Messages[1].Content
	if !strings.Contains(user, "Erosion is slow.") || !strings.Contains(user, "the source material below") {
		t.Fatalf("source not in prompt:\n%s", user)
	}
}

func TestGenerateDropsPartialSentenceWhenTruncated(t *testing.T) {
	gw := &fakeGateway{reply: "First point. Second point. Third point was cut", truncated: true}
	c := mapCache{}
	res, err := New(gw, WithCache(c, time.Hour)).Generate(context.Background(), Request{Topic: "Lists"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "First point. Second point." || !res.Truncated {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(c) != 0 {
		t.Fatalf("truncated scripts must not be cached")
	}
}

func TestCleanStripsFormatting(t *testing.T) {
	in := "# Title\n\nNarrator: Hello there. [music]\n\n\n\n\"Bye.\""
	if got := Clean(in); got != "Hello there.\n\n\"Bye.\"" {
		t.Fatalf("unexpected clean output %q", got)
	}
	if got := Clean(`"Only one quoted line."`); got != "Only one quoted line." {
		t.Fatalf("wrapping quotes kept: %q", got)
	}
}

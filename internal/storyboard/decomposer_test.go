package storyboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nikhilbhutani/lessonreel/internal/llm"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

type fakeGateway struct {
	reply string
	err   error
	last  llm.ChatRequest
}

func (f *fakeGateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.last = req
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.reply}, nil
}

func (f *fakeGateway) Provider(string) (llm.Provider, error) { return nil, errors.New("unused") }
func (f *fakeGateway) ListModels() []llm.ModelInfo         { return nil }

const script = "Cells are tiny. They divide to grow. Energy comes from mitochondria, the powerhouse."

func joined(scenes []models.Scene) string {
	parts := make([]string, len(scenes))
	for i, s := range scenes {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

func checkPartition(t *testing.T, res *Result) {
	t.Helper()
	if got := joined(res.Scenes); strings.Join(strings.Fields(got), " ") != strings.Join(strings.Fields(script), " ") {
		t.Fatalf("scenes do not reproduce script:\n got %q", got)
	}
	for i, s := range res.Scenes {
		if s.Index != i {
			t.Errorf("scene %d has index %d", i, s.Index)
		}
		if s.Text == "" || s.VisualPrompt == "" || s.Caption == "" {
			t.Errorf("scene %d incomplete: %+v", i, s)
		}
		if !s.DurationEstimated || s.Duration <= 0 {
			t.Errorf("scene %d missing duration estimate", i)
		}
	}
}

func TestDecomposeUsesExactBoundaries(t *testing.T) {
	gw := &fakeGateway{reply: "Here you go:\n```json\n" + `{"scenes":[
		{"text":"Cells are tiny. They divide to grow.","visual":"A cell splitting","caption":"Cells"},
		{"text":"Energy comes from mitochondria, the powerhouse.","visual":"A glowing mitochondrion",},
	]}` + "\n```"}
	res, err := New(gw).Decompose(context.Background(), Request{Narration: script, Pacing: models.PacingTurbo})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if res.Fallback || res.Realigned {
		t.Fatalf("expected exact storyboard, got %+v", res)
	}
	if len(res.Scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(res.Scenes))
	}
	if res.Scenes[1].Text != "Energy comes from mitochondria, the powerhouse." {
		t.Fatalf("unexpected second scene %q", res.Scenes[1].Text)
	}
	if res.Scenes[1].Caption != "Energy comes from mitochondria, the powerhouse." {
		t.Fatalf("caption should default to first sentence, got %q", res.Scenes[1].Caption)
	}
	if !gw.last.JSON {
		t.Fatalf("storyboard request should ask for JSON")
	}
	checkPartition(t, res)
}

func TestDecomposeRealignsParaphrasedScenes(t *testing.T) {
	gw := &fakeGateway{reply: `[
		{"text":"Cells are small.","visual":"cells"},
		{"text":"They grow by dividing.","visual":"division"},
		{"text":"Mitochondria make energy.","visual":"mitochondria"}
	]`}
	res, err := New(gw).Decompose(context.Background(), Request{Narration: script, Pacing: models.PacingTurbo})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if !res.Realigned || len(res.Scenes) != 3 {
		t.Fatalf("expected 3 realigned scenes, got %+v", res)
	}
	checkPartition(t, res)
}

func TestDecomposeFallsBackToSingleScene(t *testing.T) {
	cases := map[string]*fakeGateway{
		"garbage":     {reply: "I cannot do that."},
		"empty list":  {reply: `{"scenes":[]}`},
		"remote fail": {err: retry.Permanent(errors.New("bad request"))},
	}
	for name, gw := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := New(gw).Decompose(context.Background(), Request{Narration: script})
			if err != nil {
				t.Fatalf("decompose: %v", err)
			}
			if !res.Fallback || len(res.Scenes) != 1 || res.Reason == nil {
				t.Fatalf("expected single-scene fallback, got %+v", res)
			}
			if res.Scenes[0].Text != script {
				t.Fatalf("fallback scene must span the script")
			}
			checkPartition(t, res)
		})
	}
}

func TestDecomposeErrors(t *testing.T) {
	d := New(&fakeGateway{reply: "{}"})
	if _, err := d.Decompose(context.Background(), Request{Narration: "  \n"}); !errors.Is(err, ErrEmptyNarration) {
		t.Fatalf("expected ErrEmptyNarration, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Decompose(ctx, Request{Narration: script}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSceneCountFollowsPacing(t *testing.T) {
	d := New(nil)
	narration := strings.Repeat("a", 2025) // 135 seconds at 15 chars/s
	cases := map[models.Pacing]int{
		models.PacingNormal: 10,
		models.PacingFast:   20,
		models.PacingTurbo:  54,
	}
	for p, want := range cases {
		if got := d.SceneCount(narration, p); got != want {
			t.Errorf("%s: got %d scenes, want %d", p, got, want)
		}
	}
	if got := d.SceneCount("Hi.", models.PacingNormal); got != 1 {
		t.Errorf("short narration should still get one scene, got %d", got)
	}
}

// splittingGateway answers a storyboard request with exactly the number of
// scenes the prompt asks for, grouping whole sentences.
type splittingGateway struct {
	sentences []string
	requested int
}

func (g *splittingGateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	user := req.Messages[len(req.Messages)-1].Content
	at := strings.Index(user, "about ")
	if at < 0 {
		return nil, errors.New("prompt has no scene count")
	}
	if _, err := fmt.Sscanf(user[at:], "about %d", &g.requested); err != nil {
		return nil, err
	}

	type scene struct {
		Text   string `json:"text"`
		Visual string `json:"visual"`
	}
	var out struct {
		Scenes []scene `json:"scenes"`
	}
	n := len(g.sentences)
	for k := range g.requested {
		group := g.sentences[k*n/g.requested : (k+1)*n/g.requested]
		out.Scenes = append(out.Scenes, scene{Text: strings.Join(group, " "), Visual: fmt.Sprintf("panel %d", k)})
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: string(body)}, nil
}

func (g *splittingGateway) Provider(string) (llm.Provider, error) { return nil, errors.New("unused") }
func (g *splittingGateway) ListModels() []llm.ModelInfo         { return nil }

func TestDecomposeThreeHundredWordScript(t *testing.T) {
	subjects := []string{"Rivers", "Glaciers", "Winds", "Waves", "Rains"}
	verbs := []string{"carry", "grind", "move", "shape"}
	sentences := make([]string, 20)
	for i := range sentences {
		sentences[i] = fmt.Sprintf("%s slowly %s fine sediment across wide green plains toward the calm and distant sea.",
			subjects[i%len(subjects)], verbs[i%len(verbs)])
	}
	narration := strings.Join(sentences, " ")
	if n := len(strings.Fields(narration)); n != 300 {
		t.Fatalf("fixture has %d words", n)
	}

	cases := []struct {
		pacing models.Pacing
		want   int
	}{
		{models.PacingNormal, 9},
		{models.PacingFast, 18},
	}
	for _, tc := range cases {
		t.Run(string(tc.pacing), func(t *testing.T) {
			gw := &splittingGateway{sentences: sentences}
			res, err := New(gw).Decompose(context.Background(), Request{Narration: narration, Pacing: tc.pacing})
			if err != nil {
				t.Fatalf("decompose: %v", err)
			}
			if gw.requested != tc.want {
				t.Fatalf("asked the model for %d scenes, want %d", gw.requested, tc.want)
			}
			if res.Fallback || res.Realigned {
				t.Fatalf("expected exact boundaries, got fallback=%v realigned=%v", res.Fallback, res.Realigned)
			}
			if len(res.Scenes) != tc.want {
				t.Fatalf("got %d scenes, want %d", len(res.Scenes), tc.want)
			}
			if got := joined(res.Scenes); got != narration {
				t.Fatalf("scenes do not reproduce the script:\n got %q", got)
			}
		})
	}
}

func TestBoundariesStrictlyIncrease(t *testing.T) {
	cases := []struct {
		counts []int
		n      int
	}{
		{[]int{1, 1, 1}, 3},
		{[]int{50, 1, 1, 1}, 4},
		{[]int{3, 3}, 10},
		{[]int{1, 100}, 2},
	}
	for _, c := range cases {
		b := boundaries(c.counts, c.n)
		if b[0] != 0 {
			t.Errorf("%v: first boundary %d", c.counts, b[0])
		}
		for i := 1; i < len(b); i++ {
			if b[i] <= b[i-1] || b[i] >= c.n {
				t.Errorf("%v over %d words: bad boundaries %v", c.counts, c.n, b)
			}
		}
	}
}

func TestSanitize(t *testing.T) {
	in := "```json\n{\"scenes\": [{\"text\": \"a\",},]}\n```"
	if got := sanitize(in); got != `{"scenes": [{"text": "a"}]}` {
		t.Fatalf("unexpected sanitize output %q", got)
	}
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/illustration"
	"github.com/nikhilbhutani/lessonreel/internal/limiter"
	"github.com/nikhilbhutani/lessonreel/internal/llm"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/imagegen"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/tts"
	"github.com/nikhilbhutani/lessonreel/internal/narration"
	"github.com/nikhilbhutani/lessonreel/internal/render"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/internal/script"
	"github.com/nikhilbhutani/lessonreel/internal/storage"
	"github.com/nikhilbhutani/lessonreel/internal/storyboard"
)

const lesson = "Cells are tiny. They divide to grow. Energy comes from mitochondria."

const storyboardReply = `{"scenes":[
	{"text":"Cells are tiny.","visual":"A microscope view of cells","caption":"Cells"},
	{"text":"They divide to grow.","visual":"A cell splitting in two"},
	{"text":"Energy comes from mitochondria.","visual":"A glowing mitochondrion"}
]}`

type fakeGateway struct {
	reply string
	err   error
}

func (f *fakeGateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.reply, Provider: "fake", Model: "fake-1"}, nil
}

func (f *fakeGateway) Provider(string) (llm.Provider, error) { return nil, errors.New("unused") }
func (f *fakeGateway) ListModels() []llm.ModelInfo         { return nil }

// wav returns a mono 16-bit 8 kHz clip of the given length.
func wav(seconds float64) []byte {
	return audio.WrapPCM(make([]byte, int(seconds*8000)*2), 8000, 1, 16)
}

type fakeTTS struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, text string, call int) (*tts.SynthesisResult, error)
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.Input]++
	call := f.calls[req.Input]
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req.Input, call)
	}
	return &tts.SynthesisResult{Audio: wav(2), Format: audio.FormatWAV}, nil
}

type fakeImages struct {
	fail func(prompt string) error
}

func (f *fakeImages) Name() string { return "fake-images" }

func (f *fakeImages) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error) {
	if f.fail != nil {
		if err := f.fail(req.Prompt); err != nil {
			return nil, err
		}
	}
	return &imagegen.Image{Data: []byte("png:" + req.Prompt), MIME: "image/png"}, nil
}

func quickExec() *retry.Executor {
	return retry.New("test", retry.DefaultPolicy(), retry.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))
}

type fixture struct {
	runner *Runner
	sink   *storage.Sink
	tts    *fakeTTS
	images *fakeImages
}

func newFixture(t *testing.T, gw llm.Gateway) *fixture {
	t.Helper()
	f := &fixture{
		sink:   storage.NewSink(storage.NewLocalStorage(t.TempDir()), "artifacts"),
		tts:    &fakeTTS{},
		images: &fakeImages{},
	}
	if gw == nil {
		gw = &fakeGateway{reply: storyboardReply}
	}
	r, err := New(Components{
		Scripts:           script.New(gw),
		Storyboard:        storyboard.New(gw),
		Narrator:          narration.New(f.tts, quickExec()),
		Illustrator:       illustration.New(imagegen.NewRegistry("fake-images", f.images), quickExec()),
		Sink:              f.sink,
		NarrationLimit:    limiter.New(2),
		IllustrationLimit: limiter.New(3),
	}, WithStorageRetry(quickExec()))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	f.runner = r
	return f
}

func newRun() *models.Run {
	return models.NewRun(models.RunRequest{
		Script: lesson,
		Settings: models.Settings{
			AspectRatio: "16:9",
			Pacing:      models.PacingTurbo,
			Captions:    models.CaptionConfig{Enabled: true, Source: models.CaptionSourceNarration},
		},
	})
}

func drain(e *Execution) []Event {
	var evs []Event
	for ev := range e.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func checkTimeline(t *testing.T, run *models.Run) {
	t.Helper()
	if len(run.Scenes) == 0 {
		t.Fatalf("no scenes")
	}
	if run.Scenes[0].StartTime != 0 {
		t.Errorf("first scene starts at %v", run.Scenes[0].StartTime)
	}
	for i, sc := range run.Scenes {
		if sc.EndTime <= sc.StartTime {
			t.Errorf("scene %d has empty window", i)
		}
		if i > 0 && math.Abs(sc.StartTime-run.Scenes[i-1].EndTime) > 1e-9 {
			t.Errorf("scenes %d and %d are not contiguous", i-1, i)
		}
		if sc.ImageKey == "" || sc.Image != nil || sc.Audio != nil {
			t.Errorf("scene %d payloads not released: key=%q image=%d audio=%d", i, sc.ImageKey, len(sc.Image), len(sc.Audio))
		}
	}
	if last := run.Scenes[len(run.Scenes)-1].EndTime; last != run.TotalDuration {
		t.Errorf("timeline ends at %v, track is %v", last, run.TotalDuration)
	}
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	run := newRun()

	exec := f.runner.Start(context.Background(), run)
	rep, err := exec.Await()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Outcome != models.OutcomeSucceeded || run.Status != models.StatusAssembled {
		t.Fatalf("unexpected outcome %s status %s", rep.Outcome, run.Status)
	}
	if len(run.Scenes) != 3 {
		t.Fatalf("expected 3 scenes, got %d", len(run.Scenes))
	}
	checkTimeline(t, run)
	if run.TotalDuration != 6 {
		t.Fatalf("expected 6s track, got %v", run.TotalDuration)
	}
	if rep.Manifest == nil || len(rep.Manifest.Scenes) != 3 {
		t.Fatalf("missing manifest")
	}

	rc, err := f.sink.Open(context.Background(), run.ArtifactKey)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !strings.Contains(string(data), `"audio_key"`) {
		t.Fatalf("artifact is not a manifest: %s", data)
	}

	evs := drain(exec)
	if len(evs) == 0 || evs[len(evs)-1].Kind != EventCompleted {
		t.Fatalf("expected terminal completed event, got %+v", evs)
	}
	var stages []models.RunStatus
	audioDone := 0
	for _, ev := range evs {
		if ev.Kind == EventStage {
			stages = append(stages, ev.Stage)
		}
		if ev.Kind == EventProgress && ev.Stage == models.StatusSynthesizingAudio {
			audioDone = ev.Completed
		}
		if ev.RunID != run.ID {
			t.Fatalf("event for wrong run: %+v", ev)
		}
	}
	want := []models.RunStatus{
		models.StatusStoryboarding,
		models.StatusSynthesizingAudio,
		models.StatusSynthesizingImages,
		models.StatusReconciled,
		models.StatusAssembled,
	}
	if strings.Join(statusStrings(stages), ",") != strings.Join(statusStrings(want), ",") {
		t.Fatalf("unexpected stage order %v", stages)
	}
	if audioDone != 3 {
		t.Fatalf("expected 3/3 narration progress, got %d", audioDone)
	}
}

func statusStrings(s []models.RunStatus) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

func TestRunRecoversFromRepeatedRateLimits(t *testing.T) {
	f := newFixture(t, nil)
	f.tts.fn = func(ctx context.Context, text string, call int) (*tts.SynthesisResult, error) {
		if call <= 2 {
			return nil, &retry.StatusError{Service: "fake-tts", StatusCode: 429}
		}
		return &tts.SynthesisResult{Audio: wav(2), Format: audio.FormatWAV}, nil
	}

	policy := retry.Policy{
		MaxAttempts:    4,
		BaseDelay:      10 * time.Millisecond,
		RateLimitDelay: 40 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       time.Second,
	}
	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	exec := retry.New("narration", policy, retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}))
	f.runner.c.Narrator = narration.New(f.tts, exec)

	run := newRun()
	start := time.Now()
	rep, err := f.runner.Run(context.Background(), run)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Outcome != models.OutcomeSucceeded {
		t.Fatalf("expected success after retries, got %s %+v", rep.Outcome, rep.Degradations)
	}
	for _, sc := range run.Scenes {
		if sc.DurationEstimated {
			t.Fatalf("scene %d fell back to an estimate", sc.Index)
		}
	}

	// every scene waits the rate-limit floor, then twice that
	slices.Sort(waits)
	want := []time.Duration{40 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 80 * time.Millisecond, 80 * time.Millisecond}
	if !slices.Equal(waits, want) {
		t.Fatalf("backoff waits %v, want %v", waits, want)
	}
	if elapsed < 120*time.Millisecond {
		t.Fatalf("run took %v, less than the two backoff delays", elapsed)
	}
}

type streamingAssembler struct {
	images map[int]string
}

func (a *streamingAssembler) Name() string { return "streaming" }

func (a *streamingAssembler) Assemble(ctx context.Context, in render.Input) (*render.Artifact, error) {
	a.images = map[int]string{}
	for _, sc := range in.Manifest.Scenes {
		rc, err := in.Images(ctx, sc.ImageKey)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		a.images[sc.Index] = string(data)
	}
	return &render.Artifact{Name: "out.txt", MIME: "text/plain", Data: []byte("ok")}, nil
}

func TestAssemblerStreamsStoredImages(t *testing.T) {
	f := newFixture(t, nil)
	asm := &streamingAssembler{}
	f.runner.c.Assembler = asm

	run := newRun()
	if _, err := f.runner.Run(context.Background(), run); err != nil {
		t.Fatalf("run: %v", err)
	}
	checkTimeline(t, run)
	want := map[int]string{
		0: "png:A microscope view of cells",
		1: "png:A cell splitting in two",
		2: "png:A glowing mitochondrion",
	}
	for i, w := range want {
		if asm.images[i] != w {
			t.Errorf("scene %d image = %q, want %q", i, asm.images[i], w)
		}
	}
}

func TestRunUsesPlaceholderWhenOneImageFails(t *testing.T) {
	f := newFixture(t, nil)
	f.images.fail = func(prompt string) error {
		if strings.Contains(prompt, "mitochondrion") {
			return retry.ErrContentPolicy
		}
		return nil
	}
	run := newRun()
	rep, err := f.runner.Run(context.Background(), run)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Outcome != models.OutcomeDegraded || run.Status != models.StatusAssembled {
		t.Fatalf("expected degraded assembled run, got %s %s", rep.Outcome, run.Status)
	}
	checkTimeline(t, run)
	if !run.Scenes[2].ImagePlaceholder || run.Scenes[0].ImagePlaceholder {
		t.Fatalf("placeholder on wrong scene")
	}
	found := false
	for _, d := range rep.Degradations {
		if d.Scene == 2 && d.Kind == models.DegradedImage {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing image degradation: %+v", rep.Degradations)
	}
}

func TestRunEstimatesFailedNarration(t *testing.T) {
	f := newFixture(t, nil)
	f.tts.fn = func(ctx context.Context, text string, call int) (*tts.SynthesisResult, error) {
		if strings.HasPrefix(text, "They divide") {
			return nil, &retry.StatusError{Service: "fake-tts", StatusCode: 400, Body: "bad voice"}
		}
		return &tts.SynthesisResult{Audio: wav(2), Format: audio.FormatWAV}, nil
	}
	run := newRun()
	rep, err := f.runner.Run(context.Background(), run)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Outcome != models.OutcomeDegraded {
		t.Fatalf("expected degraded outcome, got %s", rep.Outcome)
	}
	sc := run.Scenes[1]
	if !sc.DurationEstimated || sc.AudioKey != "" {
		t.Fatalf("scene 1 should be estimated: %+v", sc)
	}
	// 20 characters at 15 per second, filled with silence
	if got := sc.EndTime - sc.StartTime; math.Abs(got-20.0/15) > 0.01 {
		t.Fatalf("unexpected estimated window %v", got)
	}
	checkTimeline(t, run)
}

func TestRunCancelFreezesStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.tts.fn = func(ctx context.Context, text string, call int) (*tts.SynthesisResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	run := newRun()
	exec := f.runner.Start(context.Background(), run)

	var evs []Event
	for ev := range exec.Events() {
		evs = append(evs, ev)
		if ev.Kind == EventStage && ev.Stage == models.StatusSynthesizingAudio {
			exec.Cancel()
		}
	}
	rep, err := exec.Await()
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if rep.Outcome != models.OutcomeCanceled {
		t.Fatalf("expected canceled, got %s", rep.Outcome)
	}
	if run.Status != models.StatusSynthesizingAudio {
		t.Fatalf("status should freeze at synthesizing-audio, got %s", run.Status)
	}
	if last := evs[len(evs)-1]; last.Kind != EventCanceled {
		t.Fatalf("expected canceled event last, got %+v", last)
	}
	for _, sc := range run.Scenes {
		if sc.EndTime != 0 || sc.AudioKey != "" {
			t.Fatalf("scene %d was written after cancel: %+v", sc.Index, sc)
		}
	}
}

func TestRunFailsWhenScriptCannotBeWritten(t *testing.T) {
	f := newFixture(t, &fakeGateway{err: errors.New("invalid api key")})
	run := models.NewRun(models.RunRequest{Topic: "cells", Settings: models.Settings{AspectRatio: "16:9"}})

	rep, err := f.runner.Run(context.Background(), run)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != models.StatusScripting {
		t.Fatalf("expected scripting StageError, got %v", err)
	}
	if rep.Outcome != models.OutcomeFailed || run.Status != models.StatusFailed || run.FailedStage != models.StatusScripting {
		t.Fatalf("unexpected failure state: %s %s %s", rep.Outcome, run.Status, run.FailedStage)
	}
	if run.Error == "" {
		t.Fatalf("expected error message on run")
	}
}

func TestRunWithoutScriptOrGenerator(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.c.Scripts = nil
	run := models.NewRun(models.RunRequest{Topic: "cells"})
	_, err := f.runner.Run(context.Background(), run)
	if !errors.Is(err, ErrNoScript) {
		t.Fatalf("expected ErrNoScript, got %v", err)
	}
}

func TestRunSurvivesUnusableStoryboard(t *testing.T) {
	f := newFixture(t, &fakeGateway{reply: "I cannot help with that."})
	run := newRun()
	rep, err := f.runner.Run(context.Background(), run)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(run.Scenes) != 1 || run.Scenes[0].Text != lesson {
		t.Fatalf("expected single fallback scene, got %+v", run.Scenes)
	}
	if rep.Outcome != models.OutcomeSucceeded {
		t.Fatalf("unexpected outcome %s", rep.Outcome)
	}
	checkTimeline(t, run)
}

func TestEventsBufferUntilConsumed(t *testing.T) {
	s := newStream()
	for i := range 100 {
		s.push(Event{Scene: i})
	}
	s.close()
	s.push(Event{Scene: 999})

	n := 0
	for ev := range s.channel() {
		if ev.Scene != n {
			t.Fatalf("out of order: got %d want %d", ev.Scene, n)
		}
		n++
	}
	if n != 100 {
		t.Fatalf("expected 100 events, got %d", n)
	}
}

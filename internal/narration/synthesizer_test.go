package narration

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/limiter"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/stt"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/tts"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

// wav returns a mono 16-bit 8 kHz clip of the given length.
func wav(seconds float64) []byte {
	return audio.WrapPCM(make([]byte, int(seconds*8000)*2), 8000, 1, 16)
}

type fakeTTS struct {
	mu       sync.Mutex
	fn       func(req tts.SynthesisRequest, call int) (*tts.SynthesisResult, error)
	calls    int
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(req, call)
}

type fakeAligner struct{ words []models.WordTiming }

func (a fakeAligner) Name() string { return "fake-stt" }
func (a fakeAligner) Align(ctx context.Context, req stt.AlignmentRequest) (*stt.AlignmentResponse, error) {
	return &stt.AlignmentResponse{Words: a.words}, nil
}

func quickExec() *retry.Executor {
	p := retry.DefaultPolicy()
	return retry.New("test", p, retry.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))
}

func TestSynthesizeMeasuresDecodedAudio(t *testing.T) {
	p := &fakeTTS{fn: func(req tts.SynthesisRequest, _ int) (*tts.SynthesisResult, error) {
		if req.Voice != "nova" || req.Speed != 1.1 {
			t.Errorf("voice settings not forwarded: %+v", req)
		}
		return &tts.SynthesisResult{Audio: wav(2.5), Format: audio.FormatWAV}, nil
	}}
	out, err := New(p, quickExec()).Synthesize(context.Background(), 0, "one two three four five", models.VoiceSettings{Voice: "nova", Speed: 1.1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out.DurationEstimated || math.Abs(out.Duration-2.5) > 1e-9 {
		t.Fatalf("expected measured 2.5s, got %+v", out)
	}
	if !out.WordsEstimated || len(out.Words) != 5 || out.Words[4].EndMs != 2500 {
		t.Fatalf("expected 5 evenly spread words, got %+v", out.Words)
	}
}

func TestSynthesizeKeepsProviderWords(t *testing.T) {
	p := &fakeTTS{fn: func(tts.SynthesisRequest, int) (*tts.SynthesisResult, error) {
		return &tts.SynthesisResult{Audio: wav(1), Words: []models.WordTiming{
			{Word: "Hi", StartMs: 0, EndMs: 400},
			{Word: "there", StartMs: 350, EndMs: 1200},
		}}, nil
	}}
	out, err := New(p, quickExec()).Synthesize(context.Background(), 0, "Hi there", models.VoiceSettings{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out.WordsEstimated || len(out.Words) != 2 {
		t.Fatalf("unexpected words %+v", out.Words)
	}
	if out.Words[1].StartMs != 400 || out.Words[1].EndMs != 1000 {
		t.Fatalf("overlap and overrun not clamped: %+v", out.Words[1])
	}
}

func TestSynthesizeUsesAligner(t *testing.T) {
	p := &fakeTTS{fn: func(tts.SynthesisRequest, int) (*tts.SynthesisResult, error) {
		return &tts.SynthesisResult{Audio: wav(1)}, nil
	}}
	al := fakeAligner{words: []models.WordTiming{{Word: " Hello", StartMs: 100, EndMs: 900}}}
	out, err := New(p, quickExec(), WithAligner(al)).Synthesize(context.Background(), 0, "Hello", models.VoiceSettings{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out.WordsEstimated || out.Words[0].Word != "Hello" || out.Words[0].StartMs != 100 {
		t.Fatalf("aligner timings not used: %+v", out.Words)
	}
}

func TestSynthesizeDegradesToEstimate(t *testing.T) {
	cases := map[string]func(tts.SynthesisRequest, int) (*tts.SynthesisResult, error){
		"permanent failure": func(tts.SynthesisRequest, int) (*tts.SynthesisResult, error) {
			return nil, retry.Permanent(errors.New("invalid voice"))
		},
		"undecodable audio": func(tts.SynthesisRequest, int) (*tts.SynthesisResult, error) {
			return &tts.SynthesisResult{Audio: []byte("not audio at all")}, nil
		},
	}
	text := "Thirty characters of narration" // 30 runes
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := New(&fakeTTS{fn: fn}, quickExec()).Synthesize(context.Background(), 3, text, models.VoiceSettings{})
			if err != nil {
				t.Fatalf("degraded narration must not error: %v", err)
			}
			if !out.DurationEstimated || out.Duration != 2 || out.Audio != nil || out.Err == nil {
				t.Fatalf("expected 2s estimate, got %+v", out)
			}
		})
	}
}

func TestSynthesizeReturnsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeTTS{fn: func(tts.SynthesisRequest, int) (*tts.SynthesisResult, error) {
		cancel()
		return nil, context.Canceled
	}}
	if _, err := New(p, quickExec()).Synthesize(ctx, 0, "x", models.VoiceSettings{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestStageRespectsCapAndRecoversFromRateLimits(t *testing.T) {
	p := &fakeTTS{fn: func(req tts.SynthesisRequest, call int) (*tts.SynthesisResult, error) {
		if call <= 2 {
			return nil, &retry.StatusError{Service: "fake", StatusCode: 429}
		}
		return &tts.SynthesisResult{Audio: wav(1)}, nil
	}}
	scenes := []models.Scene{
		{Index: 0, Text: "alpha"},
		{Index: 1, Text: "beta"},
		{Index: 2, Text: "  "},
		{Index: 3, Text: "gamma"},
		{Index: 4, Text: "delta"},
	}
	var progress []limiter.Progress
	results, err := New(p, quickExec()).Stage(context.Background(), limiter.New(2), scenes, models.VoiceSettings{}, nil, func(pr limiter.Progress) {
		progress = append(progress, pr)
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("filler scene should be skipped, got %d results", len(results))
	}
	for _, r := range results {
		if r.Err != nil || r.Value.DurationEstimated {
			t.Errorf("scene %d not recovered: %+v %v", r.Scene, r.Value, r.Err)
		}
		if r.Scene == 2 {
			t.Errorf("filler scene narrated")
		}
	}
	if peak := p.peak.Load(); peak > 2 {
		t.Fatalf("cap exceeded: %d in flight", peak)
	}
	if len(progress) != 4 || progress[3].Completed != 4 || progress[3].Total != 4 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestDistributeAndEstimate(t *testing.T) {
	if got := EstimateDuration("abcdefghijklmno", 15); got != 1 {
		t.Fatalf("estimate = %v", got)
	}
	words := Distribute("a b c d", 2)
	if len(words) != 4 || words[1].StartMs != 500 || words[3].EndMs != 2000 {
		t.Fatalf("unexpected distribution %+v", words)
	}
	if Distribute("", 2) != nil {
		t.Fatalf("empty text should yield no words")
	}
}

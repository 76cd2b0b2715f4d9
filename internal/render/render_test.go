package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/models"
)

func sampleManifest() Manifest {
	return Manifest{
		RunID:       uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Duration:    6,
		AspectRatio: "16:9",
		Width:       1280,
		Height:      720,
		AudioKey:    "runs/x/track.wav",
		AudioFormat: "wav",
		Captions:    models.CaptionConfig{Enabled: true, Source: models.CaptionSourceNarration},
		Scenes: []SceneEntry{
			{Index: 0, Start: 0, End: 2.5, Text: "Cells divide.", Caption: "Division", ImageKey: "a.png",
				Words: []models.WordTiming{{Word: "Cells", StartMs: 0, EndMs: 900}, {Word: "divide.", StartMs: 900, EndMs: 2400}}},
			{Index: 1, Start: 2.5, End: 6, Text: "Then they grow.", ImageKey: "b.png",
				Words: []models.WordTiming{{Word: "Then", StartMs: 2500, EndMs: 3000}, {Word: "they", StartMs: 3000, EndMs: 3600}, {Word: "grow.", StartMs: 3600, EndMs: 5900}}},
		},
	}
}

func TestValidateAcceptsContiguousTimeline(t *testing.T) {
	if err := Validate(sampleManifest()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBrokenTimelines(t *testing.T) {
	cases := map[string]func(m *Manifest){
		"gap":           func(m *Manifest) { m.Scenes[1].Start = 2.6 },
		"short track":   func(m *Manifest) { m.Duration = 5 },
		"missing image": func(m *Manifest) { m.Scenes[0].ImageKey = "" },
		"word outside":  func(m *Manifest) { m.Scenes[0].Words[1].EndMs = 2600 },
		"late start":    func(m *Manifest) { m.Scenes[0].Start = 0.1 },
		"no audio":      func(m *Manifest) { m.AudioKey = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := sampleManifest()
			mutate(&m)
			if err := Validate(m); !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected ErrInvalidManifest, got %v", err)
			}
		})
	}
}

func TestActiveSceneUsesHalfOpenWindows(t *testing.T) {
	m := sampleManifest()
	tests := []struct {
		t     float64
		scene int
		ok    bool
	}{
		{0, 0, true},
		{2.499, 0, true},
		{2.5, 1, true},
		{5.999, 1, true},
		{6, 0, false},
		{-1, 0, false},
	}
	for _, tt := range tests {
		got, ok := m.ActiveScene(tt.t)
		if ok != tt.ok || (ok && got != tt.scene) {
			t.Errorf("ActiveScene(%v) = %d, %v; want %d, %v", tt.t, got, ok, tt.scene, tt.ok)
		}
	}
}

func TestActiveWords(t *testing.T) {
	m := sampleManifest()
	got := m.ActiveWords(3.0)
	if len(got) != 1 || got[0].Word != "they" {
		t.Fatalf("unexpected words at 3.0: %+v", got)
	}
	if got := m.ActiveWords(2.45); len(got) != 0 {
		t.Fatalf("expected silence between words, got %+v", got)
	}
}

func TestWriteSRTSceneCues(t *testing.T) {
	m := sampleManifest()
	m.Captions.Source = models.CaptionSourceOverlay
	var buf bytes.Buffer
	if err := WriteSRT(&buf, m); err != nil {
		t.Fatalf("srt: %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:02,500\nDivision\n\n2\n00:00:02,500 --> 00:00:06,000\nThen they grow.\n\n"
	if buf.String() != want {
		t.Fatalf("unexpected srt:\n%s", buf.String())
	}
}

func TestWriteSRTWordGroups(t *testing.T) {
	m := sampleManifest()
	m.Captions.WordHighlight = true
	var buf bytes.Buffer
	if err := WriteSRT(&buf, m); err != nil {
		t.Fatalf("srt: %v", err)
	}
	// "grow." would stretch the cue past three seconds so it starts a new one
	for _, want := range []string{
		"00:00:00,000 --> 00:00:02,400\nCells divide.",
		"00:00:02,500 --> 00:00:03,600\nThen they",
		"00:00:03,600 --> 00:00:05,900\ngrow.",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("missing cue %q in:\n%s", want, buf.String())
		}
	}
}

func TestConcatListHoldsEachImageForItsWindow(t *testing.T) {
	got := ConcatList(sampleManifest(), []string{"scene_0000.png", "scene_0001.png"})
	want := "ffconcat version 1.0\nfile 'scene_0000.png'\nduration 2.500\nfile 'scene_0001.png'\nduration 3.500\nfile 'scene_0001.png'\n"
	if got != want {
		t.Fatalf("unexpected concat list:\n%s", got)
	}
}

func TestFFmpegArgsBurnCaptions(t *testing.T) {
	a := NewFFmpegAssembler("", t.TempDir(), nil)
	m := sampleManifest()
	m.Captions.Position = "top"
	args := strings.Join(a.args(m, "track.wav", "video.mp4"), " ")
	for _, want := range []string{"-f concat", "subtitles=captions.srt", "Alignment=8", "-t 6.000", "pad=1280:720"} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}

	m.Captions.Enabled = false
	if args := strings.Join(a.args(m, "track.wav", "video.mp4"), " "); strings.Contains(args, "subtitles=") {
		t.Errorf("captions disabled but subtitles filter present: %s", args)
	}
}

func TestFFmpegAssemblerRejectsMissingImages(t *testing.T) {
	a := NewFFmpegAssembler("", t.TempDir(), nil)
	_, err := a.Assemble(context.Background(), Input{Manifest: sampleManifest(), Track: []byte("RIFF")})
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("expected ErrInvalidManifest, got %v", err)
	}
}

func TestStageImagesStreamsEachKey(t *testing.T) {
	stored := map[string]string{"a.png": "first", "b.png": "second"}
	var opened []string
	open := func(ctx context.Context, key string) (io.ReadCloser, error) {
		opened = append(opened, key)
		body, ok := stored[key]
		if !ok {
			return nil, fmt.Errorf("no object %s", key)
		}
		return io.NopCloser(strings.NewReader(body)), nil
	}

	m := sampleManifest()
	m.Scenes[0].ImageMIME = "image/png"
	m.Scenes[1].ImageMIME = "image/jpeg"
	dir := t.TempDir()
	names, err := stageImages(context.Background(), dir, m, open)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if strings.Join(opened, ",") != "a.png,b.png" {
		t.Fatalf("opened %v", opened)
	}
	for i, want := range []string{"first", "second"} {
		got, err := os.ReadFile(filepath.Join(dir, names[i]))
		if err != nil {
			t.Fatalf("read %s: %v", names[i], err)
		}
		if string(got) != want {
			t.Fatalf("scene %d image = %q, want %q", i, got, want)
		}
	}

	stored["b.png"] = ""
	if _, err := stageImages(context.Background(), t.TempDir(), m, open); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("empty image: expected ErrInvalidManifest, got %v", err)
	}
}

func TestConcatListDoesNotAccumulateRounding(t *testing.T) {
	const scenes = 300
	m := Manifest{}
	for i := range scenes {
		start := float64(i) * 2.4996
		m.Scenes = append(m.Scenes, SceneEntry{Index: i, Start: start, End: start + 2.4996})
	}
	images := make([]string, scenes)
	for i := range images {
		images[i] = fmt.Sprintf("s%d.png", i)
	}

	var total int64
	for _, line := range strings.Split(ConcatList(m, images), "\n") {
		v, ok := strings.CutPrefix(line, "duration ")
		if !ok {
			continue
		}
		sec, frac, _ := strings.Cut(v, ".")
		s, _ := strconv.ParseInt(sec, 10, 64)
		ms, _ := strconv.ParseInt(frac, 10, 64)
		total += s*1000 + ms
	}
	if want := toMillis(m.Scenes[scenes-1].End); total != want {
		t.Fatalf("concat durations sum to %dms, last scene ends at %dms", total, want)
	}
}

func TestManifestAssemblerEmitsJSON(t *testing.T) {
	art, err := ManifestAssembler{}.Assemble(context.Background(), Input{Manifest: sampleManifest()})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	var back Manifest
	if err := json.Unmarshal(art.Data, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(back.Scenes) != 2 || back.Scenes[1].Start != 2.5 {
		t.Fatalf("unexpected manifest: %+v", back)
	}
}

func TestNewManifestFromRun(t *testing.T) {
	run := models.NewRun(models.RunRequest{Settings: models.Settings{AspectRatio: "9:16"}})
	run.AudioKey = "k"
	run.TotalDuration = 3
	run.Scenes = []models.Scene{{Index: 0, Text: "x", ImageKey: "i", StartTime: 0, EndTime: 3}}
	m := NewManifest(run)
	if m.Width != 720 || m.Height != 1280 {
		t.Fatalf("unexpected size %dx%d", m.Width, m.Height)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

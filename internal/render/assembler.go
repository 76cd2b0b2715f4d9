package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/models"
)

// ImageOpener streams a stored scene image by key.
type ImageOpener func(ctx context.Context, key string) (io.ReadCloser, error)

// Input is everything an assembler needs. Track is the reconciled audio.
// Scene images stay in storage under Manifest.Scenes[i].ImageKey; assemblers
// that need the pixels stream them through Images one at a time.
type Input struct {
	Manifest Manifest
	Track    []byte
	Images   ImageOpener
}

// Artifact is an assembled output. Exactly one of Data or Path is set.
type Artifact struct {
	Name string
	MIME string
	Data []byte
	Path string

	cleanup func() error
}

// Open returns a reader over the artifact contents.
func (a *Artifact) Open() (io.ReadCloser, error) {
	if a.Path != "" {
		return os.Open(a.Path)
	}
	return io.NopCloser(bytes.NewReader(a.Data)), nil
}

// Release removes any scratch files behind the artifact.
func (a *Artifact) Release() error {
	if a.cleanup == nil {
		return nil
	}
	return a.cleanup()
}

// Assembler turns a validated manifest and its assets into a deliverable.
type Assembler interface {
	Assemble(ctx context.Context, in Input) (*Artifact, error)
	Name() string
}

func checkInput(in Input) error {
	if err := Validate(in.Manifest); err != nil {
		return err
	}
	if len(in.Track) == 0 {
		return fmt.Errorf("%w: empty audio track", ErrInvalidManifest)
	}
	if in.Images == nil {
		return fmt.Errorf("%w: no image source", ErrInvalidManifest)
	}
	return nil
}

// ManifestAssembler emits the manifest itself as JSON, for renderers that
// run outside this process.
type ManifestAssembler struct{}

func (ManifestAssembler) Name() string { return "manifest" }

func (ManifestAssembler) Assemble(ctx context.Context, in Input) (*Artifact, error) {
	if err := Validate(in.Manifest); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(in.Manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return &Artifact{Name: "manifest.json", MIME: "application/json", Data: data}, nil
}

// FFmpegAssembler renders an H.264 MP4 with the ffmpeg concat demuxer: one
// still per scene held for exactly its window, the reconciled track muxed
// underneath, and captions burned in from an SRT file.
type FFmpegAssembler struct {
	bin     string
	workDir string
	fps     int
	logger  *slog.Logger
}

func NewFFmpegAssembler(bin, workDir string, logger *slog.Logger) *FFmpegAssembler {
	if bin == "" {
		bin = "ffmpeg"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegAssembler{bin: bin, workDir: workDir, fps: 30, logger: logger}
}

func (a *FFmpegAssembler) Name() string { return "ffmpeg" }

func (a *FFmpegAssembler) Assemble(ctx context.Context, in Input) (*Artifact, error) {
	if err := checkInput(in); err != nil {
		return nil, err
	}
	m := in.Manifest
	dir := filepath.Join(a.workDir, m.RunID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(dir)
		}
	}()

	images, err := stageImages(ctx, dir, m, in.Images)
	if err != nil {
		return nil, err
	}
	trackName := "track" + audio.Format(m.AudioFormat).Ext()
	if err := os.WriteFile(filepath.Join(dir, trackName), in.Track, 0o644); err != nil {
		return nil, fmt.Errorf("write track: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "scenes.ffconcat"), []byte(ConcatList(m, images)), 0o644); err != nil {
		return nil, fmt.Errorf("write concat list: %w", err)
	}
	if m.Captions.Enabled {
		var srt bytes.Buffer
		if err := WriteSRT(&srt, m); err != nil {
			return nil, fmt.Errorf("write captions: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "captions.srt"), srt.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("write captions: %w", err)
		}
	}

	out := filepath.Join(dir, "video.mp4")
	args := a.args(m, trackName, "video.mp4")
	a.logger.Info("assembling video", "run_id", m.RunID, "scenes", len(m.Scenes), "duration", m.Duration)

	cmd := exec.CommandContext(ctx, a.bin, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 512))
	}
	ok = true
	return &Artifact{
		Name:    "video.mp4",
		MIME:    "video/mp4",
		Path:    out,
		cleanup: func() error { return os.RemoveAll(dir) },
	}, nil
}

// stageImages copies each scene image into dir, holding at most one open
// stream at a time.
func stageImages(ctx context.Context, dir string, m Manifest, open ImageOpener) ([]string, error) {
	names := make([]string, len(m.Scenes))
	for i, sc := range m.Scenes {
		names[i] = fmt.Sprintf("scene_%04d%s", i, imageExt(sc.ImageMIME))
		if err := copyImage(ctx, filepath.Join(dir, names[i]), sc.ImageKey, open); err != nil {
			return nil, fmt.Errorf("stage scene %d image: %w", i, err)
		}
	}
	return names, nil
}

func copyImage(ctx context.Context, path, key string, open ImageOpener) error {
	rc, err := open(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: image %s is empty", ErrInvalidManifest, key)
	}
	return nil
}

// ConcatList renders an ffconcat script that shows images[i] for exactly the
// length of scene i. The last entry is repeated because the demuxer ignores
// the final duration otherwise. Durations are differences of millisecond-
// rounded boundaries so rounding never accumulates across scenes.
func ConcatList(m Manifest, images []string) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for i, sc := range m.Scenes {
		d := toMillis(sc.End) - toMillis(sc.Start)
		fmt.Fprintf(&b, "file '%s'\nduration %d.%03d\n", images[i], d/1000, d%1000)
	}
	if n := len(images); n > 0 {
		fmt.Fprintf(&b, "file '%s'\n", images[n-1])
	}
	return b.String()
}

func toMillis(sec float64) int64 { return int64(math.Round(sec * 1000)) }

func (a *FFmpegAssembler) args(m Manifest, track, out string) []string {
	w, h := m.Width, m.Height
	var vf []string
	if m.Captions.Enabled && m.Captions.Layout == models.CaptionLayoutBar {
		bar := h / 6
		vf = append(vf,
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", w, h-bar),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(%d-ih)/2:black", w, h, h-bar),
		)
	} else {
		vf = append(vf,
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", w, h),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", w, h),
		)
	}
	if m.Captions.Enabled {
		vf = append(vf, "subtitles=captions.srt:force_style='"+subtitleStyle(m)+"'")
	}
	vf = append(vf, "format=yuv420p")

	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", "scenes.ffconcat",
		"-i", track,
		"-vf", strings.Join(vf, ","),
		"-r", strconv.Itoa(a.fps),
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac", "-b:a", "160k",
		"-t", strconv.FormatFloat(m.Duration, 'f', 3, 64),
		"-movflags", "+faststart",
		out,
	}
}

func subtitleStyle(m Manifest) string {
	size := m.Captions.FontSize
	if size <= 0 {
		size = 18
	}
	// libass alignment uses numpad positions
	align := 2
	switch m.Captions.Position {
	case "top":
		align = 8
	case "center":
		align = 5
	}
	margin := 20
	if m.Captions.Layout == models.CaptionLayoutBar {
		align, margin = 2, 8
	}
	return fmt.Sprintf("FontSize=%d,Alignment=%d,MarginV=%d,Outline=1,Shadow=0", size, align, margin)
}

func imageExt(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/document"
	"github.com/nikhilbhutani/lessonreel/internal/illustration"
	"github.com/nikhilbhutani/lessonreel/internal/limiter"
	"github.com/nikhilbhutani/lessonreel/internal/llm"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/imagegen"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/stt"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/tts"
	"github.com/nikhilbhutani/lessonreel/internal/narration"
	"github.com/nikhilbhutani/lessonreel/internal/render"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/internal/script"
	"github.com/nikhilbhutani/lessonreel/internal/storage"
	"github.com/nikhilbhutani/lessonreel/internal/storyboard"
	"github.com/nikhilbhutani/lessonreel/internal/throttle"
	"github.com/nikhilbhutani/lessonreel/internal/timeline"
)

// Dependencies are the shared clients a Runner is built on.
type Dependencies struct {
	Storage storage.Storage
	// ScriptCache is optional.
	ScriptCache script.Cache
	Logger      *slog.Logger
}

// Build assembles a Runner from configuration: one throttle gate per service
// class shared by every executor of that class, providers chosen by the
// configured backends.
func Build(ctx context.Context, cfg *config.Config, deps Dependencies) (*Runner, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pc := cfg.Pipeline
	gates := throttle.NewRegistry(pc.Throttle.Gaps())
	executor := func(name, class string) *retry.Executor {
		return retry.New(name, pc.Retry, retry.WithGate(gates.Gate(class)), retry.WithLogger(logger))
	}

	gw, err := llm.NewGateway(ctx, cfg.LLM, executor("llm", throttle.ServiceText))
	if err != nil {
		return nil, fmt.Errorf("build llm gateway: %w", err)
	}
	speech, err := tts.New(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("build tts: %w", err)
	}
	aligner, err := stt.New(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("build aligner: %w", err)
	}
	images, err := imagegen.FromConfig(cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("build image providers: %w", err)
	}

	scriptOpts := []script.Option{
		script.WithSourceLoader(document.NewLoader(deps.Storage, cfg.Storage.Bucket, pc.SourceCharBudget)),
		script.WithLogger(logger),
	}
	if deps.ScriptCache != nil {
		scriptOpts = append(scriptOpts, script.WithCache(deps.ScriptCache, pc.ScriptCacheTTL))
	}

	narrOpts := []narration.Option{
		narration.WithCharsPerSecond(pc.CharsPerSecond),
		narration.WithLogger(logger),
	}
	if aligner != nil {
		narrOpts = append(narrOpts, narration.WithAligner(aligner))
	}

	var assembler render.Assembler = render.ManifestAssembler{}
	if cfg.Render.Assembler == "ffmpeg" {
		assembler = render.NewFFmpegAssembler(cfg.Render.FFmpegPath, cfg.Render.WorkDir, logger)
	}

	return New(Components{
		Scripts:     script.New(gw, scriptOpts...),
		Storyboard:  storyboard.New(gw, storyboard.WithCharsPerSecond(pc.CharsPerSecond), storyboard.WithLogger(logger)),
		Narrator:    narration.New(speech, executor("narration", throttle.ServiceSpeech), narrOpts...),
		Illustrator: illustration.New(images, executor("illustration", throttle.ServiceImage), illustration.WithLogger(logger)),
		Reconciler: timeline.New(
			timeline.WithDriftTolerance(pc.DriftTolerance),
			timeline.WithFillerSeconds(pc.FillerSeconds),
			timeline.WithLogger(logger),
		),
		Assembler:         assembler,
		Sink:              storage.NewSink(deps.Storage, cfg.Storage.Bucket),
		NarrationLimit:    limiter.New(pc.NarrationConcurrency),
		IllustrationLimit: limiter.New(pc.IllustrationConcurrency),
	},
		WithLogger(logger),
		WithStorageRetry(retry.New("storage", pc.Retry, retry.WithLogger(logger))),
	)
}

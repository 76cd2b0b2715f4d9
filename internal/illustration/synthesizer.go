// Package illustration produces one still image per scene, substituting a
// placeholder whenever generation cannot succeed.
package illustration

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"

	"github.com/nikhilbhutani/lessonreel/internal/limiter"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/imagegen"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

type Request struct {
	Scene       int
	Prompt      string
	Caption     string
	Style       string
	AspectRatio string
	Provider    string
}

// Output is one scene's image. Placeholder is set when generation failed
// and Err holds the cause.
type Output struct {
	Image       []byte
	MIME        string
	Placeholder bool
	Provider    string
	// Key is where the image was stored, when a Persist hook saved it.
	Key string
	Err error
}

// Persist stores one scene's image as soon as it is produced and returns
// the storage key.
type Persist func(ctx context.Context, scene int, out *Output) (string, error)

// Providers resolves an image backend by name; an empty name is the default.
// *imagegen.Registry implements it.
type Providers interface {
	Get(name string) (imagegen.Provider, error)
}

type Synthesizer struct {
	providers Providers
	exec      *retry.Executor
	logger    *slog.Logger
}

type Option func(*Synthesizer)

func WithLogger(l *slog.Logger) Option { return func(s *Synthesizer) { s.logger = l } }

// New returns a synthesizer. exec should carry the image throttle gate.
func New(providers Providers, exec *retry.Executor, opts ...Option) *Synthesizer {
	s := &Synthesizer{providers: providers, exec: exec, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.exec == nil {
		s.exec = retry.New("illustration", retry.DefaultPolicy())
	}
	return s
}

// Synthesize illustrates one scene. Only cancellation is returned as an
// error; every other failure yields a placeholder.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Output, error) {
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return s.placeholder(req, "", err)
	}
	return s.generate(ctx, p, req)
}

func (s *Synthesizer) generate(ctx context.Context, p imagegen.Provider, req Request) (*Output, error) {
	img, err := retry.Call(ctx, s.exec, func(ctx context.Context) (*imagegen.Image, error) {
		return p.Generate(ctx, imagegen.Request{
			Prompt:      req.Prompt,
			Style:       req.Style,
			AspectRatio: req.AspectRatio,
			Seed:        seedFor(req),
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.placeholder(req, p.Name(), err)
	}
	return &Output{Image: img.Data, MIME: img.MIME, Provider: p.Name()}, nil
}

func (s *Synthesizer) placeholder(req Request, provider string, cause error) (*Output, error) {
	s.logger.Warn("illustration failed, using placeholder", "scene", req.Scene, "provider", provider, "error", cause)
	data, err := Placeholder(req.Caption, req.Scene, req.AspectRatio)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return &Output{Image: data, MIME: "image/png", Placeholder: true, Provider: provider, Err: cause}, nil
}

func seedFor(req Request) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Prompt))
	return int64(h.Sum32()) + int64(req.Scene)
}

// Stage illustrates every scene with at most lim.Cap() requests in flight.
// The provider is resolved once for the whole stage. Images a persist hook
// stored are released from memory; a nil persist keeps them all in memory.
func (s *Synthesizer) Stage(ctx context.Context, lim *limiter.Limiter, scenes []models.Scene, settings models.Settings, persist Persist, onProgress limiter.ProgressFunc) ([]limiter.Result[*Output], error) {
	provider, perr := s.providers.Get(settings.ImageProvider)
	if perr != nil {
		s.logger.Error("image provider unavailable, every scene gets a placeholder",
			"provider", settings.ImageProvider, "error", perr)
	}

	jobs := make([]limiter.Job[*Output], 0, len(scenes))
	reqs := make(map[int]Request, len(scenes))
	for _, sc := range scenes {
		req := Request{
			Scene:       sc.Index,
			Prompt:      sc.VisualPrompt,
			Caption:     sc.CaptionText(models.CaptionSourceOverlay),
			Style:       settings.VisualStyle,
			AspectRatio: settings.AspectRatio,
			Provider:    settings.ImageProvider,
		}
		reqs[sc.Index] = req
		jobs = append(jobs, limiter.Job[*Output]{
			Scene: sc.Index,
			Kind:  limiter.KindIllustration,
			Run: func(ctx context.Context) (*Output, error) {
				var (
					out *Output
					err error
				)
				if perr != nil {
					out, err = s.placeholder(req, "", perr)
				} else {
					out, err = s.generate(ctx, provider, req)
				}
				if err != nil || persist == nil {
					return out, err
				}
				key, err := persist(ctx, req.Scene, out)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					s.logger.Warn("illustration not saved", "scene", req.Scene, "error", err)
					return out, nil
				}
				out.Key = key
				out.Image = nil
				return out, nil
			},
		})
	}
	results, err := limiter.Run(ctx, lim, jobs, onProgress)
	if err != nil {
		return nil, err
	}
	// a panicking job still has to yield an image
	for i := range results {
		var pe limiter.PanicError
		if !errors.As(results[i].Err, &pe) {
			continue
		}
		out, perr := s.placeholder(reqs[results[i].Scene], "", results[i].Err)
		if perr == nil {
			results[i].Value, results[i].Err = out, nil
		}
	}
	return results, nil
}

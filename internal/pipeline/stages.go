package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nikhilbhutani/lessonreel/internal/illustration"
	"github.com/nikhilbhutani/lessonreel/internal/limiter"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/narration"
	"github.com/nikhilbhutani/lessonreel/internal/render"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/internal/script"
	"github.com/nikhilbhutani/lessonreel/internal/storage"
	"github.com/nikhilbhutani/lessonreel/internal/storyboard"
	"github.com/nikhilbhutani/lessonreel/internal/timeline"
)

// job holds the state of one execution. All fields are owned by the runner
// goroutine except the persist hooks, which only read run.ID.
type job struct {
	r        *Runner
	run      *models.Run
	emit     func(Event)
	log      *slog.Logger
	timeline *timeline.Result
	manifest *render.Manifest
}

func (j *job) steps(ctx context.Context) error {
	if err := j.writeScript(ctx); err != nil {
		return err
	}
	if err := j.storyboard(ctx); err != nil {
		return err
	}
	if err := j.synthesize(ctx); err != nil {
		return err
	}
	return j.assemble(ctx)
}

func (j *job) setStatus(s models.RunStatus) {
	j.run.Status = s
	j.run.UpdatedAt = time.Now().UTC()
	j.log.Info("run stage", "stage", s)
	j.send(Event{Stage: s, Kind: EventStage, Scene: -1})
}

func (j *job) send(ev Event) {
	ev.RunID = j.run.ID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	j.emit(ev)
}

// fail turns a stage error into a StageError unless the run was canceled.
func (j *job) fail(ctx context.Context, stage models.RunStatus, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &StageError{Stage: stage, Err: err}
}

func (j *job) writeScript(ctx context.Context) error {
	req := j.run.Request
	if text := strings.TrimSpace(req.Script); text != "" {
		j.run.Script = text
		return nil
	}
	j.setStatus(models.StatusScripting)
	if j.r.c.Scripts == nil {
		return &StageError{Stage: models.StatusScripting, Err: ErrNoScript}
	}
	res, err := j.r.c.Scripts.Generate(ctx, script.Request{
		Topic:        req.Topic,
		SourceKey:    req.SourceKey,
		TargetWords:  req.TargetWords,
		Strategy:     req.Strategy,
		Instructions: req.Instructions,
	})
	if err != nil {
		return j.fail(ctx, models.StatusScripting, err)
	}
	j.run.Script = res.Text
	j.send(Event{
		Stage:   models.StatusScripting,
		Kind:    EventProgress,
		Scene:   -1,
		Message: fmt.Sprintf("script ready: %d words", res.Words),
	})
	return nil
}

func (j *job) storyboard(ctx context.Context) error {
	j.setStatus(models.StatusStoryboarding)
	s := j.run.Request.Settings
	res, err := j.r.c.Storyboard.Decompose(ctx, storyboard.Request{
		Narration:          j.run.Script,
		Pacing:             s.Pacing,
		Style:              s.VisualStyle,
		VisualInstructions: j.run.Request.VisualInstructions,
	})
	if err != nil {
		return j.fail(ctx, models.StatusStoryboarding, err)
	}
	if len(res.Scenes) == 0 {
		return &StageError{Stage: models.StatusStoryboarding, Err: errors.New("storyboard produced no scenes")}
	}
	j.run.Scenes = res.Scenes

	msg := fmt.Sprintf("%d scenes", len(res.Scenes))
	switch {
	case res.Fallback:
		j.log.Warn("storyboard fell back to a single scene", "error", res.Reason)
		msg = "storyboard unavailable, using a single scene"
	case res.Realigned:
		msg += ", boundaries realigned to the script"
	}
	j.send(Event{Stage: models.StatusStoryboarding, Kind: EventProgress, Scene: -1, Total: len(res.Scenes), Message: msg})
	return nil
}

// synthesize runs narration and illustration concurrently. The timeline is
// reconciled once narration is complete, while images may still be running.
func (j *job) synthesize(ctx context.Context) error {
	j.setStatus(models.StatusSynthesizingAudio)

	// the stages read a private copy so the runner can keep writing to
	// run.Scenes
	snapshot := slices.Clone(j.run.Scenes)
	settings := j.run.Request.Settings

	type narrated struct {
		results []limiter.Result[*narration.Output]
		err     error
	}
	narrDone := make(chan narrated, 1)
	var images []limiter.Result[*illustration.Output]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := j.r.c.Narrator.Stage(gctx, j.r.c.NarrationLimit, snapshot, settings.Voice,
			j.saveAudio, j.progress(models.StatusSynthesizingAudio))
		narrDone <- narrated{res, err}
		return err
	})
	g.Go(func() error {
		res, err := j.r.c.Illustrator.Stage(gctx, j.r.c.IllustrationLimit, snapshot, settings,
			j.saveImage, j.progress(models.StatusSynthesizingImages))
		images = res
		return err
	})

	nd := <-narrDone
	if nd.err != nil || ctx.Err() != nil {
		_ = g.Wait()
		return j.fail(ctx, models.StatusSynthesizingAudio, nd.err)
	}
	j.applyNarration(nd.results)
	j.setStatus(models.StatusSynthesizingImages)

	recErr := j.reconcile(ctx)

	if err := g.Wait(); err != nil || ctx.Err() != nil {
		return j.fail(ctx, models.StatusSynthesizingImages, err)
	}
	if recErr != nil {
		return recErr
	}
	j.applyImages(images)
	j.setStatus(models.StatusReconciled)
	return nil
}

func (j *job) progress(stage models.RunStatus) limiter.ProgressFunc {
	return func(p limiter.Progress) {
		ev := Event{
			Stage:     stage,
			Kind:      EventProgress,
			Scene:     p.Scene,
			Completed: p.Completed,
			Total:     p.Total,
			Message:   fmt.Sprintf("%d/%d scenes", p.Completed, p.Total),
		}
		if p.Err != nil {
			ev.Err = p.Err.Error()
		}
		j.send(ev)
	}
}

func (j *job) saveAudio(ctx context.Context, scene int, out *narration.Output) (string, error) {
	return j.save(ctx, scene, storage.ArtifactAudio, out.Audio, out.Format.MIME(), out.Format.Ext())
}

func (j *job) saveImage(ctx context.Context, scene int, out *illustration.Output) (string, error) {
	return j.save(ctx, scene, storage.ArtifactImage, out.Image, out.MIME, imageExt(out.MIME))
}

func (j *job) save(ctx context.Context, scene int, kind storage.ArtifactKind, data []byte, contentType, ext string) (string, error) {
	return retry.Call(ctx, j.r.store, func(ctx context.Context) (string, error) {
		return j.r.c.Sink.SaveSceneArtifact(ctx, j.run.ID, scene, kind, data, contentType, ext)
	})
}

func (j *job) sceneAt(index int) *models.Scene {
	if index < 0 || index >= len(j.run.Scenes) {
		return nil
	}
	return &j.run.Scenes[index]
}

func (j *job) applyNarration(results []limiter.Result[*narration.Output]) {
	for _, res := range results {
		sc := j.sceneAt(res.Scene)
		if sc == nil {
			continue
		}
		out := res.Value
		if out == nil {
			out = j.r.c.Narrator.Fallback(sc.Text, res.Err)
		}
		sc.Audio = out.Audio
		sc.AudioFormat = string(out.Format)
		sc.AudioKey = out.Key
		sc.Duration = out.Duration
		sc.DurationEstimated = out.DurationEstimated
		sc.Words = out.Words
		sc.WordsEstimated = out.WordsEstimated

		switch {
		case out.DurationEstimated:
			j.degrade(sc.Index, models.DegradedNarration, out.Err)
		case out.WordsEstimated:
			j.degrade(sc.Index, models.DegradedWords, nil)
		}
	}
}

func (j *job) applyImages(results []limiter.Result[*illustration.Output]) {
	aspect := j.run.Request.Settings.AspectRatio
	for _, res := range results {
		sc := j.sceneAt(res.Scene)
		if sc == nil {
			continue
		}
		out := res.Value
		if out == nil {
			data, err := illustration.Placeholder(sc.CaptionText(models.CaptionSourceOverlay), sc.Index, aspect)
			if err != nil {
				j.log.Error("placeholder failed", "scene", sc.Index, "error", err)
				continue
			}
			out = &illustration.Output{Image: data, MIME: "image/png", Placeholder: true, Err: res.Err}
		}
		sc.ImageMIME = out.MIME
		sc.ImagePlaceholder = out.Placeholder
		sc.ImageKey = out.Key
		if out.Key == "" {
			// not stored yet; assemble retries the upload
			sc.Image = out.Image
		}
		if out.Placeholder {
			j.degrade(sc.Index, models.DegradedImage, out.Err)
		}
	}
}

func (j *job) degrade(scene int, kind models.DegradationKind, cause error) {
	d := models.Degradation{Scene: scene, Kind: kind}
	if cause != nil {
		d.Reason = cause.Error()
	}
	j.run.Degradations = append(j.run.Degradations, d)
	j.send(Event{Stage: j.run.Status, Kind: EventDegraded, Scene: scene, Message: string(kind), Err: d.Reason})
}

func (j *job) reconcile(ctx context.Context) error {
	res, err := j.r.c.Reconciler.Reconcile(j.run.Scenes)
	if err != nil {
		return &StageError{Stage: models.StatusReconciled, Err: err}
	}
	key, err := retry.Call(ctx, j.r.store, func(ctx context.Context) (string, error) {
		return j.r.c.Sink.SaveRunArtifact(ctx, j.run.ID, "track"+res.Format.Ext(), bytes.NewReader(res.Track), res.Format.MIME())
	})
	if err != nil {
		return j.fail(ctx, models.StatusReconciled, fmt.Errorf("save track: %w", err))
	}
	j.run.AudioKey = key
	j.run.AudioFormat = string(res.Format)
	j.run.TotalDuration = res.Measured
	j.timeline = res

	j.log.Info("timeline reconciled",
		"duration", res.Measured, "predicted", res.Predicted, "drift", res.Drift(), "scaled", res.Scaled)
	return nil
}

func (j *job) assemble(ctx context.Context) error {
	for i := range j.run.Scenes {
		sc := &j.run.Scenes[i]
		if sc.ImageKey == "" {
			key, err := j.save(ctx, sc.Index, storage.ArtifactImage, sc.Image, sc.ImageMIME, imageExt(sc.ImageMIME))
			if err != nil {
				return j.fail(ctx, models.StatusAssembled, err)
			}
			sc.ImageKey = key
		}
		sc.Image = nil
	}

	m := render.NewManifest(j.run)
	art, err := j.r.c.Assembler.Assemble(ctx, render.Input{Manifest: m, Track: j.timeline.Track, Images: j.openImage})
	if err != nil {
		return j.fail(ctx, models.StatusAssembled, err)
	}
	defer func() {
		if err := art.Release(); err != nil {
			j.log.Warn("artifact cleanup failed", "error", err)
		}
	}()

	key, err := retry.Call(ctx, j.r.store, func(ctx context.Context) (string, error) {
		rc, err := art.Open()
		if err != nil {
			return "", retry.Permanent(err)
		}
		defer rc.Close()
		return j.r.c.Sink.SaveRunArtifact(ctx, j.run.ID, art.Name, rc, art.MIME)
	})
	if err != nil {
		return j.fail(ctx, models.StatusAssembled, fmt.Errorf("save %s: %w", art.Name, err))
	}
	j.run.ArtifactKey = key
	j.manifest = &m
	j.timeline.Track = nil
	j.setStatus(models.StatusAssembled)
	return nil
}

// openImage opens a stored scene image; only opening is retried, the caller
// owns the stream.
func (j *job) openImage(ctx context.Context, key string) (io.ReadCloser, error) {
	return retry.Call(ctx, j.r.store, func(ctx context.Context) (io.ReadCloser, error) {
		rc, err := j.r.c.Sink.Open(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return rc, err
	})
}

func (j *job) finish(ctx context.Context, err error) (*Report, error) {
	run := j.run
	slices.SortStableFunc(run.Degradations, func(a, b models.Degradation) int {
		return a.Scene - b.Scene
	})

	rep := &Report{Run: run, Manifest: j.manifest}
	if j.timeline != nil {
		rep.Drift = j.timeline.Drift()
		rep.Scaled = j.timeline.Scaled
	}

	var se *StageError
	switch {
	case err == nil:
		run.Outcome = models.OutcomeSucceeded
		if degraded(run.Degradations) {
			run.Outcome = models.OutcomeDegraded
		}
		j.log.Info("run finished", "outcome", run.Outcome, "scenes", len(run.Scenes), "duration", run.TotalDuration)
		j.send(Event{Stage: run.Status, Kind: EventCompleted, Scene: -1, Total: len(run.Scenes), Message: string(run.Outcome)})
	case ctx.Err() != nil:
		// status stays at the stage reached
		run.Outcome = models.OutcomeCanceled
		j.log.Info("run canceled", "stage", run.Status)
		j.send(Event{Stage: run.Status, Kind: EventCanceled, Scene: -1, Message: "canceled"})
		err = nil
	default:
		run.Outcome = models.OutcomeFailed
		run.FailedStage = run.Status
		if errors.As(err, &se) {
			run.FailedStage = se.Stage
		} else {
			err = &StageError{Stage: run.Status, Err: err}
		}
		run.Status = models.StatusFailed
		run.Error = err.Error()
		j.log.Error("run failed", "stage", run.FailedStage, "error", err)
		j.send(Event{Stage: run.FailedStage, Kind: EventFailed, Scene: -1, Err: run.Error})
	}
	run.UpdatedAt = time.Now().UTC()

	rep.Outcome = run.Outcome
	rep.FailedStage = run.FailedStage
	rep.Degradations = run.Degradations
	return rep, err
}

// degraded reports whether any scene fell back to a substitute artifact.
// Estimated word timings alone do not count.
func degraded(ds []models.Degradation) bool {
	for _, d := range ds {
		if d.Kind != models.DegradedWords {
			return true
		}
	}
	return false
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

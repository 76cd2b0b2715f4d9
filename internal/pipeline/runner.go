// Package pipeline drives one generation run from script to assembled video.
//
// A run moves through scripting, storyboarding, synthesizing-audio,
// synthesizing-images, reconciled and assembled. Narration and illustration
// run side by side; the timeline is reconciled as soon as every scene has
// narration, while images may still be in flight. Only the runner goroutine
// writes to the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

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

var ErrNoScript = errors.New("pipeline: request has no script and no script generator is configured")

// StageError is a fatal failure. Only stages without a per-scene fallback
// produce one.
type StageError struct {
	Stage models.RunStatus
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Report is the final state of a run.
type Report struct {
	Run          *models.Run
	Outcome      models.Outcome
	FailedStage  models.RunStatus
	Degradations []models.Degradation
	// Manifest is set once the run is assembled.
	Manifest *render.Manifest
	// Drift is the relative difference between summed scene durations and
	// the decoded track; Scaled is set when it was corrected.
	Drift  float64
	Scaled bool
}

// Components are the stages a Runner composes. Scripts may be nil when every
// request carries its own script.
type Components struct {
	Scripts     *script.Generator
	Storyboard  *storyboard.Decomposer
	Narrator    *narration.Synthesizer
	Illustrator *illustration.Synthesizer
	Reconciler  *timeline.Reconciler
	Assembler   render.Assembler
	Sink        *storage.Sink

	NarrationLimit    *limiter.Limiter
	IllustrationLimit *limiter.Limiter
}

type Runner struct {
	c      Components
	store  *retry.Executor
	logger *slog.Logger
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithStorageRetry sets the executor used for artifact uploads.
func WithStorageRetry(e *retry.Executor) Option { return func(r *Runner) { r.store = e } }

func New(c Components, opts ...Option) (*Runner, error) {
	switch {
	case c.Storyboard == nil:
		return nil, errors.New("pipeline: storyboard decomposer is required")
	case c.Narrator == nil:
		return nil, errors.New("pipeline: narration synthesizer is required")
	case c.Illustrator == nil:
		return nil, errors.New("pipeline: illustration synthesizer is required")
	case c.Sink == nil:
		return nil, errors.New("pipeline: artifact sink is required")
	}
	if c.Reconciler == nil {
		c.Reconciler = timeline.New()
	}
	if c.Assembler == nil {
		c.Assembler = render.ManifestAssembler{}
	}
	if c.NarrationLimit == nil {
		c.NarrationLimit = limiter.New(2)
	}
	if c.IllustrationLimit == nil {
		c.IllustrationLimit = limiter.New(3)
	}

	r := &Runner{c: c, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	if r.store == nil {
		r.store = retry.New("storage", retry.DefaultPolicy(), retry.WithLogger(r.logger))
	}
	return r, nil
}

// Execution is a run in progress.
type Execution struct {
	runID  uuid.UUID
	events *stream
	cancel context.CancelFunc
	done   chan struct{}
	report *Report
	err    error
}

// Start launches run in the background. The caller must not touch run
// until Await returns.
func (r *Runner) Start(ctx context.Context, run *models.Run) *Execution {
	ctx, cancel := context.WithCancel(ctx)
	e := &Execution{
		runID:  run.ID,
		events: newStream(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		defer e.events.close()
		defer cancel()
		e.report, e.err = r.execute(ctx, run, e.events.push)
	}()
	return e
}

// Run executes run to completion.
func (r *Runner) Run(ctx context.Context, run *models.Run) (*Report, error) {
	return r.Start(ctx, run).Await()
}

func (e *Execution) RunID() uuid.UUID { return e.runID }

// Events returns the run's progress stream. It is closed after the terminal
// event. Events emitted before the first call are buffered, not lost; the
// stream can be consumed once.
func (e *Execution) Events() <-chan Event { return e.events.channel() }

// Cancel aborts the run. Status freezes at the stage reached and results of
// calls still in flight are discarded.
func (e *Execution) Cancel() { e.cancel() }

func (e *Execution) Done() <-chan struct{} { return e.done }

// Await blocks until the run ends. A canceled run returns a report with
// OutcomeCanceled and a nil error; a fatal failure returns a *StageError.
func (e *Execution) Await() (*Report, error) {
	<-e.done
	return e.report, e.err
}

func (r *Runner) execute(ctx context.Context, run *models.Run, emit func(Event)) (*Report, error) {
	j := &job{
		r:    r,
		run:  run,
		emit: emit,
		log:  r.logger.With("run_id", run.ID),
	}
	j.log.Info("run started")
	err := j.steps(ctx)
	return j.finish(ctx, err)
}

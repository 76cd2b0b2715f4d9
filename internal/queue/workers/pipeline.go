package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/pipeline"
	"github.com/nikhilbhutani/lessonreel/internal/queue"
	"github.com/nikhilbhutani/lessonreel/internal/runstore"
)

// RunEvents carries events out of the worker and cancel requests into it.
type RunEvents interface {
	Publish(ctx context.Context, runID uuid.UUID, payload []byte) error
	WatchCancel(ctx context.Context, runID uuid.UUID, every time.Duration, cancel func())
}

// Notifier is told about every run that reaches an outcome.
type Notifier interface {
	RunFinished(ctx context.Context, run *models.Run) error
}

type PipelineWorker struct {
	runner    *pipeline.Runner
	runs      runstore.Store
	bus       RunEvents
	notify    Notifier
	pollEvery time.Duration
	logger    *slog.Logger
}

type Option func(*PipelineWorker)

func WithNotifier(n Notifier) Option { return func(w *PipelineWorker) { w.notify = n } }

// WithCancelPoll sets how often the cancel flag is checked.
func WithCancelPoll(d time.Duration) Option { return func(w *PipelineWorker) { w.pollEvery = d } }

func NewPipelineWorker(runner *pipeline.Runner, runs runstore.Store, bus RunEvents, logger *slog.Logger, opts ...Option) *PipelineWorker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &PipelineWorker{
		runner:    runner,
		runs:      runs,
		bus:       bus,
		pollEvery: time.Second,
		logger:    logger,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.PipelineRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}
	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		return fmt.Errorf("parse run ID: %w: %w", err, asynq.SkipRetry)
	}

	run, err := w.runs.Get(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return fmt.Errorf("load run %s: %w: %w", runID, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Outcome != models.OutcomeRunning {
		w.logger.Info("run already finished, skipping", "run_id", runID, "outcome", run.Outcome)
		return nil
	}
	if run.Status != models.StatusPending {
		w.logger.Warn("restarting interrupted run", "run_id", runID, "status", run.Status)
		restart(run)
	}

	exec := w.runner.Start(ctx, run)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if w.bus != nil {
		go w.bus.WatchCancel(watchCtx, runID, w.pollEvery, exec.Cancel)
	}

	for ev := range exec.Events() {
		w.publish(ctx, ev)
		if ev.Kind == pipeline.EventStage {
			if err := w.runs.UpdateStatus(ctx, runID, ev.Stage); err != nil {
				w.logger.Warn("failed to record status", "run_id", runID, "status", ev.Stage, "error", err)
			}
		}
	}
	report, runErr := exec.Await()

	// The run's final state is written even when the task context is done.
	if err := w.runs.Save(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	if w.notify != nil {
		if err := w.notify.RunFinished(context.WithoutCancel(ctx), run); err != nil {
			w.logger.Warn("run notification failed", "run_id", runID, "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("run %s: %w: %w", runID, runErr, asynq.SkipRetry)
	}
	w.logger.Info("run finished", "run_id", runID, "outcome", report.Outcome,
		"scenes", len(run.Scenes), "degradations", len(report.Degradations), "duration", run.TotalDuration)
	return nil
}

func (w *PipelineWorker) publish(ctx context.Context, ev pipeline.Event) {
	if w.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		w.logger.Error("failed to encode event", "run_id", ev.RunID, "error", err)
		return
	}
	if err := w.bus.Publish(context.WithoutCancel(ctx), ev.RunID, data); err != nil {
		w.logger.Warn("failed to publish event", "run_id", ev.RunID, "kind", ev.Kind, "error", err)
	}
}

// restart clears everything an earlier attempt produced.
func restart(run *models.Run) {
	run.Status = models.StatusPending
	run.Script = ""
	run.Scenes = nil
	run.Degradations = nil
	run.FailedStage = ""
	run.Error = ""
	run.AudioKey = ""
	run.AudioFormat = ""
	run.TotalDuration = 0
	run.ArtifactKey = ""
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/guardrails"
	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/queue"
	"github.com/nikhilbhutani/lessonreel/internal/runstore"
	"github.com/nikhilbhutani/lessonreel/internal/webhook"
)

const (
	maxRequestBytes = 1 << 20
	maxScriptChars  = 60000
	heartbeat       = 15 * time.Second
)

// RunBus is the API side of the worker's event channel.
type RunBus interface {
	Subscribe(ctx context.Context, runID uuid.UUID) (<-chan []byte, error)
	RequestCancel(ctx context.Context, runID uuid.UUID) error
}

type RunHandler struct {
	runs   runstore.Store
	queue  queue.Enqueuer
	bus    RunBus
	logger *slog.Logger
}

func NewRunHandler(runs runstore.Store, q queue.Enqueuer, bus RunBus, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{runs: runs, queue: q, bus: bus, logger: logger}
}

func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := normalizeRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if res := guardrails.Screen(map[string]string{
		"topic":               req.Topic,
		"instructions":        req.Instructions,
		"visual_instructions": req.VisualInstructions,
	}); !res.Allowed {
		h.logger.Warn("run request rejected", "field", res.Field, "flags", res.Flags)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": res.Reason, "flags": res.Flags})
		return
	}

	run := models.NewRun(req)
	if err := h.runs.Create(r.Context(), run); err != nil {
		h.logger.Error("failed to create run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	if err := h.queue.EnqueuePipelineRun(r.Context(), run.ID); err != nil {
		h.logger.Error("failed to enqueue run", "run_id", run.ID, "error", err)
		run.Status = models.StatusFailed
		run.Outcome = models.OutcomeFailed
		run.FailedStage = models.StatusPending
		run.Error = "could not schedule run: " + err.Error()
		run.UpdatedAt = time.Now().UTC()
		if err := h.runs.Save(context.WithoutCancel(r.Context()), run); err != nil {
			h.logger.Error("failed to record enqueue failure", "run_id", run.ID, "error", err)
		}
		writeError(w, http.StatusServiceUnavailable, "run could not be scheduled")
		return
	}

	h.logger.Info("run submitted", "run_id", run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := h.runs.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	run.Scenes = nil
	writeJSON(w, http.StatusOK, run)
}

func (h *RunHandler) Scenes(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	scenes := run.Scenes
	if scenes == nil {
		scenes = []models.Scene{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": scenes, "count": len(scenes), "status": run.Status})
}

// Cancel asks the worker owning the run to stop it. The outcome is recorded
// by the worker, not here.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	if run.Outcome != models.OutcomeRunning {
		writeError(w, http.StatusConflict, fmt.Sprintf("run already %s", run.Outcome))
		return
	}
	if err := h.bus.RequestCancel(r.Context(), run.ID); err != nil {
		h.logger.Error("failed to request cancel", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID.String(), "status": "cancel requested"})
}

// Events streams the run's progress as Server-Sent Events. The first event is
// a snapshot of the stored run; the stream ends after a terminal event.
func (h *RunHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the snapshot so nothing published in between
	// is missed.
	var msgs <-chan []byte
	run, err := h.runs.Get(ctx, id)
	if err == nil && run.Outcome == models.OutcomeRunning {
		msgs, err = h.bus.Subscribe(ctx, id)
		if err == nil {
			run, err = h.runs.Get(ctx, id)
		}
	}
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		h.logger.Error("failed to open event stream", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open event stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	run.Scenes = nil
	snapshot, _ := json.Marshal(run)
	writeEvent(w, "snapshot", snapshot)
	flusher.Flush()
	if run.Outcome != models.OutcomeRunning {
		return
	}

	tick := time.NewTicker(heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var head struct {
				Kind string `json:"kind"`
			}
			_ = json.Unmarshal(msg, &head)
			writeEvent(w, head.Kind, msg)
			flusher.Flush()
			switch head.Kind {
			case "completed", "failed", "canceled":
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) {
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (h *RunHandler) load(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return nil, false
	}
	run, err := h.runs.Get(r.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return run, true
}

// normalizeRequest fills defaults and rejects requests no run could satisfy.
func normalizeRequest(req *models.RunRequest) error {
	req.Script = strings.TrimSpace(req.Script)
	req.Topic = strings.TrimSpace(req.Topic)
	req.SourceKey = strings.TrimSpace(req.SourceKey)
	if req.Script == "" && req.Topic == "" && req.SourceKey == "" {
		return errors.New("one of script, topic or source_key is required")
	}
	if len(req.Script) > maxScriptChars {
		return fmt.Errorf("script exceeds %d characters", maxScriptChars)
	}
	if req.TargetWords < 0 {
		return errors.New("target_words must not be negative")
	}
	if req.Strategy != "" && !req.Strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", req.Strategy)
	}

	s := &req.Settings
	if s.Pacing == "" {
		s.Pacing = models.PacingNormal
	} else if !s.Pacing.Valid() {
		return fmt.Errorf("unknown pacing %q", s.Pacing)
	}
	switch s.AspectRatio {
	case "":
		s.AspectRatio = "16:9"
	case "16:9", "9:16", "1:1":
	default:
		return fmt.Errorf("unsupported aspect_ratio %q", s.AspectRatio)
	}

	c := &s.Captions
	switch c.Source {
	case "":
		c.Source = models.CaptionSourceNarration
	case models.CaptionSourceNarration, models.CaptionSourceOverlay:
	default:
		return fmt.Errorf("unknown caption source %q", c.Source)
	}
	switch c.Layout {
	case "":
		c.Layout = models.CaptionLayoutBurnIn
	case models.CaptionLayoutBurnIn, models.CaptionLayoutBar:
	default:
		return fmt.Errorf("unknown caption layout %q", c.Layout)
	}
	switch c.Position {
	case "", "top", "center", "bottom":
	default:
		return fmt.Errorf("unknown caption position %q", c.Position)
	}
	if c.FontSize < 0 {
		return errors.New("caption font_size must not be negative")
	}
	if req.CallbackURL != "" {
		if err := webhook.CheckURL(req.CallbackURL); err != nil {
			return err
		}
	}
	if v := s.Voice; v.Speed < 0 || v.Stability < 0 || v.Stability > 1 || v.Clarity < 0 || v.Clarity > 1 {
		return errors.New("voice speed must be positive; stability and clarity lie in [0, 1]")
	}
	return nil
}

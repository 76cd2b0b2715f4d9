// Package webhook delivers signed run notifications to caller-supplied URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

const EventRunFinished = "run.finished"

// RunFinished is the body posted when a run reaches an outcome.
type RunFinished struct {
	Event         string               `json:"event"`
	RunID         uuid.UUID            `json:"run_id"`
	Outcome       models.Outcome       `json:"outcome"`
	Status        models.RunStatus     `json:"status"`
	FailedStage   models.RunStatus     `json:"failed_stage,omitempty"`
	Error         string               `json:"error,omitempty"`
	Degradations  []models.Degradation `json:"degradations,omitempty"`
	TotalDuration float64              `json:"total_duration"`
	ArtifactKey   string               `json:"artifact_key,omitempty"`
	At            time.Time            `json:"at"`
}

type Notifier struct {
	secret     []byte
	httpClient *http.Client
	exec       *retry.Executor
	logger     *slog.Logger
}

type Option func(*notifierOptions)

type notifierOptions struct {
	allowPrivate bool
}

// WithPrivateTargets lets callbacks reach loopback and private networks.
// Local development only.
func WithPrivateTargets() Option {
	return func(o *notifierOptions) { o.allowPrivate = true }
}

func NewNotifier(secret string, exec *retry.Executor, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	var o notifierOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Notifier{
		secret:     []byte(secret),
		httpClient: newHTTPClient(o.allowPrivate),
		exec:       exec,
		logger:     logger,
	}
}

// RunFinished posts the final state of run to its callback URL. Runs without
// a callback are ignored.
func (n *Notifier) RunFinished(ctx context.Context, run *models.Run) error {
	url := run.Request.CallbackURL
	if url == "" {
		return nil
	}
	payload, err := json.Marshal(RunFinished{
		Event:         EventRunFinished,
		RunID:         run.ID,
		Outcome:       run.Outcome,
		Status:        run.Status,
		FailedStage:   run.FailedStage,
		Error:         run.Error,
		Degradations:  run.Degradations,
		TotalDuration: run.TotalDuration,
		ArtifactKey:   run.ArtifactKey,
		At:            time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = n.exec.Do(ctx, func(ctx context.Context) error {
		return n.deliver(ctx, url, EventRunFinished, run.ID, payload)
	})
	if err != nil {
		return fmt.Errorf("deliver %s for run %s: %w", EventRunFinished, run.ID, err)
	}
	n.logger.Info("run notification delivered", "run_id", run.ID, "outcome", run.Outcome)
	return nil
}

func (n *Notifier) deliver(ctx context.Context, url, event string, runID uuid.UUID, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Signature", Sign(payload, n.secret))
	req.Header.Set("X-Webhook-ID", runID.String())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrPrivateTarget) {
			return retry.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &retry.StatusError{
			Service:    "webhook",
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return nil
}

// Sign returns the X-Webhook-Signature value for payload.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload, secret []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

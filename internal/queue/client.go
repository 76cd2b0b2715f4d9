package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/lessonreel/internal/config"
)

// ErrDuplicateRun is returned when a task for the run is already queued.
var ErrDuplicateRun = errors.New("run already enqueued")

// Enqueuer schedules generation runs.
type Enqueuer interface {
	EnqueuePipelineRun(ctx context.Context, runID uuid.UUID) error
}

type Client struct {
	client  *asynq.Client
	timeout time.Duration
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg config.RedisConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Client{
		client:  asynq.NewClient(RedisOpt(cfg)),
		timeout: timeout,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueuePipelineRun queues runID under its own task ID so a run is never
// scheduled twice.
func (c *Client) EnqueuePipelineRun(ctx context.Context, runID uuid.UUID) error {
	err := c.enqueue(ctx, TypePipelineRun, PipelineRunPayload{RunID: runID.String()},
		asynq.TaskID(runID.String()),
		asynq.MaxRetry(pipelineRunRetries),
		asynq.Timeout(c.timeout),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ErrDuplicateRun
	}
	return err
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

package queue

import "time"

const TypePipelineRun = "pipeline:run"

// Generation runs are not resumable mid-stage; a retried task starts over.
const (
	pipelineRunRetries = 1
	DefaultRunTimeout  = 45 * time.Minute
)

type PipelineRunPayload struct {
	RunID string `json:"run_id"`
}

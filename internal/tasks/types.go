package tasks

import "encoding/json"

// Task type constants
const (
	TypePipelineRun = "pipeline:run"
)

// Task queue names
const (
	QueuePipelines = "pipelines"
)

// PipelineRunPayload represents the payload for a pipeline run task.
// Args holds the operation's JSON arguments; secrets appear only as references.
type PipelineRunPayload struct {
	RunID     string          `json:"run_id"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

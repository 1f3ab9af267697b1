package models

import "time"

// Event stages published to the broker.
const (
	StageBatch   = "batch"
	StageSummary = "summary"
)

// MigrationEvent is the JSON message published after each batch and at the
// end of a run. Consumers correlate events of one run via RunID.
type MigrationEvent struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Batch     int       `json:"batch,omitempty"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

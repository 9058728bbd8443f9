package history

import "time"

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

// JobRun is one invocation of a triggered or continuous job.
type JobRun struct {
	ID              string     `json:"id"`
	Project         string     `json:"project"`
	Job             string     `json:"job"`
	Trigger         string     `json:"trigger"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Output          string     `json:"output,omitempty"`
	ErrorMessage    *string    `json:"error,omitempty"`
}

// Completion is the outcome of a finished run.
type Completion struct {
	Status      string
	CompletedAt time.Time
	ExitCode    *int
	Output      string
	Error       string
}

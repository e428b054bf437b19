package models

import "time"

type StageStatus string

const (
	RunningStageStatus   StageStatus = "RUNNING"
	CompletedStageStatus StageStatus = "COMPLETED"
	FailedStageStatus    StageStatus = "FAILED"
	SkippedStageStatus   StageStatus = "SKIPPED"
)

// StageRecord tracks one stage execution of a task for auditing.
type StageRecord struct {
	Name       string      `json:"name"`                  // Stage name (e.g. "transcribe")
	Status     StageStatus `json:"status"`                // Status at this point
	Attempts   int         `json:"attempts"`              // Attempts made so far
	Message    string      `json:"message,omitempty"`     // Details (e.g. error note)
	StartedAt  time.Time   `json:"started_at"`            // First attempt start
	FinishedAt *time.Time  `json:"finished_at,omitempty"` // Nullable end time
}

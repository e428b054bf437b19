package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	CancelledTaskStatus TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from s to next.
// PENDING may complete directly only when it is created from a cached result,
// and may be cancelled directly before a worker picks it up.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case PendingTaskStatus:
		return next == RunningTaskStatus || next == CancelledTaskStatus || next == CompletedTaskStatus
	case RunningTaskStatus:
		return next == RunningTaskStatus || next == CompletedTaskStatus ||
			next == FailedTaskStatus || next == CancelledTaskStatus
	}
	return false
}

// AnalysisOptions are the per-request knobs that change the computed result
// and therefore take part in the fingerprint.
type AnalysisOptions struct {
	NumSpeakers   int    `json:"num_speakers,omitempty"`
	Language      string `json:"language,omitempty"`
	EnableEmotion bool   `json:"enable_emotion"`
	EnableContext bool   `json:"enable_context"`
}

// InputRef points at the source audio of a task.
type InputRef struct {
	AudioPath   string          `json:"audio_path"`
	Fingerprint string          `json:"fingerprint"`
	Options     AnalysisOptions `json:"options"`
}

// Task represents one submitted analysis.
type Task struct {
	ID        string        `json:"id"`
	Status    TaskStatus    `json:"status"`
	Progress  int           `json:"progress"`
	Stage     string        `json:"stage,omitempty"`
	Input     InputRef      `json:"input"`
	Result    *MergedResult `json:"result,omitempty"`
	Error     *TaskError    `json:"error,omitempty"`
	CacheHit  bool          `json:"cache_hit"`
	Stages    []StageRecord `json:"stages,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone returns a copy that shares nothing mutable with t. The result is
// immutable once attached and is shared.
func (t Task) Clone() Task {
	out := t
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	if t.Stages != nil {
		out.Stages = make([]StageRecord, len(t.Stages))
		copy(out.Stages, t.Stages)
	}
	return out
}

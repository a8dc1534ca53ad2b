package domain

import "time"

// JobState tracks the lifecycle stage of a transcription job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// JobStates lists every lifecycle state.
var JobStates = []JobState{
	JobStateWaiting,
	JobStateActive,
	JobStateCompleted,
	JobStateFailed,
}

// IsTerminalState reports whether a state admits no further worker activity.
func IsTerminalState(state JobState) bool {
	return state == JobStateCompleted || state == JobStateFailed
}

// IsValidTransition enforces the allowed job state machine edges.
func IsValidTransition(from, to JobState) bool {
	switch from {
	case JobStateWaiting:
		return to == JobStateActive
	case JobStateActive:
		return to == JobStateCompleted || to == JobStateFailed || to == JobStateWaiting
	case JobStateFailed:
		return to == JobStateWaiting
	default:
		return false
	}
}

// Priority orders claim eligibility; shorter inputs rank higher so pipeline
// feedback arrives quickly.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Rank maps a priority to its claim ordering, lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Job is one tracked unit of transcription work tied to a single input file.
type Job struct {
	ID             string            `json:"id"`
	FileName       string            `json:"fileName"`
	SourcePath     string            `json:"sourcePath"`
	Priority       Priority          `json:"priority"`
	State          JobState          `json:"state"`
	Attempts       int               `json:"attempts"`
	LeaseExpiresAt time.Time         `json:"-"`
	Outputs        map[string]string `json:"outputs,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      time.Time         `json:"-"`
	CompletedAt    time.Time         `json:"-"`
	FailedAt       time.Time         `json:"-"`
}

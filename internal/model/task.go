package model

import "time"

// Task state constants.
const (
	TaskPending   = "pending"
	TaskReady     = "ready"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// Run status constants.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// validTaskTransitions maps each task state to the set of states it may
// transition to. A task reaches running at most once, and each terminal
// state exactly once.
var validTaskTransitions = map[string]map[string]bool{
	TaskPending: {
		TaskReady:    true,
		TaskCanceled: true,
	},
	TaskReady: {
		TaskRunning:  true,
		TaskCanceled: true,
	},
	TaskRunning: {
		TaskSucceeded: true,
		TaskFailed:    true,
		TaskCanceled:  true,
	},
}

// ValidTaskTransition reports whether transitioning a task from one state to
// another is allowed.
func ValidTaskTransition(from, to string) bool {
	targets, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalTaskState reports whether the given task state is terminal.
func TerminalTaskState(state string) bool {
	switch state {
	case TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// TaskRecord is the persisted view of one task within a run.
type TaskRecord struct {
	RunID      string     `json:"run_id"`
	TaskID     string     `json:"task_id"`
	State      string     `json:"state"`
	Backend    string     `json:"backend"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LogLine represents a single persisted log line from a task execution.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

package model

import "time"

// Run represents one execution of a workflow definition.
type Run struct {
	ID         string     `json:"id"`
	Workflow   string     `json:"workflow"`
	Backend    string     `json:"backend"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskOutcome is the terminal outcome of one task inside a RunResult.
type TaskOutcome struct {
	TaskID     string            `json:"task_id"`
	State      string            `json:"state"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	DurationMS int               `json:"duration_ms"`
}

// RunResult is the terminal aggregate of a workflow run. Task outcomes appear
// in workflow declaration order. It is created once by the scheduler and not
// mutated after finalization.
type RunResult struct {
	RunID    string            `json:"run_id"`
	Workflow string            `json:"workflow"`
	Status   string            `json:"status"`
	Tasks    []TaskOutcome     `json:"tasks"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

// Succeeded reports whether every task in the run succeeded.
func (r *RunResult) Succeeded() bool {
	return r.Status == RunSucceeded
}

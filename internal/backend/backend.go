package backend

import (
	"context"
	"time"
)

// Backend identifier constants.
const (
	Subprocess = "subprocess"
	S3Transfer = "s3transfer"
	SFN        = "sfn"
)

// Execution phase constants reported by Poll.
const (
	PhaseRunning   = "running"
	PhaseSucceeded = "succeeded"
	PhaseFailed    = "failed"
)

// Executor is the interface every task backend implements. Submit starts the
// work and returns a handle; Poll reports progress for a handle and must be
// idempotent once the handle reaches a terminal phase; Cancel is best-effort
// and may race with natural completion, in which case the completion outcome
// wins.
type Executor interface {
	Submit(ctx context.Context, spec TaskSpec) (Handle, error)
	Poll(ctx context.Context, h Handle) (TaskStatus, error)
	Cancel(ctx context.Context, h Handle) error
	Capabilities() Capabilities
}

// Handle identifies one in-flight or completed execution within an executor.
type Handle struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

// TaskSpec describes a task to be executed by a backend.
type TaskSpec struct {
	RunID   string
	TaskID  string
	Command []string
	Env     map[string]string
	Workdir string
	Timeout time.Duration

	CPUs  int
	MemMB int

	// Downloads are object keys fetched into Workdir before the command (or
	// transfer) is considered started. Uploads are local paths published
	// under the run's URI prefix on completion. Only the s3transfer backend
	// acts on these.
	Downloads []string
	Uploads   []string

	// Input is the opaque execution input for the sfn backend.
	Input string

	// LogWriter, when set, receives one log line per call during execution.
	LogWriter func(line string)
}

// TaskStatus is the uniform progress report returned by Poll.
type TaskStatus struct {
	Phase    string            `json:"phase"`
	ExitCode *int              `json:"exit_code,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Err      *ExecutionError   `json:"error,omitempty"`
}

// Terminal reports whether the status is terminal.
func (s TaskStatus) Terminal() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed
}

// Capabilities describes what an executor supports.
type Capabilities struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	MaxConcurrency int    `json:"max_concurrency"`
	Remote         bool   `json:"remote"`
}

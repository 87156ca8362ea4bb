package backend

import "fmt"

// ExecutionError kinds.
const (
	KindSpawn    = "spawn"
	KindExit     = "exit"
	KindTimeout  = "timeout"
	KindTransfer = "transfer"
	KindRemote   = "remote"
	KindCanceled = "canceled"
)

// ExecutionError is the uniform task-level failure surfaced by every backend.
// It is recorded on the run result and never escapes the scheduler as a
// process-level error.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error (%s): %s", e.Kind, e.Message)
}

// NewExecutionError builds an ExecutionError with a formatted message.
func NewExecutionError(kind, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// UnknownBackendError reports a backend identifier with no registered
// executor. It is fatal at driver start; no tasks are dispatched.
type UnknownBackendError struct {
	ID string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q", e.ID)
}

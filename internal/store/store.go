package store

import (
	"context"
	"errors"

	"github.com/floe-run/floe/internal/model"
)

// ErrNotFound is returned when a run or task is not found.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a task state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByBackend map[string]int `json:"count_by_backend"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs, tasks, and task logs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)

	CreateTask(ctx context.Context, t *model.TaskRecord) error
	UpdateTask(ctx context.Context, t *model.TaskRecord) error
	UpdateTaskState(ctx context.Context, runID, taskID, state string) error
	ListTasks(ctx context.Context, runID string) ([]*model.TaskRecord, error)

	InsertLogLine(ctx context.Context, runID, taskID string, seq int, line string) error
	GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error)

	Close() error
}

// Package scheduler owns the task state machine for workflow runs. It
// dispatches ready tasks to the run's executor, tracks in-flight work,
// propagates failure to dependent tasks, and aggregates the run result.
// All task state is mutated by a single goroutine per run.
package scheduler

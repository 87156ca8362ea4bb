package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/floe-run/floe/internal/model"
	"github.com/floe-run/floe/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRun() *model.Run {
	return &model.Run{
		ID:        model.NewID(),
		Workflow:  "demo",
		Backend:   "subprocess",
		Status:    model.RunPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Workflow != "demo" || got.Backend != "subprocess" || got.Status != model.RunPending {
		t.Errorf("got run %+v", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunStatusSetsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, r.ID, model.RunRunning); err != nil {
		t.Fatalf("UpdateRunStatus(running): %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.StartedAt == nil {
		t.Error("started_at not set on running transition")
	}

	if err := s.UpdateRunStatus(ctx, r.ID, model.RunSucceeded); err != nil {
		t.Fatalf("UpdateRunStatus(succeeded): %v", err)
	}
	got, _ = s.GetRun(ctx, r.ID)
	if got.FinishedAt == nil {
		t.Error("finished_at not set on terminal transition")
	}
}

func TestListRunsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeRun()
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun[%d]: %v", i, err)
		}
	}

	runs, total, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 2 {
		t.Errorf("page size = %d, want 2", len(runs))
	}
	// Most recent first.
	if len(runs) == 2 && runs[0].CreatedAt.Before(runs[1].CreatedAt) {
		t.Error("runs not ordered by created_at DESC")
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	task := &model.TaskRecord{
		RunID:   r.ID,
		TaskID:  "a",
		State:   model.TaskPending,
		Backend: "subprocess",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for _, state := range []string{model.TaskReady, model.TaskRunning, model.TaskSucceeded} {
		if err := s.UpdateTaskState(ctx, r.ID, "a", state); err != nil {
			t.Fatalf("UpdateTaskState(%s): %v", state, err)
		}
	}

	tasks, err := s.ListTasks(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].State != model.TaskSucceeded {
		t.Errorf("state = %q, want succeeded", tasks[0].State)
	}
	if tasks[0].StartedAt == nil || tasks[0].FinishedAt == nil {
		t.Error("started_at/finished_at not recorded")
	}
}

func TestUpdateTaskStateRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	task := &model.TaskRecord{RunID: r.ID, TaskID: "a", State: model.TaskPending, Backend: "subprocess"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// pending -> running skips ready.
	err := s.UpdateTaskState(ctx, r.ID, "a", model.TaskRunning)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("UpdateTaskState(pending->running) = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateTaskStateNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateTaskState(context.Background(), "nope", "a", model.TaskReady)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTaskState on missing task = %v, want ErrNotFound", err)
	}
}

func TestListTasksPreservesInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ids := []string{"fetch", "align", "call", "publish"}
	for _, id := range ids {
		task := &model.TaskRecord{RunID: r.ID, TaskID: id, State: model.TaskPending, Backend: "subprocess"}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}

	tasks, err := s.ListTasks(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for i, id := range ids {
		if tasks[i].TaskID != id {
			t.Errorf("tasks[%d] = %q, want %q", i, tasks[i].TaskID, id)
		}
	}
}

func TestLogLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	for i, line := range []string{"first", "second", "third"} {
		if err := s.InsertLogLine(ctx, r.ID, "a", i, line); err != nil {
			t.Fatalf("InsertLogLine[%d]: %v", i, err)
		}
	}

	lines, err := s.GetLogLines(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	if lines[0].Line != "first" || lines[2].Line != "third" {
		t.Errorf("lines out of order: %v", lines)
	}
}

func TestGetRunStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, status := range []string{model.RunSucceeded, model.RunSucceeded, model.RunFailed} {
		r := makeRun()
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if err := s.UpdateRunStatus(ctx, r.ID, model.RunRunning); err != nil {
			t.Fatalf("UpdateRunStatus: %v", err)
		}
		if err := s.UpdateRunStatus(ctx, r.ID, status); err != nil {
			t.Fatalf("UpdateRunStatus: %v", err)
		}
	}

	stats, err := s.GetRunStats(ctx)
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.RunSucceeded] != 2 {
		t.Errorf("succeeded count = %d, want 2", stats.CountByStatus[model.RunSucceeded])
	}
	if stats.CountByBackend["subprocess"] != 3 {
		t.Errorf("backend count = %d, want 3", stats.CountByBackend["subprocess"])
	}
}

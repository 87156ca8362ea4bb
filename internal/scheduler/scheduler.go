package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floe-run/floe/internal/backend"
	"github.com/floe-run/floe/internal/model"
	"github.com/floe-run/floe/internal/store"
	"github.com/floe-run/floe/internal/workflow"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxConcurrency = 8
	DefaultTaskTimeout    = 30 * time.Second
	DefaultPollInterval   = 50 * time.Millisecond
)

// maxPollFailures is how many consecutive Poll errors a task tolerates before
// it is marked failed.
const maxPollFailures = 3

// Options configures a Scheduler.
type Options struct {
	// MaxConcurrency bounds the number of tasks in flight at once.
	MaxConcurrency int
	// DefaultTaskTimeout applies to tasks that declare no timeout.
	DefaultTaskTimeout time.Duration
	// PollInterval is the executor poll cadence.
	PollInterval time.Duration
	// WorkdirRoot, when set, gives each task a work directory under
	// <root>/<run id>/<task id>.
	WorkdirRoot string
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.DefaultTaskTimeout <= 0 {
		o.DefaultTaskTimeout = DefaultTaskTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Scheduler executes workflow runs.
type Scheduler struct {
	store  store.Store
	logger *slog.Logger
	broker *EventBroker
	opts   Options

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a scheduler.
func New(s store.Store, logger *slog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		store:   s,
		logger:  logger,
		broker:  NewEventBroker(),
		opts:    opts.withDefaults(),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Broker returns the scheduler's event broker for SSE subscription.
func (s *Scheduler) Broker() *EventBroker {
	return s.broker
}

// Submit launches asynchronous execution of a run and returns once the run
// record is persisted with status pending.
func (s *Scheduler) Submit(ctx context.Context, run *model.Run, g *workflow.Graph, exec backend.Executor) error {
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	runCopy := *run
	s.wg.Go(func() {
		if _, err := s.execute(context.Background(), &runCopy, g, exec); err != nil {
			s.logger.Error("run execution", "run_id", runCopy.ID, "error", err)
		}
	})
	return nil
}

// Execute runs a workflow synchronously and returns its result. The run
// record is created before execution starts. Task-level failures are recorded
// on the result, not returned as an error.
func (s *Scheduler) Execute(ctx context.Context, run *model.Run, g *workflow.Graph, exec backend.Executor) (*model.RunResult, error) {
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return s.execute(ctx, run, g, exec)
}

// CancelRun requests cancellation of an in-flight run. It reports whether the
// run was known to the scheduler.
func (s *Scheduler) CancelRun(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all in-flight runs complete.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// taskResult is a worker's report for one finished task.
type taskResult struct {
	taskID   string
	status   backend.TaskStatus
	duration time.Duration
}

// runState tracks per-run task state. It is owned by the execute loop; no
// other goroutine reads or writes it.
type runState struct {
	states   map[string]string
	outcomes map[string]*model.TaskOutcome
}

func (rs *runState) allTerminal() bool {
	for _, st := range rs.states {
		if !model.TerminalTaskState(st) {
			return false
		}
	}
	return true
}

func (s *Scheduler) execute(ctx context.Context, run *model.Run, g *workflow.Graph, exec backend.Executor) (*model.RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, run.ID)
		s.mu.Unlock()
		s.broker.Close(run.ID)
	}()

	if err := s.store.UpdateRunStatus(context.Background(), run.ID, model.RunRunning); err != nil {
		return nil, fmt.Errorf("transition run to running: %w", err)
	}

	rs := &runState{
		states:   make(map[string]string, g.Len()),
		outcomes: make(map[string]*model.TaskOutcome, g.Len()),
	}
	for _, t := range g.Tasks {
		rs.states[t.ID] = model.TaskPending
		rec := &model.TaskRecord{
			RunID:   run.ID,
			TaskID:  t.ID,
			State:   model.TaskPending,
			Backend: run.Backend,
		}
		if err := s.store.CreateTask(context.Background(), rec); err != nil {
			return nil, fmt.Errorf("create task record: %w", err)
		}
	}

	results := make(chan taskResult)
	inflight := 0
	canceling := false
	done := runCtx.Done()

	for {
		if !canceling {
			s.promoteReady(run.ID, g, rs)
			inflight += s.dispatch(runCtx, run, g, rs, exec, results, s.opts.MaxConcurrency-inflight)
		}

		if rs.allTerminal() {
			break
		}

		if canceling && inflight == 0 {
			s.cancelRemaining(run.ID, rs)
			break
		}

		select {
		case res := <-results:
			inflight--
			s.finishTask(run.ID, g, rs, res, canceling)
		case <-done:
			done = nil // fire once; workers drain through results
			canceling = true
			// Workers observe the same context and cancel their own
			// executions; here only the not-yet-dispatched tasks are
			// marked.
			s.cancelRemaining(run.ID, rs)
		}
	}

	result := s.finalize(run, g, rs)
	return result, nil
}

// promoteReady moves pending tasks whose dependencies have all succeeded into
// the ready state, in declaration order.
func (s *Scheduler) promoteReady(runID string, g *workflow.Graph, rs *runState) {
	for _, t := range g.Tasks {
		if rs.states[t.ID] != model.TaskPending {
			continue
		}
		ready := true
		for _, dep := range g.Deps(t.ID) {
			if rs.states[dep] != model.TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			s.setState(runID, rs, t.ID, model.TaskReady)
		}
	}
}

// dispatch launches up to slots ready tasks, in declaration order, and
// returns how many were started.
func (s *Scheduler) dispatch(ctx context.Context, run *model.Run, g *workflow.Graph, rs *runState, exec backend.Executor, results chan<- taskResult, slots int) int {
	started := 0
	for _, t := range g.Tasks {
		if started >= slots {
			break
		}
		if rs.states[t.ID] != model.TaskReady {
			continue
		}

		spec, err := s.buildSpec(run, t)
		if err != nil {
			s.setState(run.ID, rs, t.ID, model.TaskRunning)
			s.recordFailure(run.ID, g, rs, t.ID, backend.NewExecutionError(backend.KindSpawn, "%v", err), 0)
			continue
		}

		s.setState(run.ID, rs, t.ID, model.TaskRunning)
		timeout := t.Timeout.Std()
		if timeout <= 0 {
			timeout = s.opts.DefaultTaskTimeout
		}
		spec.Timeout = timeout
		go s.runTask(ctx, exec, spec, timeout, results)
		started++
	}
	return started
}

// buildSpec assembles the executor spec for one task, including its log
// writer. The log writer dual-writes: persist for historical viewing, then
// publish for live subscribers.
func (s *Scheduler) buildSpec(run *model.Run, t workflow.TaskDef) (backend.TaskSpec, error) {
	spec := backend.TaskSpec{
		RunID:   run.ID,
		TaskID:  t.ID,
		Command: t.Command,
		Env:     t.Env,
		CPUs:    t.Resources.CPUs,
		MemMB:   t.Resources.MemMB,
		Input:   t.Input,
	}
	if t.Transfer != nil {
		spec.Downloads = t.Transfer.Downloads
		spec.Uploads = t.Transfer.Uploads
	}

	if s.opts.WorkdirRoot != "" {
		dir := filepath.Join(s.opts.WorkdirRoot, run.ID, t.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return backend.TaskSpec{}, fmt.Errorf("create workdir: %w", err)
		}
		spec.Workdir = dir
	}

	var seq atomic.Int32
	taskID := t.ID
	spec.LogWriter = func(line string) {
		n := int(seq.Add(1) - 1)
		if err := s.store.InsertLogLine(context.Background(), run.ID, taskID, n, line); err != nil {
			s.logger.Error("persist log line", "run_id", run.ID, "task_id", taskID, "error", err)
		}
		s.broker.Publish(run.ID, Event{Type: EventLog, TaskID: taskID, Line: line, Time: time.Now().UTC()})
	}
	return spec, nil
}

// runTask drives one task through submit and poll until it is terminal, then
// reports on the results channel. On context cancellation or timeout it issues
// a best-effort executor cancel; a final poll lets natural completion win the
// race.
func (s *Scheduler) runTask(ctx context.Context, exec backend.Executor, spec backend.TaskSpec, timeout time.Duration, results chan<- taskResult) {
	start := time.Now()
	report := func(st backend.TaskStatus) {
		results <- taskResult{taskID: spec.TaskID, status: st, duration: time.Since(start)}
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := exec.Submit(taskCtx, spec)
	if err != nil {
		var ee *backend.ExecutionError
		if !errors.As(err, &ee) {
			ee = backend.NewExecutionError(backend.KindSpawn, "%v", err)
		}
		report(backend.TaskStatus{Phase: backend.PhaseFailed, Err: ee})
		return
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	pollFailures := 0

	for {
		select {
		case <-taskCtx.Done():
			bg := context.Background()
			if err := exec.Cancel(bg, h); err != nil {
				s.logger.Warn("cancel execution", "task_id", spec.TaskID, "error", err)
			}
			timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)
			if st, perr := exec.Poll(bg, h); perr == nil && st.Terminal() {
				// A genuine completion wins the race against the cancel. A
				// canceled outcome on a timed-out task does not count as one:
				// it only exists because the kill above landed, so the
				// deadline stays the recorded cause.
				if timedOut && st.Err != nil && st.Err.Kind == backend.KindCanceled {
					st.Phase = backend.PhaseFailed
					st.Err = backend.NewExecutionError(backend.KindTimeout, "task %s timed out after %s", spec.TaskID, timeout)
				}
				report(st)
				return
			}
			kind := backend.KindCanceled
			msg := "task " + spec.TaskID + " canceled"
			if timedOut {
				kind = backend.KindTimeout
				msg = fmt.Sprintf("task %s timed out after %s", spec.TaskID, timeout)
			}
			report(backend.TaskStatus{
				Phase: backend.PhaseFailed,
				Err:   &backend.ExecutionError{Kind: kind, Message: msg},
			})
			return

		case <-ticker.C:
			st, perr := exec.Poll(taskCtx, h)
			if perr != nil {
				if taskCtx.Err() != nil {
					continue // the Done branch takes over
				}
				pollFailures++
				if pollFailures >= maxPollFailures {
					report(backend.TaskStatus{
						Phase: backend.PhaseFailed,
						Err:   backend.NewExecutionError(backend.KindRemote, "poll: %v", perr),
					})
					return
				}
				continue
			}
			pollFailures = 0
			if st.Terminal() {
				report(st)
				return
			}
		}
	}
}

// finishTask applies a worker's report to the run state and, on failure,
// cancels all transitive dependents.
func (s *Scheduler) finishTask(runID string, g *workflow.Graph, rs *runState, res taskResult, canceling bool) {
	st := res.status
	switch {
	case st.Phase == backend.PhaseSucceeded:
		s.setState(runID, rs, res.taskID, model.TaskSucceeded)
		rs.outcomes[res.taskID] = &model.TaskOutcome{
			TaskID:     res.taskID,
			State:      model.TaskSucceeded,
			ExitCode:   st.ExitCode,
			Outputs:    st.Outputs,
			DurationMS: int(res.duration.Milliseconds()),
		}
		taskDurationSeconds.WithLabelValues(model.TaskSucceeded).Observe(res.duration.Seconds())
		if !canceling {
			s.promoteReady(runID, g, rs)
		}

	case st.Err != nil && st.Err.Kind == backend.KindCanceled:
		s.setState(runID, rs, res.taskID, model.TaskCanceled)
		rs.outcomes[res.taskID] = &model.TaskOutcome{
			TaskID:     res.taskID,
			State:      model.TaskCanceled,
			ErrorKind:  st.Err.Kind,
			Error:      st.Err.Message,
			DurationMS: int(res.duration.Milliseconds()),
		}
		s.cancelDependents(runID, g, rs, res.taskID)

	default:
		s.recordFailure(runID, g, rs, res.taskID, st.Err, res.duration)
		if st.ExitCode != nil {
			rs.outcomes[res.taskID].ExitCode = st.ExitCode
		}
	}
}

// recordFailure marks a task failed and cancels its transitive dependents.
func (s *Scheduler) recordFailure(runID string, g *workflow.Graph, rs *runState, taskID string, ee *backend.ExecutionError, duration time.Duration) {
	if ee == nil {
		ee = backend.NewExecutionError(backend.KindExit, "task %s failed", taskID)
	}
	s.setState(runID, rs, taskID, model.TaskFailed)
	rs.outcomes[taskID] = &model.TaskOutcome{
		TaskID:     taskID,
		State:      model.TaskFailed,
		ErrorKind:  ee.Kind,
		Error:      ee.Message,
		DurationMS: int(duration.Milliseconds()),
	}
	taskDurationSeconds.WithLabelValues(model.TaskFailed).Observe(duration.Seconds())
	s.cancelDependents(runID, g, rs, taskID)
}

// cancelDependents marks every not-yet-running transitive dependent canceled.
// No partial execution of an invalidated subgraph.
func (s *Scheduler) cancelDependents(runID string, g *workflow.Graph, rs *runState, taskID string) {
	for _, dep := range g.Dependents(taskID) {
		switch rs.states[dep] {
		case model.TaskPending, model.TaskReady:
			s.setState(runID, rs, dep, model.TaskCanceled)
		}
	}
}

// cancelRemaining marks all pending and ready tasks canceled during run
// cancellation. Running tasks report through their workers.
func (s *Scheduler) cancelRemaining(runID string, rs *runState) {
	for id, st := range rs.states {
		if st == model.TaskPending || st == model.TaskReady {
			s.setState(runID, rs, id, model.TaskCanceled)
		}
	}
}

// setState applies one task state transition: in-memory, persisted, and
// published to event subscribers.
func (s *Scheduler) setState(runID string, rs *runState, taskID, state string) {
	from := rs.states[taskID]
	if !model.ValidTaskTransition(from, state) {
		// Invariant violation: the single-writer loop should never produce one.
		s.logger.Error("invalid task transition", "run_id", runID, "task_id", taskID, "from", from, "to", state)
		return
	}
	rs.states[taskID] = state

	if err := s.store.UpdateTaskState(context.Background(), runID, taskID, state); err != nil {
		s.logger.Error("persist task state", "run_id", runID, "task_id", taskID, "state", state, "error", err)
	}
	s.broker.Publish(runID, Event{Type: EventTask, TaskID: taskID, State: state, Time: time.Now().UTC()})
	if model.TerminalTaskState(state) {
		tasksTotal.WithLabelValues(state).Inc()
	}
}

// finalize computes the run's terminal status, persists it, and assembles the
// immutable result with task outcomes in declaration order.
func (s *Scheduler) finalize(run *model.Run, g *workflow.Graph, rs *runState) *model.RunResult {
	status := model.RunSucceeded
	anyFailed := false
	anyCanceled := false
	for _, st := range rs.states {
		switch st {
		case model.TaskFailed:
			anyFailed = true
		case model.TaskCanceled:
			anyCanceled = true
		}
	}
	if anyFailed {
		status = model.RunFailed
	} else if anyCanceled {
		status = model.RunCanceled
	}

	result := &model.RunResult{
		RunID:    run.ID,
		Workflow: run.Workflow,
		Status:   status,
	}
	for _, t := range g.Tasks {
		outcome := rs.outcomes[t.ID]
		if outcome == nil {
			outcome = &model.TaskOutcome{TaskID: t.ID, State: rs.states[t.ID]}
		}
		result.Tasks = append(result.Tasks, *outcome)
		for local, uri := range outcome.Outputs {
			if result.Outputs == nil {
				result.Outputs = make(map[string]string)
			}
			result.Outputs[t.ID+"/"+local] = uri
		}

		rec := &model.TaskRecord{
			RunID:     run.ID,
			TaskID:    t.ID,
			State:     rs.states[t.ID],
			Backend:   run.Backend,
			ExitCode:  outcome.ExitCode,
			ErrorKind: outcome.ErrorKind,
			Error:     outcome.Error,
		}
		if outcome.DurationMS > 0 {
			d := outcome.DurationMS
			rec.DurationMS = &d
		}
		if err := s.updateTaskRecord(rec); err != nil {
			s.logger.Error("persist task outcome", "run_id", run.ID, "task_id", t.ID, "error", err)
		}
	}

	if err := s.store.UpdateRunStatus(context.Background(), run.ID, status); err != nil {
		s.logger.Error("persist run status", "run_id", run.ID, "status", status, "error", err)
	}
	runsTotal.WithLabelValues(status).Inc()

	if s.opts.WorkdirRoot != "" && len(result.Outputs) > 0 {
		if err := s.writeOutputsManifest(run.ID, result.Outputs); err != nil {
			s.logger.Error("write outputs manifest", "run_id", run.ID, "error", err)
		}
	}

	s.logger.Info("run finished",
		"run_id", run.ID,
		"workflow", run.Workflow,
		"status", status,
		"tasks", len(result.Tasks),
	)
	return result
}

// writeOutputsManifest records the run's published outputs next to the task
// work directories so callers can locate uploaded artifacts after the run.
func (s *Scheduler) writeOutputsManifest(runID string, outputs map[string]string) error {
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(s.opts.WorkdirRoot, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "outputs.json"), append(data, '\n'), 0o644)
}

// updateTaskRecord merges outcome fields into the stored task row without
// clobbering the timestamps UpdateTaskState already recorded.
func (s *Scheduler) updateTaskRecord(rec *model.TaskRecord) error {
	existing, err := s.store.ListTasks(context.Background(), rec.RunID)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.TaskID == rec.TaskID {
			rec.StartedAt = t.StartedAt
			rec.FinishedAt = t.FinishedAt
			break
		}
	}
	return s.store.UpdateTask(context.Background(), rec)
}

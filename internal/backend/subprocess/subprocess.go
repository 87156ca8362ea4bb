// Package subprocess implements the local-process task backend. Each task is
// spawned as a child process in its own process group; stdout and stderr are
// streamed line-wise to the task's log writer.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/floe-run/floe/internal/backend"
)

// handleRetention is how long a finished handle stays pollable after its
// terminal status is recorded. Long enough to cover scheduler re-polls,
// short enough that a long-lived server does not accumulate every handle
// it ever ran.
const handleRetention = 5 * time.Minute

// Executor runs tasks as local child processes.
type Executor struct {
	logger *slog.Logger

	// retention overrides handleRetention when nonzero.
	retention time.Duration

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	canceled bool

	// status is the terminal status. Written once before done is closed,
	// read only after done is closed.
	status backend.TaskStatus
}

// New creates a subprocess executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{
		logger: logger,
		procs:  make(map[string]*process),
	}
}

// Capabilities implements backend.Executor.
func (e *Executor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           backend.Subprocess,
		Description:    "spawns and supervises local child processes",
		MaxConcurrency: 64,
		Remote:         false,
	}
}

// Submit spawns the task command and returns a handle for polling. The
// process runs in its own process group so Cancel can kill the whole tree.
func (e *Executor) Submit(_ context.Context, spec backend.TaskSpec) (backend.Handle, error) {
	if len(spec.Command) == 0 {
		return backend.Handle{}, backend.NewExecutionError(backend.KindSpawn, "task %s has no command", spec.TaskID)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Workdir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return backend.Handle{}, backend.NewExecutionError(backend.KindSpawn, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return backend.Handle{}, backend.NewExecutionError(backend.KindSpawn, "stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return backend.Handle{}, backend.NewExecutionError(backend.KindSpawn, "start %q: %v", spec.Command[0], err)
	}

	p := &process{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	handleID := spec.RunID + "/" + spec.TaskID
	e.mu.Lock()
	e.procs[handleID] = p
	e.mu.Unlock()

	var scanners sync.WaitGroup
	scanners.Add(2)
	go e.scanLines(&scanners, stdout, spec.LogWriter)
	go e.scanLines(&scanners, stderr, spec.LogWriter)

	go e.supervise(p, spec, &scanners)

	return backend.Handle{ID: handleID, TaskID: spec.TaskID}, nil
}

// supervise waits for the process to exit and records its terminal status.
func (e *Executor) supervise(p *process, spec backend.TaskSpec, scanners *sync.WaitGroup) {
	// Drain output before Wait closes the pipes.
	scanners.Wait()
	err := p.cmd.Wait()

	e.mu.Lock()
	canceled := p.canceled
	e.mu.Unlock()

	switch {
	case err == nil:
		exit := 0
		p.status = backend.TaskStatus{Phase: backend.PhaseSucceeded, ExitCode: &exit}
	case canceled:
		// Cancel raced with completion and the kill won.
		p.status = backend.TaskStatus{
			Phase: backend.PhaseFailed,
			Err:   backend.NewExecutionError(backend.KindCanceled, "task %s canceled", spec.TaskID),
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			p.status = backend.TaskStatus{
				Phase:    backend.PhaseFailed,
				ExitCode: &code,
				Err:      backend.NewExecutionError(backend.KindExit, "task %s exited %d", spec.TaskID, code),
			}
		} else {
			p.status = backend.TaskStatus{
				Phase: backend.PhaseFailed,
				Err:   backend.NewExecutionError(backend.KindExit, "task %s: %v", spec.TaskID, err),
			}
		}
	}

	close(p.done)
	e.logger.Debug("process finished", "task_id", spec.TaskID, "phase", p.status.Phase)
	e.evictLater(spec.RunID + "/" + spec.TaskID)
}

// evictLater drops a finished handle from the table after the retention
// window. Re-polls within the window still return the terminal status.
func (e *Executor) evictLater(handleID string) {
	retention := e.retention
	if retention == 0 {
		retention = handleRetention
	}
	time.AfterFunc(retention, func() {
		e.mu.Lock()
		delete(e.procs, handleID)
		e.mu.Unlock()
	})
}

// Poll implements backend.Executor. Re-polling a completed handle returns the
// same terminal status.
func (e *Executor) Poll(_ context.Context, h backend.Handle) (backend.TaskStatus, error) {
	e.mu.Lock()
	p, ok := e.procs[h.ID]
	e.mu.Unlock()
	if !ok {
		return backend.TaskStatus{}, fmt.Errorf("subprocess: unknown handle %q", h.ID)
	}

	select {
	case <-p.done:
		return p.status, nil
	default:
		return backend.TaskStatus{Phase: backend.PhaseRunning}, nil
	}
}

// Cancel implements backend.Executor. It kills the task's process group.
// Best effort: if the process already exited, the completion outcome stands.
func (e *Executor) Cancel(_ context.Context, h backend.Handle) error {
	e.mu.Lock()
	p, ok := e.procs[h.ID]
	if ok {
		select {
		case <-p.done:
			// Already finished; completion wins.
			ok = false
		default:
			p.canceled = true
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if p.cmd.Process != nil {
		// Negative pid targets the process group.
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
	return nil
}

// scanLines forwards each output line to the log writer.
func (e *Executor) scanLines(wg *sync.WaitGroup, r io.Reader, logWriter func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if logWriter != nil {
			logWriter(scanner.Text())
		}
	}
}

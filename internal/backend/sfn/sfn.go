// Package sfn implements the managed-orchestration backend. Each task is
// submitted as one execution of a configured AWS Step Functions state machine
// and polled via DescribeExecution until it reaches a terminal status.
package sfn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssfn "github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/floe-run/floe/internal/backend"
)

// api is the subset of the Step Functions client the executor uses.
type api interface {
	StartExecution(ctx context.Context, in *awssfn.StartExecutionInput, opts ...func(*awssfn.Options)) (*awssfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, in *awssfn.DescribeExecutionInput, opts ...func(*awssfn.Options)) (*awssfn.DescribeExecutionOutput, error)
	StopExecution(ctx context.Context, in *awssfn.StopExecutionInput, opts ...func(*awssfn.Options)) (*awssfn.StopExecutionOutput, error)
}

// Config holds connection parameters for the sfn backend.
type Config struct {
	StateMachineARN string
	Region          string
}

// Validate checks that required connection parameters are present.
func (c *Config) Validate() error {
	if c.StateMachineARN == "" {
		return fmt.Errorf("sfn: state machine ARN is required")
	}
	return nil
}

// handleRetention is how long an execution ARN stays mapped after its
// execution is first observed terminal. Re-polls within the window keep
// working; afterwards the entry is dropped so a long-lived server does not
// retain every execution it ever started.
const handleRetention = 5 * time.Minute

// Executor submits tasks to a Step Functions state machine.
type Executor struct {
	client api
	cfg    Config
	logger *slog.Logger

	// retention overrides handleRetention when nonzero.
	retention time.Duration

	mu   sync.Mutex
	arns map[string]string // handle id -> execution ARN
}

// New creates an sfn executor over the given client.
func New(client api, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		client: client,
		cfg:    cfg,
		logger: logger,
		arns:   make(map[string]string),
	}
}

// Capabilities implements backend.Executor.
func (e *Executor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           backend.SFN,
		Description:    "submits tasks to an AWS Step Functions state machine",
		MaxConcurrency: 32,
		Remote:         true,
	}
}

// Submit starts one state-machine execution for the task. The execution name
// embeds run and task ids so retried submissions of the same task collide
// instead of double-running.
func (e *Executor) Submit(ctx context.Context, spec backend.TaskSpec) (backend.Handle, error) {
	input := spec.Input
	if input == "" {
		input = "{}"
	}

	name := executionName(spec.RunID, spec.TaskID)
	out, err := e.client.StartExecution(ctx, &awssfn.StartExecutionInput{
		StateMachineArn: aws.String(e.cfg.StateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(input),
	})
	if err != nil {
		return backend.Handle{}, backend.NewExecutionError(backend.KindRemote, "start execution for task %s: %v", spec.TaskID, err)
	}

	handleID := spec.RunID + "/" + spec.TaskID
	e.mu.Lock()
	e.arns[handleID] = aws.ToString(out.ExecutionArn)
	e.mu.Unlock()

	e.logger.Debug("state machine execution started", "task_id", spec.TaskID, "execution_arn", aws.ToString(out.ExecutionArn))
	return backend.Handle{ID: handleID, TaskID: spec.TaskID}, nil
}

// Poll implements backend.Executor. DescribeExecution is naturally idempotent
// for terminal executions.
func (e *Executor) Poll(ctx context.Context, h backend.Handle) (backend.TaskStatus, error) {
	arn, ok := e.arn(h)
	if !ok {
		return backend.TaskStatus{}, fmt.Errorf("sfn: unknown handle %q", h.ID)
	}

	out, err := e.client.DescribeExecution(ctx, &awssfn.DescribeExecutionInput{
		ExecutionArn: aws.String(arn),
	})
	if err != nil {
		return backend.TaskStatus{}, fmt.Errorf("sfn: describe execution: %w", err)
	}

	var st backend.TaskStatus
	switch out.Status {
	case sfntypes.ExecutionStatusRunning, sfntypes.ExecutionStatusPendingRedrive:
		return backend.TaskStatus{Phase: backend.PhaseRunning}, nil
	case sfntypes.ExecutionStatusSucceeded:
		st = backend.TaskStatus{Phase: backend.PhaseSucceeded}
		if out.Output != nil {
			st.Outputs = map[string]string{"output": aws.ToString(out.Output)}
		}
	case sfntypes.ExecutionStatusAborted:
		st = backend.TaskStatus{
			Phase: backend.PhaseFailed,
			Err:   backend.NewExecutionError(backend.KindCanceled, "execution aborted"),
		}
	case sfntypes.ExecutionStatusTimedOut:
		st = backend.TaskStatus{
			Phase: backend.PhaseFailed,
			Err:   backend.NewExecutionError(backend.KindTimeout, "execution timed out"),
		}
	default:
		st = backend.TaskStatus{
			Phase: backend.PhaseFailed,
			Err:   backend.NewExecutionError(backend.KindRemote, "execution failed: %s", remoteFailure(out)),
		}
	}

	e.evictLater(h.ID)
	return st, nil
}

// evictLater drops the ARN mapping after the retention window. Terminal
// executions are observed via Poll, so the first terminal poll arms the
// timer; re-arming on later polls only re-deletes an absent key.
func (e *Executor) evictLater(handleID string) {
	retention := e.retention
	if retention == 0 {
		retention = handleRetention
	}
	time.AfterFunc(retention, func() {
		e.mu.Lock()
		delete(e.arns, handleID)
		e.mu.Unlock()
	})
}

// Cancel implements backend.Executor. StopExecution is best effort; an
// execution that already completed keeps its outcome.
func (e *Executor) Cancel(ctx context.Context, h backend.Handle) error {
	arn, ok := e.arn(h)
	if !ok {
		return nil
	}

	_, err := e.client.StopExecution(ctx, &awssfn.StopExecutionInput{
		ExecutionArn: aws.String(arn),
		Error:        aws.String("Canceled"),
		Cause:        aws.String("canceled by scheduler"),
	})
	if err != nil {
		e.logger.Warn("stop execution", "execution_arn", arn, "error", err)
	}
	return nil
}

func (e *Executor) arn(h backend.Handle) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	arn, ok := e.arns[h.ID]
	return arn, ok
}

func remoteFailure(out *awssfn.DescribeExecutionOutput) string {
	errName := aws.ToString(out.Error)
	cause := aws.ToString(out.Cause)
	switch {
	case errName != "" && cause != "":
		return errName + ": " + cause
	case errName != "":
		return errName
	case cause != "":
		return cause
	default:
		return string(out.Status)
	}
}

// executionName builds a Step Functions execution name from run and task ids.
// Names are limited to 80 characters from a restricted alphabet.
func executionName(runID, taskID string) string {
	name := runID + "-" + sanitize(taskID)
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

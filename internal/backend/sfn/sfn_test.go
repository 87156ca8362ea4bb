package sfn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssfn "github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/floe-run/floe/internal/backend"
)

// fakeSFN is an in-memory Step Functions API for tests.
type fakeSFN struct {
	mu         sync.Mutex
	executions map[string]*fakeExecution
	startErr   error
	nextArn    int
}

type fakeExecution struct {
	name    string
	input   string
	status  sfntypes.ExecutionStatus
	output  string
	errName string
	cause   string
	stopped bool
}

func newFakeSFN() *fakeSFN {
	return &fakeSFN{executions: make(map[string]*fakeExecution)}
}

func (f *fakeSFN) StartExecution(_ context.Context, in *awssfn.StartExecutionInput, _ ...func(*awssfn.Options)) (*awssfn.StartExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextArn++
	arn := "arn:aws:states:::execution:" + aws.ToString(in.Name)
	f.executions[arn] = &fakeExecution{
		name:   aws.ToString(in.Name),
		input:  aws.ToString(in.Input),
		status: sfntypes.ExecutionStatusRunning,
	}
	return &awssfn.StartExecutionOutput{ExecutionArn: aws.String(arn)}, nil
}

func (f *fakeSFN) DescribeExecution(_ context.Context, in *awssfn.DescribeExecutionInput, _ ...func(*awssfn.Options)) (*awssfn.DescribeExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.executions[aws.ToString(in.ExecutionArn)]
	if !ok {
		return nil, errors.New("ExecutionDoesNotExist")
	}
	out := &awssfn.DescribeExecutionOutput{Status: ex.status}
	if ex.output != "" {
		out.Output = aws.String(ex.output)
	}
	if ex.errName != "" {
		out.Error = aws.String(ex.errName)
	}
	if ex.cause != "" {
		out.Cause = aws.String(ex.cause)
	}
	return out, nil
}

func (f *fakeSFN) StopExecution(_ context.Context, in *awssfn.StopExecutionInput, _ ...func(*awssfn.Options)) (*awssfn.StopExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.executions[aws.ToString(in.ExecutionArn)]
	if !ok {
		return nil, errors.New("ExecutionDoesNotExist")
	}
	if ex.status == sfntypes.ExecutionStatusRunning {
		ex.status = sfntypes.ExecutionStatusAborted
	}
	ex.stopped = true
	return &awssfn.StopExecutionOutput{}, nil
}

func (f *fakeSFN) finish(arn string, status sfntypes.ExecutionStatus, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex := f.executions[arn]
	ex.status = status
	ex.output = output
}

func newTestExecutor(fake *fakeSFN) *Executor {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(fake, Config{StateMachineARN: "arn:aws:states:::stateMachine:wdl"}, logger)
}

func onlyArn(t *testing.T, fake *fakeSFN) string {
	t.Helper()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.executions) != 1 {
		t.Fatalf("expected 1 execution, have %d", len(fake.executions))
	}
	for arn := range fake.executions {
		return arn
	}
	return ""
}

func TestSubmitAndPollLifecycle(t *testing.T) {
	fake := newFakeSFN()
	e := newTestExecutor(fake)

	h, err := e.Submit(context.Background(), backend.TaskSpec{
		RunID:  "run1",
		TaskID: "align",
		Input:  `{"sample":"a"}`,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st, err := e.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Phase != backend.PhaseRunning {
		t.Fatalf("phase = %q, want running", st.Phase)
	}

	fake.finish(onlyArn(t, fake), sfntypes.ExecutionStatusSucceeded, `{"bam":"out.bam"}`)

	st, err = e.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll after finish: %v", err)
	}
	if st.Phase != backend.PhaseSucceeded {
		t.Fatalf("phase = %q, want succeeded", st.Phase)
	}
	if st.Outputs["output"] != `{"bam":"out.bam"}` {
		t.Errorf("outputs = %v", st.Outputs)
	}
}

func TestSubmitDefaultsEmptyInput(t *testing.T) {
	fake := newFakeSFN()
	e := newTestExecutor(fake)

	if _, err := e.Submit(context.Background(), backend.TaskSpec{RunID: "run1", TaskID: "t"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	arn := onlyArn(t, fake)
	if fake.executions[arn].input != "{}" {
		t.Errorf("input = %q, want {}", fake.executions[arn].input)
	}
}

func TestPollRemoteFailure(t *testing.T) {
	fake := newFakeSFN()
	e := newTestExecutor(fake)

	h, _ := e.Submit(context.Background(), backend.TaskSpec{RunID: "run1", TaskID: "broken"})
	arn := onlyArn(t, fake)
	fake.mu.Lock()
	fake.executions[arn].status = sfntypes.ExecutionStatusFailed
	fake.executions[arn].errName = "States.TaskFailed"
	fake.executions[arn].cause = "container exited"
	fake.mu.Unlock()

	st, err := e.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Phase != backend.PhaseFailed {
		t.Fatalf("phase = %q, want failed", st.Phase)
	}
	if st.Err == nil || st.Err.Kind != backend.KindRemote {
		t.Fatalf("error = %v, want kind remote", st.Err)
	}
	if !strings.Contains(st.Err.Message, "States.TaskFailed") {
		t.Errorf("error message %q missing remote error name", st.Err.Message)
	}
}

func TestPollTimedOutMapsToTimeoutKind(t *testing.T) {
	fake := newFakeSFN()
	e := newTestExecutor(fake)

	h, _ := e.Submit(context.Background(), backend.TaskSpec{RunID: "run1", TaskID: "slow"})
	fake.finish(onlyArn(t, fake), sfntypes.ExecutionStatusTimedOut, "")

	st, _ := e.Poll(context.Background(), h)
	if st.Err == nil || st.Err.Kind != backend.KindTimeout {
		t.Errorf("error = %v, want kind timeout", st.Err)
	}
}

func TestCancelAbortsRunningExecution(t *testing.T) {
	fake := newFakeSFN()
	e := newTestExecutor(fake)

	h, _ := e.Submit(context.Background(), backend.TaskSpec{RunID: "run1", TaskID: "t"})
	if err := e.Cancel(context.Background(), h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st, _ := e.Poll(context.Background(), h)
	if st.Phase != backend.PhaseFailed {
		t.Fatalf("phase = %q, want failed after abort", st.Phase)
	}
	if st.Err == nil || st.Err.Kind != backend.KindCanceled {
		t.Errorf("error = %v, want kind canceled", st.Err)
	}
}

func TestCancelAfterCompletionKeepsOutcome(t *testing.T) {
	fake := newFakeSFN()
	e := newTestExecutor(fake)

	h, _ := e.Submit(context.Background(), backend.TaskSpec{RunID: "run1", TaskID: "t"})
	fake.finish(onlyArn(t, fake), sfntypes.ExecutionStatusSucceeded, "{}")

	if err := e.Cancel(context.Background(), h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st, _ := e.Poll(context.Background(), h)
	if st.Phase != backend.PhaseSucceeded {
		t.Errorf("phase = %q, completion outcome should win over cancel", st.Phase)
	}
}

func TestTerminalHandleEvictedAfterRetention(t *testing.T) {
	fake := newFakeSFN()
	e := newTestExecutor(fake)
	e.retention = 10 * time.Millisecond

	h, _ := e.Submit(context.Background(), backend.TaskSpec{RunID: "run1", TaskID: "t"})
	fake.finish(onlyArn(t, fake), sfntypes.ExecutionStatusSucceeded, "{}")

	if st, err := e.Poll(context.Background(), h); err != nil || st.Phase != backend.PhaseSucceeded {
		t.Fatalf("Poll = %v, %v, want succeeded", st, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.Poll(context.Background(), h); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handle still pollable after retention window")
}

func TestSubmitStartFailure(t *testing.T) {
	fake := newFakeSFN()
	fake.startErr = errors.New("throttled")
	e := newTestExecutor(fake)

	_, err := e.Submit(context.Background(), backend.TaskSpec{RunID: "run1", TaskID: "t"})
	var ee *backend.ExecutionError
	if !errors.As(err, &ee) || ee.Kind != backend.KindRemote {
		t.Fatalf("Submit error = %v, want ExecutionError kind remote", err)
	}
}

func TestExecutionNameSanitized(t *testing.T) {
	name := executionName("01ABC", "my task/with:odd chars")
	if strings.ContainsAny(name, " /:") {
		t.Errorf("execution name %q contains forbidden characters", name)
	}
	long := executionName(strings.Repeat("x", 100), "t")
	if len(long) > 80 {
		t.Errorf("execution name length = %d, want <= 80", len(long))
	}
}

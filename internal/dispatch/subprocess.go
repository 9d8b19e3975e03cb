package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/strongdm/daokit/internal/contract"
)

// CompletedProcess is the normalized result of one shim invocation.
type CompletedProcess struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// CommandRunner executes argv with payload on stdin. Tests substitute this.
type CommandRunner func(ctx context.Context, argv []string, stdin string) (CompletedProcess, error)

// SubprocessAdapter drives a worker shim. Stdout and stderr are drained on
// dedicated goroutines so a chatty child never deadlocks on a full pipe, and
// the per-call timeout kills the whole process group.
type SubprocessAdapter struct {
	shimPath  string
	artifacts *ArtifactStore
	timeout   time.Duration
	runner    CommandRunner
}

const defaultCallTimeout = 10 * time.Minute

func NewSubprocessAdapter(shimPath string, artifacts *ArtifactStore, timeout time.Duration) *SubprocessAdapter {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	a := &SubprocessAdapter{shimPath: shimPath, artifacts: artifacts, timeout: timeout}
	a.runner = a.runCommand
	return a
}

// SetRunner replaces the process launcher; test hook.
func (a *SubprocessAdapter) SetRunner(r CommandRunner) { a.runner = r }

func (a *SubprocessAdapter) Create(ctx context.Context, req Request) (Result, error) {
	return a.dispatch(ctx, ActionCreate, req)
}

func (a *SubprocessAdapter) Resume(ctx context.Context, req Request) (Result, error) {
	return a.dispatch(ctx, ActionResume, req)
}

func (a *SubprocessAdapter) Rework(ctx context.Context, req Request) (Result, error) {
	return a.dispatch(ctx, ActionRework, req)
}

func (a *SubprocessAdapter) dispatch(ctx context.Context, action string, req Request) (Result, error) {
	if err := normalizeRequest(&req); err != nil {
		return Result{}, err
	}
	corrID := correlationID(req)

	argv := []string{
		a.shimPath, action,
		"--task-id", req.TaskID,
		"--run-id", req.RunID,
		"--step-id", req.StepID,
		"--thread-id", req.ThreadID,
	}
	if req.DryRun {
		argv = append(argv, "--dry-run")
	}

	payload := map[string]any{
		"action":      action,
		"task_id":     req.TaskID,
		"run_id":      req.RunID,
		"step_id":     req.StepID,
		"thread_id":   req.ThreadID,
		"retry_index": req.RetryIndex,
		"request":     req.Payload,
	}
	if len(req.ReworkContext) > 0 {
		payload["rework_context"] = req.ReworkContext
	}
	stdin, err := contract.CanonicalJSON(payload)
	if err != nil {
		return Result{}, err
	}

	var completed CompletedProcess
	if req.DryRun {
		out, err := contract.CanonicalJSON(dryRunOutput(action, req))
		if err != nil {
			return Result{}, err
		}
		completed = CompletedProcess{Stdout: string(out)}
	} else {
		completed, err = a.runner(ctx, argv, string(stdin))
		if err != nil {
			return Result{}, &RequestError{Message: fmt.Sprintf("launch shim: %v", err)}
		}
	}

	parsed := parseOutput(completed.Stdout)
	exitClass := classifyExit(completed.ExitCode, completed.TimedOut)
	status := StatusSuccess
	errMsg := ""
	switch {
	case completed.TimedOut:
		status = StatusError
		errMsg = fmt.Sprintf("shim timed out after %s", a.timeout)
	case completed.ExitCode != 0:
		status = StatusError
		errMsg = fmt.Sprintf("shim exited with status %d", completed.ExitCode)
	default:
		if s, ok := parsed["status"].(string); ok && strings.TrimSpace(s) != "" {
			status = strings.TrimSpace(s)
		}
	}

	artifacts, err := a.artifacts.WriteCall(callRecord{
		TaskID:        req.TaskID,
		RunID:         req.RunID,
		StepID:        req.StepID,
		ThreadID:      req.ThreadID,
		CorrelationID: corrID,
		Action:        action,
		RetryIndex:    req.RetryIndex,
		Command:       argv,
		Request:       payload,
		Status:        status,
		RawStdout:     completed.Stdout,
		ParsedOutput:  parsed,
		RawStderr:     completed.Stderr,
		Error:         errMsg,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Action:        action,
		Status:        status,
		ExitClass:     exitClass,
		TaskID:        req.TaskID,
		RunID:         req.RunID,
		StepID:        req.StepID,
		ThreadID:      req.ThreadID,
		CorrelationID: corrID,
		RetryIndex:    req.RetryIndex,
		Command:       argv,
		ParsedOutput:  parsed,
		Error:         errMsg,
		Artifacts:     artifacts,
	}, nil
}

// runCommand launches the shim in its own process group, feeds stdin, and
// drains both pipes concurrently under the call timeout.
func (a *SubprocessAdapter) runCommand(ctx context.Context, argv []string, stdin string) (CompletedProcess, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CompletedProcess{}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CompletedProcess{}, err
	}
	if err := cmd.Start(); err != nil {
		return CompletedProcess{}, err
	}

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe)
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-callCtx.Done():
		timedOut = errors.Is(callCtx.Err(), context.DeadlineExceeded)
		// Negative pid signals the whole process group.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		waitErr = <-done
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return CompletedProcess{}, waitErr
		}
	}
	if !timedOut && ctx.Err() != nil {
		return CompletedProcess{}, ctx.Err()
	}
	return CompletedProcess{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		TimedOut: timedOut,
	}, nil
}

// Package dispatch executes bounded create/resume/rework calls against a
// subprocess shim or an OpenAI-compatible endpoint, capturing the
// request/output/error artifact trio for every call.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strongdm/daokit/internal/contract"
)

// Actions shared by both backends.
const (
	ActionCreate = "create"
	ActionResume = "resume"
	ActionRework = "rework"
)

// Call statuses. Backends report outcomes in the result; only invalid
// requests and artifact-write failures surface as Go errors.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Exit classes for subprocess completion.
const (
	ClassSuccess   = "success"
	ClassRetryable = "retryable"
	ClassFatal     = "fatal"
)

// Request describes one dispatch call. ThreadID is optional; when empty the
// stable derivation over (task, run, step) applies so retries converge on
// one thread-space.
type Request struct {
	TaskID        string
	RunID         string
	StepID        string
	ThreadID      string
	RetryIndex    int
	DryRun        bool
	Payload       map[string]any
	ReworkContext map[string]any
}

// Result is the normalized outcome of one call.
type Result struct {
	Action        string
	Status        string
	ExitClass     string
	TaskID        string
	RunID         string
	StepID        string
	ThreadID      string
	CorrelationID string
	RetryIndex    int
	Command       []string
	ParsedOutput  map[string]any
	Error         string
	Artifacts     CallArtifacts
}

// Adapter is the capability set shared by the subprocess and LLM backends.
type Adapter interface {
	Create(ctx context.Context, req Request) (Result, error)
	Resume(ctx context.Context, req Request) (Result, error)
	Rework(ctx context.Context, req Request) (Result, error)
}

// RequestError marks a call that could not be executed or normalized safely.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return "dispatch: " + e.Message }

func normalizeRequest(req *Request) error {
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.RunID = strings.TrimSpace(req.RunID)
	req.StepID = strings.TrimSpace(req.StepID)
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.TaskID == "" {
		return &RequestError{Message: "task_id must be a non-empty string"}
	}
	if req.RunID == "" {
		return &RequestError{Message: "run_id must be a non-empty string"}
	}
	if req.StepID == "" {
		return &RequestError{Message: "step_id must be a non-empty string"}
	}
	if req.RetryIndex < 0 {
		return &RequestError{Message: "retry_index must be >= 0"}
	}
	if req.ThreadID == "" {
		req.ThreadID = contract.ThreadID(req.TaskID, req.RunID, req.StepID)
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	return nil
}

func correlationID(req Request) string {
	if raw, ok := req.Payload["correlation_id"].(string); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return contract.CorrelationID(req.TaskID, req.RunID, req.StepID)
}

// parseOutput normalizes shim stdout: JSON object first, then key=value
// lines, else the raw text wrapped as a message.
func parseOutput(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return map[string]any{}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed != nil {
		return parsed
	}

	keyValues := map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "=") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		key := strings.TrimSpace(parts[0])
		if key != "" {
			keyValues[key] = strings.TrimSpace(parts[1])
		}
	}
	if len(keyValues) > 0 {
		return keyValues
	}
	return map[string]any{"message": text}
}

func dryRunOutput(action string, req Request) map[string]any {
	return map[string]any{
		"status":      StatusSuccess,
		"action":      action,
		"task_id":     req.TaskID,
		"run_id":      req.RunID,
		"step_id":     req.StepID,
		"thread_id":   req.ThreadID,
		"retry_index": req.RetryIndex,
		"message":     "dry-run dispatch execution",
	}
}

// classifyExit maps subprocess completion into success/retryable/fatal.
// Timeouts and signal deaths are worth another attempt; ordinary non-zero
// exits are the shim reporting a real failure.
func classifyExit(exitCode int, timedOut bool) string {
	switch {
	case timedOut:
		return ClassRetryable
	case exitCode == 0:
		return ClassSuccess
	case exitCode < 0 || exitCode > 128:
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// Dispatch routes one call to the adapter method for the named action. The
// action set is closed; anything else is a request error.
func Dispatch(ctx context.Context, a Adapter, action string, req Request) (Result, error) {
	switch action {
	case ActionCreate:
		return a.Create(ctx, req)
	case ActionResume:
		return a.Resume(ctx, req)
	case ActionRework:
		return a.Rework(ctx, req)
	default:
		return Result{}, &RequestError{Message: fmt.Sprintf("unknown action %q", action)}
	}
}

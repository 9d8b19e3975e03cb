package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/strongdm/daokit/internal/llm"
)

const defaultSystemPrompt = "You are a coding agent executing a single step in an orchestrated pipeline. " +
	"Return a concise implementation status and next action. Keep output short and actionable."

// LLMAdapter dispatches a step to an OpenAI-compatible endpoint. Transport
// retries live inside the client; call failures are captured into the
// artifact trio, never raised.
type LLMAdapter struct {
	client       *llm.Client
	artifacts    *ArtifactStore
	systemPrompt string
}

func NewLLMAdapter(client *llm.Client, artifacts *ArtifactStore, systemPrompt string) *LLMAdapter {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &LLMAdapter{client: client, artifacts: artifacts, systemPrompt: systemPrompt}
}

func (a *LLMAdapter) Create(ctx context.Context, req Request) (Result, error) {
	return a.dispatch(ctx, ActionCreate, req)
}

func (a *LLMAdapter) Resume(ctx context.Context, req Request) (Result, error) {
	return a.dispatch(ctx, ActionResume, req)
}

func (a *LLMAdapter) Rework(ctx context.Context, req Request) (Result, error) {
	return a.dispatch(ctx, ActionRework, req)
}

func (a *LLMAdapter) dispatch(ctx context.Context, action string, req Request) (Result, error) {
	if err := normalizeRequest(&req); err != nil {
		return Result{}, err
	}
	corrID := correlationID(req)

	cfg := a.client.Config()
	command := []string{"llm", cfg.BaseURL, cfg.Model, action}
	messages := a.buildMessages(action, req)

	var parsed map[string]any
	status := StatusSuccess
	errMsg := ""
	if req.DryRun {
		parsed = dryRunOutput(action, req)
		parsed["llm_invoked"] = false
		parsed["execution_mode"] = "dry_run"
	} else {
		completion, err := a.client.ChatCompletion(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			status = StatusError
			errMsg = err.Error()
			parsed = map[string]any{
				"status":         StatusError,
				"action":         action,
				"execution_mode": "llm_direct",
				"llm_invoked":    false,
				"message":        errMsg,
			}
		} else {
			parsed = map[string]any{
				"status":         StatusSuccess,
				"action":         action,
				"execution_mode": "llm_direct",
				"llm_invoked":    true,
				"message":        completion.Content,
				"model":          completion.Model,
				"usage":          completion.Usage,
				"finish_reason":  completion.FinishReason,
			}
		}
	}

	message, _ := parsed["message"].(string)
	artifacts, err := a.artifacts.WriteCall(callRecord{
		TaskID:        req.TaskID,
		RunID:         req.RunID,
		StepID:        req.StepID,
		ThreadID:      req.ThreadID,
		CorrelationID: corrID,
		Action:        action,
		RetryIndex:    req.RetryIndex,
		Command:       command,
		Request: map[string]any{
			"task_id":  req.TaskID,
			"run_id":   req.RunID,
			"step_id":  req.StepID,
			"action":   action,
			"messages": messages,
		},
		Status:       status,
		RawStdout:    message,
		ParsedOutput: parsed,
		Error:        errMsg,
	})
	if err != nil {
		return Result{}, err
	}

	exitClass := ClassSuccess
	if status != StatusSuccess {
		exitClass = ClassRetryable
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
		Command:       command,
		ParsedOutput:  parsed,
		Error:         errMsg,
		Artifacts:     artifacts,
	}, nil
}

func (a *LLMAdapter) buildMessages(action string, req Request) []llm.Message {
	messages := []llm.Message{{Role: "system", Content: a.systemPrompt}}

	title := stringField(req.Payload, "step_title", "Complete the assigned step")
	goal := stringField(req.Payload, "goal", "")

	lines := []string{
		"Action: " + action,
		"Task ID: " + req.TaskID,
		"Run ID: " + req.RunID,
		"Step ID: " + req.StepID,
		"Step Title: " + title,
	}
	if goal != "" {
		lines = append(lines, "Goal: "+goal)
	}
	if criteria := stringList(req.Payload["acceptance_criteria"]); len(criteria) > 0 {
		lines = append(lines, "Acceptance Criteria:")
		if len(criteria) > 5 {
			criteria = criteria[:5]
		}
		for _, item := range criteria {
			lines = append(lines, "- "+item)
		}
	}
	lines = append(lines, "Return a concise implementation status and next action.")
	messages = append(messages, llm.Message{Role: "user", Content: strings.Join(lines, "\n")})

	if action == ActionRework && len(req.ReworkContext) > 0 {
		reworkLines := []string{"Previous attempts failed:"}
		if failed, ok := req.ReworkContext["failed_calls"].([]any); ok {
			for _, raw := range failed {
				call, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				line := fmt.Sprintf("- Attempt (%s): %s",
					stringField(call, "action", "unknown"),
					stringField(call, "status", "unknown"))
				if output, ok := call["parsed_output"].(map[string]any); ok {
					if msg := stringField(output, "message", ""); msg != "" {
						if len(msg) > 200 {
							msg = msg[:200]
						}
						line += " - " + msg
					}
				}
				reworkLines = append(reworkLines, line)
			}
		}
		reworkLines = append(reworkLines, "Please address these failures and provide a corrected implementation.")
		messages = append(messages, llm.Message{Role: "user", Content: strings.Join(reworkLines, "\n")})
	}
	return messages
}

func stringField(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return fallback
}

func stringList(v any) []string {
	var out []string
	switch items := v.(type) {
	case []string:
		for _, s := range items {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []any:
		for _, item := range items {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

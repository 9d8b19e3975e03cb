// Package engine drives the lifecycle for one run: extract the task, freeze
// the plan, then dispatch and verify each step through a bounded rework
// loop. Every node boundary persists a snapshot and a checkpoint, so an
// interrupted run resumes exactly where it stopped.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/strongdm/daokit/internal/accept"
	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/dispatch"
	"github.com/strongdm/daokit/internal/ledger"
	"github.com/strongdm/daokit/internal/planner"
)

// ErrInterrupted reports a cooperative stop at a node boundary. Persisted
// state is consistent; a successor resumes from the last checkpoint.
var ErrInterrupted = errors.New("run interrupted at node boundary")

// Options configures an engine instance.
type Options struct {
	ReworkBound int
	ThreadID    string
	Lane        string
	// Interrupt is polled at node boundaries; returning true stops the run
	// cooperatively. ctx cancellation is honored the same way.
	Interrupt func() bool
	// KeepAlive runs at node boundaries (lease renewal, explicit
	// heartbeats). Failures are logged, never fatal.
	KeepAlive func() error
	Logger    zerolog.Logger
}

// Engine executes plans against a ledger.
type Engine struct {
	ledger  *ledger.Ledger
	adapter dispatch.Adapter
	accept  *accept.Engine
	opts    Options
	log     zerolog.Logger
}

// RunResult summarizes one driver invocation.
type RunResult struct {
	Status         contract.PipelineStatus `json:"status"`
	AcceptedSteps  []string                `json:"accepted_steps"`
	FailedStep     string                  `json:"failed_step,omitempty"`
	FailReason     string                  `json:"fail_reason,omitempty"`
	Interrupted    bool                    `json:"interrupted"`
	SkippedSteps   []string                `json:"skipped_steps,omitempty"`
	DispatchCalls  int                     `json:"dispatch_calls"`
	ReworkAttempts int                     `json:"rework_attempts"`
}

func New(led *ledger.Ledger, adapter dispatch.Adapter, acceptEngine *accept.Engine, opts Options) *Engine {
	if opts.ReworkBound <= 0 {
		opts.ReworkBound = accept.DefaultReworkBound
	}
	return &Engine{
		ledger:  led,
		adapter: adapter,
		accept:  acceptEngine,
		opts:    opts,
		log:     opts.Logger,
	}
}

// Run drives a fresh plan from extraction to a terminal status.
func (e *Engine) Run(ctx context.Context, plan *planner.Plan) (RunResult, error) {
	return e.drive(ctx, plan, false)
}

// Resume continues a previously interrupted run. Accepted steps never
// replay; a step left RUNNING is re-entered with the resume action.
func (e *Engine) Resume(ctx context.Context, plan *planner.Plan) (RunResult, error) {
	return e.drive(ctx, plan, true)
}

func (e *Engine) drive(ctx context.Context, plan *planner.Plan, resuming bool) (RunResult, error) {
	res := RunResult{}

	st, err := e.ledger.LoadState()
	if err != nil {
		return res, err
	}

	if st.TaskID == "" {
		if resuming {
			return res, fmt.Errorf("nothing to resume: no pipeline state for task %s", plan.TaskID)
		}
		st, err = e.extract(plan)
		if err != nil {
			return res, err
		}
		st, err = e.freeze(st)
		if err != nil {
			return res, err
		}
	} else {
		if st.TaskID != plan.TaskID || st.RunID != plan.RunID {
			return res, fmt.Errorf("ledger holds run (%s, %s), plan targets (%s, %s)",
				st.TaskID, st.RunID, plan.TaskID, plan.RunID)
		}
		if resuming {
			cp, ok, err := e.ledger.LatestValidCheckpoint(st)
			if err != nil {
				return res, err
			}
			if ok {
				e.log.Info().Str("checkpoint", cp.CheckpointID).Str("node", cp.LifecycleNode).Msg("resuming from checkpoint")
			} else {
				e.log.Warn().Msg("no checkpoint matches persisted state; resuming from state as-is")
			}
		}
		// A run interrupted before the plan froze restarts the early nodes.
		if st.Status == contract.StatusPlanning {
			st, err = e.extract(plan)
			if err != nil {
				return res, err
			}
		}
		if st.Status == contract.StatusAnalysis {
			st, err = e.freeze(st)
			if err != nil {
				return res, err
			}
		}
		switch st.Status {
		case contract.StatusDone:
			res.Status = st.Status
			return res, nil
		case contract.StatusFailed, contract.StatusBlocked, contract.StatusDraining:
			return res, fmt.Errorf("run is %s; recover via takeover or manual recovery first", st.Status)
		}
	}

	if err := e.boundary(ctx, &res); err != nil {
		return res, err
	}

	for _, step := range plan.Steps {
		switch st.StepStatus(step.ID) {
		case contract.StepAccepted:
			res.SkippedSteps = append(res.SkippedSteps, step.ID)
			continue
		case contract.StepFailed:
			if !resuming {
				res.Status = contract.StatusFailed
				res.FailedStep = step.ID
				return res, nil
			}
		}
		resumeStep := resuming && st.StepStatus(step.ID) == contract.StepRunning

		st, err = e.runStep(ctx, &res, st, plan, step, resumeStep)
		if err != nil {
			return res, err
		}
		if st.Status == contract.StatusFailed {
			res.Status = st.Status
			return res, nil
		}
		if err := e.boundary(ctx, &res); err != nil {
			return res, err
		}
	}

	st, err = e.finish(st)
	if err != nil {
		return res, err
	}
	res.Status = st.Status
	return res, nil
}

// extract validates the task envelope into initial pipeline state and
// advances PLANNING -> ANALYSIS.
func (e *Engine) extract(plan *planner.Plan) (contract.PipelineState, error) {
	st := contract.PipelineState{
		SchemaVersion: contract.SchemaVersion,
		TaskID:        plan.TaskID,
		RunID:         plan.RunID,
		Goal:          plan.Goal,
		Status:        contract.StatusPlanning,
		RoleLifecycle: map[string]string{},
	}
	for _, step := range plan.Steps {
		st.SetStepStatus(step.ID, step.Title, contract.StepPending)
	}
	if e.opts.Lane != "" {
		st.RoleLifecycle["controller_lane"] = e.opts.Lane
	}

	if _, err := e.ledger.Emit(contract.EventRunStarted, contract.SeverityInfo, "", map[string]any{
		"goal":       plan.Goal,
		"step_count": len(plan.Steps),
	}); err != nil {
		return st, err
	}

	to, err := resolveTransition(TriggerExtracted, st.Status)
	if err != nil {
		return st, err
	}
	from := st.Status
	st.Status = to
	st, err = e.ledger.SaveState(st, "extract", string(from), string(to))
	if err != nil {
		return st, err
	}
	if _, err := e.ledger.WriteCheckpoint(st, "extract"); err != nil {
		return st, err
	}
	e.log.Info().Str("task", st.TaskID).Str("run", st.RunID).Int("steps", len(plan.Steps)).Msg("task extracted")
	return st, nil
}

// freeze advances ANALYSIS -> FREEZE once the plan is compiled.
func (e *Engine) freeze(st contract.PipelineState) (contract.PipelineState, error) {
	to, err := resolveTransition(TriggerPlanFrozen, st.Status)
	if err != nil {
		return st, err
	}
	from := st.Status
	st.Status = to
	st, err = e.ledger.SaveState(st, "plan", string(from), string(to))
	if err != nil {
		return st, err
	}
	if _, err := e.ledger.WriteCheckpoint(st, "plan"); err != nil {
		return st, err
	}
	e.log.Info().Str("run", st.RunID).Msg("plan frozen")
	return st, nil
}

// runStep drives one step through dispatch -> verify -> transition with the
// bounded rework loop.
func (e *Engine) runStep(ctx context.Context, res *RunResult, st contract.PipelineState, plan *planner.Plan, step contract.Step, resumeStep bool) (contract.PipelineState, error) {
	// Enter EXECUTE: from FREEZE on the first step, from ACCEPT afterwards.
	if st.Status != contract.StatusExecute {
		trigger := TriggerDispatched
		if st.Status == contract.StatusAccept {
			trigger = TriggerNextStep
		}
		to, err := resolveTransition(trigger, st.Status)
		if err != nil {
			return st, err
		}
		from := st.Status
		st.Status = to
		st.CurrentStep = step.ID
		st, err = e.ledger.SaveState(st, "dispatch", string(from), string(to))
		if err != nil {
			return st, err
		}
	}

	st.CurrentStep = step.ID
	st.SetStepStatus(step.ID, step.Title, contract.StepRunning)
	if e.opts.Lane != "" {
		st.RoleLifecycle["controller_ownership"] = e.opts.Lane + ":" + step.ID
		st.RoleLifecycle["lane:"+e.opts.Lane] = "active_step:" + step.ID
		st.RoleLifecycle["step:"+step.ID] = "owned_by_lane:" + e.opts.Lane
	}
	var err error
	st, err = e.ledger.SaveState(st, "dispatch", string(st.Status), string(st.Status))
	if err != nil {
		return st, err
	}
	if _, err := e.ledger.Emit(contract.EventStepStarted, contract.SeverityInfo, step.ID, map[string]any{
		"title": step.Title,
	}); err != nil {
		return st, err
	}
	e.log.Info().Str("step", step.ID).Str("title", step.Title).Msg("step started")

	var rework *accept.Rework
	for attempt := 0; ; attempt++ {
		if err := e.checkInterrupt(ctx, res); err != nil {
			return st, err
		}
		if attempt > e.opts.ReworkBound {
			return e.exhaust(res, st, step, attempt)
		}

		result, err := e.dispatchCall(ctx, step, plan, attempt, resumeStep, rework)
		if err != nil {
			return st, err
		}
		res.DispatchCalls++
		resumeStep = false

		if _, err := e.ledger.Emit(contract.EventDispatchCompleted, contract.SeverityInfo, step.ID, map[string]any{
			"action":         result.Action,
			"status":         result.Status,
			"exit_class":     result.ExitClass,
			"correlation_id": result.CorrelationID,
			"retry_index":    result.RetryIndex,
			"artifacts": map[string]any{
				"request": result.Artifacts.RequestPath,
				"output":  result.Artifacts.OutputPath,
				"error":   result.Artifacts.ErrorPath,
			},
		}); err != nil {
			return st, err
		}

		// verify node: EXECUTE -> ACCEPT.
		to, err := resolveTransition(TriggerVerified, st.Status)
		if err != nil {
			return st, err
		}
		from := st.Status
		st.Status = to
		st, err = e.ledger.SaveState(st, "verify", string(from), string(to))
		if err != nil {
			return st, err
		}
		if _, err := e.ledger.WriteCheckpoint(st, "verify"); err != nil {
			return st, err
		}

		verdict := e.accept.Evaluate(step, changedFiles(result))
		trigger, err := routeForReason(verdict.ReasonCode)
		if err != nil {
			return st, err
		}

		if verdict.Outcome == accept.OutcomePassed {
			return e.acceptStep(res, st, step, verdict)
		}

		if _, err := e.ledger.Emit(contract.EventAcceptanceFailed, contract.SeverityWarning, step.ID, map[string]any{
			"reason_code": verdict.ReasonCode,
			"violations":  verdict.Violations,
			"attempt":     attempt,
		}); err != nil {
			return st, err
		}
		e.log.Warn().Str("step", step.ID).Str("reason", verdict.ReasonCode).Int("attempt", attempt).Msg("acceptance failed")

		if trigger == TriggerReworkExhausted {
			return e.exhaust(res, st, step, attempt)
		}

		// transition node back-edge: ACCEPT -> EXECUTE for rework.
		to, err = resolveTransition(trigger, st.Status)
		if err != nil {
			return st, err
		}
		from = st.Status
		st.Status = to
		st, err = e.ledger.SaveState(st, "transition", string(from), string(to))
		if err != nil {
			return st, err
		}
		rework = verdict.Rework
		if rework != nil {
			if _, err := e.ledger.Emit(contract.EventReworkEmitted, contract.SeverityInfo, step.ID, map[string]any{
				"failed_criteria": rework.FailedCriteria,
				"missing_paths":   rework.MissingPaths,
				"out_of_scope":    rework.OutOfScope,
			}); err != nil {
				return st, err
			}
			res.ReworkAttempts++
		}
	}
}

func (e *Engine) dispatchCall(ctx context.Context, step contract.Step, plan *planner.Plan, attempt int, resumeStep bool, rework *accept.Rework) (dispatch.Result, error) {
	criteria := make([]any, 0, len(step.AcceptanceCriteria))
	for _, c := range step.AcceptanceCriteria {
		criteria = append(criteria, c)
	}
	outputs := make([]any, 0, len(step.ExpectedOutputs))
	for _, out := range step.ExpectedOutputs {
		outputs = append(outputs, map[string]any{"name": out.Name, "path": out.Path})
	}
	req := dispatch.Request{
		TaskID:     plan.TaskID,
		RunID:      plan.RunID,
		StepID:     step.ID,
		ThreadID:   e.opts.ThreadID,
		RetryIndex: attempt,
		Payload: map[string]any{
			"goal":                step.Goal,
			"step_title":          step.Title,
			"acceptance_criteria": criteria,
			"expected_outputs":    outputs,
			"allowed_scope":       step.AllowedScope,
		},
	}
	action := dispatch.ActionCreate
	switch {
	case rework != nil:
		action = dispatch.ActionRework
		req.ReworkContext = map[string]any{
			"failed_criteria": rework.FailedCriteria,
			"missing_paths":   rework.MissingPaths,
			"invalid_paths":   rework.InvalidPaths,
			"out_of_scope":    rework.OutOfScope,
			"guidance":        rework.Guidance,
		}
	case resumeStep:
		action = dispatch.ActionResume
	}
	return dispatch.Dispatch(ctx, e.adapter, action, req)
}

// acceptStep records a passing verdict and leaves the run in ACCEPT, ready
// for the next_step or done edge.
func (e *Engine) acceptStep(res *RunResult, st contract.PipelineState, step contract.Step, verdict accept.Result) (contract.PipelineState, error) {
	payload := map[string]any{"criteria": len(verdict.CriteriaStates)}
	if verdict.Proof != nil {
		payload["proof_id"] = verdict.Proof.ProofID
	}
	if _, err := e.ledger.Emit(contract.EventAcceptancePassed, contract.SeverityInfo, step.ID, payload); err != nil {
		return st, err
	}

	st.SetStepStatus(step.ID, step.Title, contract.StepAccepted)
	var err error
	st, err = e.ledger.SaveState(st, "transition", string(st.Status), string(st.Status))
	if err != nil {
		return st, err
	}
	if _, err := e.ledger.WriteCheckpoint(st, "transition"); err != nil {
		return st, err
	}
	if _, err := e.ledger.Emit(contract.EventStepCompleted, contract.SeverityInfo, step.ID, nil); err != nil {
		return st, err
	}
	res.AcceptedSteps = append(res.AcceptedSteps, step.ID)
	e.log.Info().Str("step", step.ID).Msg("step accepted")
	return st, nil
}

// exhaust crosses the rework bound: the step fails and the run terminates.
func (e *Engine) exhaust(res *RunResult, st contract.PipelineState, step contract.Step, attempts int) (contract.PipelineState, error) {
	verdict := accept.ExhaustedResult(step, attempts)
	if _, err := e.ledger.Emit(contract.EventAcceptanceFailed, contract.SeverityError, step.ID, map[string]any{
		"reason_code": verdict.ReasonCode,
		"attempts":    attempts,
	}); err != nil {
		return st, err
	}

	to, err := resolveTransition(TriggerReworkExhausted, st.Status)
	if err != nil {
		return st, err
	}
	from := st.Status
	st.Status = to
	st.SetStepStatus(step.ID, step.Title, contract.StepFailed)
	st, err = e.ledger.SaveState(st, "transition", string(from), string(to))
	if err != nil {
		return st, err
	}
	if _, err := e.ledger.WriteCheckpoint(st, "transition"); err != nil {
		return st, err
	}
	if _, err := e.ledger.Emit(contract.EventStepFailed, contract.SeverityError, step.ID, map[string]any{
		"reason": verdict.ReasonCode,
	}); err != nil {
		return st, err
	}
	res.Status = st.Status
	res.FailedStep = step.ID
	res.FailReason = verdict.ReasonCode
	e.log.Error().Str("step", step.ID).Int("attempts", attempts).Msg("rework exhausted")
	return st, nil
}

// finish takes the done edge once every step is accepted.
func (e *Engine) finish(st contract.PipelineState) (contract.PipelineState, error) {
	if st.Status == contract.StatusDone {
		return st, nil
	}
	// A succession or recovery exit re-enters at EXECUTE. When every step is
	// already accepted there is nothing to dispatch, so the verify edge
	// closes the node pair before the done edge can fire.
	if st.Status == contract.StatusExecute {
		to, err := resolveTransition(TriggerVerified, st.Status)
		if err != nil {
			return st, err
		}
		from := st.Status
		st.Status = to
		st, err = e.ledger.SaveState(st, "verify", string(from), string(to))
		if err != nil {
			return st, err
		}
		if _, err := e.ledger.WriteCheckpoint(st, "verify"); err != nil {
			return st, err
		}
	}
	to, err := resolveTransition(TriggerDone, st.Status)
	if err != nil {
		return st, err
	}
	from := st.Status
	st.Status = to
	st.CurrentStep = ""
	st, err = e.ledger.SaveState(st, "transition", string(from), string(to))
	if err != nil {
		return st, err
	}
	if _, err := e.ledger.WriteCheckpoint(st, "transition"); err != nil {
		return st, err
	}
	if _, err := e.ledger.Emit(contract.EventRunDone, contract.SeverityInfo, "", nil); err != nil {
		return st, err
	}
	e.log.Info().Str("run", st.RunID).Msg("run done")
	return st, nil
}

// boundary is the cooperative suspension point between nodes.
func (e *Engine) boundary(ctx context.Context, res *RunResult) error {
	if e.opts.KeepAlive != nil {
		if err := e.opts.KeepAlive(); err != nil {
			e.log.Warn().Err(err).Msg("keepalive failed")
		}
	}
	return e.checkInterrupt(ctx, res)
}

func (e *Engine) checkInterrupt(ctx context.Context, res *RunResult) error {
	if ctx.Err() != nil {
		res.Interrupted = true
		return ErrInterrupted
	}
	if e.opts.Interrupt != nil && e.opts.Interrupt() {
		res.Interrupted = true
		return ErrInterrupted
	}
	return nil
}

// ApplyTrigger applies a reliability edge (draining, blocked, recovery) to
// the persisted state under the transition guard.
func (e *Engine) ApplyTrigger(trigger Trigger) (contract.PipelineState, error) {
	st, err := e.ledger.LoadState()
	if err != nil {
		return st, err
	}
	to, err := resolveTransition(trigger, st.Status)
	if err != nil {
		return st, err
	}
	from := st.Status
	st.Status = to
	st, err = e.ledger.SaveState(st, "transition", string(from), string(to))
	if err != nil {
		return st, err
	}
	if _, err := e.ledger.WriteCheckpoint(st, "transition"); err != nil {
		return st, err
	}
	return st, nil
}

func changedFiles(result dispatch.Result) []string {
	raw, ok := result.ParsedOutput["changed_files"]
	if !ok {
		return nil
	}
	switch items := raw.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

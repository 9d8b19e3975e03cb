package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/strongdm/daokit/internal/accept"
	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/dispatch"
	"github.com/strongdm/daokit/internal/ledger"
	"github.com/strongdm/daokit/internal/planner"
	"github.com/strongdm/daokit/internal/state"
)

// scriptedAdapter drives the engine without a real shim: each call is
// handed to the script, which may drop evidence files before returning.
type scriptedAdapter struct {
	calls  []dispatch.Result
	script func(action string, req dispatch.Request) dispatch.Result
}

func (a *scriptedAdapter) run(action string, req dispatch.Request) (dispatch.Result, error) {
	res := a.script(action, req)
	res.Action = action
	res.TaskID = req.TaskID
	res.RunID = req.RunID
	res.StepID = req.StepID
	res.RetryIndex = req.RetryIndex
	if res.Status == "" {
		res.Status = dispatch.StatusSuccess
	}
	if res.ParsedOutput == nil {
		res.ParsedOutput = map[string]any{}
	}
	a.calls = append(a.calls, res)
	return res, nil
}

func (a *scriptedAdapter) Create(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return a.run(dispatch.ActionCreate, req)
}

func (a *scriptedAdapter) Resume(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return a.run(dispatch.ActionResume, req)
}

func (a *scriptedAdapter) Rework(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return a.run(dispatch.ActionRework, req)
}

type env struct {
	root    string
	store   state.Store
	ledger  *ledger.Ledger
	adapter *scriptedAdapter
	accept  *accept.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	if err := state.InitLayout(root, state.BackendFilesystem); err != nil {
		t.Fatalf("InitLayout: %v", err)
	}
	store, err := state.OpenBackend(root, state.BackendFilesystem)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &env{
		root:    root,
		store:   store,
		ledger:  ledger.New(store, "T1", "R1"),
		adapter: &scriptedAdapter{},
		accept:  accept.NewEngine(root, accept.Config{}),
	}
}

func (e *env) engine(opts Options) *Engine {
	opts.Logger = zerolog.Nop()
	return New(e.ledger, e.adapter, e.accept, opts)
}

func (e *env) writeEvidence(t *testing.T, step contract.Step) {
	t.Helper()
	for _, out := range step.ExpectedOutputs {
		full := filepath.Join(e.root, filepath.FromSlash(out.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("Command: make verify\nok\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func step(id string) contract.Step {
	return contract.Step{
		ID:                 id,
		Title:              "step " + id,
		Goal:               "complete " + id,
		Actions:            []string{"implement"},
		AcceptanceCriteria: []string{"evidence present"},
		ExpectedOutputs: []contract.ExpectedOutput{
			{Name: "report", Path: id + "/report.md"},
			{Name: "verification.log", Path: id + "/verification.log"},
			{Name: "audit-summary", Path: id + "/audit-summary.md"},
		},
		Dependencies: []string{},
	}
}

func compilePlan(t *testing.T, steps ...contract.Step) *planner.Plan {
	t.Helper()
	plan, err := planner.Compile(planner.Input{
		Goal:   "demo",
		TaskID: "T1",
		RunID:  "R1",
		Steps:  steps,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return &plan
}

func eventTypes(t *testing.T, store state.Store) []string {
	t.Helper()
	events, err := store.ListEvents()
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func assertSubsequence(t *testing.T, got []string, want []string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("event sequence %v missing ordered subsequence %v", got, want)
	}
}

func TestHappyPath(t *testing.T) {
	e := newEnv(t)
	s1 := step("S1")
	plan := compilePlan(t, s1)
	e.adapter.script = func(action string, req dispatch.Request) dispatch.Result {
		e.writeEvidence(t, s1)
		return dispatch.Result{ExitClass: dispatch.ClassSuccess}
	}

	res, err := e.engine(Options{}).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != contract.StatusDone {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.AcceptedSteps) != 1 || res.AcceptedSteps[0] != "S1" {
		t.Fatalf("accepted: %v", res.AcceptedSteps)
	}
	if res.DispatchCalls != 1 {
		t.Fatalf("dispatch calls: %d", res.DispatchCalls)
	}

	st, err := e.ledger.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.Status != contract.StatusDone || st.StepStatus("S1") != contract.StepAccepted {
		t.Fatalf("state: %+v", st)
	}

	assertSubsequence(t, eventTypes(t, e.store), []string{
		contract.EventRunStarted,
		contract.EventStepStarted,
		contract.EventDispatchCompleted,
		contract.EventAcceptancePassed,
		contract.EventStepCompleted,
		contract.EventRunDone,
	})

	// One snapshot per node boundary that persisted state.
	snaps, err := e.store.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) < 5 {
		t.Fatalf("snapshots: %d", len(snaps))
	}
	for _, snap := range snaps {
		if snap.Node == "" {
			t.Fatalf("snapshot missing node: %+v", snap)
		}
	}
}

func TestTransitionGuardTable(t *testing.T) {
	if _, err := resolveTransition(TriggerDone, contract.StatusExecute); err == nil {
		t.Fatalf("done from EXECUTE must be rejected")
	} else {
		var guard *GuardError
		if !errors.As(err, &guard) {
			t.Fatalf("error type: %T", err)
		}
		if guard.Trigger != TriggerDone || guard.FromStatus != contract.StatusExecute {
			t.Fatalf("guard: %+v", guard)
		}
		if len(guard.AllowedTargets) == 0 {
			t.Fatalf("guard must name allowed targets")
		}
	}

	to, err := resolveTransition(TriggerStaleOrSuccession, contract.StatusAccept)
	if err != nil || to != contract.StatusDraining {
		t.Fatalf("stale edge: %s %v", to, err)
	}
	to, err = resolveTransition(TriggerManualRecovery, contract.StatusBlocked)
	if err != nil || to != contract.StatusExecute {
		t.Fatalf("recovery edge: %s %v", to, err)
	}
}

func TestUnknownReasonAbortsVerifyRoute(t *testing.T) {
	if _, err := routeForReason("SOLAR_FLARE"); err == nil {
		t.Fatalf("unknown reason must abort")
	} else {
		var route *RouteError
		if !errors.As(err, &route) || route.ReasonCode != "SOLAR_FLARE" {
			t.Fatalf("route error: %v", err)
		}
	}
}

func TestReworkBoundExhausts(t *testing.T) {
	e := newEnv(t)
	s1 := step("S1")
	plan := compilePlan(t, s1)
	// Evidence never appears, so every attempt fails acceptance.
	e.adapter.script = func(action string, req dispatch.Request) dispatch.Result {
		return dispatch.Result{ExitClass: dispatch.ClassSuccess}
	}

	res, err := e.engine(Options{ReworkBound: 1}).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != contract.StatusFailed || res.FailedStep != "S1" || res.FailReason != accept.ReasonReworkExhausted {
		t.Fatalf("result: %+v", res)
	}
	// attempt 0 (create) + attempt 1 (rework), then the bound trips.
	if res.DispatchCalls != 2 || res.ReworkAttempts != 1 {
		t.Fatalf("calls=%d reworks=%d", res.DispatchCalls, res.ReworkAttempts)
	}
	if e.adapter.calls[0].Action != dispatch.ActionCreate || e.adapter.calls[1].Action != dispatch.ActionRework {
		t.Fatalf("actions: %+v", e.adapter.calls)
	}

	st, _ := e.ledger.LoadState()
	if st.Status != contract.StatusFailed || st.StepStatus("S1") != contract.StepFailed {
		t.Fatalf("state: %+v", st)
	}
	assertSubsequence(t, eventTypes(t, e.store), []string{
		contract.EventAcceptanceFailed,
		contract.EventReworkEmitted,
		contract.EventAcceptanceFailed,
		contract.EventStepFailed,
	})
}

func TestOutOfScopeReworkThenPass(t *testing.T) {
	e := newEnv(t)
	s1 := step("S1")
	s1.AllowedScope = []string{"src/foo/**"}
	plan := compilePlan(t, s1)

	attempt := 0
	e.adapter.script = func(action string, req dispatch.Request) dispatch.Result {
		e.writeEvidence(t, s1)
		attempt++
		if attempt == 1 {
			return dispatch.Result{ParsedOutput: map[string]any{
				"changed_files": []any{"src/foo/a.py", "src/bar/b.py"},
			}}
		}
		return dispatch.Result{ParsedOutput: map[string]any{
			"changed_files": []any{"src/foo/a.py"},
		}}
	}

	res, err := e.engine(Options{}).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != contract.StatusDone || res.DispatchCalls != 2 || res.ReworkAttempts != 1 {
		t.Fatalf("result: %+v", res)
	}

	events, _ := e.store.ListEvents()
	var sawScopeFailure bool
	for _, ev := range events {
		if ev.EventType == contract.EventAcceptanceFailed {
			if code, _ := ev.Payload["reason_code"].(string); code == accept.ReasonOutOfScopeChange {
				sawScopeFailure = true
			}
		}
	}
	if !sawScopeFailure {
		t.Fatalf("expected an out-of-scope acceptance failure")
	}
}

func TestResumeSkipsAcceptedSteps(t *testing.T) {
	e := newEnv(t)
	s1, s2 := step("S1"), step("S2")
	plan := compilePlan(t, s1, s2)

	// First run is interrupted after S1 is accepted.
	calls := 0
	e.adapter.script = func(action string, req dispatch.Request) dispatch.Result {
		calls++
		if req.StepID == "S1" {
			e.writeEvidence(t, s1)
		} else {
			e.writeEvidence(t, s2)
		}
		return dispatch.Result{}
	}
	interruptAfterFirst := func() bool { return calls >= 1 }
	_, err := e.engine(Options{Interrupt: interruptAfterFirst}).Run(context.Background(), plan)
	if err != ErrInterrupted {
		t.Fatalf("expected interruption, got %v", err)
	}

	st, _ := e.ledger.LoadState()
	if st.StepStatus("S1") != contract.StepAccepted {
		t.Fatalf("S1 must be accepted before the boundary stop: %+v", st)
	}

	// Resume finishes S2 without replaying S1.
	calls = 0
	res, err := e.engine(Options{}).Resume(context.Background(), plan)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Status != contract.StatusDone {
		t.Fatalf("status: %s", res.Status)
	}
	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "S1" {
		t.Fatalf("skipped: %v", res.SkippedSteps)
	}
	if res.DispatchCalls != 1 {
		t.Fatalf("resume dispatched %d calls", res.DispatchCalls)
	}
}

func TestResumeAfterSuccessionWithAllStepsAccepted(t *testing.T) {
	e := newEnv(t)
	s1 := step("S1")
	plan := compilePlan(t, s1)

	// A successor re-enters at EXECUTE with the only step already accepted,
	// exactly as the succession exit edge leaves the run.
	st := contract.PipelineState{
		TaskID: plan.TaskID, RunID: plan.RunID, Goal: plan.Goal,
		Status: contract.StatusExecute,
		Steps:  []contract.StepState{{ID: "S1", Title: "step S1", Status: contract.StepAccepted}},
	}
	if _, err := e.ledger.SaveState(st, "transition", "DRAINING", "EXECUTE"); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	e.adapter.script = func(action string, req dispatch.Request) dispatch.Result {
		t.Fatalf("accepted step must not re-dispatch: %s %s", action, req.StepID)
		return dispatch.Result{}
	}
	res, err := e.engine(Options{}).Resume(context.Background(), plan)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Status != contract.StatusDone {
		t.Fatalf("status: %s", res.Status)
	}
	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "S1" || res.DispatchCalls != 0 {
		t.Fatalf("result: %+v", res)
	}

	got, _ := e.ledger.LoadState()
	if got.Status != contract.StatusDone {
		t.Fatalf("persisted status: %s", got.Status)
	}
	assertSubsequence(t, eventTypes(t, e.store), []string{contract.EventRunDone})
}

func TestApplyTriggerReliabilityEdges(t *testing.T) {
	e := newEnv(t)
	s1 := step("S1")
	plan := compilePlan(t, s1)
	e.adapter.script = func(action string, req dispatch.Request) dispatch.Result {
		e.writeEvidence(t, s1)
		return dispatch.Result{}
	}
	eng := e.engine(Options{})
	if _, err := eng.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// DONE accepts no reliability trigger.
	if _, err := eng.ApplyTrigger(TriggerStaleOrSuccession); err == nil {
		t.Fatalf("stale trigger from DONE must be rejected")
	}
}

func TestDrainingBlockedRecoveryChain(t *testing.T) {
	e := newEnv(t)
	st := contract.PipelineState{
		TaskID: "T1", RunID: "R1", Status: contract.StatusExecute, CurrentStep: "S1",
		Steps: []contract.StepState{{ID: "S1", Status: contract.StepRunning}},
	}
	if _, err := e.ledger.SaveState(st, "dispatch", "FREEZE", "EXECUTE"); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	eng := e.engine(Options{})

	got, err := eng.ApplyTrigger(TriggerStaleOrSuccession)
	if err != nil || got.Status != contract.StatusDraining {
		t.Fatalf("draining: %s %v", got.Status, err)
	}
	got, err = eng.ApplyTrigger(TriggerNoValidLease)
	if err != nil || got.Status != contract.StatusBlocked {
		t.Fatalf("blocked: %s %v", got.Status, err)
	}
	got, err = eng.ApplyTrigger(TriggerManualRecovery)
	if err != nil || got.Status != contract.StatusExecute {
		t.Fatalf("recovery: %s %v", got.Status, err)
	}
}

package engine

import (
	"fmt"
	"sort"

	"github.com/strongdm/daokit/internal/contract"
)

// Trigger labels the cause of a lifecycle edge. The set is closed; an edge
// not present in the table is a guard violation, never a silent no-op.
type Trigger string

const (
	TriggerExtracted         Trigger = "extracted"
	TriggerPlanFrozen        Trigger = "plan_frozen"
	TriggerDispatched        Trigger = "dispatched"
	TriggerVerified          Trigger = "verified"
	TriggerDone              Trigger = "done"
	TriggerNextStep          Trigger = "next_step"
	TriggerAcceptFailed      Trigger = "accept_failed"
	TriggerReworkExhausted   Trigger = "rework_exhausted"
	TriggerStaleOrSuccession Trigger = "stale_or_succession"
	TriggerSuccessorAccepted Trigger = "successor_accepted"
	TriggerNoValidLease      Trigger = "no_valid_lease"
	TriggerManualRecovery    Trigger = "manual_recovery"
)

type edge struct {
	trigger Trigger
	from    contract.PipelineStatus
	to      contract.PipelineStatus
}

// transitionTable is the complete lifecycle edge set: the canonical
// extract->plan->dispatch->verify->transition chain, the two conditional
// back-edges at transition, and the reliability edges.
var transitionTable = []edge{
	{TriggerExtracted, contract.StatusPlanning, contract.StatusAnalysis},
	{TriggerPlanFrozen, contract.StatusAnalysis, contract.StatusFreeze},
	{TriggerDispatched, contract.StatusFreeze, contract.StatusExecute},
	{TriggerVerified, contract.StatusExecute, contract.StatusAccept},
	{TriggerDone, contract.StatusAccept, contract.StatusDone},
	{TriggerNextStep, contract.StatusAccept, contract.StatusExecute},
	{TriggerAcceptFailed, contract.StatusAccept, contract.StatusExecute},
	{TriggerReworkExhausted, contract.StatusAccept, contract.StatusFailed},
	{TriggerStaleOrSuccession, contract.StatusExecute, contract.StatusDraining},
	{TriggerStaleOrSuccession, contract.StatusAccept, contract.StatusDraining},
	{TriggerSuccessorAccepted, contract.StatusDraining, contract.StatusExecute},
	{TriggerNoValidLease, contract.StatusDraining, contract.StatusBlocked},
	{TriggerManualRecovery, contract.StatusBlocked, contract.StatusExecute},
}

// GuardError is the structured diagnostic for a rejected transition.
type GuardError struct {
	Trigger        Trigger
	FromStatus     contract.PipelineStatus
	ToStatus       contract.PipelineStatus
	AllowedTargets []contract.PipelineStatus
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("transition guard: trigger %q does not permit %s -> %s (allowed targets from %s: %v)",
		e.Trigger, e.FromStatus, e.ToStatus, e.FromStatus, e.AllowedTargets)
}

// resolveTransition returns the target status for (trigger, from), or a
// GuardError naming every target the current status does allow.
func resolveTransition(trigger Trigger, from contract.PipelineStatus) (contract.PipelineStatus, error) {
	for _, e := range transitionTable {
		if e.trigger == trigger && e.from == from {
			return e.to, nil
		}
	}
	allowed := allowedTargets(from)
	var to contract.PipelineStatus
	for _, e := range transitionTable {
		if e.trigger == trigger {
			to = e.to
			break
		}
	}
	return "", &GuardError{Trigger: trigger, FromStatus: from, ToStatus: to, AllowedTargets: allowed}
}

func allowedTargets(from contract.PipelineStatus) []contract.PipelineStatus {
	seen := map[contract.PipelineStatus]bool{}
	var out []contract.PipelineStatus
	for _, e := range transitionTable {
		if e.from == from && !seen[e.to] {
			seen[e.to] = true
			out = append(out, e.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RouteError is the abort diagnostic for an acceptance reason code with no
// declared verify route.
type RouteError struct {
	ReasonCode string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("verify route guard: reason code %q has no declared route", e.ReasonCode)
}

// verifyRoutes maps acceptance reason codes onto transition triggers. An
// unmapped code aborts the run instead of falling through to a default.
var verifyRoutes = map[string]Trigger{
	"":                             TriggerNextStep,
	"MISSING_EVIDENCE":             TriggerAcceptFailed,
	"UNREADABLE_EVIDENCE":          TriggerAcceptFailed,
	"INVALID_EVIDENCE_PATH":        TriggerAcceptFailed,
	"OUT_OF_SCOPE_CHANGE":          TriggerAcceptFailed,
	"MISSING_COMMAND_EVIDENCE":     TriggerAcceptFailed,
	"SCOPE_AUDIT_INPUT_INCOMPLETE": TriggerAcceptFailed,
	"SCOPE_AUDIT_INPUT_INVALID":    TriggerAcceptFailed,
	"REWORK_EXHAUSTED":             TriggerReworkExhausted,
}

func routeForReason(reasonCode string) (Trigger, error) {
	trigger, ok := verifyRoutes[reasonCode]
	if !ok {
		return "", &RouteError{ReasonCode: reasonCode}
	}
	return trigger, nil
}

// Package diag derives operator-facing diagnostics from the ledger. It is
// strictly read-only: every view is computed from persisted records, never
// from runtime memory.
package diag

import (
	"sort"
	"strings"
	"time"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/procutil"
	"github.com/strongdm/daokit/internal/state"
)

// HeartbeatFreshnessDiagnostic reports current liveness and thresholds.
type HeartbeatFreshnessDiagnostic struct {
	Status              string `json:"status"`
	ReasonCode          string `json:"reason_code,omitempty"`
	SilenceSeconds      *int   `json:"silence_seconds"`
	LastHeartbeatAt     string `json:"last_heartbeat_at,omitempty"`
	ObservedAt          string `json:"observed_at,omitempty"`
	WarningAfterSeconds int    `json:"warning_after_seconds"`
	StaleAfterSeconds   int    `json:"stale_after_seconds"`
}

// LeaseTransitionDiagnostic is either a snapshot of one current lease or an
// event-sourced status transition.
type LeaseTransitionDiagnostic struct {
	Kind         string `json:"kind"` // snapshot | transition
	StepID       string `json:"step_id"`
	ThreadID     string `json:"thread_id,omitempty"`
	FromStatus   string `json:"from_status,omitempty"`
	ToStatus     string `json:"to_status"`
	Expiry       string `json:"expiry,omitempty"`
	TransitionAt string `json:"transition_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
	HolderPID    int    `json:"holder_pid,omitempty"`
	HolderAlive  *bool  `json:"holder_alive,omitempty"` // snapshot entries only
}

// TakeoverDiagnostic summarizes one succession acceptance. DecisionLatency
// is takeover_at minus decision_at in seconds; a negative difference is
// reported as null rather than inventing a clock story.
type TakeoverDiagnostic struct {
	TriggerReason          string   `json:"trigger_reason,omitempty"`
	DecisionAt             string   `json:"decision_at,omitempty"`
	TakeoverAt             string   `json:"takeover_at"`
	DecisionLatencySeconds *float64 `json:"decision_latency_seconds"`
	AdoptedStepIDs         []string `json:"adopted_step_ids"`
	FailedStepIDs          []string `json:"failed_step_ids"`
}

// TimelineEntry is one row of the merged operator timeline.
type TimelineEntry struct {
	OccurredAt string `json:"occurred_at"`
	EventID    int64  `json:"event_id"`
	EventType  string `json:"event_type"`
	Severity   string `json:"severity"`
	TaskID     string `json:"task_id"`
	RunID      string `json:"run_id"`
	StepID     string `json:"step_id,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// Report is the full diagnostics bundle for one run.
type Report struct {
	Heartbeat HeartbeatFreshnessDiagnostic `json:"heartbeat"`
	Leases    []LeaseTransitionDiagnostic  `json:"leases"`
	Takeovers []TakeoverDiagnostic         `json:"takeovers"`
	Timeline  []TimelineEntry              `json:"timeline"`
}

// HeartbeatFreshness reads the persisted heartbeat record and computes the
// silence observed at evaluation time.
func HeartbeatFreshness(store state.Store, now time.Time) (HeartbeatFreshnessDiagnostic, error) {
	hb, ok, err := store.LoadHeartbeatStatus()
	if err != nil {
		return HeartbeatFreshnessDiagnostic{}, err
	}
	if !ok {
		return HeartbeatFreshnessDiagnostic{Status: contract.HeartbeatIdle}, nil
	}
	d := HeartbeatFreshnessDiagnostic{
		Status:              hb.Status,
		ReasonCode:          hb.ReasonCode,
		LastHeartbeatAt:     hb.LastHeartbeatAt,
		ObservedAt:          hb.ObservedAt,
		WarningAfterSeconds: hb.WarningAfterSeconds,
		StaleAfterSeconds:   hb.StaleAfterSeconds,
	}
	if hb.LastHeartbeatAt != "" {
		if at, err := contract.ParseTime(hb.LastHeartbeatAt); err == nil {
			silence := int(now.Sub(at) / time.Second)
			if silence >= 0 {
				d.SilenceSeconds = &silence
			}
		}
	}
	return d, nil
}

// LeaseTransitions merges the current lease snapshot with the event-sourced
// transitions found in the journal.
func LeaseTransitions(store state.Store) ([]LeaseTransitionDiagnostic, error) {
	leases, err := store.LoadLeases()
	if err != nil {
		return nil, err
	}
	out := make([]LeaseTransitionDiagnostic, 0, len(leases))
	for _, l := range leases {
		d := LeaseTransitionDiagnostic{
			Kind:      "snapshot",
			StepID:    l.StepID,
			ThreadID:  l.ThreadID,
			ToStatus:  l.Status,
			Expiry:    l.Expiry,
			HolderPID: l.PID,
		}
		if l.Status == contract.LeaseActive && l.PID > 0 {
			alive := procutil.PIDAlive(l.PID)
			d.HolderAlive = &alive
		}
		out = append(out, d)
	}

	events, err := store.ListEvents()
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		var from, to, reason string
		switch ev.EventType {
		case contract.EventLeaseAdopted:
			from, to, reason = contract.LeaseActive, contract.LeaseActive, "adopted_by_successor"
		case contract.EventLeaseNotAdopted:
			from, to, reason = contract.LeaseActive, contract.LeaseExpired, "not_adopted"
		case contract.EventLeaseTakeover:
			from, to, reason = contract.LeaseActive, contract.LeaseActive, "takeover"
		default:
			continue
		}
		out = append(out, LeaseTransitionDiagnostic{
			Kind:         "transition",
			StepID:       ev.StepID,
			FromStatus:   from,
			ToStatus:     to,
			TransitionAt: ev.Timestamp,
			Reason:       reason,
		})
	}
	return out, nil
}

// Takeovers derives one diagnostic per SUCCESSION_ACCEPTED event. The
// decision timestamp is the nearest preceding stale heartbeat, when any.
func Takeovers(store state.Store) ([]TakeoverDiagnostic, error) {
	events, err := store.ListEvents()
	if err != nil {
		return nil, err
	}
	var out []TakeoverDiagnostic
	lastStaleAt := ""
	lastStaleReason := ""
	for _, ev := range events {
		switch ev.EventType {
		case contract.EventHeartbeatStale:
			lastStaleAt = ev.Timestamp
			if code, ok := ev.Payload["reason_code"].(string); ok {
				lastStaleReason = code
			}
		case contract.EventSuccessionAccepted:
			takeoverAt := ev.Timestamp
			if at, ok := ev.Payload["takeover_at"].(string); ok && at != "" {
				takeoverAt = at
			}
			d := TakeoverDiagnostic{
				TriggerReason:  lastStaleReason,
				DecisionAt:     lastStaleAt,
				TakeoverAt:     takeoverAt,
				AdoptedStepIDs: payloadStrings(ev.Payload["adopted_step_ids"]),
				FailedStepIDs:  payloadStrings(ev.Payload["failed_step_ids"]),
			}
			if lastStaleAt != "" {
				decision, derr := contract.ParseTime(lastStaleAt)
				takeover, terr := contract.ParseTime(takeoverAt)
				if derr == nil && terr == nil {
					latency := takeover.Sub(decision).Seconds()
					if latency >= 0 {
						d.DecisionLatencySeconds = &latency
					}
				}
			}
			out = append(out, d)
			lastStaleAt, lastStaleReason = "", ""
		}
	}
	return out, nil
}

// timelineTypes is the closed set of event types the operator timeline
// surfaces.
var timelineTypes = map[string]bool{
	contract.EventHeartbeatWarning:   true,
	contract.EventHeartbeatStale:     true,
	contract.EventLeaseTakeover:      true,
	contract.EventLeaseAdopted:       true,
	contract.EventLeaseNotAdopted:    true,
	contract.EventSuccessionAccepted: true,
	contract.EventStepFailed:         true,
}

// OperatorTimeline merges reliability events into one deterministically
// ordered view: (occurred_at, event_id, event_type, step_id).
func OperatorTimeline(store state.Store) ([]TimelineEntry, error) {
	events, err := store.ListEvents()
	if err != nil {
		return nil, err
	}
	var out []TimelineEntry
	for _, ev := range events {
		if !timelineTypes[ev.EventType] {
			continue
		}
		out = append(out, TimelineEntry{
			OccurredAt: ev.Timestamp,
			EventID:    ev.EventID,
			EventType:  ev.EventType,
			Severity:   ev.Severity,
			TaskID:     ev.TaskID,
			RunID:      ev.RunID,
			StepID:     ev.StepID,
			Summary:    summarize(ev),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OccurredAt != b.OccurredAt {
			return a.OccurredAt < b.OccurredAt
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		if a.EventType != b.EventType {
			return a.EventType < b.EventType
		}
		return a.StepID < b.StepID
	})
	return out, nil
}

// Collect builds the full report.
func Collect(store state.Store, now time.Time) (Report, error) {
	hb, err := HeartbeatFreshness(store, now)
	if err != nil {
		return Report{}, err
	}
	leases, err := LeaseTransitions(store)
	if err != nil {
		return Report{}, err
	}
	takeovers, err := Takeovers(store)
	if err != nil {
		return Report{}, err
	}
	timeline, err := OperatorTimeline(store)
	if err != nil {
		return Report{}, err
	}
	if leases == nil {
		leases = []LeaseTransitionDiagnostic{}
	}
	if takeovers == nil {
		takeovers = []TakeoverDiagnostic{}
	}
	if timeline == nil {
		timeline = []TimelineEntry{}
	}
	return Report{Heartbeat: hb, Leases: leases, Takeovers: takeovers, Timeline: timeline}, nil
}

func summarize(ev contract.Event) string {
	switch ev.EventType {
	case contract.EventHeartbeatStale:
		if code, ok := ev.Payload["reason_code"].(string); ok {
			return "heartbeat stale (" + code + ")"
		}
		return "heartbeat stale"
	case contract.EventHeartbeatWarning:
		return "heartbeat warning"
	case contract.EventSuccessionAccepted:
		adopted := payloadStrings(ev.Payload["adopted_step_ids"])
		if len(adopted) > 0 {
			return "succession accepted, adopted " + strings.Join(adopted, ", ")
		}
		return "succession accepted"
	case contract.EventLeaseAdopted:
		return "lease adopted by successor"
	case contract.EventLeaseNotAdopted:
		return "lease not adopted"
	case contract.EventStepFailed:
		if reason, ok := ev.Payload["reason"].(string); ok {
			return "step failed (" + reason + ")"
		}
		return "step failed"
	default:
		return ""
	}
}

func payloadStrings(v any) []string {
	out := []string{}
	switch items := v.(type) {
	case []string:
		out = append(out, items...)
	case []any:
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

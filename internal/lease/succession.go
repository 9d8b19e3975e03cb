package lease

import (
	"time"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/ledger"
)

// Successor identifies the replacement executor claiming a run.
type Successor struct {
	ThreadID string
	PID      int
	Lane     string
	TTL      time.Duration
}

// TakeoverResult is the adoption outcome for one run.
type TakeoverResult struct {
	TaskID         string   `json:"task_id"`
	RunID          string   `json:"run_id"`
	TakeoverAt     string   `json:"takeover_at"`
	AdoptedStepIDs []string `json:"adopted_step_ids"`
	FailedStepIDs  []string `json:"failed_step_ids"`
}

// SuccessionManager transfers live claims for a whole run to a successor
// and reconciles pipeline state with the adoption outcome.
type SuccessionManager struct {
	registry *Registry
	ledger   *ledger.Ledger
}

func NewSuccessionManager(registry *Registry, led *ledger.Ledger) *SuccessionManager {
	return &SuccessionManager{registry: registry, ledger: led}
}

// AcceptSuccessor adopts every ACTIVE, unexpired lease for the run and fails
// the running steps whose leases could not be adopted. The result is also
// written into pipeline state under the succession record, and role
// lifecycle ownership is rewritten to the successor's lane.
func (m *SuccessionManager) AcceptSuccessor(successor Successor) (TakeoverResult, error) {
	taskID, runID := m.ledger.TaskID(), m.ledger.RunID()
	now := m.registry.now().UTC()
	takeoverAt := contract.FormatTime(now)

	st, err := m.ledger.LoadState()
	if err != nil {
		return TakeoverResult{}, err
	}

	leases, err := m.registry.loadExpired(now)
	if err != nil {
		return TakeoverResult{}, err
	}

	ttl := successor.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	adopted := []string{}
	adoptedSet := map[string]bool{}
	for i := range leases {
		l := &leases[i]
		if l.TaskID != taskID || l.RunID != runID {
			continue
		}
		if l.Status != contract.LeaseActive {
			continue
		}
		l.ThreadID = successor.ThreadID
		l.PID = successor.PID
		if successor.Lane != "" {
			l.Lane = successor.Lane
		}
		l.LeaseToken = contract.NewLeaseToken()
		l.Expiry = contract.FormatTime(now.Add(ttl))
		l.LastHeartbeatAt = takeoverAt
		l.UpdatedAt = takeoverAt
		adopted = append(adopted, l.StepID)
		adoptedSet[l.StepID] = true
	}
	if err := m.registry.store.SaveLeases(leases); err != nil {
		return TakeoverResult{}, err
	}

	// Running steps with no adopted lease cannot continue under the
	// successor; they fail here rather than limping on unowned.
	failed := []string{}
	for i := range st.Steps {
		step := &st.Steps[i]
		if step.Status != contract.StepRunning || adoptedSet[step.ID] {
			continue
		}
		step.Status = contract.StepFailed
		failed = append(failed, step.ID)
	}

	if st.RoleLifecycle == nil {
		st.RoleLifecycle = map[string]string{}
	}
	lane := successor.Lane
	if lane == "" {
		lane = successor.ThreadID
	}
	st.RoleLifecycle["controller_lane"] = lane
	for _, stepID := range adopted {
		st.RoleLifecycle["controller_ownership"] = lane + ":" + stepID
		st.RoleLifecycle["lane:"+lane] = "active_step:" + stepID
		st.RoleLifecycle["step:"+stepID] = "owned_by_lane:" + lane
	}
	for _, stepID := range failed {
		st.RoleLifecycle["step:"+stepID] = "failed_non_adopted_lease"
	}
	st.Succession.LastTakeoverAt = takeoverAt
	st.Succession.Successor = successor.ThreadID

	if _, err := m.ledger.SaveState(st, "succession", string(st.Status), string(st.Status)); err != nil {
		return TakeoverResult{}, err
	}

	for _, stepID := range adopted {
		if _, err := m.ledger.Emit(contract.EventLeaseAdopted, contract.SeverityInfo, stepID, map[string]any{
			"successor_thread_id": successor.ThreadID,
			"successor_pid":       successor.PID,
			"takeover_at":         takeoverAt,
		}); err != nil {
			return TakeoverResult{}, err
		}
	}
	for _, stepID := range failed {
		if _, err := m.ledger.Emit(contract.EventLeaseNotAdopted, contract.SeverityWarning, stepID, map[string]any{
			"takeover_at": takeoverAt,
		}); err != nil {
			return TakeoverResult{}, err
		}
		if _, err := m.ledger.Emit(contract.EventStepFailed, contract.SeverityError, stepID, map[string]any{
			"reason": "failed_non_adopted_lease",
		}); err != nil {
			return TakeoverResult{}, err
		}
	}
	if _, err := m.ledger.Emit(contract.EventSuccessionAccepted, contract.SeverityInfo, "", map[string]any{
		"successor_thread_id": successor.ThreadID,
		"successor_pid":       successor.PID,
		"takeover_at":         takeoverAt,
		"adopted_step_ids":    adopted,
		"failed_step_ids":     failed,
	}); err != nil {
		return TakeoverResult{}, err
	}

	return TakeoverResult{
		TaskID:         taskID,
		RunID:          runID,
		TakeoverAt:     takeoverAt,
		AdoptedStepIDs: adopted,
		FailedStepIDs:  failed,
	}, nil
}

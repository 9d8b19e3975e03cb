// Package lease is the cross-process coordination primitive: a registry of
// bounded ownership claims over (run, step) pairs, plus the succession path
// that transfers live claims to a replacement executor. Mutations are
// linearised by the backing store's whole-object lease write.
package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/state"
)

// Stable error codes for rejected lease operations.
var (
	ErrLeaseExpired         = errors.New("LEASE_EXPIRED")
	ErrOwnershipMismatch    = errors.New("LEASE_OWNERSHIP_MISMATCH")
	ErrNoActiveLease        = errors.New("NO_ACTIVE_LEASE")
	ErrDuplicateActiveLease = errors.New("DUPLICATE_ACTIVE_LEASE")
)

// DefaultTTL is the lease lifetime when the caller supplies none.
const DefaultTTL = 1200 * time.Second

// Identity names the (task, run, step) a mutating operation targets.
type Identity struct {
	TaskID string
	RunID  string
	StepID string
}

// Registry manages lease records against a state backend.
type Registry struct {
	store state.Store
	now   func() time.Time
}

func NewRegistry(store state.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// SetClock replaces the time source; test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register issues a fresh ACTIVE lease for the identity. At most one active
// lease may exist per (run_id, step_id).
func (r *Registry) Register(id Identity, lane, threadID string, pid int, ttl time.Duration) (contract.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := r.now().UTC()
	leases, err := r.loadExpired(now)
	if err != nil {
		return contract.Lease{}, err
	}
	for _, l := range leases {
		if l.RunID == id.RunID && l.StepID == id.StepID && l.Status == contract.LeaseActive {
			return contract.Lease{}, fmt.Errorf("%w: run %s step %s already held by %s",
				ErrDuplicateActiveLease, id.RunID, id.StepID, l.ThreadID)
		}
	}
	lease := contract.Lease{
		SchemaVersion:   contract.SchemaVersion,
		Lane:            lane,
		StepID:          id.StepID,
		TaskID:          id.TaskID,
		RunID:           id.RunID,
		ThreadID:        threadID,
		PID:             pid,
		LeaseToken:      contract.NewLeaseToken(),
		Expiry:          contract.FormatTime(now.Add(ttl)),
		Status:          contract.LeaseActive,
		LastHeartbeatAt: contract.FormatTime(now),
		CreatedAt:       contract.FormatTime(now),
		UpdatedAt:       contract.FormatTime(now),
	}
	leases = append(leases, lease)
	if err := r.store.SaveLeases(leases); err != nil {
		return contract.Lease{}, err
	}
	return lease, nil
}

// Heartbeat refreshes last_heartbeat_at on an active lease.
func (r *Registry) Heartbeat(id Identity, token string) (contract.Lease, error) {
	return r.mutateActive(id, token, func(l *contract.Lease, now time.Time) {
		l.LastHeartbeatAt = contract.FormatTime(now)
	})
}

// Renew extends the expiry of an active lease by ttl from now.
func (r *Registry) Renew(id Identity, token string, ttl time.Duration) (contract.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return r.mutateActive(id, token, func(l *contract.Lease, now time.Time) {
		l.Expiry = contract.FormatTime(now.Add(ttl))
		l.LastHeartbeatAt = contract.FormatTime(now)
	})
}

// Release transitions an active lease to RELEASED.
func (r *Registry) Release(id Identity, token string) (contract.Lease, error) {
	return r.mutateActive(id, token, func(l *contract.Lease, now time.Time) {
		l.Status = contract.LeaseReleased
	})
}

// Takeover transfers one active lease to a successor identity. The token
// check is skipped: takeover exists precisely because the holder is gone.
func (r *Registry) Takeover(id Identity, successorThreadID string, successorPID int, ttl time.Duration) (contract.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := r.now().UTC()
	leases, err := r.loadExpired(now)
	if err != nil {
		return contract.Lease{}, err
	}
	idx := -1
	for i, l := range leases {
		if l.TaskID != id.TaskID || l.RunID != id.RunID || l.StepID != id.StepID {
			continue
		}
		if l.Status == contract.LeaseExpired {
			if err := r.store.SaveLeases(leases); err != nil {
				return contract.Lease{}, err
			}
			return contract.Lease{}, fmt.Errorf("%w: step %s", ErrLeaseExpired, id.StepID)
		}
		if l.Status == contract.LeaseActive {
			idx = i
		}
	}
	if idx < 0 {
		if err := r.store.SaveLeases(leases); err != nil {
			return contract.Lease{}, err
		}
		return contract.Lease{}, fmt.Errorf("%w: step %s", ErrNoActiveLease, id.StepID)
	}
	l := &leases[idx]
	l.ThreadID = successorThreadID
	l.PID = successorPID
	l.LeaseToken = contract.NewLeaseToken()
	l.Expiry = contract.FormatTime(now.Add(ttl))
	l.LastHeartbeatAt = contract.FormatTime(now)
	l.UpdatedAt = contract.FormatTime(now)
	if err := r.store.SaveLeases(leases); err != nil {
		return contract.Lease{}, err
	}
	return *l, nil
}

// List returns all leases after the expiry sweep.
func (r *Registry) List() ([]contract.Lease, error) {
	now := r.now().UTC()
	leases, err := r.loadExpired(now)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveLeases(leases); err != nil {
		return nil, err
	}
	return leases, nil
}

// ActiveForRun returns the active leases for (task, run) after the sweep.
func (r *Registry) ActiveForRun(taskID, runID string) ([]contract.Lease, error) {
	leases, err := r.List()
	if err != nil {
		return nil, err
	}
	var active []contract.Lease
	for _, l := range leases {
		if l.TaskID == taskID && l.RunID == runID && l.Status == contract.LeaseActive {
			active = append(active, l)
		}
	}
	return active, nil
}

func (r *Registry) mutateActive(id Identity, token string, mutate func(*contract.Lease, time.Time)) (contract.Lease, error) {
	now := r.now().UTC()
	leases, err := r.loadExpired(now)
	if err != nil {
		return contract.Lease{}, err
	}
	idx := -1
	for i, l := range leases {
		if l.LeaseToken != token {
			continue
		}
		if l.TaskID != id.TaskID || l.RunID != id.RunID || l.StepID != id.StepID {
			if err := r.store.SaveLeases(leases); err != nil {
				return contract.Lease{}, err
			}
			return contract.Lease{}, fmt.Errorf("%w: lease %s bound to (%s, %s, %s)",
				ErrOwnershipMismatch, token, l.TaskID, l.RunID, l.StepID)
		}
		idx = i
		break
	}
	if idx < 0 {
		if err := r.store.SaveLeases(leases); err != nil {
			return contract.Lease{}, err
		}
		return contract.Lease{}, fmt.Errorf("%w: step %s", ErrNoActiveLease, id.StepID)
	}
	l := &leases[idx]
	switch l.Status {
	case contract.LeaseExpired:
		if err := r.store.SaveLeases(leases); err != nil {
			return contract.Lease{}, err
		}
		return contract.Lease{}, fmt.Errorf("%w: step %s expired at %s", ErrLeaseExpired, id.StepID, l.Expiry)
	case contract.LeaseActive:
	default:
		if err := r.store.SaveLeases(leases); err != nil {
			return contract.Lease{}, err
		}
		return contract.Lease{}, fmt.Errorf("%w: step %s is %s", ErrNoActiveLease, id.StepID, l.Status)
	}
	mutate(l, now)
	l.UpdatedAt = contract.FormatTime(now)
	if err := r.store.SaveLeases(leases); err != nil {
		return contract.Lease{}, err
	}
	return *l, nil
}

// loadExpired loads all leases and sweeps the expiry boundary first: any
// active lease with expiry <= now becomes EXPIRED before evaluation. The
// caller persists the swept set with its own mutation.
func (r *Registry) loadExpired(now time.Time) ([]contract.Lease, error) {
	leases, err := r.store.LoadLeases()
	if err != nil {
		return nil, err
	}
	for i := range leases {
		if leases[i].Status != contract.LeaseActive {
			continue
		}
		expiry, err := contract.ParseTime(leases[i].Expiry)
		if err != nil {
			continue
		}
		if !expiry.After(now) {
			leases[i].Status = contract.LeaseExpired
			leases[i].UpdatedAt = contract.FormatTime(now)
		}
	}
	return leases, nil
}

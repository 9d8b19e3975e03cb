package lease

import (
	"errors"
	"testing"
	"time"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/ledger"
	"github.com/strongdm/daokit/internal/state"
)

func newRegistry(t *testing.T) (*Registry, state.Store) {
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
	return NewRegistry(store), store
}

func frozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRegisterAndRenew(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.SetClock(frozenClock(t0))

	id := Identity{TaskID: "T1", RunID: "R1", StepID: "S1"}
	lease, err := reg.Register(id, "lane-a", "thread-abc", 4242, 20*time.Minute)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if lease.Status != contract.LeaseActive || lease.LeaseToken == "" {
		t.Fatalf("lease: %+v", lease)
	}
	if lease.Expiry != contract.FormatTime(t0.Add(20*time.Minute)) {
		t.Fatalf("expiry: %s", lease.Expiry)
	}

	// Second active lease for the same (run, step) is rejected.
	if _, err := reg.Register(id, "lane-b", "thread-xyz", 1, time.Minute); !errors.Is(err, ErrDuplicateActiveLease) {
		t.Fatalf("duplicate register: %v", err)
	}

	reg.SetClock(frozenClock(t0.Add(10 * time.Minute)))
	renewed, err := reg.Renew(id, lease.LeaseToken, 20*time.Minute)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.Expiry != contract.FormatTime(t0.Add(30*time.Minute)) {
		t.Fatalf("renewed expiry: %s", renewed.Expiry)
	}
}

func TestExpiryBoundaryIsInclusive(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.SetClock(frozenClock(t0))

	id := Identity{TaskID: "T1", RunID: "R1", StepID: "S1"}
	lease, err := reg.Register(id, "lane-a", "thread-abc", 1, 10*time.Minute)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Exactly at expiry the lease is already gone.
	reg.SetClock(frozenClock(t0.Add(10 * time.Minute)))
	if _, err := reg.Heartbeat(id, lease.LeaseToken); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("heartbeat at expiry: %v", err)
	}

	leases, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(leases) != 1 || leases[0].Status != contract.LeaseExpired {
		t.Fatalf("leases: %+v", leases)
	}
}

func TestOwnershipMismatchRejected(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.SetClock(frozenClock(t0))

	id := Identity{TaskID: "T1", RunID: "R1", StepID: "S1"}
	lease, err := reg.Register(id, "lane-a", "thread-abc", 1, time.Hour)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	wrong := Identity{TaskID: "T1", RunID: "R1", StepID: "S2"}
	if _, err := reg.Heartbeat(wrong, lease.LeaseToken); !errors.Is(err, ErrOwnershipMismatch) {
		t.Fatalf("mismatched identity: %v", err)
	}
	if _, err := reg.Heartbeat(id, "lease_deadbeef"); !errors.Is(err, ErrNoActiveLease) {
		t.Fatalf("unknown token: %v", err)
	}
}

func TestReleaseThenTakeoverFails(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.SetClock(frozenClock(t0))

	id := Identity{TaskID: "T1", RunID: "R1", StepID: "S1"}
	lease, err := reg.Register(id, "lane-a", "thread-abc", 1, time.Hour)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	released, err := reg.Release(id, lease.LeaseToken)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != contract.LeaseReleased {
		t.Fatalf("status: %s", released.Status)
	}
	if _, err := reg.Takeover(id, "thread-next", 2, time.Hour); !errors.Is(err, ErrNoActiveLease) {
		t.Fatalf("takeover of released lease: %v", err)
	}
}

func TestTakeoverTransfersActiveLease(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.SetClock(frozenClock(t0))

	id := Identity{TaskID: "T1", RunID: "R1", StepID: "S1"}
	original, err := reg.Register(id, "lane-a", "thread-abc", 1, time.Hour)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	taken, err := reg.Takeover(id, "thread-recover", 99, 30*time.Minute)
	if err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	if taken.ThreadID != "thread-recover" || taken.PID != 99 {
		t.Fatalf("lease: %+v", taken)
	}
	if taken.LeaseToken == original.LeaseToken {
		t.Fatalf("token must rotate on takeover")
	}
	if taken.Status != contract.LeaseActive {
		t.Fatalf("status: %s", taken.Status)
	}
}

func TestAcceptSuccessorAdoptsAndFails(t *testing.T) {
	reg, store := newRegistry(t)
	reg.SetClock(frozenClock(t0))
	led := ledger.New(store, "T1", "R1")

	st := contract.PipelineState{
		TaskID: "T1", RunID: "R1", Goal: "demo",
		Status:      contract.StatusExecute,
		CurrentStep: "S1",
		Steps: []contract.StepState{
			{ID: "S1", Status: contract.StepRunning},
			{ID: "S2", Status: contract.StepRunning},
			{ID: "S3", Status: contract.StepAccepted},
		},
	}
	if _, err := led.SaveState(st, "dispatch", "FREEZE", "EXECUTE"); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	// S1 holds a live lease; S2's lease has already expired.
	if _, err := reg.Register(Identity{TaskID: "T1", RunID: "R1", StepID: "S1"}, "lane-a", "thread-old", 1, time.Hour); err != nil {
		t.Fatalf("Register S1: %v", err)
	}
	if _, err := reg.Register(Identity{TaskID: "T1", RunID: "R1", StepID: "S2"}, "lane-a", "thread-old", 1, time.Minute); err != nil {
		t.Fatalf("Register S2: %v", err)
	}
	reg.SetClock(frozenClock(t0.Add(5 * time.Minute)))

	mgr := NewSuccessionManager(reg, led)
	res, err := mgr.AcceptSuccessor(Successor{ThreadID: "thread-recover", PID: 7, Lane: "lane-b"})
	if err != nil {
		t.Fatalf("AcceptSuccessor: %v", err)
	}
	if len(res.AdoptedStepIDs) != 1 || res.AdoptedStepIDs[0] != "S1" {
		t.Fatalf("adopted: %v", res.AdoptedStepIDs)
	}
	if len(res.FailedStepIDs) != 1 || res.FailedStepIDs[0] != "S2" {
		t.Fatalf("failed: %v", res.FailedStepIDs)
	}
	if res.TakeoverAt == "" {
		t.Fatalf("takeover_at missing")
	}

	after, err := led.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if after.Succession.LastTakeoverAt != res.TakeoverAt || after.Succession.Successor != "thread-recover" {
		t.Fatalf("succession record: %+v", after.Succession)
	}
	if after.StepStatus("S2") != contract.StepFailed {
		t.Fatalf("S2 status: %s", after.StepStatus("S2"))
	}
	if after.StepStatus("S3") != contract.StepAccepted {
		t.Fatalf("S3 status: %s", after.StepStatus("S3"))
	}
	if after.RoleLifecycle["step:S2"] != "failed_non_adopted_lease" {
		t.Fatalf("role_lifecycle: %v", after.RoleLifecycle)
	}
	if after.RoleLifecycle["step:S1"] != "owned_by_lane:lane-b" {
		t.Fatalf("role_lifecycle: %v", after.RoleLifecycle)
	}
	if after.RoleLifecycle["controller_lane"] != "lane-b" {
		t.Fatalf("role_lifecycle: %v", after.RoleLifecycle)
	}

	events, err := store.ListEvents()
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	for _, want := range []string{contract.EventLeaseAdopted, contract.EventLeaseNotAdopted, contract.EventStepFailed, contract.EventSuccessionAccepted} {
		found := false
		for _, got := range types {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}

	// The adopted lease now belongs to the successor.
	leases, _ := reg.List()
	for _, l := range leases {
		if l.StepID == "S1" && (l.ThreadID != "thread-recover" || l.Status != contract.LeaseActive) {
			t.Fatalf("adopted lease: %+v", l)
		}
		if l.StepID == "S2" && l.Status != contract.LeaseExpired {
			t.Fatalf("expired lease: %+v", l)
		}
	}
}

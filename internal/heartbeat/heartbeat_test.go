package heartbeat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/ledger"
	"github.com/strongdm/daokit/internal/state"
)

func newLedger(t *testing.T) *ledger.Ledger {
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
	return ledger.New(store, "T1", "R1")
}

func TestStaleReasonCode(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{1200, "NO_OUTPUT_20M"},
		{3600, "NO_OUTPUT_1H"},
		{7200, "NO_OUTPUT_2H"},
		{90, "NO_OUTPUT_90S"},
		{900, "NO_OUTPUT_15M"},
	}
	for _, tc := range cases {
		if got := StaleReasonCode(tc.seconds); got != tc.want {
			t.Fatalf("StaleReasonCode(%d) = %s, want %s", tc.seconds, got, tc.want)
		}
	}
}

func TestEvaluateBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th := DefaultThresholds()

	cases := []struct {
		name    string
		silence time.Duration
		want    string
	}{
		{"fresh", 10 * time.Second, contract.HeartbeatRunning},
		{"just under warning", 899 * time.Second, contract.HeartbeatRunning},
		{"warning boundary", 900 * time.Second, contract.HeartbeatWarning},
		{"just under stale", 1199 * time.Second, contract.HeartbeatWarning},
		{"stale boundary inclusive", 1200 * time.Second, contract.HeartbeatStale},
		{"long silence", 7500 * time.Second, contract.HeartbeatStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Evaluate(now, true, th, now.Add(-tc.silence), time.Time{})
			if v.Status != tc.want {
				t.Fatalf("status = %s, want %s (silence=%d)", v.Status, tc.want, v.SilenceSeconds)
			}
			if v.Status == contract.HeartbeatStale && v.ReasonCode != "NO_OUTPUT_20M" {
				t.Fatalf("reason = %s", v.ReasonCode)
			}
		})
	}
}

func TestEvaluateIdleWhenNotActive(t *testing.T) {
	v := Evaluate(time.Now(), false, DefaultThresholds(), time.Time{}, time.Time{})
	if v.Status != contract.HeartbeatIdle {
		t.Fatalf("status = %s", v.Status)
	}
}

func TestEvaluateImplicitActivityWins(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	explicit := now.Add(-2 * time.Hour)
	implicit := now.Add(-30 * time.Second)
	v := Evaluate(now, true, DefaultThresholds(), explicit, implicit)
	if v.Status != contract.HeartbeatRunning {
		t.Fatalf("status = %s (silence=%d)", v.Status, v.SilenceSeconds)
	}
}

func TestEvaluateNoActivitySignalIsStale(t *testing.T) {
	v := Evaluate(time.Now(), true, DefaultThresholds(), time.Time{}, time.Time{})
	if v.Status != contract.HeartbeatStale || v.ReasonCode != "NO_OUTPUT_20M" {
		t.Fatalf("status=%s reason=%s", v.Status, v.ReasonCode)
	}
}

func TestLatestArtifactMtime(t *testing.T) {
	root := t.TempDir()
	if got := LatestArtifactMtime(filepath.Join(root, "missing")); !got.IsZero() {
		t.Fatalf("missing root: %v", got)
	}

	old := filepath.Join(root, "T1", "R1", "S1", "call-000", "output.json")
	if err := os.MkdirAll(filepath.Dir(old), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(old, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	newer := filepath.Join(root, "T1", "R1", "S2", "output.json")
	if err := os.MkdirAll(filepath.Dir(newer), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(newer, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := LatestArtifactMtime(root)
	if got.Before(past.Add(30 * time.Minute)) {
		t.Fatalf("newest mtime not picked: %v", got)
	}
}

func TestTickStaleStreakDedup(t *testing.T) {
	led := newLedger(t)
	monitor := NewMonitor(led, DefaultThresholds())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	explicit := now.Add(-2000 * time.Second)
	artifactRoot := filepath.Join(t.TempDir(), "none")

	v, err := monitor.Tick(now, true, explicit, artifactRoot)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if v.Status != contract.HeartbeatStale {
		t.Fatalf("status = %s", v.Status)
	}

	// Two more ticks in the same silence streak.
	for i := 0; i < 2; i++ {
		now = now.Add(time.Duration(monitor.thresholds.CheckIntervalSeconds) * time.Second)
		if _, err := monitor.Tick(now, true, explicit, artifactRoot); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	events, err := led.Store().ListEvents()
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	stale := 0
	for _, ev := range events {
		if ev.EventType == contract.EventHeartbeatStale {
			stale++
		}
	}
	if stale != 1 {
		t.Fatalf("stale events = %d, want 1", stale)
	}

	// A fresh heartbeat starts a new streak; the next stale emits again.
	explicit = now.Add(-1 * time.Second)
	if v, err := monitor.Tick(now, true, explicit, artifactRoot); err != nil || v.Status != contract.HeartbeatRunning {
		t.Fatalf("recovered tick: %v status=%s", err, v.Status)
	}
	now = now.Add(2000 * time.Second)
	if _, err := monitor.Tick(now, true, explicit, artifactRoot); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	events, _ = led.Store().ListEvents()
	stale = 0
	for _, ev := range events {
		if ev.EventType == contract.EventHeartbeatStale {
			stale++
		}
	}
	if stale != 2 {
		t.Fatalf("stale events after new streak = %d, want 2", stale)
	}
}

func TestTickPersistsHeartbeatRecord(t *testing.T) {
	led := newLedger(t)
	monitor := NewMonitor(led, Thresholds{WarningAfterSeconds: 60, StaleAfterSeconds: 120})

	now := time.Now().UTC()
	if _, err := monitor.Tick(now, true, now.Add(-10*time.Second), t.TempDir()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	hb, ok, err := led.Store().LoadHeartbeatStatus()
	if err != nil || !ok {
		t.Fatalf("LoadHeartbeatStatus: ok=%v err=%v", ok, err)
	}
	if hb.Status != contract.HeartbeatRunning || hb.StaleAfterSeconds != 120 {
		t.Fatalf("record: %+v", hb)
	}
	if err := contract.ValidateHeartbeatStatus(hb); err != nil {
		t.Fatalf("schema: %v", err)
	}
}

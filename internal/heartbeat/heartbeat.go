// Package heartbeat turns silence into an explicit liveness verdict.
// Activity is the max of the last explicit heartbeat and the newest
// dispatch artifact mtime, so a worker that writes artifacts but never
// phones home still counts as alive.
package heartbeat

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/ledger"
)

// Thresholds is the explicit heartbeat configuration record.
type Thresholds struct {
	WarningAfterSeconds  int
	StaleAfterSeconds    int
	CheckIntervalSeconds int
}

// DefaultThresholds returns the standard silence thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningAfterSeconds:  900,
		StaleAfterSeconds:    1200,
		CheckIntervalSeconds: 300,
	}
}

func (t Thresholds) normalized() Thresholds {
	d := DefaultThresholds()
	if t.WarningAfterSeconds <= 0 {
		t.WarningAfterSeconds = d.WarningAfterSeconds
	}
	if t.StaleAfterSeconds <= 0 {
		t.StaleAfterSeconds = d.StaleAfterSeconds
	}
	if t.CheckIntervalSeconds <= 0 {
		t.CheckIntervalSeconds = d.CheckIntervalSeconds
	}
	return t
}

// Verdict is the outcome of one heartbeat evaluation.
type Verdict struct {
	Status         string
	ReasonCode     string
	SilenceSeconds int
	LastActivityAt time.Time
}

// StaleReasonCode derives the reason label from the stale threshold, not
// from the observed silence: a run that has been quiet for hours still
// reports the boundary it crossed (1200 -> NO_OUTPUT_20M).
func StaleReasonCode(staleAfterSeconds int) string {
	switch {
	case staleAfterSeconds%3600 == 0:
		return fmt.Sprintf("NO_OUTPUT_%dH", staleAfterSeconds/3600)
	case staleAfterSeconds%60 == 0:
		return fmt.Sprintf("NO_OUTPUT_%dM", staleAfterSeconds/60)
	default:
		return fmt.Sprintf("NO_OUTPUT_%dS", staleAfterSeconds)
	}
}

// Evaluate computes the liveness verdict at now. executionActive reports
// whether a step is currently running; without one the verdict is IDLE.
// explicitAt and implicitAt may each be zero when unknown. The stale
// boundary is inclusive.
func Evaluate(now time.Time, executionActive bool, thresholds Thresholds, explicitAt, implicitAt time.Time) Verdict {
	thresholds = thresholds.normalized()
	if !executionActive {
		return Verdict{Status: contract.HeartbeatIdle}
	}

	lastActivity := explicitAt
	if implicitAt.After(lastActivity) {
		lastActivity = implicitAt
	}
	if lastActivity.IsZero() {
		// Active execution with no activity signal at all is already stale.
		return Verdict{
			Status:         contract.HeartbeatStale,
			ReasonCode:     StaleReasonCode(thresholds.StaleAfterSeconds),
			SilenceSeconds: thresholds.StaleAfterSeconds,
		}
	}

	silence := int(now.Sub(lastActivity) / time.Second)
	if silence < 0 {
		silence = 0
	}
	v := Verdict{SilenceSeconds: silence, LastActivityAt: lastActivity}
	switch {
	case silence >= thresholds.StaleAfterSeconds:
		v.Status = contract.HeartbeatStale
		v.ReasonCode = StaleReasonCode(thresholds.StaleAfterSeconds)
	case silence >= thresholds.WarningAfterSeconds:
		v.Status = contract.HeartbeatWarning
	default:
		v.Status = contract.HeartbeatRunning
	}
	return v
}

// LatestArtifactMtime walks the artifact root for the newest file
// modification time. A missing root is simply "no implicit liveness".
func LatestArtifactMtime(artifactRoot string) time.Time {
	var newest time.Time
	filepath.WalkDir(artifactRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}

// Monitor evaluates and records heartbeat verdicts against the ledger.
type Monitor struct {
	ledger     *ledger.Ledger
	thresholds Thresholds
}

func NewMonitor(led *ledger.Ledger, thresholds Thresholds) *Monitor {
	return &Monitor{ledger: led, thresholds: thresholds.normalized()}
}

// Tick evaluates liveness, persists the heartbeat record, and escalates.
// WARNING emits per tick; STALE emits once per silence streak, deduplicated
// on (task_id, last_heartbeat_at, reason_code) so a dead worker does not
// flood the journal.
func (m *Monitor) Tick(now time.Time, executionActive bool, explicitAt time.Time, artifactRoot string) (Verdict, error) {
	implicitAt := LatestArtifactMtime(artifactRoot)
	v := Evaluate(now, executionActive, m.thresholds, explicitAt, implicitAt)

	lastHeartbeat := ""
	if !explicitAt.IsZero() {
		lastHeartbeat = contract.FormatTime(explicitAt)
	}
	record := contract.HeartbeatStatus{
		SchemaVersion:       contract.SchemaVersion,
		Status:              v.Status,
		ReasonCode:          v.ReasonCode,
		LastHeartbeatAt:     lastHeartbeat,
		ObservedAt:          contract.FormatTime(now),
		WarningAfterSeconds: m.thresholds.WarningAfterSeconds,
		StaleAfterSeconds:   m.thresholds.StaleAfterSeconds,
	}
	if err := m.ledger.Store().SaveHeartbeatStatus(record); err != nil {
		return v, err
	}

	switch v.Status {
	case contract.HeartbeatWarning:
		_, err := m.ledger.Emit(contract.EventHeartbeatWarning, contract.SeverityWarning, "", map[string]any{
			"silence_seconds":       v.SilenceSeconds,
			"warning_after_seconds": m.thresholds.WarningAfterSeconds,
		})
		if err != nil {
			return v, err
		}
	case contract.HeartbeatStale:
		dedupKey := fmt.Sprintf("%s|%s|%s", m.ledger.TaskID(), lastHeartbeat, v.ReasonCode)
		_, _, err := m.ledger.EmitDeduped(contract.EventHeartbeatStale, contract.SeverityError, "", dedupKey, map[string]any{
			"silence_seconds":     v.SilenceSeconds,
			"stale_after_seconds": m.thresholds.StaleAfterSeconds,
			"reason_code":         v.ReasonCode,
		})
		if err != nil {
			return v, err
		}
	}
	return v, nil
}

// Package ledger is the typed write façade over a state backend. Every
// subsystem publishes events through it; it owns the checkpoint discipline
// and the snapshot/event write boundary (delegated to the backend).
package ledger

import (
	"fmt"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/state"
)

type Ledger struct {
	store  state.Store
	taskID string
	runID  string
}

func New(store state.Store, taskID, runID string) *Ledger {
	return &Ledger{store: store, taskID: taskID, runID: runID}
}

// Store exposes the backend for read-only consumers (status, diagnostics).
func (l *Ledger) Store() state.Store { return l.store }

func (l *Ledger) TaskID() string { return l.taskID }
func (l *Ledger) RunID() string  { return l.runID }

func (l *Ledger) LoadState() (contract.PipelineState, error) {
	return l.store.LoadState()
}

// SaveState persists the snapshot, the state object, and the announcing
// transition event in one boundary. The returned state is the persisted
// form, suitable for checkpoint hashing.
func (l *Ledger) SaveState(st contract.PipelineState, node, fromStatus, toStatus string) (contract.PipelineState, error) {
	persisted, _, err := l.store.SaveState(st, node, fromStatus, toStatus)
	if err != nil {
		return contract.PipelineState{}, fmt.Errorf("ledger write: %w", err)
	}
	return persisted, nil
}

// Emit appends one event correlated to this run.
func (l *Ledger) Emit(eventType, severity, stepID string, payload map[string]any) (contract.Event, error) {
	ev, err := l.store.AppendEvent(contract.Event{
		EventType: eventType,
		Severity:  severity,
		TaskID:    l.taskID,
		RunID:     l.runID,
		StepID:    stepID,
		Payload:   payload,
	})
	if err != nil {
		return contract.Event{}, fmt.Errorf("ledger write: %w", err)
	}
	return ev, nil
}

// EmitDeduped appends the event unless one with the same dedup key already
// exists. Reports whether a new event was written.
func (l *Ledger) EmitDeduped(eventType, severity, stepID, dedupKey string, payload map[string]any) (contract.Event, bool, error) {
	if dedupKey != "" {
		events, err := l.store.ListEvents()
		if err != nil {
			return contract.Event{}, false, fmt.Errorf("ledger read: %w", err)
		}
		for _, existing := range events {
			if existing.DedupKey == dedupKey {
				return existing, false, nil
			}
		}
	}
	ev, err := l.store.AppendEvent(contract.Event{
		EventType: eventType,
		Severity:  severity,
		TaskID:    l.taskID,
		RunID:     l.runID,
		StepID:    stepID,
		DedupKey:  dedupKey,
		Payload:   payload,
	})
	if err != nil {
		return contract.Event{}, false, fmt.Errorf("ledger write: %w", err)
	}
	return ev, true, nil
}

// WriteCheckpoint records a safe resume boundary for the post-node state and
// announces it in the journal.
func (l *Ledger) WriteCheckpoint(st contract.PipelineState, node string) (contract.Checkpoint, error) {
	hash, err := contract.SnapshotHash(st)
	if err != nil {
		return contract.Checkpoint{}, err
	}
	cp, err := l.store.AppendCheckpoint(contract.Checkpoint{
		StepID:        st.CurrentStep,
		LifecycleNode: node,
		SnapshotHash:  hash,
		Valid:         true,
	})
	if err != nil {
		return contract.Checkpoint{}, fmt.Errorf("ledger write: %w", err)
	}
	if _, err := l.Emit(contract.EventCheckpointPersisted, contract.SeverityInfo, st.CurrentStep, map[string]any{
		"checkpoint_id":  cp.CheckpointID,
		"lifecycle_node": node,
		"snapshot_hash":  hash,
	}); err != nil {
		return contract.Checkpoint{}, err
	}
	return cp, nil
}

// LatestValidCheckpoint walks checkpoints newest to oldest and returns the
// first whose snapshot hash matches the re-read state. Records that fail the
// hash check are annotated, never deleted.
func (l *Ledger) LatestValidCheckpoint(st contract.PipelineState) (contract.Checkpoint, bool, error) {
	hash, err := contract.SnapshotHash(st)
	if err != nil {
		return contract.Checkpoint{}, false, err
	}
	cps, err := l.store.ListCheckpoints()
	if err != nil {
		return contract.Checkpoint{}, false, fmt.Errorf("ledger read: %w", err)
	}
	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]
		if !cp.Valid || cp.SnapshotHash == "" {
			continue
		}
		if cp.SnapshotHash == hash {
			return cp, true, nil
		}
	}
	return contract.Checkpoint{}, false, nil
}

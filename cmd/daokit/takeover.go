package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/engine"
	"github.com/strongdm/daokit/internal/lease"
)

func cmdTakeover(args []string) error {
	var (
		root, taskID, runID  string
		stepID               string
		successorThreadID    string
		successorLane        string
		successorPID, ttlSec int
	)
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--root":
			root, i, err = requireValue(args, i, "--root")
		case "--task-id":
			taskID, i, err = requireValue(args, i, "--task-id")
		case "--run-id":
			runID, i, err = requireValue(args, i, "--run-id")
		case "--step-id":
			stepID, i, err = requireValue(args, i, "--step-id")
		case "--successor-thread-id":
			successorThreadID, i, err = requireValue(args, i, "--successor-thread-id")
		case "--successor-lane":
			successorLane, i, err = requireValue(args, i, "--successor-lane")
		case "--successor-pid":
			var raw string
			raw, i, err = requireValue(args, i, "--successor-pid")
			if err == nil {
				successorPID, err = strconv.Atoi(raw)
			}
		case "--lease-ttl":
			var raw string
			raw, i, err = requireValue(args, i, "--lease-ttl")
			if err == nil {
				ttlSec, err = strconv.Atoi(raw)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
		if err != nil {
			return failf("E_TAKEOVER_FAILED", 1, "%v", err)
		}
	}
	if root == "" || successorThreadID == "" {
		usage()
		os.Exit(1)
	}
	if successorPID == 0 {
		successorPID = os.Getpid()
	}

	led, store, err := openLedger(root, taskID, runID)
	if err != nil {
		return failf("E_TAKEOVER_FAILED", 1, "%v", err)
	}
	defer store.Close()

	registry := lease.NewRegistry(store)

	// Single-step mode: reclaim one lease without draining the run.
	if stepID != "" {
		id := lease.Identity{TaskID: led.TaskID(), RunID: led.RunID(), StepID: stepID}
		ttl := time.Duration(ttlSec) * time.Second
		claimed, err := registry.Takeover(id, successorThreadID, successorPID, ttl)
		if err != nil {
			return failf("E_TAKEOVER_FAILED", 1, "%v", err)
		}
		if _, err := led.Emit(contract.EventLeaseTakeover, contract.SeverityInfo, stepID, map[string]any{
			"successor_thread_id": successorThreadID,
			"successor_pid":       successorPID,
			"expiry":              claimed.Expiry,
		}); err != nil {
			return failf("E_TAKEOVER_FAILED", 1, "%v", err)
		}
		if err := printJSON(claimed); err != nil {
			return failf("E_TAKEOVER_FAILED", 1, "%v", err)
		}
		return nil
	}

	eng := engine.New(led, nil, nil, engine.Options{Logger: zerolog.Nop()})

	// Drain the incumbent before adoption; a run already DRAINING (a prior
	// takeover that stalled) is claimed as-is.
	st, err := led.LoadState()
	if err != nil {
		return failf("E_TAKEOVER_FAILED", 1, "%v", err)
	}
	if st.Status != contract.StatusDraining {
		if _, err := eng.ApplyTrigger(engine.TriggerStaleOrSuccession); err != nil {
			return failf("E_TAKEOVER_FAILED", 1, "%v", err)
		}
	}

	manager := lease.NewSuccessionManager(registry, led)
	result, err := manager.AcceptSuccessor(lease.Successor{
		ThreadID: successorThreadID,
		PID:      successorPID,
		Lane:     successorLane,
		TTL:      time.Duration(ttlSec) * time.Second,
	})
	if err != nil {
		return failf("E_TAKEOVER_FAILED", 1, "%v", err)
	}

	// Adoption outcome decides the exit edge: a live claim resumes
	// execution, an empty one parks the run for manual recovery.
	trigger := engine.TriggerSuccessorAccepted
	if len(result.AdoptedStepIDs) == 0 {
		trigger = engine.TriggerNoValidLease
	}
	if _, err := eng.ApplyTrigger(trigger); err != nil {
		return failf("E_TAKEOVER_FAILED", 1, "%v", err)
	}

	if err := printJSON(result); err != nil {
		return failf("E_TAKEOVER_FAILED", 1, "%v", err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/strongdm/daokit/internal/accept"
	"github.com/strongdm/daokit/internal/config"
	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/dispatch"
	"github.com/strongdm/daokit/internal/engine"
	"github.com/strongdm/daokit/internal/heartbeat"
	"github.com/strongdm/daokit/internal/ledger"
	"github.com/strongdm/daokit/internal/lease"
	"github.com/strongdm/daokit/internal/planner"
	"github.com/strongdm/daokit/internal/state"
)

func cmdRun(args []string) error {
	var (
		root, taskID, runID, stepID, goal string
		planFile, lane, threadID          string
		leaseTTL                          int
		noLease, simulateInterruption     bool
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
		case "--goal":
			goal, i, err = requireValue(args, i, "--goal")
		case "--plan":
			planFile, i, err = requireValue(args, i, "--plan")
		case "--lane":
			lane, i, err = requireValue(args, i, "--lane")
		case "--thread-id":
			threadID, i, err = requireValue(args, i, "--thread-id")
		case "--lease-ttl":
			var raw string
			raw, i, err = requireValue(args, i, "--lease-ttl")
			if err == nil {
				leaseTTL, err = strconv.Atoi(raw)
			}
		case "--no-lease":
			noLease = true
		case "--simulate-interruption":
			simulateInterruption = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
		if err != nil {
			return failf("E_RUN_FAILED", 1, "%v", err)
		}
	}
	if root == "" || taskID == "" || goal == "" {
		usage()
		os.Exit(1)
	}

	settings, err := config.Load(root)
	if err != nil {
		return failf("E_RUN_FAILED", 1, "%v", err)
	}
	log := settings.Logger(os.Stderr)

	store, err := state.Open(root)
	if err != nil {
		return failf("E_RUN_FAILED", 1, "%v", err)
	}
	defer store.Close()

	// A run already on the ledger resumes; anything else starts fresh.
	st, err := store.LoadState()
	if err != nil {
		return failf("E_RUN_FAILED", 1, "%v", err)
	}
	resuming := st.TaskID != ""
	if resuming {
		if st.TaskID != taskID {
			return failf("E_RUN_FAILED", 1, "ledger holds task %s, not %s", st.TaskID, taskID)
		}
		if runID == "" {
			runID = st.RunID
		}
	}
	if runID == "" {
		runID = strings.ToLower(ulid.Make().String())
	}

	in := planner.Input{Goal: goal, TaskID: taskID, RunID: runID}
	if planFile != "" {
		in, err = planner.LoadPlanFile(planFile, in)
		if err != nil {
			return failf("E_RUN_FAILED", 1, "%v", err)
		}
	}
	plan, err := planner.Compile(in)
	if err != nil {
		var cerr *planner.CompileError
		if errors.As(err, &cerr) {
			return failf("E_PLAN_REJECTED", 1, "%v", cerr)
		}
		return failf("E_RUN_FAILED", 1, "%v", err)
	}

	led := ledger.New(store, taskID, runID)
	artifactRoot := filepath.Join(root, filepath.FromSlash(state.ArtifactsDir))

	dispatchCfg, err := settings.DispatchConfig()
	if err != nil {
		return failf("E_RUN_FAILED", 1, "%v", err)
	}
	adapter, err := dispatch.New(dispatchCfg, artifactRoot)
	if err != nil {
		return failf("E_RUN_FAILED", 1, "%v", err)
	}
	acceptEngine := accept.NewEngine(root, settings.AcceptConfig())

	if stepID == "" && len(plan.Steps) > 0 {
		stepID = plan.Steps[0].ID
	}
	if threadID == "" {
		threadID = contract.ThreadID(taskID, runID, stepID)
	}

	ttl := time.Duration(leaseTTL) * time.Second
	if leaseTTL <= 0 {
		if settings.Lease.TTLSeconds > 0 {
			ttl = time.Duration(settings.Lease.TTLSeconds) * time.Second
		} else {
			ttl = lease.DefaultTTL
		}
	}

	var keepAlive func() error
	var releaseLease func()
	if !noLease {
		registry := lease.NewRegistry(store)
		identity := lease.Identity{TaskID: taskID, RunID: runID, StepID: stepID}
		held, err := registry.Register(identity, lane, threadID, os.Getpid(), ttl)
		if err != nil {
			return failf("E_RUN_FAILED", 1, "register lease: %v", err)
		}
		monitor := heartbeat.NewMonitor(led, settings.HeartbeatThresholds())
		keepAlive = func() error {
			if _, err := registry.Renew(identity, held.LeaseToken, ttl); err != nil {
				return err
			}
			now := time.Now().UTC()
			_, err := monitor.Tick(now, true, now, artifactRoot)
			return err
		}
		releaseLease = func() {
			if _, err := registry.Release(identity, held.LeaseToken); err != nil {
				log.Warn().Err(err).Msg("release lease")
			}
		}
	}

	var interrupt func() bool
	if simulateInterruption {
		// Trip at the boundary after the first step, leaving the lease
		// ACTIVE so a successor can take over.
		checks := 0
		interrupt = func() bool {
			checks++
			return checks > 2
		}
	}

	eng := engine.New(led, adapter, acceptEngine, engine.Options{
		ReworkBound: settings.Acceptance.ReworkBound,
		ThreadID:    threadID,
		Lane:        lane,
		Interrupt:   interrupt,
		KeepAlive:   keepAlive,
		Logger:      log,
	})

	var result engine.RunResult
	if resuming {
		result, err = eng.Resume(context.Background(), &plan)
	} else {
		result, err = eng.Run(context.Background(), &plan)
	}
	if err != nil {
		if errors.Is(err, engine.ErrInterrupted) {
			return failf("E_RUN_INTERRUPTED", 130, "simulated interruption, lease left ACTIVE for takeover")
		}
		return failf("E_RUN_FAILED", 1, "%v", err)
	}
	if releaseLease != nil {
		releaseLease()
	}
	if err := printJSON(result); err != nil {
		return failf("E_RUN_FAILED", 1, "%v", err)
	}
	return nil
}

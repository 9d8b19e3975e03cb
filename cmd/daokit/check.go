package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strongdm/daokit/internal/config"
	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/heartbeat"
	"github.com/strongdm/daokit/internal/state"
)

// checkReport is the health summary printed by `daokit check`.
type checkReport struct {
	Health         string `json:"health"`
	PipelineStatus string `json:"pipeline_status"`
	Heartbeat      struct {
		Status         string `json:"status"`
		ReasonCode     string `json:"reason_code,omitempty"`
		SilenceSeconds int    `json:"silence_seconds"`
	} `json:"heartbeat"`
	LeaseCount int `json:"lease_count"`
}

func cmdCheck(args []string) error {
	var root, artifactRoot string
	asJSON := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			var err error
			root, i, err = requireValue(args, i, "--root")
			if err != nil {
				return failf("E_CHECK_LAYOUT_MISSING", 1, "%v", err)
			}
		case "--artifact-root":
			var err error
			artifactRoot, i, err = requireValue(args, i, "--artifact-root")
			if err != nil {
				return failf("E_CHECK_LAYOUT_MISSING", 1, "%v", err)
			}
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}
	if root == "" {
		usage()
		os.Exit(1)
	}
	if artifactRoot == "" {
		artifactRoot = filepath.Join(root, filepath.FromSlash(state.ArtifactsDir))
	}

	backend, err := state.Backend()
	if err != nil {
		return failf("E_CHECK_LAYOUT_MISSING", 1, "%v", err)
	}
	if err := state.ValidateLayout(root, backend); err != nil {
		return failf("E_CHECK_LAYOUT_MISSING", 1, "%v", err)
	}

	store, err := state.Open(root)
	if err != nil {
		return failf("E_CHECK_STATE_INVALID", 1, "%v", err)
	}
	defer store.Close()

	st, err := store.LoadState()
	if err != nil {
		return failf("E_CHECK_STATE_INVALID", 1, "%v", err)
	}
	if st.TaskID != "" {
		if err := contract.ValidatePipelineState(st); err != nil {
			return failf("E_CHECK_STATE_INVALID", 1, "%v", err)
		}
	}

	settings, err := config.Load(root)
	if err != nil {
		return failf("E_CHECK_STATE_INVALID", 1, "%v", err)
	}

	var explicitAt time.Time
	hb, found, err := store.LoadHeartbeatStatus()
	if err != nil {
		return failf("E_CHECK_HEARTBEAT_INVALID", 1, "%v", err)
	}
	if found {
		if err := contract.ValidateHeartbeatStatus(hb); err != nil {
			return failf("E_CHECK_HEARTBEAT_INVALID", 1, "%v", err)
		}
		if hb.LastHeartbeatAt != "" {
			explicitAt, err = contract.ParseTime(hb.LastHeartbeatAt)
			if err != nil {
				return failf("E_CHECK_HEARTBEAT_INVALID", 1, "last_heartbeat_at: %v", err)
			}
		}
	}

	leases, err := store.LoadLeases()
	if err != nil {
		return failf("E_CHECK_STATE_INVALID", 1, "%v", err)
	}

	verdict := heartbeat.Evaluate(time.Now().UTC(), executionActive(st),
		settings.HeartbeatThresholds(), explicitAt, heartbeat.LatestArtifactMtime(artifactRoot))

	var report checkReport
	report.PipelineStatus = string(st.Status)
	report.Heartbeat.Status = verdict.Status
	report.Heartbeat.ReasonCode = verdict.ReasonCode
	report.Heartbeat.SilenceSeconds = verdict.SilenceSeconds
	report.LeaseCount = len(leases)
	report.Health = "OK"
	if verdict.Status == contract.HeartbeatStale {
		report.Health = "STALE"
	}

	if asJSON {
		if err := printJSON(report); err != nil {
			return failf("E_CHECK_STATE_INVALID", 1, "%v", err)
		}
	} else {
		fmt.Printf("health:   %s\n", report.Health)
		fmt.Printf("pipeline: %s\n", report.PipelineStatus)
		if verdict.ReasonCode != "" {
			fmt.Printf("heartbeat: %s (%s, silent %ds)\n", verdict.Status, verdict.ReasonCode, verdict.SilenceSeconds)
		} else {
			fmt.Printf("heartbeat: %s (silent %ds)\n", verdict.Status, verdict.SilenceSeconds)
		}
		fmt.Printf("leases:   %d\n", report.LeaseCount)
	}
	if report.Health == "STALE" {
		os.Exit(2)
	}
	return nil
}

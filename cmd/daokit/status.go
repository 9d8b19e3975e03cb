package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strongdm/daokit/internal/config"
	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/diag"
	"github.com/strongdm/daokit/internal/heartbeat"
	"github.com/strongdm/daokit/internal/state"
)

// statusReport aggregates the run ledger into one operator view.
type statusReport struct {
	TaskID      string `json:"task_id"`
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	Steps       []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	} `json:"steps"`
	Heartbeat struct {
		Status         string `json:"status"`
		ReasonCode     string `json:"reason_code,omitempty"`
		SilenceSeconds int    `json:"silence_seconds"`
	} `json:"heartbeat"`
	Leases  []contract.Lease `json:"leases"`
	Handoff struct {
		Path   string `json:"path"`
		Exists bool   `json:"exists"`
	} `json:"handoff"`
	Diagnostics *diag.Report `json:"diagnostics,omitempty"`
}

func cmdStatus(args []string) error {
	var root, taskID, runID string
	asJSON := false
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--root":
			root, i, err = requireValue(args, i, "--root")
		case "--task-id":
			taskID, i, err = requireValue(args, i, "--task-id")
		case "--run-id":
			runID, i, err = requireValue(args, i, "--run-id")
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
		if err != nil {
			return failf("E_STATUS_FAILED", 1, "%v", err)
		}
	}
	if root == "" {
		usage()
		os.Exit(1)
	}

	store, err := state.Open(root)
	if err != nil {
		return failf("E_STATUS_FAILED", 1, "%v", err)
	}
	defer store.Close()

	st, err := store.LoadState()
	if err != nil {
		return failf("E_STATUS_FAILED", 1, "%v", err)
	}
	if taskID != "" && st.TaskID != taskID {
		return failf("E_STATUS_FAILED", 1, "ledger holds task %s, not %s", st.TaskID, taskID)
	}
	if runID != "" && st.RunID != runID {
		return failf("E_STATUS_FAILED", 1, "ledger holds run %s, not %s", st.RunID, runID)
	}

	settings, err := config.Load(root)
	if err != nil {
		return failf("E_STATUS_FAILED", 1, "%v", err)
	}

	var explicitAt time.Time
	if hb, found, err := store.LoadHeartbeatStatus(); err != nil {
		return failf("E_STATUS_FAILED", 1, "%v", err)
	} else if found && hb.LastHeartbeatAt != "" {
		if at, err := contract.ParseTime(hb.LastHeartbeatAt); err == nil {
			explicitAt = at
		}
	}
	artifactRoot := filepath.Join(root, filepath.FromSlash(state.ArtifactsDir))
	verdict := heartbeat.Evaluate(time.Now().UTC(), executionActive(st),
		settings.HeartbeatThresholds(), explicitAt, heartbeat.LatestArtifactMtime(artifactRoot))

	leases, err := store.LoadLeases()
	if err != nil {
		return failf("E_STATUS_FAILED", 1, "%v", err)
	}

	report := statusReport{
		TaskID:      st.TaskID,
		RunID:       st.RunID,
		Status:      string(st.Status),
		CurrentStep: st.CurrentStep,
		Leases:      leases,
	}
	for _, step := range st.Steps {
		report.Steps = append(report.Steps, struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Status string `json:"status"`
		}{ID: step.ID, Title: step.Title, Status: step.Status})
	}
	report.Heartbeat.Status = verdict.Status
	report.Heartbeat.ReasonCode = verdict.ReasonCode
	report.Heartbeat.SilenceSeconds = verdict.SilenceSeconds
	report.Handoff.Path = filepath.Join(root, filepath.FromSlash(state.DefaultHandoffFile))
	if _, err := os.Stat(report.Handoff.Path); err == nil {
		report.Handoff.Exists = true
	}

	if asJSON {
		diagReport, err := diag.Collect(store, time.Now().UTC())
		if err != nil {
			return failf("E_STATUS_FAILED", 1, "%v", err)
		}
		report.Diagnostics = &diagReport
		if err := printJSON(report); err != nil {
			return failf("E_STATUS_FAILED", 1, "%v", err)
		}
		return nil
	}

	fmt.Printf("task:     %s\n", report.TaskID)
	fmt.Printf("run:      %s\n", report.RunID)
	fmt.Printf("status:   %s\n", report.Status)
	if report.CurrentStep != "" {
		fmt.Printf("step:     %s\n", report.CurrentStep)
	}
	for _, step := range report.Steps {
		fmt.Printf("  %-12s %-10s %s\n", step.ID, step.Status, step.Title)
	}
	if verdict.ReasonCode != "" {
		fmt.Printf("heartbeat: %s (%s)\n", verdict.Status, verdict.ReasonCode)
	} else {
		fmt.Printf("heartbeat: %s\n", verdict.Status)
	}
	fmt.Printf("leases:   %d\n", len(leases))
	if report.Handoff.Exists {
		fmt.Printf("handoff:  %s\n", report.Handoff.Path)
	}
	return nil
}

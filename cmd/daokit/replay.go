package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/strongdm/daokit/internal/state"
)

func cmdReplay(args []string) error {
	var root string
	source := "events"
	limit := 20
	asJSON := false
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--root":
			root, i, err = requireValue(args, i, "--root")
		case "--source":
			source, i, err = requireValue(args, i, "--source")
		case "--limit":
			var raw string
			raw, i, err = requireValue(args, i, "--limit")
			if err == nil {
				limit, err = strconv.Atoi(raw)
			}
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
		if err != nil {
			return failf("E_REPLAY_FAILED", 1, "%v", err)
		}
	}
	if root == "" {
		usage()
		os.Exit(1)
	}
	if limit <= 0 {
		limit = 20
	}

	store, err := state.Open(root)
	if err != nil {
		return failf("E_REPLAY_FAILED", 1, "%v", err)
	}
	defer store.Close()

	switch source {
	case "events":
		events, err := store.ListEvents()
		if err != nil {
			return failf("E_REPLAY_FAILED", 1, "%v", err)
		}
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
		if asJSON {
			if err := printJSON(events); err != nil {
				return failf("E_REPLAY_FAILED", 1, "%v", err)
			}
			return nil
		}
		for _, ev := range events {
			if ev.StepID != "" {
				fmt.Printf("%s  %-22s %-8s step=%s\n", ev.Timestamp, ev.EventType, ev.Severity, ev.StepID)
			} else {
				fmt.Printf("%s  %-22s %-8s\n", ev.Timestamp, ev.EventType, ev.Severity)
			}
		}
	case "snapshots":
		snapshots, err := store.ListSnapshots()
		if err != nil {
			return failf("E_REPLAY_FAILED", 1, "%v", err)
		}
		if len(snapshots) > limit {
			snapshots = snapshots[len(snapshots)-limit:]
		}
		if asJSON {
			if err := printJSON(snapshots); err != nil {
				return failf("E_REPLAY_FAILED", 1, "%v", err)
			}
			return nil
		}
		for _, snap := range snapshots {
			fmt.Printf("%s  %-10s %s -> %s\n", snap.Timestamp, snap.Node, snap.FromStatus, snap.ToStatus)
		}
	default:
		return failf("E_REPLAY_FAILED", 1, "unknown source %q (allowed: events, snapshots)", source)
	}
	return nil
}

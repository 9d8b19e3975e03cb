package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/strongdm/daokit/internal/handoff"
	"github.com/strongdm/daokit/internal/state"
)

func cmdHandoff(args []string) error {
	var (
		root, path           string
		evidencePaths        []string
		create, apply        bool
		includeAcceptedSteps bool
	)
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--root":
			root, i, err = requireValue(args, i, "--root")
		case "--path":
			path, i, err = requireValue(args, i, "--path")
		case "--evidence-path":
			var p string
			p, i, err = requireValue(args, i, "--evidence-path")
			if err == nil {
				evidencePaths = append(evidencePaths, p)
			}
		case "--create":
			create = true
		case "--apply":
			apply = true
		case "--include-accepted-steps":
			includeAcceptedSteps = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
		if err != nil {
			return failf("E_HANDOFF_FAILED", 1, "%v", err)
		}
	}
	if root == "" || create == apply {
		usage()
		os.Exit(1)
	}
	if path == "" {
		path = filepath.Join(root, filepath.FromSlash(state.DefaultHandoffFile))
	}

	led, store, err := openLedger(root, "", "")
	if err != nil {
		return failf("E_HANDOFF_FAILED", 1, "%v", err)
	}
	defer store.Close()

	handoffStore := handoff.NewStore(led)
	if create {
		pkg, err := handoffStore.WritePackage(path, handoff.Options{
			EvidencePaths:        evidencePaths,
			IncludeAcceptedSteps: includeAcceptedSteps,
		})
		if err != nil {
			return failf("E_HANDOFF_FAILED", 1, "%v", err)
		}
		fmt.Printf("handoff package written: %s (%d resumable steps)\n", path, len(pkg.ResumableStepIDs))
		return nil
	}

	plan, err := handoffStore.ApplyPackage(path)
	if err != nil {
		return failf("E_HANDOFF_FAILED", 1, "%v", err)
	}
	if err := printJSON(plan); err != nil {
		return failf("E_HANDOFF_FAILED", 1, "%v", err)
	}
	return nil
}

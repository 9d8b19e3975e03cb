package main

import (
	"fmt"
	"os"

	"github.com/strongdm/daokit/internal/state"
)

func cmdInit(args []string) error {
	var root string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			var err error
			root, i, err = requireValue(args, i, "--root")
			if err != nil {
				return failf("E_INIT_FAILED", 1, "%v", err)
			}
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

	backend, err := state.Backend()
	if err != nil {
		return failf("E_INIT_FAILED", 1, "%v", err)
	}
	if err := state.InitLayout(root, backend); err != nil {
		return failf("E_INIT_FAILED", 1, "%v", err)
	}
	fmt.Printf("initialized %s (%s backend)\n", root, backend)
	return nil
}

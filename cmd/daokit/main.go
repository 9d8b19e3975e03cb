package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/ledger"
	"github.com/strongdm/daokit/internal/state"
)

// cliError is the terminal failure record: stable code, one-line message,
// frozen exit code.
type cliError struct {
	code     string
	message  string
	exitCode int
}

func (e *cliError) Error() string { return e.code + ": " + e.message }

func failf(code string, exitCode int, format string, args ...any) *cliError {
	return &cliError{code: code, message: fmt.Sprintf(format, args...), exitCode: exitCode}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// SIGINT converts to a cooperative stop; commands that honor it exit
	// 130 with E_INTERRUPTED.
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupted
		fmt.Fprintln(os.Stderr, "E_INTERRUPTED: stopping at the next safe boundary")
		os.Exit(130)
	}()

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "check":
		err = cmdCheck(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "replay":
		err = cmdReplay(os.Args[2:])
	case "takeover":
		err = cmdTakeover(os.Args[2:])
	case "handoff":
		err = cmdHandoff(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		if cerr, ok := err.(*cliError); ok {
			fmt.Fprintln(os.Stderr, cerr.Error())
			os.Exit(cerr.exitCode)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  daokit init --root <dir>")
	fmt.Fprintln(os.Stderr, "  daokit check --root <dir> [--json] [--artifact-root <dir>]")
	fmt.Fprintln(os.Stderr, "  daokit run --root <dir> --task-id <id> --goal <text> [--run-id <id>] [--step-id <id>] [--plan <file.yaml>] [--lane <name>] [--thread-id <id>] [--lease-ttl <seconds>] [--no-lease] [--simulate-interruption]")
	fmt.Fprintln(os.Stderr, "  daokit status --root <dir> [--task-id <id> --run-id <id>] [--json]")
	fmt.Fprintln(os.Stderr, "  daokit replay --root <dir> [--source events|snapshots] [--limit <n>] [--json]")
	fmt.Fprintln(os.Stderr, "  daokit takeover --root <dir> [--task-id <id> --run-id <id>] [--step-id <id>] --successor-thread-id <id> [--successor-lane <name>] [--successor-pid <pid>] [--lease-ttl <seconds>]")
	fmt.Fprintln(os.Stderr, "  daokit handoff --root <dir> --create|--apply [--path <file>] [--evidence-path <p>]... [--include-accepted-steps]")
}

// requireValue reads the value of a flag that takes one.
func requireValue(args []string, i int, flag string) (string, int, error) {
	i++
	if i >= len(args) {
		return "", i, fmt.Errorf("%s requires a value", flag)
	}
	return args[i], i, nil
}

// openLedger opens the configured backend at root and binds a ledger to the
// run recorded in pipeline state, unless explicit ids are given.
func openLedger(root, taskID, runID string) (*ledger.Ledger, state.Store, error) {
	store, err := state.Open(root)
	if err != nil {
		return nil, nil, err
	}
	if taskID == "" || runID == "" {
		st, err := store.LoadState()
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		if taskID == "" {
			taskID = st.TaskID
		}
		if runID == "" {
			runID = st.RunID
		}
	}
	return ledger.New(store, taskID, runID), store, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// executionActive reports whether any step is currently RUNNING.
func executionActive(st contract.PipelineState) bool {
	for _, step := range st.Steps {
		if step.Status == contract.StepRunning {
			return true
		}
	}
	return false
}

// Package procutil probes process liveness for lease adoption decisions.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether a process exists and is not a zombie. Lease
// diagnostics use this to flag active leases whose holder is gone.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if deadState(processState(pid)) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// processState returns the single-letter scheduler state for a pid, or 0 when
// it cannot be determined. procfs is preferred; ps covers hosts without it.
func processState(pid int) byte {
	if b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat"); err == nil {
		// The state field follows the parenthesized comm, which may itself
		// contain spaces and parens.
		line := string(b)
		if i := strings.LastIndexByte(line, ')'); i >= 0 && i+2 < len(line) {
			return line[i+2]
		}
		return 0
	}
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return 0
	}
	return state[0]
}

func deadState(state byte) bool {
	return state == 'Z' || state == 'X'
}

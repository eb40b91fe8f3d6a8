//go:build !windows

package processstate

import (
	"errors"
	"os"
	"syscall"

	fleeterrors "github.com/core-tools/hsu-fleet/pkg/errors"
)

// IsProcessRunning probes the PID with signal 0
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fleeterrors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false, nil
	case errors.Is(err, syscall.EPERM):
		// exists but owned by another user
		return true, nil
	default:
		return false, err
	}
}

//go:build !windows

package process

import (
	"syscall"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// SendTerminationSignal sends SIGTERM to the whole process group
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return errors.NewProviderError("failed to signal process group", err).WithContext("pid", pid)
	}
	return nil
}

// KillProcessGroup sends SIGKILL to the whole process group
func KillProcessGroup(pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return errors.NewProviderError("failed to kill process group", err).WithContext("pid", pid)
	}
	return nil
}

//go:build windows

package process

import (
	"os"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// SendTerminationSignal has no graceful equivalent for detached consoles on
// Windows, so the process is killed directly.
func SendTerminationSignal(pid int) error {
	return KillProcessGroup(pid)
}

func KillProcessGroup(pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := process.Kill(); err != nil {
		return errors.NewProviderError("failed to kill process", err).WithContext("pid", pid)
	}
	return nil
}

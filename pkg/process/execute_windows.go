//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes starts the server in its own process group without a console
// window. Console control events sent to the fleet do not reach it; output goes
// through the stdout pipe.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

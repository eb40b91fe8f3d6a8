package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/processstate"
)

// ValidatePID parses and validates a PID value
func ValidatePID(pidStr string) (int, error) {
	if pidStr == "" {
		return 0, errors.NewValidationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}

// ValidateExecutionConfig validates execution configuration
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if _, err := os.Stat(config.ExecutablePath); os.IsNotExist(err) {
		return errors.NewValidationError("executable not found: "+config.ExecutablePath, err)
	}

	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}

	return nil
}

// OpenProcessByPIDFile returns the live process recorded in a PID file
func OpenProcessByPIDFile(pidFile string) (*os.Process, error) {
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		return nil, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFile)
	}

	pidStr := strings.TrimSpace(string(pidBytes))
	pid, err := ValidatePID(pidStr)
	if err != nil {
		return nil, errors.NewValidationError("invalid PID in file", err).WithContext("pid_file", pidFile).WithContext("pid_content", pidStr)
	}

	running, err := processstate.IsProcessRunning(pid)
	if !running {
		return nil, errors.NewNotFoundError("process is not running", err).WithContext("pid", pid).WithContext("pid_file", pidFile)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return nil, errors.NewProviderError("failed to find process", err).WithContext("pid", pid)
	}
	return process, nil
}

package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const (
	// PIDFileName is written into every process-backed server's working directory
	PIDFileName  = "server.pid"
	PortFileName = "server.port"
)

// ProcessFileManager reads and writes the PID and port files kept next to a server's files.
// Static servers are re-attached on restart through these files.
type ProcessFileManager struct {
	logger logging.Logger
}

func NewProcessFileManager(logger logging.Logger) *ProcessFileManager {
	return &ProcessFileManager{logger: logger}
}

func (m *ProcessFileManager) PIDFilePath(workingDirectory string) string {
	return filepath.Join(workingDirectory, PIDFileName)
}

func (m *ProcessFileManager) PortFilePath(workingDirectory string) string {
	return filepath.Join(workingDirectory, PortFileName)
}

// WritePIDFile records the process PID in the server's working directory
func (m *ProcessFileManager) WritePIDFile(workingDirectory string, pid int) error {
	path := m.PIDFilePath(workingDirectory)
	m.logger.Debugf("Writing PID file, pid: %d, path: %s", pid, path)

	if err := writeNumber(path, pid); err != nil {
		m.logger.Errorf("Failed to write PID file, pid: %d, path: %s, error: %v", pid, path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}
	return nil
}

// ReadPIDFile returns the PID stored in the server's working directory
func (m *ProcessFileManager) ReadPIDFile(workingDirectory string) (int, error) {
	path := m.PIDFilePath(workingDirectory)
	pid, err := readNumber(path)
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive", nil).WithContext("pid_file", path).WithContext("pid", pid)
	}
	return pid, nil
}

func (m *ProcessFileManager) WritePortFile(workingDirectory string, port int) error {
	path := m.PortFilePath(workingDirectory)
	m.logger.Debugf("Writing port file, port: %d, path: %s", port, path)

	if err := writeNumber(path, port); err != nil {
		m.logger.Errorf("Failed to write port file, port: %d, path: %s, error: %v", port, path, err)
		return errors.NewIOError("failed to write port file", err).WithContext("port_file", path).WithContext("port", port)
	}
	return nil
}

func (m *ProcessFileManager) ReadPortFile(workingDirectory string) (int, error) {
	path := m.PortFilePath(workingDirectory)
	port, err := readNumber(path)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, errors.NewValidationError("port out of range", nil).WithContext("port_file", path).WithContext("port", port)
	}
	return port, nil
}

// Remove deletes both files; missing files are not an error
func (m *ProcessFileManager) Remove(workingDirectory string) error {
	collection := errors.NewErrorCollection()
	for _, path := range []string{m.PIDFilePath(workingDirectory), m.PortFilePath(workingDirectory)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warnf("Failed to remove process file, path: %s, error: %v", path, err)
			collection.Add(errors.NewIOError("failed to remove process file", err).WithContext("path", path))
		}
	}
	return collection.ToError()
}

func writeNumber(path string, value int) error {
	if err := ValidateDirectory(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", value)), 0644)
}

func readNumber(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("process file does not exist", err).WithContext("path", path)
		}
		return 0, errors.NewIOError("failed to read process file", err).WithContext("path", path)
	}

	text := strings.TrimSpace(string(content))
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.NewValidationError("invalid number in process file", err).WithContext("path", path).WithContext("content", text)
	}
	return value, nil
}

// ValidateDirectory checks that dir exists and is a directory
func ValidateDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.NewIOError("directory not accessible", err).WithContext("directory", dir)
	}
	if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("directory", dir)
	}
	return nil
}

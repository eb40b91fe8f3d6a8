package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-fleet/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ProcessFileMockLogger struct{}

func (m *ProcessFileMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *ProcessFileMockLogger) Debugf(format string, args ...interface{})               {}
func (m *ProcessFileMockLogger) Infof(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Warnf(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Errorf(format string, args ...interface{})               {}

func TestPIDFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	manager := NewProcessFileManager(&ProcessFileMockLogger{})

	require.NoError(t, manager.WritePIDFile(dir, 4242))

	content, err := os.ReadFile(filepath.Join(dir, PIDFileName))
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(content))

	pid, err := manager.ReadPIDFile(dir)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestPortFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	manager := NewProcessFileManager(&ProcessFileMockLogger{})

	require.NoError(t, manager.WritePortFile(dir, 25566))
	port, err := manager.ReadPortFile(dir)
	require.NoError(t, err)
	assert.Equal(t, 25566, port)
}

func TestReadPIDFile_Errors(t *testing.T) {
	manager := NewProcessFileManager(&ProcessFileMockLogger{})

	t.Run("missing", func(t *testing.T) {
		_, err := manager.ReadPIDFile(t.TempDir())
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("garbage", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, PIDFileName), []byte("abc"), 0644))
		_, err := manager.ReadPIDFile(dir)
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("non-positive", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, PIDFileName), []byte("0\n"), 0644))
		_, err := manager.ReadPIDFile(dir)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestReadPortFile_OutOfRange(t *testing.T) {
	dir := t.TempDir()
	manager := NewProcessFileManager(&ProcessFileMockLogger{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, PortFileName), []byte("70000"), 0644))

	_, err := manager.ReadPortFile(dir)
	assert.True(t, errors.IsValidationError(err))
}

func TestWritePIDFile_MissingDirectory(t *testing.T) {
	manager := NewProcessFileManager(&ProcessFileMockLogger{})
	err := manager.WritePIDFile(filepath.Join(t.TempDir(), "missing"), 1)
	assert.True(t, errors.IsIOError(err))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	manager := NewProcessFileManager(&ProcessFileMockLogger{})
	require.NoError(t, manager.WritePIDFile(dir, 10))

	require.NoError(t, manager.Remove(dir))
	_, err := os.Stat(filepath.Join(dir, PIDFileName))
	assert.True(t, os.IsNotExist(err))

	// second call has nothing to remove
	assert.NoError(t, manager.Remove(dir))
}

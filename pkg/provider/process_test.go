//go:build !windows

package provider

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/processfile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellGroup(script string) *domain.GroupConfig {
	return &domain.GroupConfig{
		Name: "Lobby",
		ServiceProvider: domain.ServiceProviderConfig{
			Process: &domain.ProcessSettings{
				ExecutablePath:   "/bin/sh",
				Args:             []string{"-c", script},
				Environment:      map[string]string{"EULA": "true"},
				StopGraceSeconds: 1,
			},
		},
	}
}

func newProcessServer(t *testing.T, id string) *domain.Server {
	server := newTestServer(id, "Lobby-1", "Lobby")
	server.Update(func(info *domain.ServerInfo) { info.WorkingDirectory = t.TempDir() })
	return server
}

func TestProcessProvider_LaunchWritesFilesAndStops(t *testing.T) {
	p := NewProcessProvider(ProcessConfig{FirstPort: 41000}, testDeps())
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	server := newProcessServer(t, "id-1")
	require.NoError(t, p.CreateServer(ctx, shellGroup("echo $SERVER_NAME $SERVER_PORT $EULA; sleep 30"), server))

	info := server.Info()
	assert.Equal(t, 41000, info.Port)
	assert.Equal(t, domain.ServerStatusStarting, info.Status)
	assert.True(t, strings.HasPrefix(info.ServiceProviderID, "pid-"))

	pidContent, err := os.ReadFile(filepath.Join(info.WorkingDirectory, processfile.PIDFileName))
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(info.ServiceProviderID, "pid-"), strings.TrimSpace(string(pidContent)))

	assert.Eventually(t, func() bool {
		logs, _ := p.GetServerLogs(ctx, "id-1", 0)
		for _, line := range logs {
			if strings.Contains(line, "Lobby-1 41000 true") {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, p.StopServer(ctx, server, true))
	assert.Equal(t, domain.ServerStatusStopped, server.Status())

	running, err := p.IsServerRunning(ctx, "id-1")
	require.NoError(t, err)
	assert.False(t, running)

	deleted, err := p.DeleteServer(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = os.Stat(filepath.Join(info.WorkingDirectory, processfile.PIDFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessProvider_NonZeroExitReportsError(t *testing.T) {
	p := NewProcessProvider(ProcessConfig{}, testDeps())
	defer p.Shutdown(context.Background())

	recorder := &statusRecorder{}
	p.SetStatusListener(recorder.listener)

	server := newProcessServer(t, "id-1")
	require.NoError(t, p.CreateServer(context.Background(), shellGroup("exit 3"), server))

	assert.Eventually(t, func() bool {
		return server.Status() == domain.ServerStatusError
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, recorder.list(), "STARTING->ERROR")
}

func TestProcessProvider_PortsAreNotShared(t *testing.T) {
	p := NewProcessProvider(ProcessConfig{FirstPort: 42000}, testDeps())
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	first := newProcessServer(t, "a")
	second := newProcessServer(t, "b")
	require.NoError(t, p.CreateServer(ctx, shellGroup("sleep 30"), first))
	require.NoError(t, p.CreateServer(ctx, shellGroup("sleep 30"), second))

	assert.Equal(t, 42000, first.Info().Port)
	assert.Equal(t, 42001, second.Info().Port)

	_, err := p.DeleteServer(ctx, "a")
	require.NoError(t, err)

	third := newProcessServer(t, "c")
	require.NoError(t, p.CreateServer(ctx, shellGroup("sleep 30"), third))
	assert.Equal(t, 42000, third.Info().Port)
}

func TestProcessProvider_StaticServerAttachesToRunningProcess(t *testing.T) {
	p := NewProcessProvider(ProcessConfig{}, testDeps())
	defer p.Shutdown(context.Background())

	server := newProcessServer(t, "static-1")
	server.Update(func(info *domain.ServerInfo) { info.Type = domain.ServerTypeStatic })
	workDir := server.Info().WorkingDirectory
	require.NoError(t, os.WriteFile(filepath.Join(workDir, processfile.PIDFileName), []byte(strconv.Itoa(os.Getpid())), 0644))

	require.NoError(t, p.CreateServer(context.Background(), shellGroup("exit 0"), server))
	assert.Equal(t, "pid-"+strconv.Itoa(os.Getpid()), server.Info().ServiceProviderID)

	logs, err := p.GetServerLogs(context.Background(), "static-1", 0)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(logs, "\n"), "Attached to running process")

	// leave the test process alone on shutdown
	provider := p.(*processProvider)
	provider.instances["static-1"].probe.Stop()
	_, _ = provider.untrack("static-1")
	provider.releaseServer("static-1")
}

func TestProcessProvider_EnsureResourcesReady(t *testing.T) {
	p := NewProcessProvider(ProcessConfig{}, testDeps())
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	assert.NoError(t, p.EnsureResourcesReady(ctx, shellGroup("true")))

	missing := shellGroup("true")
	missing.ServiceProvider.Process.ExecutablePath = filepath.Join(t.TempDir(), "server.jar")
	assert.True(t, errors.IsProviderError(p.EnsureResourcesReady(ctx, missing)))

	assert.True(t, errors.IsValidationError(p.EnsureResourcesReady(ctx, &domain.GroupConfig{Name: "Lobby"})))
}

func TestServerEnvironment(t *testing.T) {
	env := serverEnvironment(domain.ServerInfo{ServerID: "id", Name: "Lobby-1", Group: "Lobby", Port: 30000},
		map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{
		"SERVER_ID=id",
		"SERVER_NAME=Lobby-1",
		"SERVER_GROUP=Lobby",
		"SERVER_PORT=30000",
		"A=1",
		"B=2",
	}, env)
}

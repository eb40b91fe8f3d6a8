package fleet

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lobbyGroup = `group:
  name: Lobby
  priority: 1
  server:
    type: DYNAMIC
    min-servers: 2
    max-servers: 5
  scaling:
    type: normal
    conditions:
      scale-up-threshold: 0.8
      scale-down-threshold: 0.2
`

func quietLogger() logging.Logger {
	return logging.NewLogger("", logging.LogFuncs{})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	config := DefaultConfig()
	config.Fleet.DataDir = t.TempDir()
	config.Fleet.WatchGroups = false
	config.Fleet.ForceShutdownTimeout = 5 * time.Second
	config.Network.BindAddress = "127.0.0.1"
	config.Network.Port = 0
	config.Scaling.CheckInterval = time.Hour
	config.LogStream.Enabled = false
	config.LogCollection.File.Enabled = false
	return config
}

func newTestFleet(t *testing.T, groups map[string]string) *Fleet {
	t.Helper()
	config := testConfig(t)
	for name, content := range groups {
		writeFile(t, filepath.Join(config.Resolve(config.Scaling.GroupsDir), name), content)
	}
	if len(groups) == 0 {
		require.NoError(t, os.MkdirAll(config.Resolve(config.Scaling.GroupsDir), 0755))
	}

	memory := provider.NewMemoryProvider(provider.MemoryConfig{
		StartupDelay:      10 * time.Millisecond,
		StopDelay:         time.Millisecond,
		HeartbeatInterval: time.Hour,
	}, provider.Dependencies{Logger: quietLogger()})

	f, err := New(config, Dependencies{Logger: quietLogger(), Provider: memory})
	require.NoError(t, err)
	t.Cleanup(func() {
		if f.GetState() == StateRunning {
			f.Stop(context.Background())
		}
	})
	return f
}

func startFleet(t *testing.T, f *Fleet) {
	t.Helper()
	require.NoError(t, f.Start(context.Background()))
	require.Equal(t, StateRunning, f.GetState())
}

func fillFloor(t *testing.T, f *Fleet, group string, count int) {
	t.Helper()
	f.Scaling().Tick()
	require.Eventually(t, func() bool {
		servers, err := f.ListServers(context.Background(), group)
		if err != nil || len(servers) != count {
			return false
		}
		for _, server := range servers {
			if server.Status != domain.ServerStatusRunning {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFleet_StartAndStop(t *testing.T) {
	f := newTestFleet(t, map[string]string{"lobby.yml": lobbyGroup})
	assert.Equal(t, StateNotStarted, f.GetState())

	startFleet(t, f)
	assert.NotNil(t, f.Network().Addr())

	groups, err := f.ListGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Lobby", groups[0].Name)
	assert.Equal(t, 2, groups[0].MinServers)

	fillFloor(t, f, "Lobby", 2)

	status, err := f.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status, "running: 1 groups, 2 servers (2 running)")

	err = f.Start(context.Background())
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, StateStopped, f.GetState())
}

func TestFleet_StartSkipsBrokenGroupFiles(t *testing.T) {
	f := newTestFleet(t, map[string]string{
		"lobby.yml":      lobbyGroup,
		"broken.yml":     "group: [",
		"_example.yml":   "group: [",
		"notes.txt":      "ignored",
		"unlimited.yaml": "group:\n  name: Arcade\n  server:\n    min-servers: 0\n    max-servers: -1\n  scaling:\n    type: proxy\n",
	})

	startFleet(t, f)

	groups, err := f.ListGroups(context.Background())
	require.NoError(t, err)
	names := []string{}
	for _, group := range groups {
		names = append(names, group.Name)
	}
	assert.ElementsMatch(t, []string{"Lobby", "Arcade"}, names)
}

func TestFleet_CommandsRequireRunning(t *testing.T) {
	f := newTestFleet(t, map[string]string{"lobby.yml": lobbyGroup})
	ctx := context.Background()

	err := f.ScaleGroup(ctx, "Lobby", domain.ScaleDirectionUp)
	assert.True(t, errors.IsRejectedError(err))

	err = f.ControlServer(ctx, "lobby-1", domain.ServerActionStop)
	assert.True(t, errors.IsRejectedError(err))
}

func TestFleet_ListServers(t *testing.T) {
	f := newTestFleet(t, map[string]string{"lobby.yml": lobbyGroup})
	startFleet(t, f)
	fillFloor(t, f, "Lobby", 2)

	all, err := f.ListServers(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byDisplayCase, err := f.ListServers(context.Background(), "lobby")
	require.NoError(t, err)
	assert.Len(t, byDisplayCase, 2)

	_, err = f.ListServers(context.Background(), "Skywars")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestFleet_ControlServer(t *testing.T) {
	f := newTestFleet(t, map[string]string{"lobby.yml": lobbyGroup})
	startFleet(t, f)
	fillFloor(t, f, "Lobby", 2)
	ctx := context.Background()

	err := f.ControlServer(ctx, "lobby-9", domain.ServerActionStop)
	assert.True(t, errors.IsNotFoundError(err))

	err = f.ControlServer(ctx, "lobby-1", domain.ServerAction("EXPLODE"))
	assert.True(t, errors.IsValidationError(err))

	// START on a group name launches a manually scaled server
	require.NoError(t, f.ControlServer(ctx, "Lobby", domain.ServerActionStart))
	require.Eventually(t, func() bool {
		servers, _ := f.ListServers(ctx, "Lobby")
		return len(servers) == 3
	}, 2*time.Second, 10*time.Millisecond)

	var manual domain.ServerInfo
	servers, err := f.ListServers(ctx, "Lobby")
	require.NoError(t, err)
	for _, server := range servers {
		if server.ManuallyScaled {
			manual = server
		}
	}
	require.NotEmpty(t, manual.ServerID)
	assert.Equal(t, "lobby-3", manual.Name)

	require.NoError(t, f.ControlServer(ctx, manual.Name, domain.ServerActionRemove))
	require.Eventually(t, func() bool {
		servers, _ := f.ListServers(ctx, "Lobby")
		return len(servers) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFleet_ScaleGroup(t *testing.T) {
	f := newTestFleet(t, map[string]string{"lobby.yml": lobbyGroup})
	startFleet(t, f)
	ctx := context.Background()

	require.NoError(t, f.ScaleGroup(ctx, "Lobby", domain.ScaleDirectionPause))
	scaler, ok := f.Scaling().Scaler("Lobby")
	require.True(t, ok)
	assert.True(t, scaler.IsPaused())

	// a paused group does not reach its floor
	f.Scaling().Tick()
	servers, err := f.ListServers(ctx, "Lobby")
	require.NoError(t, err)
	assert.Empty(t, servers)

	require.NoError(t, f.ScaleGroup(ctx, "lobby", domain.ScaleDirectionResume))
	assert.False(t, scaler.IsPaused())

	err = f.ScaleGroup(ctx, "Skywars", domain.ScaleDirectionUp)
	assert.True(t, errors.IsNotFoundError(err))

	err = f.ScaleGroup(ctx, "Lobby", domain.ScaleDirection("SIDEWAYS"))
	assert.True(t, errors.IsValidationError(err))

	require.NoError(t, f.ScaleGroup(ctx, "Lobby", domain.ScaleDirectionUp))
	servers, err = f.ListServers(ctx, "Lobby")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.True(t, servers[0].ManuallyScaled)
}

func TestFleet_SendCommandValidation(t *testing.T) {
	f := newTestFleet(t, map[string]string{"lobby.yml": lobbyGroup})
	startFleet(t, f)
	fillFloor(t, f, "Lobby", 2)
	ctx := context.Background()

	err := f.SendCommand(ctx, "lobby-1", "   ")
	assert.True(t, errors.IsValidationError(err))

	err = f.SendCommand(ctx, "lobby-9", "say hi")
	assert.True(t, errors.IsNotFoundError(err))

	// no plugin session is bound to the server
	err = f.SendCommand(ctx, "lobby-1", "say hi")
	assert.Error(t, err)
}

func TestFleet_RunCommandTimeout(t *testing.T) {
	f := newTestFleet(t, nil)
	f.commandTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	defer close(release)

	err := f.runCommand(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	assert.True(t, errors.IsTimeoutError(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.commandTimeout = time.Minute
	err = f.runCommand(ctx, "cancelled", func(ctx context.Context) error {
		<-release
		return nil
	})
	assert.True(t, errors.IsCancelledError(err))

	err = f.runCommand(context.Background(), "failing", func(ctx context.Context) error {
		return errors.NewProviderError("backend down", nil)
	})
	assert.True(t, errors.IsProviderError(err))
}

func TestNewProvider(t *testing.T) {
	deps := provider.Dependencies{Logger: quietLogger()}

	p, err := NewProvider(ProviderConfig{Type: provider.TypeMemory, Memory: provider.DefaultMemoryConfig()}, deps)
	require.NoError(t, err)
	assert.NotNil(t, p)
	p.Shutdown(context.Background())

	_, err = NewProvider(ProviderConfig{Type: "docker"}, deps)
	assert.True(t, errors.IsValidationError(err))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", maskKey(""))
	assert.Equal(t, "*****", maskKey("short"))
	assert.Equal(t, "abcd****mnop", maskKey("abcdefghmnop"))
}

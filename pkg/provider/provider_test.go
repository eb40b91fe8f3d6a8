package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mutex       sync.Mutex
	transitions []string
}

func (r *statusRecorder) listener(info domain.ServerInfo, previous domain.ServerStatus) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.transitions = append(r.transitions, string(previous)+"->"+string(info.Status))
}

func (r *statusRecorder) list() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.transitions...)
}

func testDeps() Dependencies {
	return Dependencies{Logger: logging.NewLogger("test: ", logging.LogFuncs{})}
}

func newTestServer(id, name, group string) *domain.Server {
	return domain.NewServer(domain.ServerInfo{
		ServerID:  id,
		Name:      name,
		Group:     group,
		Type:      domain.ServerTypeDynamic,
		Status:    domain.ServerStatusStarting,
		CreatedAt: time.Now().UnixMilli(),
	})
}

func TestMemoryProvider_Lifecycle(t *testing.T) {
	p := NewMemoryProvider(MemoryConfig{
		StartupDelay:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, testDeps())
	defer p.Shutdown(context.Background())

	recorder := &statusRecorder{}
	p.SetStatusListener(recorder.listener)

	ctx := context.Background()
	group := &domain.GroupConfig{Name: "Lobby"}
	server := newTestServer("id-1", "Lobby-1", "Lobby")

	require.NoError(t, p.CreateServer(ctx, group, server))

	info, ok := p.GetServer(ctx, "id-1")
	require.True(t, ok)
	assert.Equal(t, "localhost", info.Address)
	assert.Equal(t, 25565, info.Port)
	assert.Equal(t, "inmem-server-1", info.ServiceProviderID)
	assert.Equal(t, domain.DefaultMaxPlayers, info.MaxPlayers)

	assert.Eventually(t, func() bool {
		running, _ := p.IsServerRunning(ctx, "id-1")
		return running
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"STARTING->RUNNING"}, recorder.list())

	require.NoError(t, p.StopServer(ctx, server, false))
	assert.Equal(t, domain.ServerStatusStopped, server.Status())

	logs, err := p.GetServerLogs(ctx, "id-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "Server created: Lobby-1")

	deleted, err := p.DeleteServer(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok = p.GetServer(ctx, "id-1")
	assert.False(t, ok)

	deleted, err = p.DeleteServer(ctx, "id-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryProvider_GroupQueriesAreCaseInsensitive(t *testing.T) {
	p := NewMemoryProvider(MemoryConfig{StartupDelay: time.Hour}, testDeps())
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, p.CreateServer(ctx, &domain.GroupConfig{Name: "Lobby"}, newTestServer("a", "Lobby-1", "Lobby")))
	require.NoError(t, p.CreateServer(ctx, &domain.GroupConfig{Name: "Proxy"}, newTestServer("b", "Proxy-1", "Proxy")))

	servers := p.GetServersByGroup(ctx, "lobby")
	require.Len(t, servers, 1)
	assert.Equal(t, "a", servers[0].ServerID)
	assert.Len(t, p.GetAllServers(ctx), 2)
}

func TestMemoryProvider_StreamServerLogs(t *testing.T) {
	p := NewMemoryProvider(MemoryConfig{StartupDelay: time.Hour}, testDeps())
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	server := newTestServer("id-1", "Lobby-1", "Lobby")
	require.NoError(t, p.CreateServer(ctx, &domain.GroupConfig{Name: "Lobby"}, server))

	lines := make(chan string, 8)
	subscription, err := p.StreamServerLogs(ctx, "id-1", func(line string) { lines <- line })
	require.NoError(t, err)

	require.NoError(t, p.StopServer(ctx, server, false))
	select {
	case line := <-lines:
		assert.Equal(t, "Stopping server...", line)
	case <-time.After(time.Second):
		t.Fatal("no log line delivered")
	}

	stopped, err := p.StopLogStream(ctx, subscription)
	require.NoError(t, err)
	assert.True(t, stopped)

	_, err = p.StreamServerLogs(ctx, "missing", func(string) {})
	assert.Error(t, err)
}

func TestMemoryProvider_UpdateServerStatus(t *testing.T) {
	p := NewMemoryProvider(MemoryConfig{StartupDelay: time.Hour}, testDeps())
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, p.CreateServer(ctx, &domain.GroupConfig{Name: "Lobby"}, newTestServer("id-1", "Lobby-1", "Lobby")))

	updated, err := p.UpdateServerStatus(ctx, "id-1", domain.ServerInfo{
		Status:            domain.ServerStatusRunning,
		OnlinePlayers:     2,
		MaxPlayers:        50,
		OnlinePlayerNames: []string{"alice", "bob"},
	})
	require.NoError(t, err)
	assert.True(t, updated)

	info, _ := p.GetServer(ctx, "id-1")
	assert.Equal(t, 2, info.OnlinePlayers)
	assert.Equal(t, 50, info.MaxPlayers)

	updated, err = p.UpdateServerStatus(ctx, "missing", domain.ServerInfo{})
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestOptionsFactories(t *testing.T) {
	restart := StartRestart()
	assert.Equal(t, StartReasonRestart, restart.Reason)
	assert.False(t, restart.PrepareDirectory)
	assert.False(t, restart.CleanupOnFailure)

	recovery := StartRecovery()
	assert.False(t, recovery.ApplyTemplates)
	assert.False(t, recovery.ValidateResources)

	lost := DeleteConnectionLost()
	assert.False(t, lost.GracefulStop)
	assert.Equal(t, 10*time.Second, lost.Timeout)

	restartDeletion := DeleteServerRestart()
	assert.False(t, restartDeletion.CleanupDirectory)
	assert.False(t, restartDeletion.RemoveFromTracking)
}

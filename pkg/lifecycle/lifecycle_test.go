package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mutex   sync.Mutex
	groups  map[string]*domain.GroupConfig
	tracked map[string]*domain.Server
}

func newFakeRegistry(groups ...*domain.GroupConfig) *fakeRegistry {
	r := &fakeRegistry{groups: map[string]*domain.GroupConfig{}, tracked: map[string]*domain.Server{}}
	for _, group := range groups {
		r.groups[group.Name] = group
	}
	return r
}

func (r *fakeRegistry) Group(name string) (*domain.GroupConfig, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	group, ok := r.groups[name]
	return group, ok
}

func (r *fakeRegistry) Track(server *domain.Server) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.tracked[server.ID()] = server
}

func (r *fakeRegistry) Untrack(serverID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.tracked, serverID)
}

func (r *fakeRegistry) isTracked(serverID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.tracked[serverID]
	return ok
}

type recordingNotifier struct {
	mutex   sync.Mutex
	events  []string
	cleaned []string
}

func (n *recordingNotifier) record(event string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) ServerUpdated(info domain.ServerInfo) { n.record("update:" + info.ServerID) }
func (n *recordingNotifier) ServerRemoved(serverID, reason string) {
	n.record("remove:" + serverID + ":" + reason)
}
func (n *recordingNotifier) RestartStarted(serverID string)   { n.record("restart-started:" + serverID) }
func (n *recordingNotifier) RestartCompleted(serverID string) { n.record("restart-completed:" + serverID) }
func (n *recordingNotifier) CleanupServer(info domain.ServerInfo, reason string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.cleaned = append(n.cleaned, info.ServerID+":"+reason)
}

func (n *recordingNotifier) cleanedFor(serverID string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	count := 0
	for _, entry := range n.cleaned {
		if strings.HasPrefix(entry, serverID+":") {
			count++
		}
	}
	return count
}

func (n *recordingNotifier) count(event string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	count := 0
	for _, e := range n.events {
		if e == event {
			count++
		}
	}
	return count
}

func (n *recordingNotifier) list() []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]string(nil), n.events...)
}

// countingProvider records the mutating calls that reach the backend
type countingProvider struct {
	provider.Provider

	mutex   sync.Mutex
	stops   map[string]int
	deletes map[string]int
}

func (p *countingProvider) StopServer(ctx context.Context, server *domain.Server, graceful bool) error {
	p.mutex.Lock()
	p.stops[server.ID()]++
	p.mutex.Unlock()
	return p.Provider.StopServer(ctx, server, graceful)
}

func (p *countingProvider) DeleteServer(ctx context.Context, serverID string) (bool, error) {
	p.mutex.Lock()
	p.deletes[serverID]++
	p.mutex.Unlock()
	return p.Provider.DeleteServer(ctx, serverID)
}

func (p *countingProvider) calls(serverID string) (stops, deletes int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stops[serverID], p.deletes[serverID]
}

type fixture struct {
	root     string
	group    *domain.GroupConfig
	provider provider.Provider
	counting *countingProvider
	registry *fakeRegistry
	notifier *recordingNotifier
	manager  *Manager
	service  *Service
}

func newFixture(t *testing.T, serverType domain.ServerType) *fixture {
	return newFixtureWithDelay(t, serverType, 10*time.Millisecond)
}

func newFixtureWithDelay(t *testing.T, serverType domain.ServerType, startupDelay time.Duration) *fixture {
	root := t.TempDir()
	logger := logging.NewLogger("test: ", logging.LogFuncs{})

	templates := filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(filepath.Join(templates, "lobby", "plugins"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "lobby", "server.properties"), []byte("motd=lobby"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "lobby", "plugins", "core.jar"), []byte("jar"), 0644))

	group := &domain.GroupConfig{
		Name:      "Lobby",
		Server:    domain.ServerSettings{Type: serverType, MinServers: 1, MaxServers: 3},
		Templates: []string{"lobby"},
	}

	memory := provider.NewMemoryProvider(provider.MemoryConfig{StartupDelay: startupDelay, StopDelay: time.Millisecond}, provider.Dependencies{Logger: logger})
	t.Cleanup(func() { memory.Shutdown(context.Background()) })
	p := &countingProvider{Provider: memory, stops: map[string]int{}, deletes: map[string]int{}}

	manager := NewManager(p, NewDirectoryManager(filepath.Join(root, "servers"), logger), NewTemplateManager(templates, logger), logger)
	registry := newFakeRegistry(group)
	manager.SetRegistry(registry)

	notifier := &recordingNotifier{}
	service := NewService(manager, notifier, logger)
	service.AddResourceCleaner(notifier)
	service.AddRestartObserver(notifier)

	return &fixture{root: root, group: group, provider: p, counting: p, registry: registry, notifier: notifier, manager: manager, service: service}
}

func (f *fixture) newServer(id, name string) *domain.Server {
	return domain.NewServer(domain.ServerInfo{
		ServerID:  id,
		Name:      name,
		Group:     f.group.Name,
		Type:      f.group.ServerType(),
		Status:    domain.ServerStatusStarting,
		CreatedAt: time.Now().UnixMilli(),
	})
}

func TestStartCompletely_PreparesDirectoryAndTracks(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")

	options := provider.StartScalingUp()
	options.WaitForReady = true
	options.Timeout = 2 * time.Second
	require.NoError(t, f.manager.StartCompletely(context.Background(), f.group, server, options))

	assert.Equal(t, domain.ServerStatusRunning, server.Status())
	assert.True(t, f.registry.isTracked("abc"))

	workDir := server.Info().WorkingDirectory
	assert.Equal(t, filepath.Join(f.root, "servers", "Lobby", "Lobby-1#abc"), workDir)
	content, err := os.ReadFile(filepath.Join(workDir, "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=lobby", string(content))
	assert.FileExists(t, filepath.Join(workDir, "plugins", "core.jar"))
}

func TestStartCompletely_RejectsShuttingDownServer(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")
	require.True(t, server.BeginShutdown())

	err := f.manager.StartCompletely(context.Background(), f.group, server, provider.StartUserCommand())
	assert.True(t, stderrors.Is(err, ErrShutdownInProgress))
	assert.True(t, errors.IsRejectedError(err))
	assert.False(t, f.registry.isTracked("abc"))
}

func TestStartCompletely_RecoveryClearsShutdownFlag(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")
	require.True(t, server.BeginShutdown())

	require.NoError(t, f.manager.StartCompletely(context.Background(), f.group, server, provider.StartRecovery()))
	assert.False(t, server.IsShuttingDown())
}

func TestStartCompletely_CleansUpOnFailure(t *testing.T) {
	f := newFixtureWithDelay(t, domain.ServerTypeDynamic, time.Hour)
	server := f.newServer("abc", "Lobby-1")

	options := provider.StartUserCommand()
	options.WaitForReady = true
	options.Timeout = 300 * time.Millisecond

	err := f.manager.StartCompletely(context.Background(), f.group, server, options)
	assert.True(t, errors.IsTimeoutError(err))
	assert.Equal(t, domain.ServerStatusError, server.Status())
	assert.False(t, f.registry.isTracked("abc"))
	assert.NoDirExists(t, filepath.Join(f.root, "servers", "Lobby", "Lobby-1#abc"))
}

func TestDeleteCompletely_DynamicRemovesDirectoryAndTracking(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")
	ctx := context.Background()
	require.NoError(t, f.manager.StartCompletely(ctx, f.group, server, provider.StartScalingUp()))
	workDir := server.Info().WorkingDirectory

	require.NoError(t, f.manager.DeleteCompletely(ctx, server, provider.DeleteScalingDown()))

	assert.NoDirExists(t, workDir)
	assert.False(t, f.registry.isTracked("abc"))
	assert.True(t, server.IsShuttingDown())
	_, known := f.provider.GetServer(ctx, "abc")
	assert.False(t, known)
}

func TestService_StopStaticKeepsDirectoryAndTracking(t *testing.T) {
	f := newFixture(t, domain.ServerTypeStatic)
	server := f.newServer("lobby-1", "Lobby-1")
	ctx := context.Background()
	require.NoError(t, f.service.CreateServer(ctx, f.group, server, provider.StartScalingUp()))
	workDir := server.Info().WorkingDirectory

	require.NoError(t, f.service.StopServer(ctx, server))

	assert.Equal(t, domain.ServerStatusStopped, server.Status())
	assert.DirExists(t, workDir)
	assert.True(t, f.registry.isTracked("lobby-1"))
	assert.False(t, server.IsShuttingDown())
	assert.Equal(t, []string{"lobby-1:Server was stopped"}, f.notifier.cleaned)

	// stopping again is a no-op
	require.NoError(t, f.service.StopServer(ctx, server))
	assert.Len(t, f.notifier.cleaned, 1)
}

func TestService_StopDynamicRemoves(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")
	ctx := context.Background()
	require.NoError(t, f.service.CreateServer(ctx, f.group, server, provider.StartScalingUp()))

	require.NoError(t, f.service.StopServer(ctx, server))

	assert.False(t, f.registry.isTracked("abc"))
	assert.Contains(t, f.notifier.list(), "remove:abc:Server was removed")
}

func TestService_StartGuards(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	ctx := context.Background()

	running := f.newServer("abc", "Lobby-1")
	running.SetStatus(domain.ServerStatusRunning)
	assert.NoError(t, f.service.StartServer(ctx, running))
	assert.Empty(t, f.notifier.list())

	stopping := f.newServer("def", "Lobby-2")
	stopping.BeginShutdown()
	assert.ErrorIs(t, f.service.StartServer(ctx, stopping), ErrShutdownInProgress)
	assert.ErrorIs(t, f.service.StopServer(ctx, stopping), ErrShutdownInProgress)
	assert.ErrorIs(t, f.service.RestartServer(ctx, stopping), ErrShutdownInProgress)

	unknown := domain.NewServer(domain.ServerInfo{ServerID: "x", Name: "X-1", Group: "Missing", Status: domain.ServerStatusStopped})
	assert.True(t, errors.IsNotFoundError(f.service.StartServer(ctx, unknown)))
}

func TestService_RemoveLeavesServerShuttingDownAlone(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")
	ctx := context.Background()
	require.NoError(t, f.service.CreateServer(ctx, f.group, server, provider.StartScalingUp()))
	workDir := server.Info().WorkingDirectory

	require.True(t, server.BeginShutdown())

	assert.ErrorIs(t, f.service.RemoveServer(ctx, server, provider.DeleteUserCommand()), ErrShutdownInProgress)
	assert.ErrorIs(t, f.service.RemoveServer(ctx, server, provider.DeleteConnectionLost()), ErrShutdownInProgress)
	assert.ErrorIs(t, f.manager.DeleteCompletely(ctx, server, provider.DeleteSystemShutdown()), ErrShutdownInProgress)

	stops, deletes := f.counting.calls("abc")
	assert.Zero(t, stops)
	assert.Zero(t, deletes)
	assert.Zero(t, f.notifier.cleanedFor("abc"))
	assert.Equal(t, []string{"update:abc"}, f.notifier.list())
	assert.True(t, f.registry.isTracked("abc"))
	assert.DirExists(t, workDir)
	_, known := f.provider.GetServer(ctx, "abc")
	assert.True(t, known)
}

func TestService_ErrorRecoveryRunsUnderOwnedFlag(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")
	ctx := context.Background()
	require.NoError(t, f.service.CreateServer(ctx, f.group, server, provider.StartScalingUp()))

	require.True(t, server.BeginShutdown())
	require.NoError(t, f.manager.DeleteCompletely(ctx, server, provider.DeleteErrorRecovery()))

	_, deletes := f.counting.calls("abc")
	assert.Equal(t, 1, deletes)
	assert.False(t, f.registry.isTracked("abc"))
}

func TestService_UserStopRacesConnectionLost(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("race-%d", i)
		server := f.newServer(id, fmt.Sprintf("Lobby-%d", i+1))
		require.NoError(t, f.service.CreateServer(ctx, f.group, server, provider.StartScalingUp()))

		start := make(chan struct{})
		results := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			results <- f.service.StopServer(ctx, server)
		}()
		go func() {
			defer wg.Done()
			<-start
			results <- f.service.RemoveServer(ctx, server, provider.DeleteConnectionLost())
		}()
		close(start)
		wg.Wait()
		close(results)

		for err := range results {
			if err != nil {
				assert.ErrorIs(t, err, ErrShutdownInProgress)
			}
		}
		_, deletes := f.counting.calls(id)
		assert.Equal(t, 1, deletes, id)
		assert.Equal(t, 1, f.notifier.cleanedFor(id), id)
		assert.Equal(t, 1, f.notifier.count("remove:"+id+":Server was removed"), id)
		assert.False(t, f.registry.isTracked(id))
	}
}

func TestService_RestartNotifiesProgress(t *testing.T) {
	f := newFixture(t, domain.ServerTypeDynamic)
	server := f.newServer("abc", "Lobby-1")
	ctx := context.Background()
	require.NoError(t, f.service.CreateServer(ctx, f.group, server, provider.StartScalingUp()))
	workDir := server.Info().WorkingDirectory

	require.NoError(t, f.service.RestartServer(ctx, server))

	assert.Equal(t, []string{
		"update:abc",
		"restart-started:abc",
		"restart-completed:abc",
		"update:abc",
	}, f.notifier.list())
	assert.True(t, f.registry.isTracked("abc"))
	assert.False(t, server.IsShuttingDown())
	assert.Equal(t, workDir, server.Info().WorkingDirectory)
	assert.DirExists(t, workDir)

	_, known := f.provider.GetServer(ctx, "abc")
	assert.True(t, known)
}

func TestDirectoryManager(t *testing.T) {
	root := t.TempDir()
	directories := NewDirectoryManager(root, logging.NewLogger("", logging.LogFuncs{}))

	static := domain.ServerInfo{ServerID: "survival-1", Name: "Survival-1", Group: "Survival", Type: domain.ServerTypeStatic}
	path, created, err := directories.Prepare(static)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, filepath.Join(root, "Survival", "Survival-1"), path)
	require.NoError(t, os.WriteFile(filepath.Join(path, "world.dat"), []byte("x"), 0444))

	_, created, err = directories.Prepare(static)
	require.NoError(t, err)
	assert.False(t, created)
	assert.FileExists(t, filepath.Join(path, "world.dat"))

	require.NoError(t, directories.Cleanup(static))
	assert.DirExists(t, path)

	dynamic := domain.ServerInfo{ServerID: "abc", Name: "Lobby-1", Group: "Lobby", Type: domain.ServerTypeDynamic}
	dynamicPath, _, err := directories.Prepare(dynamic)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dynamicPath, "stale.log"), []byte("x"), 0444))

	_, created, err = directories.Prepare(dynamic)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoFileExists(t, filepath.Join(dynamicPath, "stale.log"))

	require.NoError(t, directories.Cleanup(dynamic))
	assert.NoDirExists(t, dynamicPath)
}

func TestIsValidStaticServerID(t *testing.T) {
	assert.True(t, IsValidStaticServerID("survival-1"))
	assert.True(t, IsValidStaticServerID("bed-wars-12"))
	assert.False(t, IsValidStaticServerID("survival"))
	assert.False(t, IsValidStaticServerID("survival-"))
}

func TestTemplateManager(t *testing.T) {
	root := t.TempDir()
	logger := logging.NewLogger("", logging.LogFuncs{})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "base", "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "base", "config", "a.yml"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "eula.txt"), []byte("eula=true"), 0644))

	templates := NewTemplateManager(root, logger)
	target := t.TempDir()

	require.NoError(t, templates.Apply(target, []string{"base", "local://eula.txt", "missing"}))
	assert.FileExists(t, filepath.Join(target, "config", "a.yml"))
	assert.FileExists(t, filepath.Join(target, "eula.txt"))

	err := templates.Apply(target, []string{"../outside"})
	assert.True(t, errors.IsValidationError(err))

	available, err := templates.Available()
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "base/config"}, available)
}

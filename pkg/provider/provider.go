// Package provider drives the infrastructure that actually runs managed servers.
//
// Every backend implements Provider. Calls block until the backend has acted or the
// context is done; callers that need asynchrony run them in their own goroutines.
// Backends never retry; retry and rollback are decided by the lifecycle layer.
package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const (
	TypeMemory     = "in-memory"
	TypeProcess    = "process"
	TypeKubernetes = "kubernetes"
)

// StatusListener is told about status changes the backend observes on its own,
// for example a process becoming reachable or a pod crashing.
type StatusListener func(info domain.ServerInfo, previous domain.ServerStatus)

type Provider interface {
	Name() string

	// CreateServer provisions and launches the backend instance for a tracked record.
	// The backend fills in address, port and service provider id on the record.
	CreateServer(ctx context.Context, group *domain.GroupConfig, server *domain.Server) error
	StartServer(ctx context.Context, server *domain.Server) error
	StopServer(ctx context.Context, server *domain.Server, graceful bool) error
	// DeleteServer releases the instance; false means the backend did not know it
	DeleteServer(ctx context.Context, serverID string) (bool, error)

	GetServer(ctx context.Context, serverID string) (domain.ServerInfo, bool)
	GetAllServers(ctx context.Context) []domain.ServerInfo
	GetServersByGroup(ctx context.Context, group string) []domain.ServerInfo
	IsServerRunning(ctx context.Context, serverID string) (bool, error)
	UpdateServerStatus(ctx context.Context, serverID string, info domain.ServerInfo) (bool, error)

	// GetServerLogs returns up to lines recent log lines; lines <= 0 returns all retained
	GetServerLogs(ctx context.Context, serverID string, lines int) ([]string, error)
	StreamServerLogs(ctx context.Context, serverID string, consumer func(line string)) (string, error)
	StopLogStream(ctx context.Context, subscriptionID string) (bool, error)

	// EnsureResourcesReady blocks until everything the group needs is available
	EnsureResourcesReady(ctx context.Context, group *domain.GroupConfig) error

	SetStatusListener(listener StatusListener)
	Shutdown(ctx context.Context) error
}

// Dependencies are shared by every backend
type Dependencies struct {
	Logger logging.Logger
	Logs   logcollection.Collector
}

// base tracks the records a backend manages and serves every read-only call
type base struct {
	name   string
	logger logging.Logger
	logs   logcollection.Collector
	// set when the collector was created here rather than injected
	ownsLogs bool

	mutex    sync.RWMutex
	servers  map[string]*domain.Server
	listener StatusListener
}

func newBase(name string, deps Dependencies) *base {
	logs := deps.Logs
	owns := false
	if logs == nil {
		logs = logcollection.NewCollector(logcollection.DefaultConfig(), deps.Logger)
		owns = true
	}
	return &base{
		name:     name,
		logger:   deps.Logger,
		logs:     logs,
		ownsLogs: owns,
		servers:  make(map[string]*domain.Server),
	}
}

func (b *base) closeLogs() error {
	if !b.ownsLogs {
		return nil
	}
	return b.logs.Stop()
}

func (b *base) Name() string {
	return b.name
}

func (b *base) SetStatusListener(listener StatusListener) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.listener = listener
}

func (b *base) track(server *domain.Server) error {
	b.mutex.Lock()
	b.servers[server.ID()] = server
	b.mutex.Unlock()
	return b.logs.Register(server.ID())
}

func (b *base) untrack(serverID string) (*domain.Server, bool) {
	b.mutex.Lock()
	server, ok := b.servers[serverID]
	delete(b.servers, serverID)
	b.mutex.Unlock()

	if ok {
		b.logs.Unregister(serverID)
	}
	return server, ok
}

func (b *base) lookup(serverID string) (*domain.Server, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	server, ok := b.servers[serverID]
	if !ok {
		return nil, errors.NewNotFoundError("server not managed by provider", nil).
			WithContext("provider", b.name).
			WithContext("server_id", serverID)
	}
	return server, nil
}

func (b *base) snapshot() []*domain.Server {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	servers := make([]*domain.Server, 0, len(b.servers))
	for _, server := range b.servers {
		servers = append(servers, server)
	}
	return servers
}

// reportStatus stores the status on the record and notifies the listener on change
func (b *base) reportStatus(server *domain.Server, status domain.ServerStatus) {
	previous := server.SetStatus(status)
	if previous == status {
		return
	}

	b.mutex.RLock()
	listener := b.listener
	b.mutex.RUnlock()

	b.logger.Debugf("Server %s status %s -> %s", server.Name(), previous, status)
	if listener != nil {
		listener(server.Info(), previous)
	}
}

// log records a system line in the server's console buffer
func (b *base) log(serverID string, line string) {
	if err := b.logs.Append(serverID, line, logcollection.SystemStream); err != nil {
		b.logger.Debugf("Dropping log line for %s: %v", serverID, err)
	}
}

func (b *base) GetServer(ctx context.Context, serverID string) (domain.ServerInfo, bool) {
	server, err := b.lookup(serverID)
	if err != nil {
		return domain.ServerInfo{}, false
	}
	return server.Info(), true
}

func (b *base) GetAllServers(ctx context.Context) []domain.ServerInfo {
	return infos(b.snapshot(), func(*domain.Server) bool { return true })
}

func (b *base) GetServersByGroup(ctx context.Context, group string) []domain.ServerInfo {
	return infos(b.snapshot(), func(s *domain.Server) bool { return strings.EqualFold(s.Group(), group) })
}

func (b *base) IsServerRunning(ctx context.Context, serverID string) (bool, error) {
	server, err := b.lookup(serverID)
	if err != nil {
		return false, nil
	}
	return server.Status() == domain.ServerStatusRunning, nil
}

func (b *base) UpdateServerStatus(ctx context.Context, serverID string, info domain.ServerInfo) (bool, error) {
	server, err := b.lookup(serverID)
	if err != nil {
		b.logger.Warnf("Server not found for update: %s", serverID)
		return false, nil
	}
	server.Update(func(current *domain.ServerInfo) {
		current.Status = info.Status
		current.OnlinePlayers = info.OnlinePlayers
		current.MaxPlayers = info.MaxPlayers
		current.OnlinePlayerNames = append([]string(nil), info.OnlinePlayerNames...)
		if info.LastHeartbeat > 0 {
			current.LastHeartbeat = info.LastHeartbeat
		}
	})
	return true, nil
}

func (b *base) GetServerLogs(ctx context.Context, serverID string, lines int) ([]string, error) {
	entries, err := b.logs.Lines(serverID, lines)
	if err != nil {
		return []string{}, nil
	}
	result := make([]string, len(entries))
	for i, entry := range entries {
		result[i] = "[" + entry.Timestamp.Format("15:04:05") + "] " + entry.Message
	}
	return result, nil
}

func (b *base) StreamServerLogs(ctx context.Context, serverID string, consumer func(line string)) (string, error) {
	if _, err := b.lookup(serverID); err != nil {
		return "", err
	}
	return b.logs.Subscribe(serverID, func(entry logcollection.LogEntry) {
		consumer(entry.Message)
	})
}

func (b *base) StopLogStream(ctx context.Context, subscriptionID string) (bool, error) {
	return b.logs.Unsubscribe(subscriptionID), nil
}

func (b *base) EnsureResourcesReady(ctx context.Context, group *domain.GroupConfig) error {
	return nil
}

func infos(servers []*domain.Server, keep func(*domain.Server) bool) []domain.ServerInfo {
	result := make([]domain.ServerInfo, 0, len(servers))
	for _, server := range servers {
		if keep(server) {
			result = append(result, server.Info())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result
}

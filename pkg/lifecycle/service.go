package lifecycle

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/provider"
)

// Notifier broadcasts completed operations to connected plugins
type Notifier interface {
	ServerUpdated(info domain.ServerInfo)
	ServerRemoved(serverID string, reason string)
}

// ResourceCleaner releases per-server resources held outside the lifecycle layer,
// such as log tail sessions or a socket binding
type ResourceCleaner interface {
	CleanupServer(info domain.ServerInfo, reason string)
}

// RestartObserver is told when a restart begins and when it has completed
type RestartObserver interface {
	RestartStarted(serverID string)
	RestartCompleted(serverID string)
}

// Service is the operator-facing entry point: guards, workflow, then notification
type Service struct {
	manager  *Manager
	notifier Notifier
	logger   logging.Logger

	hooksMutex sync.RWMutex
	cleaners   []ResourceCleaner
	observers  []RestartObserver
}

func NewService(manager *Manager, notifier Notifier, logger logging.Logger) *Service {
	return &Service{
		manager:  manager,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *Service) Manager() *Manager {
	return s.manager
}

func (s *Service) AddResourceCleaner(cleaner ResourceCleaner) {
	s.hooksMutex.Lock()
	defer s.hooksMutex.Unlock()
	s.cleaners = append(s.cleaners, cleaner)
}

func (s *Service) AddRestartObserver(observer RestartObserver) {
	s.hooksMutex.Lock()
	defer s.hooksMutex.Unlock()
	s.observers = append(s.observers, observer)
}

// CreateServer launches a new server record for the group and announces it
func (s *Service) CreateServer(ctx context.Context, group *domain.GroupConfig, server *domain.Server, options provider.StartOptions) error {
	if err := s.manager.StartCompletely(ctx, group, server, options); err != nil {
		return err
	}
	s.notifyUpdate(server)
	return nil
}

// StartServer starts a tracked server; starting a RUNNING server is a no-op
func (s *Service) StartServer(ctx context.Context, server *domain.Server) error {
	if server.IsShuttingDown() {
		return ErrShutdownInProgress
	}
	if server.Status() == domain.ServerStatusRunning {
		s.logger.Infof("Server is already running: %s", server.Name())
		return nil
	}

	group, err := s.manager.group(server.Group())
	if err != nil {
		return err
	}
	if err := s.manager.StartCompletely(ctx, group, server, provider.StartUserCommand()); err != nil {
		s.logger.Errorf("Failed to start server %s: %v", server.Name(), err)
		return err
	}
	s.notifyUpdate(server)
	return nil
}

// StopServer stops a server; a DYNAMIC server is removed, a STATIC one keeps its directory
func (s *Service) StopServer(ctx context.Context, server *domain.Server) error {
	if server.Status() == domain.ServerStatusStopped {
		s.logger.Infof("Server is already stopped: %s", server.Name())
		return nil
	}
	if server.IsShuttingDown() {
		return ErrShutdownInProgress
	}

	if server.Type() == domain.ServerTypeDynamic {
		return s.RemoveServer(ctx, server, provider.DeleteUserCommand())
	}

	if err := s.manager.Stop(ctx, server, false); err != nil {
		if !stderrors.Is(err, ErrShutdownInProgress) {
			s.logger.Errorf("Failed to stop STATIC server %s: %v", server.Name(), err)
		}
		return err
	}
	s.logger.Infof("Stopped STATIC server: %s", server.Name())
	s.cleanup(server, "Server was stopped")
	s.notifyUpdate(server)
	return nil
}

// RemoveServer deletes a server with the given options and announces the removal.
// A server already shutting down is left to the operation that owns it.
func (s *Service) RemoveServer(ctx context.Context, server *domain.Server, options provider.DeletionOptions) error {
	if _, err := s.manager.group(server.Group()); err != nil {
		return err
	}

	err := s.manager.DeleteCompletely(ctx, server, options)
	if stderrors.Is(err, ErrShutdownInProgress) {
		return err
	}
	s.cleanup(server, "Server was removed")
	if err != nil {
		s.logger.Errorf("Failed to remove server %s: %v", server.Name(), err)
		return err
	}

	s.logger.Debugf("Removed server: %s (reason: %s)", server.Name(), options.Reason)
	if options.RemoveFromTracking {
		if s.notifier != nil {
			s.notifier.ServerRemoved(server.ID(), "Server was removed")
		}
	} else {
		s.notifyUpdate(server)
	}
	return nil
}

// RestartServer stops the server while keeping its directory and tracking, then starts it again
func (s *Service) RestartServer(ctx context.Context, server *domain.Server) error {
	if server.IsShuttingDown() {
		return ErrShutdownInProgress
	}
	group, err := s.manager.group(server.Group())
	if err != nil {
		return err
	}

	s.forEachObserver(func(o RestartObserver) { o.RestartStarted(server.ID()) })

	if err := s.manager.Stop(ctx, server, true); err != nil {
		s.logger.Errorf("Failed to stop server %s for restart: %v", server.Name(), err)
		return err
	}
	if err := s.manager.StartCompletely(ctx, group, server, provider.StartRestart()); err != nil {
		s.logger.Errorf("Failed to restart server %s: %v", server.Name(), err)
		return err
	}

	s.logger.Debugf("Restarted server: %s", server.Name())
	s.forEachObserver(func(o RestartObserver) { o.RestartCompleted(server.ID()) })
	s.notifyUpdate(server)
	return nil
}

func (s *Service) notifyUpdate(server *domain.Server) {
	if s.notifier != nil {
		s.notifier.ServerUpdated(server.Info())
	}
}

func (s *Service) cleanup(server *domain.Server, reason string) {
	s.hooksMutex.RLock()
	cleaners := append([]ResourceCleaner(nil), s.cleaners...)
	s.hooksMutex.RUnlock()

	info := server.Info()
	for _, cleaner := range cleaners {
		cleaner.CleanupServer(info, reason)
	}
}

func (s *Service) forEachObserver(fn func(RestartObserver)) {
	s.hooksMutex.RLock()
	observers := append([]RestartObserver(nil), s.observers...)
	s.hooksMutex.RUnlock()

	for _, observer := range observers {
		fn(observer)
	}
}

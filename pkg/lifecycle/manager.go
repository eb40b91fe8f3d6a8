// Package lifecycle composes provider primitives into the complete start and
// delete workflows shared by every backend.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/provider"
)

// ErrShutdownInProgress is returned when another operation already owns the server's shutdown
var ErrShutdownInProgress = errors.NewRejectedError("server shutdown in progress", nil)

const readyPollInterval = 250 * time.Millisecond

// Registry gives the lifecycle layer access to group definitions and the tracked server set
type Registry interface {
	Group(name string) (*domain.GroupConfig, bool)
	Track(server *domain.Server)
	Untrack(serverID string)
}

// Manager runs the start and delete workflows against the configured provider
type Manager struct {
	provider    provider.Provider
	directories *DirectoryManager
	templates   *TemplateManager
	logger      logging.Logger

	registryMutex sync.RWMutex
	registry      Registry
}

func NewManager(p provider.Provider, directories *DirectoryManager, templates *TemplateManager, logger logging.Logger) *Manager {
	return &Manager{
		provider:    p,
		directories: directories,
		templates:   templates,
		logger:      logger,
	}
}

// SetRegistry wires the tracked server set; the scaling manager is built after this manager
func (m *Manager) SetRegistry(registry Registry) {
	m.registryMutex.Lock()
	defer m.registryMutex.Unlock()
	m.registry = registry
}

func (m *Manager) Provider() provider.Provider {
	return m.provider
}

func (m *Manager) Directories() *DirectoryManager {
	return m.directories
}

func (m *Manager) Templates() *TemplateManager {
	return m.templates
}

func (m *Manager) getRegistry() Registry {
	m.registryMutex.RLock()
	defer m.registryMutex.RUnlock()
	return m.registry
}

func (m *Manager) group(name string) (*domain.GroupConfig, error) {
	registry := m.getRegistry()
	if registry == nil {
		return nil, errors.NewInternalError("lifecycle registry is not wired", nil)
	}
	group, ok := registry.Group(name)
	if !ok {
		return nil, errors.NewNotFoundError("no scaler found for group", nil).WithContext("group", name)
	}
	return group, nil
}

// StartCompletely prepares the directory, applies templates, validates resources and
// launches the server, then optionally waits for RUNNING.
func (m *Manager) StartCompletely(ctx context.Context, group *domain.GroupConfig, server *domain.Server, options provider.StartOptions) error {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = provider.DefaultStartTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.logger.Infof("Starting server: %s (reason: %s, directory: %t, templates: %t)",
		server.Name(), options.Reason, options.PrepareDirectory, options.ApplyTemplates)

	if err := m.validateStart(server, options); err != nil {
		return err
	}
	server.Touch(time.Now())

	if options.AddToTracking {
		if registry := m.getRegistry(); registry != nil {
			registry.Track(server)
		}
	}

	if err := m.performStart(ctx, group, server, options); err != nil {
		m.logger.Errorf("Start failed for server %s: %v", server.Name(), err)
		server.SetStatus(domain.ServerStatusError)
		if options.CleanupOnFailure {
			m.cleanupFailedStart(server)
		}
		return err
	}

	m.logger.Debugf("Completed start for server: %s (%s)", server.Name(), server.ID())
	return nil
}

func (m *Manager) validateStart(server *domain.Server, options provider.StartOptions) error {
	recovering := options.Reason == provider.StartReasonRestart || options.Reason == provider.StartReasonRecovery

	if server.Status() == domain.ServerStatusRunning && !recovering {
		return errors.NewConflictError("server is already running", nil).WithContext("server", server.Name())
	}
	if server.IsShuttingDown() {
		if !recovering {
			return ErrShutdownInProgress
		}
		server.ClearShutdown()
		m.logger.Debugf("Reset shutdown flag for server: %s (reason: %s)", server.Name(), options.Reason)
	}
	return nil
}

func (m *Manager) performStart(ctx context.Context, group *domain.GroupConfig, server *domain.Server, options provider.StartOptions) error {
	info := server.Info()

	created := false
	if options.PrepareDirectory || info.WorkingDirectory == "" {
		path, isNew, err := m.directories.Prepare(info)
		if err != nil {
			return err
		}
		created = isNew
		server.Update(func(current *domain.ServerInfo) { current.WorkingDirectory = path })
		info.WorkingDirectory = path
	}

	if options.ApplyTemplates && group.HasTemplates() && (created || info.Type == domain.ServerTypeDynamic) {
		if err := m.templates.Apply(info.WorkingDirectory, group.Templates); err != nil {
			return err
		}
	}

	if options.ValidateResources {
		if err := m.provider.EnsureResourcesReady(ctx, group); err != nil {
			return err
		}
	}

	server.SetStatus(domain.ServerStatusStarting)
	var err error
	if _, known := m.provider.GetServer(ctx, info.ServerID); known {
		err = m.provider.StartServer(ctx, server)
	} else {
		err = m.provider.CreateServer(ctx, group, server)
	}
	if err != nil {
		return err
	}

	if options.WaitForReady {
		return m.waitForReady(ctx, server)
	}
	return nil
}

func (m *Manager) waitForReady(ctx context.Context, server *domain.Server) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		switch server.Status() {
		case domain.ServerStatusRunning:
			return nil
		case domain.ServerStatusError, domain.ServerStatusStopped:
			return errors.NewProviderError("server failed to become ready", nil).
				WithContext("server", server.Name()).
				WithContext("status", string(server.Status()))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.NewTimeoutError("server did not become ready", ctx.Err()).WithContext("server", server.Name())
		}
	}
}

func (m *Manager) cleanupFailedStart(server *domain.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), provider.DefaultDeletionTimeout)
	defer cancel()

	if _, err := m.provider.DeleteServer(ctx, server.ID()); err != nil {
		m.logger.Warnf("Failed to release backend instance after failed start of %s: %v", server.Name(), err)
	}
	if err := m.directories.Cleanup(server.Info()); err != nil {
		m.logger.Warnf("Failed to clean directory after failed start of %s: %v", server.Name(), err)
	}
	if registry := m.getRegistry(); registry != nil {
		registry.Untrack(server.ID())
	}
}

// DeleteCompletely stops the instance, releases it in the backend, cleans the directory
// of DYNAMIC servers and drops tracking, each step governed by options. The caller that
// wins the server's shutdown flag performs the deletion; every other caller gets
// ErrShutdownInProgress and the provider is not touched.
func (m *Manager) DeleteCompletely(ctx context.Context, server *domain.Server, options provider.DeletionOptions) error {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = provider.DefaultDeletionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.logger.Infof("Starting deletion for server: %s (reason: %s, graceful: %t)",
		server.Name(), options.Reason, options.GracefulStop)

	// error recovery runs under a flag its caller already owns
	if !server.BeginShutdown() && options.Reason != provider.DeletionReasonErrorRecovery {
		m.logger.Debugf("Server %s is already shutting down, skipping deletion (reason: %s)", server.Name(), options.Reason)
		return ErrShutdownInProgress
	}

	err := m.performDeletion(ctx, server, options)

	if options.RemoveFromTracking {
		if registry := m.getRegistry(); registry != nil {
			registry.Untrack(server.ID())
		}
	}

	if err != nil {
		m.logger.Errorf("Deletion failed for server %s: %v", server.Name(), err)
		if !options.RemoveFromTracking {
			server.ClearShutdown()
		}
		if options.Reason == provider.DeletionReasonErrorRecovery {
			return nil
		}
		return err
	}

	m.logger.Infof("Completed deletion for server: %s (%s)", server.Name(), server.ID())
	return nil
}

func (m *Manager) performDeletion(ctx context.Context, server *domain.Server, options provider.DeletionOptions) error {
	if _, known := m.provider.GetServer(ctx, server.ID()); known {
		if options.GracefulStop {
			if err := m.provider.StopServer(ctx, server, true); err != nil {
				m.logger.Warnf("Graceful stop of %s failed, forcing removal: %v", server.Name(), err)
			}
		}
		if _, err := m.provider.DeleteServer(ctx, server.ID()); err != nil {
			return err
		}
	} else {
		m.logger.Warnf("Backend instance not found for server: %s - assuming already deleted", server.Name())
	}

	server.Update(func(info *domain.ServerInfo) {
		info.Status = domain.ServerStatusStopped
		info.OnlinePlayers = 0
		info.OnlinePlayerNames = []string{}
	})

	if options.CleanupDirectory {
		return m.directories.Cleanup(server.Info())
	}
	return nil
}

// Stop halts a server. A restart stop and any STATIC stop keep directory and tracking;
// stopping a DYNAMIC server outside a restart deletes it.
func (m *Manager) Stop(ctx context.Context, server *domain.Server, isRestart bool) error {
	if !isRestart && server.Type() == domain.ServerTypeDynamic {
		return m.DeleteCompletely(ctx, server, provider.DeleteUserCommand())
	}

	options := provider.DeleteServerRestart()
	if !isRestart {
		options.Reason = provider.DeletionReasonUserCommand
	}

	if err := m.DeleteCompletely(ctx, server, options); err != nil {
		m.logger.Warnf("Stop failed for server %s: %v", server.Name(), err)
		return err
	}
	server.ClearShutdown()
	return nil
}

// IsValidServerID checks an operator-supplied id against the rules of its server type
func (m *Manager) IsValidServerID(serverID string, serverType domain.ServerType) bool {
	if serverType == domain.ServerTypeStatic {
		return IsValidStaticServerID(serverID)
	}
	return serverID != ""
}
